package exchange

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/signet-gw/gateway/pkg/repair"
	"github.com/signet-gw/gateway/pkg/schema"
	"github.com/signet-gw/gateway/pkg/store"
	"github.com/signet-gw/gateway/pkg/tenant"
)

func testHandler(t *testing.T) *Handler {
	t.Helper()
	routes := schema.NewRegistry()
	for _, def := range schema.DefaultRoutes() {
		if err := routes.Register(def); err != nil {
			t.Fatalf("register route: %v", err)
		}
	}
	st := store.NewMemory()
	h := NewHandler(st, routes, nil, repair.NullProvider{}, nil, nil, nil)
	return h
}

func invoiceRequest(argumentsJSON string) Request {
	return Request{
		PayloadType: "openai.tooluse.invoice.v1",
		TargetType:  "invoice.iso20022.v1",
		Payload: map[string]any{
			"invoice_id":    "INV-1001",
			"amount":        float64(100),
			"currency":      "USD",
			"customer_name": "Acme Corp",
			"tool_calls": []any{
				map[string]any{
					"function": map[string]any{
						"arguments": argumentsJSON,
					},
				},
			},
		},
	}
}

func TestExchangeHappyPathProducesNormalizedInvoice(t *testing.T) {
	h := testHandler(t)
	auth := AuthContext{APIKey: "key1", Tenant: tenant.Config{Tenant: "acme"}}
	req := invoiceRequest(`{"invoice_id":"INV-1001","amount":100,"currency":"USD","customer_name":"Acme Corp"}`)

	body, hit, err := h.Exchange(context.Background(), auth, "idem-1", req)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if hit {
		t.Fatal("expected first call to not be an idempotency hit")
	}

	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.TraceID == "" {
		t.Fatal("expected a generated trace id")
	}
	if resp.Receipt.Hop != 1 {
		t.Fatalf("expected first hop to be 1, got %d", resp.Receipt.Hop)
	}
	if resp.Receipt.ReceiptHash == "" {
		t.Fatal("expected a receipt hash")
	}
	if resp.Receipt.PrevReceiptHash != "" {
		t.Fatalf("expected empty prev hash for first hop, got %q", resp.Receipt.PrevReceiptHash)
	}

	amount, ok := resp.Normalized["amount"].(map[string]any)
	if !ok {
		t.Fatalf("expected nested amount object, got %v", resp.Normalized["amount"])
	}
	if amount["currency"] != "USD" {
		t.Fatalf("expected currency USD, got %v", amount["currency"])
	}
	minor, ok := amount["minor"].(float64)
	if !ok || int64(minor) != 10000 {
		t.Fatalf("expected minor 10000, got %v", amount["minor"])
	}

	chain, err := h.Store.Chain(context.Background(), resp.TraceID)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if len(chain) != 1 {
		t.Fatalf("expected one persisted receipt, got %d", len(chain))
	}
	persisted := chain[0]
	if persisted.Hop != 1 {
		t.Fatalf("expected persisted hop 1, got %d", persisted.Hop)
	}
	recomputed, err := store.BuildReceiptHash(&persisted)
	if err != nil {
		t.Fatalf("rebuild receipt hash: %v", err)
	}
	if recomputed != persisted.ReceiptHash {
		t.Fatalf("receipt_hash not reproducible: stored %q, recomputed %q", persisted.ReceiptHash, recomputed)
	}
}

func TestExchangeIdempotencyReplaysCachedResponse(t *testing.T) {
	h := testHandler(t)
	auth := AuthContext{APIKey: "key1", Tenant: tenant.Config{Tenant: "acme"}}
	req := invoiceRequest(`{"invoice_id":"INV-1001","amount":100,"currency":"USD","customer_name":"Acme Corp"}`)

	first, hit1, err := h.Exchange(context.Background(), auth, "idem-2", req)
	if err != nil {
		t.Fatalf("first exchange: %v", err)
	}
	if hit1 {
		t.Fatal("expected first call to miss the idempotency cache")
	}

	second, hit2, err := h.Exchange(context.Background(), auth, "idem-2", req)
	if err != nil {
		t.Fatalf("second exchange: %v", err)
	}
	if !hit2 {
		t.Fatal("expected second call with the same idempotency key to hit the cache")
	}
	if string(first) != string(second) {
		t.Fatal("expected identical cached response body")
	}
}

func TestExchangeChainsSecondHopOntoFirst(t *testing.T) {
	h := testHandler(t)
	auth := AuthContext{APIKey: "key1", Tenant: tenant.Config{Tenant: "acme"}}
	req := invoiceRequest(`{"invoice_id":"INV-1001","amount":100,"currency":"USD","customer_name":"Acme Corp"}`)
	req.TraceID = "trace-fixed"

	firstBody, _, err := h.Exchange(context.Background(), auth, "idem-a", req)
	if err != nil {
		t.Fatalf("first exchange: %v", err)
	}
	var first Response
	_ = json.Unmarshal(firstBody, &first)

	secondBody, _, err := h.Exchange(context.Background(), auth, "idem-b", req)
	if err != nil {
		t.Fatalf("second exchange: %v", err)
	}
	var second Response
	_ = json.Unmarshal(secondBody, &second)

	if second.Receipt.Hop != first.Receipt.Hop+1 {
		t.Fatalf("expected hop %d, got %d", first.Receipt.Hop+1, second.Receipt.Hop)
	}
	if second.Receipt.PrevReceiptHash != first.Receipt.ReceiptHash {
		t.Fatalf("expected second hop's prev hash to equal first hop's receipt hash")
	}
}

func TestExchangeRejectsStaleExpectedPrev(t *testing.T) {
	h := testHandler(t)
	auth := AuthContext{APIKey: "key1", Tenant: tenant.Config{Tenant: "acme"}}
	req := invoiceRequest(`{"invoice_id":"INV-1001","amount":100,"currency":"USD","customer_name":"Acme Corp"}`)
	req.TraceID = "trace-conflict"

	if _, _, err := h.Exchange(context.Background(), auth, "idem-c", req); err != nil {
		t.Fatalf("first exchange: %v", err)
	}

	req2 := req
	req2.ExpectedPrev = "sha256:not-the-real-head"
	_, _, err := h.Exchange(context.Background(), auth, "idem-d", req2)
	if err == nil {
		t.Fatal("expected chain conflict error")
	}
	exErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *exchange.Error, got %T: %v", err, err)
	}
	if exErr.Code != "CHAIN_CONFLICT" {
		t.Fatalf("expected CHAIN_CONFLICT, got %s", exErr.Code)
	}
}

func TestExchangeRejectsUnknownRoute(t *testing.T) {
	h := testHandler(t)
	auth := AuthContext{APIKey: "key1", Tenant: tenant.Config{Tenant: "acme"}}
	req := invoiceRequest(`{"invoice_id":"INV-1001","amount":100,"currency":"USD"}`)
	req.TargetType = "no.such.target"

	_, _, err := h.Exchange(context.Background(), auth, "idem-e", req)
	if err == nil {
		t.Fatal("expected an error for an unregistered route")
	}
	exErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *exchange.Error, got %T: %v", err, err)
	}
	if exErr.Code != "INPUT_SCHEMA_INVALID" {
		t.Fatalf("expected INPUT_SCHEMA_INVALID, got %s", exErr.Code)
	}
}

func TestExchangeRejectsMissingRequiredSourceField(t *testing.T) {
	h := testHandler(t)
	auth := AuthContext{APIKey: "key1", Tenant: tenant.Config{Tenant: "acme"}}
	req := Request{
		PayloadType: "openai.tooluse.invoice.v1",
		TargetType:  "invoice.iso20022.v1",
		Payload: map[string]any{
			"invoice_id": "INV-1001",
			// amount and currency are required but missing.
		},
	}

	_, _, err := h.Exchange(context.Background(), auth, "idem-f", req)
	if err == nil {
		t.Fatal("expected a schema validation error")
	}
	exErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *exchange.Error, got %T: %v", err, err)
	}
	if exErr.Code != "INPUT_SCHEMA_INVALID" {
		t.Fatalf("expected INPUT_SCHEMA_INVALID, got %s", exErr.Code)
	}
}

func TestExchangeRejectsUnparseableToolArguments(t *testing.T) {
	h := testHandler(t)
	auth := AuthContext{APIKey: "key1", Tenant: tenant.Config{Tenant: "acme"}}
	req := invoiceRequest(`{not even close to json`)

	_, _, err := h.Exchange(context.Background(), auth, "idem-g", req)
	if err == nil {
		t.Fatal("expected arguments-unparseable error when heuristics and fallback both fail")
	}
	exErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *exchange.Error, got %T: %v", err, err)
	}
	if exErr.Code != "ARGUMENTS_UNPARSEABLE" && exErr.Code != "FALLBACK_DISABLED" {
		t.Fatalf("expected ARGUMENTS_UNPARSEABLE or FALLBACK_DISABLED, got %s", exErr.Code)
	}
}
