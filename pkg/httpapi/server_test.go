package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/signet-gw/gateway/pkg/exchange"
	"github.com/signet-gw/gateway/pkg/metrics"
	"github.com/signet-gw/gateway/pkg/repair"
	"github.com/signet-gw/gateway/pkg/schema"
	"github.com/signet-gw/gateway/pkg/store"
	"github.com/signet-gw/gateway/pkg/tenant"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	routes := schema.NewRegistry()
	for _, def := range schema.DefaultRoutes() {
		if err := routes.Register(def); err != nil {
			t.Fatalf("register route: %v", err)
		}
	}
	st := store.NewMemory()
	m := metrics.New()
	handler := exchange.NewHandler(st, routes, nil, repair.NullProvider{}, nil, m, nil)

	tenants := tenant.NewRegistry(map[string]tenant.Config{
		"test-key": {Tenant: "acme"},
	}, nil)

	return &Server{
		Exchange:    handler,
		Store:       st,
		Metrics:     m,
		Tenants:     tenants,
		StorageKind: "memory",
	}
}

func invoicePayload() map[string]any {
	return map[string]any{
		"invoice_id":    "INV-2001",
		"amount":        float64(50),
		"currency":      "USD",
		"customer_name": "Widgets Inc",
		"tool_calls": []any{
			map[string]any{
				"function": map[string]any{
					"arguments": `{"invoice_id":"INV-2001","amount":50,"currency":"USD","customer_name":"Widgets Inc"}`,
				},
			},
		},
	}
}

func TestHealthzReportsOK(t *testing.T) {
	srv := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok=true, got %v", body)
	}
}

func TestJWKSWithNoSignerReturnsEmptyKeySet(t *testing.T) {
	srv := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Keys []any `json:"keys"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Keys) != 0 {
		t.Fatalf("expected empty key set without a configured signer, got %d keys", len(body.Keys))
	}
}

func TestExchangeRequiresAPIKey(t *testing.T) {
	srv := testServer(t)
	body, _ := json.Marshal(map[string]any{"payload_type": "x", "target_type": "y"})
	req := httptest.NewRequest(http.MethodPost, "/v1/exchange", strings.NewReader(string(body)))
	req.Header.Set("Idempotency-Key", "k1")
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
	var problem ProblemDetail
	if err := json.Unmarshal(rec.Body.Bytes(), &problem); err != nil {
		t.Fatalf("unmarshal problem: %v", err)
	}
	if problem.Code != "MISSING_KEY" {
		t.Fatalf("expected MISSING_KEY, got %s", problem.Code)
	}
}

func TestExchangeRejectsUnknownAPIKey(t *testing.T) {
	srv := testServer(t)
	body, _ := json.Marshal(map[string]any{"payload_type": "x", "target_type": "y"})
	req := httptest.NewRequest(http.MethodPost, "/v1/exchange", strings.NewReader(string(body)))
	req.Header.Set("Idempotency-Key", "k1")
	req.Header.Set("API-Key", "nope")
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var problem ProblemDetail
	_ = json.Unmarshal(rec.Body.Bytes(), &problem)
	if problem.Code != "INVALID_KEY" {
		t.Fatalf("expected INVALID_KEY, got %s", problem.Code)
	}
}

func TestExchangeRequiresIdempotencyKey(t *testing.T) {
	srv := testServer(t)
	body, _ := json.Marshal(map[string]any{"payload_type": "x", "target_type": "y"})
	req := httptest.NewRequest(http.MethodPost, "/v1/exchange", strings.NewReader(string(body)))
	req.Header.Set("API-Key", "test-key")
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var problem ProblemDetail
	_ = json.Unmarshal(rec.Body.Bytes(), &problem)
	if problem.Code != "MISSING_IDEM" {
		t.Fatalf("expected MISSING_IDEM, got %s", problem.Code)
	}
}

func TestExchangeEndToEndSucceeds(t *testing.T) {
	srv := testServer(t)
	reqBody := exchange.Request{
		PayloadType: "openai.tooluse.invoice.v1",
		TargetType:  "invoice.iso20022.v1",
		Payload:     invoicePayload(),
	}
	raw, _ := json.Marshal(reqBody)

	req := httptest.NewRequest(http.MethodPost, "/v1/exchange", strings.NewReader(string(raw)))
	req.Header.Set("API-Key", "test-key")
	req.Header.Set("Idempotency-Key", "idem-1")
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp exchange.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.TraceID == "" {
		t.Fatal("expected a trace id")
	}
	if rec.Header().Get("Trace") != resp.TraceID {
		t.Fatalf("expected Trace header to match trace id, got %q vs %q", rec.Header().Get("Trace"), resp.TraceID)
	}

	chainReq := httptest.NewRequest(http.MethodGet, "/v1/receipts/chain/"+resp.TraceID, nil)
	chainRec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(chainRec, chainReq)
	if chainRec.Code != http.StatusOK {
		t.Fatalf("expected 200 from chain lookup, got %d", chainRec.Code)
	}
	var chain []map[string]any
	if err := json.Unmarshal(chainRec.Body.Bytes(), &chain); err != nil {
		t.Fatalf("unmarshal chain: %v", err)
	}
	if len(chain) != 1 {
		t.Fatalf("expected 1 receipt in chain, got %d", len(chain))
	}
}

func TestExchangeIdempotentReplaySetsHitHeader(t *testing.T) {
	srv := testServer(t)
	reqBody := exchange.Request{
		PayloadType: "openai.tooluse.invoice.v1",
		TargetType:  "invoice.iso20022.v1",
		Payload:     invoicePayload(),
	}
	raw, _ := json.Marshal(reqBody)

	for i, wantHit := range []bool{false, true} {
		req := httptest.NewRequest(http.MethodPost, "/v1/exchange", strings.NewReader(string(raw)))
		req.Header.Set("API-Key", "test-key")
		req.Header.Set("Idempotency-Key", "idem-replay")
		rec := httptest.NewRecorder()
		srv.Routes().ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("call %d: expected 200, got %d", i, rec.Code)
		}
		gotHit := rec.Header().Get("Idempotency-Hit") == "1"
		if gotHit != wantHit {
			t.Fatalf("call %d: expected hit=%v, got %v", i, wantHit, gotHit)
		}
	}
}

func TestExchangeSchemaViolationReturns422(t *testing.T) {
	srv := testServer(t)
	reqBody := exchange.Request{
		PayloadType: "openai.tooluse.invoice.v1",
		TargetType:  "invoice.iso20022.v1",
		Payload: map[string]any{
			"invoice_id": "INV-2001",
			// amount and currency are required but missing.
		},
	}
	raw, _ := json.Marshal(reqBody)

	req := httptest.NewRequest(http.MethodPost, "/v1/exchange", strings.NewReader(string(raw)))
	req.Header.Set("API-Key", "test-key")
	req.Header.Set("Idempotency-Key", "idem-bad")
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
	var problem ProblemDetail
	_ = json.Unmarshal(rec.Body.Bytes(), &problem)
	if problem.Code != "INPUT_SCHEMA_INVALID" {
		t.Fatalf("expected INPUT_SCHEMA_INVALID, got %s", problem.Code)
	}
}

func TestBillingReportReturnsNotFoundForUnknownTenant(t *testing.T) {
	srv := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/billing/report/ghost/2026-07", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var problem ProblemDetail
	_ = json.Unmarshal(rec.Body.Bytes(), &problem)
	if problem.Code != "TENANT_NOT_FOUND" {
		t.Fatalf("expected TENANT_NOT_FOUND, got %s", problem.Code)
	}
}

func TestMetricsEndpointExposesPrometheusText(t *testing.T) {
	srv := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "exchanges_total") {
		t.Fatalf("expected exchanges_total metric in output, got:\n%s", rec.Body.String())
	}
}
