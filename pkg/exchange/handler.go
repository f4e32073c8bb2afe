// Package exchange orchestrates one synchronous exchange request through
// the state machine spec.md §4.13 describes: idempotency, sanitize,
// schema validation, repair, transform, policy, forward, and chained
// receipt append. Every suspension point is traced and timed.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/signet-gw/gateway/pkg/billing"
	"github.com/signet-gw/gateway/pkg/forward"
	"github.com/signet-gw/gateway/pkg/hel"
	"github.com/signet-gw/gateway/pkg/invariant"
	"github.com/signet-gw/gateway/pkg/jcs"
	"github.com/signet-gw/gateway/pkg/metrics"
	"github.com/signet-gw/gateway/pkg/repair"
	"github.com/signet-gw/gateway/pkg/resolver"
	"github.com/signet-gw/gateway/pkg/sanitize"
	"github.com/signet-gw/gateway/pkg/schema"
	"github.com/signet-gw/gateway/pkg/store"
	"github.com/signet-gw/gateway/pkg/tenant"
	"github.com/signet-gw/gateway/pkg/transform"
)

// Phase names the state-machine suspension points named in spec.md §4.13.
type Phase string

const (
	PhaseAuth             Phase = "AUTH"
	PhaseIdemLookup       Phase = "IDEM_LOOKUP"
	PhaseSanitize         Phase = "SANITIZE"
	PhaseValidateSrc      Phase = "VALIDATE_SRC"
	PhaseParseArgs        Phase = "PARSE_ARGS"
	PhaseRepairHeuristic  Phase = "REPAIR_HEURISTIC"
	PhaseRepairFallback   Phase = "REPAIR_FALLBACK"
	PhaseInvariantCheck   Phase = "INVARIANT_CHECK"
	PhaseTransform        Phase = "TRANSFORM"
	PhaseValidateTgt      Phase = "VALIDATE_TGT"
	PhasePolicy           Phase = "POLICY"
	PhaseForward          Phase = "FORWARD"
	PhaseCID              Phase = "CID"
	PhaseAppendReceipt    Phase = "APPEND_RECEIPT"
	PhaseRecordUsage      Phase = "RECORD_USAGE"
	PhaseEnqueueBilling   Phase = "ENQUEUE_BILLING"
	PhaseCacheIdem        Phase = "CACHE_IDEM"
)

// Tracer is the narrow observability surface the handler needs; satisfied
// by observability.ExchangeTracer (an adapter around *observability.Provider),
// nil-safe for tests that don't care about spans.
type Tracer interface {
	StartPhase(ctx context.Context, phase string) (context.Context, Span)
}

// Span is the subset of trace.Span the handler touches.
type Span interface {
	End()
}

type noopTracer struct{}

func (noopTracer) StartPhase(ctx context.Context, phase string) (context.Context, Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End() {}

// Request is the decoded POST /v1/exchange body.
type Request struct {
	TraceID     string         `json:"trace_id,omitempty"`
	PayloadType string         `json:"payload_type"`
	TargetType  string         `json:"target_type"`
	Payload     map[string]any `json:"payload"`
	ForwardURL  string         `json:"forward_url,omitempty"`
	ExpectedPrev string        `json:"expected_prev,omitempty"`
}

// Response is the POST /v1/exchange success body.
type Response struct {
	TraceID    string          `json:"trace_id"`
	Normalized map[string]any  `json:"normalized"`
	Policy     hel.Decision    `json:"policy"`
	Receipt    ReceiptView     `json:"receipt"`
	Forwarded  *forward.Result `json:"forwarded,omitempty"`
}

// ReceiptView is the receipt subset surfaced in the response body.
type ReceiptView struct {
	TS              string `json:"ts"`
	CID             string `json:"cid"`
	ReceiptHash     string `json:"receipt_hash"`
	PrevReceiptHash string `json:"prev_receipt_hash,omitempty"`
	Hop             int    `json:"hop"`
}

// Handler wires every pipeline component together behind Exchange. All
// fields are set once at startup and read-only from the hot path.
type Handler struct {
	Store      store.Store
	Routes     *schema.Registry
	Resolver   *resolver.Resolver
	Fallback   repair.Provider
	Billing    *billing.Buffer
	Metrics    *metrics.Metrics
	Tracer     Tracer
	Now        func() time.Time
	NewTraceID func() string

	GlobalAllowlist []string
	IdemTTL         time.Duration
	MaxRetries      int
	InvariantOpts   invariant.Options
}

// NewHandler constructs a Handler with the production defaults (real
// clock, uuid-based trace ids, 7-day idempotency TTL, 3 CAS retries).
func NewHandler(st store.Store, routes *schema.Registry, res *resolver.Resolver, fb repair.Provider, bill *billing.Buffer, m *metrics.Metrics, globalAllowlist []string) *Handler {
	return &Handler{
		Store:           st,
		Routes:          routes,
		Resolver:        res,
		Fallback:        fb,
		Billing:         bill,
		Metrics:         m,
		Tracer:          noopTracer{},
		Now:             func() time.Time { return time.Now().UTC() },
		NewTraceID:      func() string { return uuid.NewString() },
		GlobalAllowlist: globalAllowlist,
		IdemTTL:         7 * 24 * time.Hour,
		MaxRetries:      3,
		InvariantOpts:   invariant.DefaultOptions(),
	}
}

// AuthContext is what the boundary resolves before calling Exchange:
// the tenant the API key maps to, plus the raw key (for idempotency
// scoping and usage-ledger attribution).
type AuthContext struct {
	APIKey string
	Tenant tenant.Config
}

// Exchange runs one request through the full pipeline. idempotencyKey
// is the caller-supplied Idempotency-Key header value (already checked
// non-empty by the boundary). Returns the response body to serialize,
// whether it was served from the idempotency cache, and an error wrapping
// *Error for any terminal failure.
func (h *Handler) Exchange(ctx context.Context, auth AuthContext, idempotencyKey string, req Request) (body []byte, idempotentHit bool, err error) {
	start := time.Now()
	defer func() {
		if h.Metrics != nil {
			h.Metrics.ExchangeTotalLatency.Observe(time.Since(start).Seconds())
		}
	}()

	ctx, span := h.phase(ctx, PhaseIdemLookup)
	cached, found, lookupErr := h.Store.Get(ctx, auth.APIKey, idempotencyKey)
	span.End()
	if lookupErr != nil {
		return nil, false, fmt.Errorf("exchange: idempotency lookup: %w", lookupErr)
	}
	if found {
		if h.Metrics != nil {
			h.Metrics.IdempotentHitsTotal.Inc()
		}
		return cached, true, nil
	}

	body, err = h.run(ctx, auth, req)
	if err != nil {
		if h.Metrics != nil {
			h.Metrics.DeniedTotal.WithLabelValues(reasonCode(err)).Inc()
		}
		return nil, false, err
	}

	ctx, span = h.phase(ctx, PhaseCacheIdem)
	putErr := h.Store.Put(ctx, auth.APIKey, idempotencyKey, body, h.IdemTTL)
	span.End()
	if putErr != nil {
		return nil, false, fmt.Errorf("exchange: cache response: %w", putErr)
	}

	if h.Metrics != nil {
		h.Metrics.ExchangesTotal.Inc()
	}
	return body, false, nil
}

func (h *Handler) run(ctx context.Context, auth AuthContext, req Request) ([]byte, error) {
	traceID := req.TraceID
	if traceID == "" {
		traceID = h.NewTraceID()
	}

	ctx, span := h.phase(ctx, PhaseSanitize)
	payload, _ := sanitize.Value(any(req.Payload)).(map[string]any)
	span.End()

	route, ok := h.Routes.Lookup(req.PayloadType, req.TargetType)
	if !ok {
		return nil, errf("INPUT_SCHEMA_INVALID", "no route for %s -> %s", req.PayloadType, req.TargetType)
	}

	ctx, span = h.phase(ctx, PhaseValidateSrc)
	srcErr := route.SourceSchema.Validate(map[string]any(payload))
	span.End()
	if srcErr != nil {
		return nil, errf("INPUT_SCHEMA_INVALID", "%v", srcErr)
	}

	ctx = context.WithValue(ctx, repairCtxKey{}, &repairMeta{})
	ctx, span = h.phase(ctx, PhaseParseArgs)
	args, rawArgsText, parseErr := h.parseArgs(ctx, auth, route, payload)
	span.End()
	if parseErr != nil {
		return nil, parseErr
	}

	ctx, span = h.phase(ctx, PhaseTransform)
	normalized, xformErr := transform.Apply(route.Mapping, args)
	span.End()
	if xformErr != nil {
		return nil, errf("ARGUMENTS_UNPARSEABLE", "%v", xformErr)
	}

	ctx, span = h.phase(ctx, PhaseValidateTgt)
	tgtErr := route.TargetSchema.Validate(map[string]any(normalized))
	span.End()
	if tgtErr != nil {
		return nil, errf("OUTPUT_SCHEMA_INVALID", "%v", tgtErr)
	}

	ctx, span = h.phase(ctx, PhasePolicy)
	decision := hel.Allow(ctx, h.Resolver, auth.Tenant.Allowlist, h.GlobalAllowlist, req.ForwardURL)
	span.End()
	if !decision.Allowed {
		return nil, errf(decision.Reason, "forward denied for host %q", decision.Host)
	}

	var fwdResult *forward.Result
	if req.ForwardURL != "" {
		ctx, span = h.phase(ctx, PhaseForward)
		res := forward.Forward(ctx, h.Resolver, req.ForwardURL, normalized)
		span.End()
		fwdResult = &res
		if h.Metrics != nil {
			h.Metrics.ForwardTotal.WithLabelValues(res.Host).Inc()
		}
	}

	ctx, span = h.phase(ctx, PhaseCID)
	cid, cidErr := jcs.CID(map[string]any(normalized))
	span.End()
	if cidErr != nil {
		return nil, fmt.Errorf("exchange: canonicalize normalized payload: %w", cidErr)
	}

	policyMap := map[string]any{"engine": decision.Engine, "allowed": decision.Allowed, "reason": decision.Reason}
	if decision.Host != "" {
		policyMap["host"] = decision.Host
	}

	receipt := &store.Receipt{
		TraceID: traceID,
		TS:      h.Now().Format("2006-01-02T15:04:05Z"),
		Tenant:  auth.Tenant.Tenant,
		CID:     cid,
		Canon:   "jcs",
		Algo:    "sha256",
		Policy:  policyMap,
	}
	_ = rawArgsText
	h.applyRepairMetadata(ctx, receipt)

	// Hop, prev_receipt_hash, and receipt_hash are all finalized inside
	// Store.Append itself (under the same lock/transaction that settles
	// the CAS), since receipt_hash must be computed over the receipt's
	// final hop/prev_receipt_hash rather than a pre-CAS guess of them.
	expectedPrev := req.ExpectedPrev
	if expectedPrev == "" {
		if head, headErr := h.Store.Head(ctx, traceID); headErr == nil && head != nil {
			expectedPrev = head.LastReceiptHash
		}
	}

	// A caller-supplied expected_prev is checked exactly once; the bounded
	// retry against a re-read head applies only when the handler chose it.
	ctx, span = h.phase(ctx, PhaseAppendReceipt)
	var appendErr error
	if req.ExpectedPrev != "" {
		appendErr = h.Store.Append(ctx, receipt, expectedPrev)
	} else {
		appendErr = h.appendWithRetry(ctx, receipt, expectedPrev)
	}
	span.End()
	if appendErr != nil {
		if appendErr == store.ErrChainConflict {
			return nil, errf("CHAIN_CONFLICT", "trace %s: head changed concurrently", traceID)
		}
		return nil, fmt.Errorf("exchange: append receipt: %w", appendErr)
	}

	ctx, span = h.phase(ctx, PhaseRecordUsage)
	usageErr := h.Store.Record(ctx, store.UsageEntry{
		APIKey:   auth.APIKey,
		Tenant:   auth.Tenant.Tenant,
		TraceID:  traceID,
		Hop:      receipt.Hop,
		Verified: true,
		VExUnits: 1,
		FUTokens: receipt.FUTokens,
		TS:       time.Now().UTC(),
	})
	span.End()
	if usageErr != nil {
		return nil, fmt.Errorf("exchange: record usage: %w", usageErr)
	}
	if h.Metrics != nil {
		h.Metrics.VExUnitsTotal.Inc()
		if receipt.FUTokens > 0 {
			h.Metrics.FUTokensTotal.Add(float64(receipt.FUTokens))
		}
	}

	ctx, span = h.phase(ctx, PhaseEnqueueBilling)
	if h.Billing != nil {
		if err := h.Billing.EnqueueVEx(ctx, auth.APIKey, auth.Tenant, 1); err != nil {
			span.End()
			return nil, fmt.Errorf("exchange: enqueue vex billing: %w", err)
		}
		if receipt.FUTokens > 0 {
			if err := h.Billing.EnqueueFU(ctx, auth.APIKey, auth.Tenant, receipt.FUTokens); err != nil {
				span.End()
				return nil, fmt.Errorf("exchange: enqueue fu billing: %w", err)
			}
		}
	}
	span.End()

	resp := Response{
		TraceID:    traceID,
		Normalized: normalized,
		Policy:     decision,
		Receipt: ReceiptView{
			TS:              receipt.TS,
			CID:             receipt.CID,
			ReceiptHash:     receipt.ReceiptHash,
			PrevReceiptHash: receipt.PrevReceiptHash,
			Hop:             receipt.Hop,
		},
		Forwarded: fwdResult,
	}
	return json.Marshal(resp)
}

// repairCtxKey threads repair-phase metadata (fallback used / tokens /
// semantic violations) out to the receipt builder without widening every
// intermediate function signature.
type repairCtxKey struct{}

type repairMeta struct {
	used       bool
	tokens     int
	violations []string
}

func (h *Handler) applyRepairMetadata(ctx context.Context, r *store.Receipt) {
	meta, ok := ctx.Value(repairCtxKey{}).(*repairMeta)
	if !ok || meta == nil {
		return
	}
	r.FallbackUsed = meta.used
	r.FUTokens = meta.tokens
	r.SemanticViolation = meta.violations
}

// parseArgs extracts the tool-call arguments string (if route.ArgsPath is
// set) or treats the whole payload as already-structured args, runs the
// heuristic repair ladder, and falls back to the LLM provider under
// quota + semantic-invariant gating.
func (h *Handler) parseArgs(ctx context.Context, auth AuthContext, route schema.Route, payload map[string]any) (map[string]any, string, error) {
	if route.ArgsPath == "" {
		return payload, "", nil
	}

	rawAny, err := transform.Eval(route.ArgsPath, payload)
	if err != nil {
		return nil, "", errf("ARGUMENTS_UNPARSEABLE", "%v", err)
	}
	raw, ok := rawAny.(string)
	if !ok {
		return nil, "", errf("ARGUMENTS_UNPARSEABLE", "args path %q did not resolve to a string", route.ArgsPath)
	}

	meta, _ := ctx.Value(repairCtxKey{}).(*repairMeta)
	if meta == nil {
		meta = &repairMeta{}
	}

	if h.Metrics != nil {
		h.Metrics.RepairAttemptsTotal.Inc()
	}

	_, heurSpan := h.phase(ctx, PhaseRepairHeuristic)
	if v, ok := repair.Heuristic(raw); ok {
		heurSpan.End()
		if h.Metrics != nil {
			h.Metrics.RepairSuccessTotal.Inc()
		}
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, "", errf("ARGUMENTS_UNPARSEABLE", "repaired value is not an object")
		}
		return obj, raw, nil
	}
	heurSpan.End()

	estimated := repair.EstimateTokens(raw)
	allowed, reason := repair.CheckQuota(auth.Tenant, auth.Tenant.Tenant, estimated, h.fuUsageLookup(ctx))
	if !allowed {
		return nil, "", errf(reason, "fallback repair not permitted")
	}

	_, fbSpan := h.phase(ctx, PhaseRepairFallback)
	result, fbErr := h.Fallback.Repair(ctx, raw, route.SourceSchemaHint())
	fbSpan.End()
	if fbErr != nil {
		return nil, "", fmt.Errorf("exchange: fallback repair: %w", fbErr)
	}
	if !result.Success {
		return nil, "", errf("ARGUMENTS_UNPARSEABLE", "%s", result.Error)
	}
	if h.Metrics != nil {
		h.Metrics.FallbackUsedTotal.Inc()
		h.Metrics.RepairSuccessTotal.Inc()
	}

	var repaired map[string]any
	if err := json.Unmarshal([]byte(result.RepairedText), &repaired); err != nil {
		return nil, "", errf("ARGUMENTS_UNPARSEABLE", "fallback output is not valid JSON: %v", err)
	}

	_, invSpan := h.phase(ctx, PhaseInvariantCheck)
	ok2, violations := invariant.Check(raw, repaired, h.InvariantOpts)
	invSpan.End()
	meta.used = true
	meta.tokens = result.FUTokens
	if !ok2 {
		if h.Metrics != nil {
			h.Metrics.SemanticViolationTotal.Inc()
		}
		msgs := make([]string, len(violations))
		for i, v := range violations {
			msgs[i] = v.Rule + ":" + v.Field
		}
		meta.violations = msgs
		return nil, "", errf("SEMANTIC_VIOLATION", "%s", msgs)
	}

	return repaired, raw, nil
}

func (h *Handler) fuUsageLookup(ctx context.Context) repair.UsageLookup {
	return func(tenantName string) (int, error) {
		period := h.Now().Format("2006-01")
		_, fu, err := h.Store.MonthlyUsage(ctx, tenantName, period)
		return fu, err
	}
}

// appendWithRetry retries the CAS append a small bound of times when a
// conflict is observed against a head that itself changed mid-retry,
// per spec.md §5's "implementation may retry the CAS up to a small
// bound before surfacing ChainConflict".
func (h *Handler) appendWithRetry(ctx context.Context, r *store.Receipt, expectedPrev string) error {
	err := h.Store.Append(ctx, r, expectedPrev)
	if err == nil {
		return nil
	}
	if err != store.ErrChainConflict {
		return err
	}
	for i := 0; i < h.MaxRetries; i++ {
		head, headErr := h.Store.Head(ctx, r.TraceID)
		if headErr != nil {
			return headErr
		}
		prev := ""
		if head != nil {
			prev = head.LastReceiptHash
		}
		if err := h.Store.Append(ctx, r, prev); err == nil {
			return nil
		} else if err != store.ErrChainConflict {
			return err
		}
	}
	return store.ErrChainConflict
}

func (h *Handler) phase(ctx context.Context, p Phase) (context.Context, Span) {
	var stop func()
	if h.Metrics != nil {
		stop = h.Metrics.PhaseTimer(string(p))
	}
	tracer := h.Tracer
	if tracer == nil {
		tracer = noopTracer{}
	}
	ctx, span := tracer.StartPhase(ctx, string(p))
	if stop == nil {
		return ctx, span
	}
	return ctx, timedSpan{inner: span, stop: stop}
}

type timedSpan struct {
	inner Span
	stop  func()
}

func (t timedSpan) End() {
	t.stop()
	t.inner.End()
}

func reasonCode(err error) string {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return "INTERNAL"
}
