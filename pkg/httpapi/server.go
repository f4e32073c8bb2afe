package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/signet-gw/gateway/pkg/adminauth"
	"github.com/signet-gw/gateway/pkg/artifactstore"
	"github.com/signet-gw/gateway/pkg/billing"
	"github.com/signet-gw/gateway/pkg/exchange"
	"github.com/signet-gw/gateway/pkg/metrics"
	"github.com/signet-gw/gateway/pkg/signer"
	"github.com/signet-gw/gateway/pkg/store"
	"github.com/signet-gw/gateway/pkg/tenant"
)

// Server wires every endpoint spec.md §6.1 names onto one handler.
type Server struct {
	Exchange    *exchange.Handler
	Store       store.Store
	Signer      *signer.Ed25519Signer
	Metrics     *metrics.Metrics
	Billing     *billing.Buffer
	Tenants     *tenant.Registry
	StorageKind string
	Limiter     Limiter
	Artifacts   artifactstore.Store // optional; nil disables report archival
	AdminAuth   *adminauth.Validator // optional; nil leaves admin routes open
}

// Routes builds the http.Handler for the whole API surface.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.Metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /.well-known/jwks.json", s.handleJWKS)

	admin := adminauth.Require(s.AdminAuth)
	mux.Handle("GET /v1/receipts/chain/{trace_id}", admin(http.HandlerFunc(s.handleChain)))
	mux.Handle("GET /v1/receipts/export/{trace_id}", admin(http.HandlerFunc(s.handleExport)))
	mux.Handle("GET /v1/billing/report/{tenant}/{period}", admin(http.HandlerFunc(s.handleBillingReport)))

	exchangeHandler := RequireAPIKey(s.Tenants)(RateLimit(s.Limiter)(http.HandlerFunc(s.handleExchange)))
	mux.Handle("POST /v1/exchange", exchangeHandler)

	return RequestID(mux)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"storage": s.StorageKind,
		"ts":      time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if s.Tenants != nil {
		writeJSON(w, http.StatusOK, s.Signer.JWKSWithTenants(s.Tenants.TenantNames()))
		return
	}
	writeJSON(w, http.StatusOK, s.Signer.JWKS())
}

func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	traceID := r.PathValue("trace_id")
	chain, err := s.Store.Chain(r.Context(), traceID)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

// exportBundle is the canonicalized, optionally signed chain export.
type exportBundle struct {
	TraceID    string          `json:"trace_id"`
	Chain      []store.Receipt `json:"chain"`
	ExportedAt string          `json:"exported_at"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	traceID := r.PathValue("trace_id")
	chain, err := s.Store.Chain(r.Context(), traceID)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}

	exportedAt := time.Now().UTC().Format(time.RFC3339)
	bundle := exportBundle{TraceID: traceID, Chain: chain, ExportedAt: exportedAt}

	bundleSigner := s.Signer
	if len(chain) > 0 && chain[0].Tenant != "" {
		if derived, err := s.Signer.DeriveForTenant(chain[0].Tenant); err == nil && derived != nil {
			bundleSigner = derived
		}
	}

	env, err := signer.SignBundle(bundleSigner, bundle, traceID, exportedAt)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}

	w.Header().Set("Response-CID", env.BundleCID)
	if env.Signature != "" {
		w.Header().Set("Signature", env.Signature)
		w.Header().Set("KID", env.KID)
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (s *Server) handleBillingReport(w http.ResponseWriter, r *http.Request) {
	tenantName := r.PathValue("tenant")
	period := r.PathValue("period")

	cfg, ok := s.lookupTenantByName(tenantName)
	if !ok {
		WriteProblem(w, r, http.StatusNotFound, "TENANT_NOT_FOUND", "unknown tenant")
		return
	}

	if s.Billing == nil {
		WriteProblem(w, r, http.StatusNotFound, "REPORT_NOT_FOUND", "billing not configured")
		return
	}

	reportKey := "reports/" + tenantName + "/" + period + ".json"
	if s.Artifacts != nil {
		if cached, err := s.Artifacts.Get(r.Context(), reportKey); err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Report-Cache", "hit")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(cached)
			return
		}
	}

	report, err := s.Billing.GenerateMonthlyReport(r.Context(), cfg, period)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}

	if s.Artifacts != nil {
		if data, err := json.Marshal(report); err == nil {
			_ = s.Artifacts.Put(r.Context(), reportKey, data)
		}
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) lookupTenantByName(name string) (tenant.Config, bool) {
	for _, key := range s.Tenants.Keys() {
		cfg, _ := s.Tenants.Lookup(key)
		if cfg.Tenant == name {
			return cfg, true
		}
	}
	return tenant.Config{}, false
}

func (s *Server) handleExchange(w http.ResponseWriter, r *http.Request) {
	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey == "" {
		WriteProblem(w, r, http.StatusBadRequest, "MISSING_IDEM", "Idempotency-Key header is required")
		return
	}

	var req exchange.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "INVALID_REQUEST", "malformed JSON body")
		return
	}

	apiKey, cfg, _ := Authed(r.Context())
	auth := exchange.AuthContext{APIKey: apiKey, Tenant: cfg}

	body, hit, err := s.Exchange.Exchange(r.Context(), auth, idemKey, req)
	if err != nil {
		writeExchangeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if hit {
		w.Header().Set("Idempotency-Hit", "1")
	}
	var resp exchange.Response
	_ = json.Unmarshal(body, &resp)
	w.Header().Set("Trace", resp.TraceID)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func writeExchangeError(w http.ResponseWriter, r *http.Request, err error) {
	var xerr *exchange.Error
	if e, ok := err.(*exchange.Error); ok {
		xerr = e
	} else {
		WriteInternal(w, r, err)
		return
	}
	WriteProblem(w, r, xerr.Status(), firstCode(xerr.Code), xerr.Message)
}

// firstCode strips a "SEMANTIC_VIOLATION:<rule>"-style suffix down to the
// stable problem-type slug, which the problem body uses as both its type
// and its code.
func firstCode(code string) string {
	if i := strings.IndexByte(code, ':'); i > 0 {
		return code[:i]
	}
	return code
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
