package httpapi

import (
	"context"
	"net/http"

	"github.com/signet-gw/gateway/pkg/tenant"
)

type authKey struct{}

// authed is the resolved tenant identity threaded through context after
// the API-Key middleware runs.
type authed struct {
	apiKey string
	cfg    tenant.Config
}

// RequireAPIKey extracts the API-Key header, looks it up in the tenant
// registry, and rejects the request otherwise — fail closed, matching
// spec.md §7's 401 MISSING_KEY/INVALID_KEY taxonomy.
func RequireAPIKey(reg *tenant.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("API-Key")
			if key == "" {
				WriteProblem(w, r, http.StatusUnauthorized, "MISSING_KEY", "API-Key header is required")
				return
			}
			cfg, ok := reg.Lookup(key)
			if !ok {
				WriteProblem(w, r, http.StatusUnauthorized, "INVALID_KEY", "API-Key is not recognized")
				return
			}
			ctx := context.WithValue(r.Context(), authKey{}, authed{apiKey: key, cfg: cfg})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Authed extracts the tenant identity resolved by RequireAPIKey.
func Authed(ctx context.Context) (apiKey string, cfg tenant.Config, ok bool) {
	a, ok := ctx.Value(authKey{}).(authed)
	if !ok {
		return "", tenant.Config{}, false
	}
	return a.apiKey, a.cfg, true
}

// RateLimit enforces per-API-key backpressure on mutating endpoints.
// A nil limiter fails open (no limiter configured).
func RateLimit(limiter Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			actorID := r.Header.Get("API-Key")
			if actorID == "" {
				actorID = r.RemoteAddr
			}
			allowed, err := limiter.Allow(r.Context(), actorID)
			if err != nil || allowed {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Retry-After", "1")
			WriteProblem(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
		})
	}
}
