// Package adminauth gates the operator-facing receipt/billing endpoints
// behind an optional bearer JWT, layered in front of the per-tenant
// API-Key auth that guards /v1/exchange. A deployment with no admin
// secret configured leaves these endpoints open to anyone who can reach
// the gateway, matching single-tenant/local-dev setups; configuring
// ADMIN_JWT_SECRET switches them to fail-closed.
package adminauth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the JWT claim set an admin bearer token must carry.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

// Validator validates HS256-signed admin tokens against a shared secret.
// A nil *Validator disables the check entirely (Require becomes a
// no-op pass-through).
type Validator struct {
	secret []byte
}

// New constructs a Validator from a configured secret. An empty secret
// returns nil: admin auth is disabled.
func New(secret string) *Validator {
	if secret == "" {
		return nil
	}
	return &Validator{secret: []byte(secret)}
}

// Validate parses and verifies tokenStr, requiring an "admin" role claim.
func (v *Validator) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("adminauth: unexpected signing method")
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("adminauth: invalid token")
	}
	if !hasRole(claims.Roles, "admin") {
		return nil, errors.New("adminauth: admin role required")
	}
	return claims, nil
}

func hasRole(roles []string, want string) bool {
	for _, r := range roles {
		if r == want {
			return true
		}
	}
	return false
}

type claimsKey struct{}

// Require wraps next so that requests must carry a valid "Bearer <jwt>"
// Authorization header when v is configured. If v is nil, next runs
// unconditionally.
func Require(v *Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if v == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			tokenStr, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || tokenStr == "" {
				writeUnauthorized(w)
				return
			}
			claims, err := v.Validate(tokenStr)
			if err != nil {
				writeUnauthorized(w)
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"type":"https://signet-gw.local/errors/ADMIN_AUTH_REQUIRED","title":"Unauthorized","status":401,"code":"ADMIN_AUTH_REQUIRED"}`))
}

// FromContext extracts the admin claims Require attached, if any.
func FromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}
