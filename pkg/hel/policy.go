// Package hel implements the Host Egress List policy: the
// allowlist + DNS-resolution gate applied to every forward destination
// before the IP-pinned forwarder is allowed to dial it.
package hel

import (
	"context"
	"net/url"
	"strings"

	"github.com/signet-gw/gateway/pkg/resolver"
)

const (
	ReasonSchemeNotHTTPS = "HEL_SCHEME_NOT_HTTPS"
	ReasonHostNotAllowed = "HEL_HOST_NOT_ALLOWED"
	ReasonOK             = "ok"
)

// Decision is the policy snapshot recorded on a receipt.
type Decision struct {
	Engine  string `json:"engine"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	Host    string `json:"host,omitempty"`
}

// Allow evaluates the HEL policy for an optional forward URL. An empty
// forwardURL always allows (there is nothing to forward).
func Allow(ctx context.Context, res *resolver.Resolver, tenantAllowlist, globalAllowlist []string, forwardURL string) Decision {
	if forwardURL == "" {
		return Decision{Engine: "HEL", Allowed: true, Reason: ReasonOK}
	}

	u, err := url.Parse(forwardURL)
	if err != nil {
		return Decision{Engine: "HEL", Allowed: false, Reason: ReasonHostNotAllowed}
	}
	if strings.ToLower(u.Scheme) != "https" {
		return Decision{Engine: "HEL", Allowed: false, Reason: ReasonSchemeNotHTTPS, Host: u.Host}
	}

	host := strings.ToLower(u.Hostname())
	if !hostAllowed(host, tenantAllowlist, globalAllowlist) {
		return Decision{Engine: "HEL", Allowed: false, Reason: ReasonHostNotAllowed, Host: host}
	}

	if res == nil {
		res = resolver.New()
	}
	ok, reason, _ := res.Resolve(ctx, host)
	if !ok {
		return Decision{Engine: "HEL", Allowed: false, Reason: reason, Host: host}
	}

	return Decision{Engine: "HEL", Allowed: true, Reason: ReasonOK, Host: host}
}

func hostAllowed(host string, lists ...[]string) bool {
	for _, list := range lists {
		for _, h := range list {
			if strings.ToLower(strings.TrimSpace(h)) == host {
				return true
			}
		}
	}
	return false
}
