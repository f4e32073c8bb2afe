// Package tenant holds the process-wide, immutable-after-load tenant
// configuration: API-key identity, per-tenant allowlist, fallback
// enablement, and reserved-capacity billing settings.
package tenant

import "strings"

// OverageTier is one step of a tiered-overage pricing schedule. Tier
// selection uses the first tier in list order whose Threshold is >= the
// overage amount, matching the original implementation's behavior
// exactly (see DESIGN.md — this is an inherited, not corrected, policy).
type OverageTier struct {
	Threshold int     `json:"threshold"`
	UnitPrice float64 `json:"unit_price"`
}

// Reserved is a tenant's included capacity before overage tiers apply.
type Reserved struct {
	VEx            int           `json:"reserved_vex"`
	FU             int           `json:"reserved_fu"`
	VExOverageTiers []OverageTier `json:"vex_overage_tiers"`
	FUOverageTiers  []OverageTier `json:"fu_overage_tiers"`
}

// Config is one tenant's static configuration.
type Config struct {
	Tenant         string    `json:"tenant"`
	Allowlist      []string  `json:"allowlist"`
	FallbackOK     bool      `json:"fallback_enabled"`
	FUMonthlyCap   *int      `json:"fu_monthly_limit,omitempty"`
	StripeItemVEx  string    `json:"stripe_item_vex,omitempty"`
	StripeItemFU   string    `json:"stripe_item_fu,omitempty"`
	Reserved       *Reserved `json:"reserved,omitempty"`
}

// FallbackEnabled satisfies pkg/repair.QuotaChecker.
func (c Config) FallbackEnabled() bool { return c.FallbackOK }

// FUMonthlyLimit satisfies pkg/repair.QuotaChecker.
func (c Config) FUMonthlyLimit() (int, bool) {
	if c.FUMonthlyCap == nil {
		return 0, false
	}
	return *c.FUMonthlyCap, true
}

// Registry maps API keys to tenant configuration, plus the global
// allowlist that supplements every tenant's own.
type Registry struct {
	byKey           map[string]Config
	GlobalAllowlist []string
}

func NewRegistry(byKey map[string]Config, globalAllowlist []string) *Registry {
	return &Registry{byKey: byKey, GlobalAllowlist: globalAllowlist}
}

// Lookup resolves an API key to its tenant configuration.
func (r *Registry) Lookup(apiKey string) (Config, bool) {
	cfg, ok := r.byKey[apiKey]
	return cfg, ok
}

// Keys returns every registered API key, for lookups keyed by tenant
// name rather than API key (e.g. the billing-report endpoint).
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.byKey))
	for k := range r.byKey {
		keys = append(keys, k)
	}
	return keys
}

// TenantNames returns every distinct tenant name across the registry,
// for callers (e.g. per-tenant key derivation) that index by name
// rather than by API key.
func (r *Registry) TenantNames() []string {
	seen := make(map[string]bool, len(r.byKey))
	names := make([]string, 0, len(r.byKey))
	for _, cfg := range r.byKey {
		if cfg.Tenant == "" || seen[cfg.Tenant] {
			continue
		}
		seen[cfg.Tenant] = true
		names = append(names, cfg.Tenant)
	}
	return names
}

// ByTenant resolves a tenant name (not API key) to its configuration.
func (r *Registry) ByTenant(name string) (Config, bool) {
	for _, cfg := range r.byKey {
		if cfg.Tenant == name {
			return cfg, true
		}
	}
	return Config{}, false
}

// HostAllowed checks a forward host against a tenant's allowlist plus
// the global allowlist, case-folded.
func (c Config) HostAllowed(host string, global []string) bool {
	host = strings.ToLower(host)
	for _, h := range c.Allowlist {
		if strings.ToLower(strings.TrimSpace(h)) == host {
			return true
		}
	}
	for _, h := range global {
		if strings.ToLower(strings.TrimSpace(h)) == host {
			return true
		}
	}
	return false
}
