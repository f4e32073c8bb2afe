package repair

import "fmt"

// QuotaChecker is the subset of tenant configuration the quota check
// needs; kept narrow so pkg/tenant does not import pkg/repair.
type QuotaChecker interface {
	FallbackEnabled() bool
	FUMonthlyLimit() (limit int, has bool)
}

// UsageLookup resolves a tenant's fallback-unit usage for the current
// billing month.
type UsageLookup func(tenant string) (used int, err error)

const (
	ReasonFallbackDisabled = "FALLBACK_DISABLED"
	ReasonQuotaExceeded    = "FU_QUOTA_EXCEEDED"
)

// CheckQuota reports whether a fallback repair costing estimated tokens
// may proceed for the given tenant.
func CheckQuota(cfg QuotaChecker, tenant string, estimated int, usage UsageLookup) (allowed bool, reason string) {
	if !cfg.FallbackEnabled() {
		return false, ReasonFallbackDisabled
	}
	limit, has := cfg.FUMonthlyLimit()
	if !has {
		return true, ""
	}
	used := 0
	if usage != nil {
		if u, err := usage(tenant); err == nil {
			used = u
		}
	}
	if used+estimated > limit {
		return false, fmt.Sprintf("%s:%d/%d", ReasonQuotaExceeded, used, limit)
	}
	return true, ""
}
