package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/signet-gw/gateway/pkg/tenant"
)

// Report is a per-tenant-per-period usage and overage rollup, supplementing
// spec.md with the original implementation's generate_monthly_report.
type Report struct {
	Tenant            string    `json:"tenant"`
	Period            string    `json:"period"`
	VExUnits          int       `json:"vex_units"`
	FUTokens          int       `json:"fu_tokens"`
	VExOverageUnits   int       `json:"vex_overage_units"`
	FUOverageUnits    int       `json:"fu_overage_units"`
	EstimatedCharges  float64   `json:"estimated_charges"`
	GeneratedAt       time.Time `json:"generated_at"`
}

// GenerateMonthlyReport computes a Report for tenant/period from the
// usage ledger, applying the same reserved-capacity/overage evaluation
// the live buffer uses.
func (b *Buffer) GenerateMonthlyReport(ctx context.Context, cfg tenant.Config, period string) (Report, error) {
	vex, fu, err := b.usage.MonthlyUsage(ctx, cfg.Tenant, period)
	if err != nil {
		return Report{}, fmt.Errorf("billing: monthly usage: %w", err)
	}

	r := Report{Tenant: cfg.Tenant, Period: period, VExUnits: vex, FUTokens: fu, GeneratedAt: time.Now().UTC()}
	if cfg.Reserved == nil {
		return r, nil
	}

	if over := vex - cfg.Reserved.VEx; over > 0 {
		r.VExOverageUnits = over
		if tier := selectTier(cfg.Reserved.VExOverageTiers, over); tier != nil {
			r.EstimatedCharges += float64(over) * tier.UnitPrice
		}
	}
	if over := fu - cfg.Reserved.FU; over > 0 {
		r.FUOverageUnits = over
		if tier := selectTier(cfg.Reserved.FUOverageTiers, over); tier != nil {
			r.EstimatedCharges += float64(over) * tier.UnitPrice
		}
	}
	return r, nil
}
