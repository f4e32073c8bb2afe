// Package billing implements the reserved-capacity buffer: usage beyond
// a tenant's included VEx/FU allowance is enqueued against tiered
// overage pricing and flushed to an external payment-events sink.
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/signet-gw/gateway/pkg/metrics"
	"github.com/signet-gw/gateway/pkg/store"
	"github.com/signet-gw/gateway/pkg/tenant"
)

// Sink is the external payment-events collaborator (Stripe-shaped in
// the reference implementation, abstracted here to any usage-record
// receiver).
type Sink interface {
	RecordUsage(ctx context.Context, stripeItem string, units int, ts time.Time) error
}

// Metrics are the billing-specific prometheus instruments; callers
// create one Metrics per registry and pass it to NewBuffer. Remaining
// reserved capacity is reported through the gateway-wide
// reserved_vex_capacity/reserved_fu_capacity gauges in pkg/metrics
// rather than a billing-local gauge, so both the exchange handler and
// the billing buffer publish to the one pair of names spec.md §6.1
// names.
type Metrics struct {
	Enqueued       *prometheus.CounterVec
	OverageCharges *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_enqueued_total",
			Help: "Billing items enqueued for delivery, by dimension.",
		}, []string{"type"}),
		OverageCharges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "overage_charges_total",
			Help: "Estimated overage charges enqueued, by tenant and dimension.",
		}, []string{"tenant", "dimension"}),
	}
	reg.MustRegister(m.Enqueued, m.OverageCharges)
	return m
}

// Buffer enqueues usage against tiered overage pricing and periodically
// flushes the FIFO queue to Sink. Gauges is optional; when nil, reserved
// capacity is not reported (e.g. in tests built without a live registry).
type Buffer struct {
	queue   store.BillingQueue
	usage   store.UsageLedger
	sink    Sink
	metrics *Metrics
	gauges  *metrics.Metrics
}

func NewBuffer(queue store.BillingQueue, usage store.UsageLedger, sink Sink, m *Metrics, gauges *metrics.Metrics) *Buffer {
	return &Buffer{queue: queue, usage: usage, sink: sink, metrics: m, gauges: gauges}
}

// EnqueueVEx records one verified-exchange unit of usage and, if the
// tenant has reserved capacity configured, enqueues a billing item sized
// to whatever portion of the usage exceeds the reservation.
func (b *Buffer) EnqueueVEx(ctx context.Context, apiKey string, cfg tenant.Config, units int) error {
	return b.enqueue(ctx, apiKey, cfg, units, "vex", cfg.StripeItemVEx, func(r tenant.Reserved) (int, []tenant.OverageTier) {
		return r.VEx, r.VExOverageTiers
	})
}

// EnqueueFU records fallback-unit (LLM repair token) usage.
func (b *Buffer) EnqueueFU(ctx context.Context, apiKey string, cfg tenant.Config, tokens int) error {
	return b.enqueue(ctx, apiKey, cfg, tokens, "fu", cfg.StripeItemFU, func(r tenant.Reserved) (int, []tenant.OverageTier) {
		return r.FU, r.FUOverageTiers
	})
}

func (b *Buffer) enqueue(ctx context.Context, apiKey string, cfg tenant.Config, units int, dimension, stripeItem string, pick func(tenant.Reserved) (int, []tenant.OverageTier)) error {
	if b.metrics != nil {
		b.metrics.Enqueued.WithLabelValues(dimension).Inc()
	}

	if cfg.Reserved == nil || stripeItem == "" {
		return nil
	}
	reserved, tiers := pick(*cfg.Reserved)

	period := time.Now().UTC().Format("2006-01")
	var monthly int
	if b.usage != nil {
		vex, fu, err := b.usage.MonthlyUsage(ctx, cfg.Tenant, period)
		if err != nil {
			return fmt.Errorf("billing: monthly usage: %w", err)
		}
		if dimension == "vex" {
			monthly = vex
		} else {
			monthly = fu
		}
	}

	overage := monthly + units - reserved
	if b.gauges != nil {
		remaining := reserved - monthly
		if remaining < 0 {
			remaining = 0
		}
		if dimension == "vex" {
			b.gauges.ReservedVExCapacity.WithLabelValues(cfg.Tenant).Set(float64(remaining))
		} else {
			b.gauges.ReservedFUCapacity.WithLabelValues(cfg.Tenant).Set(float64(remaining))
		}
	}
	if overage <= 0 {
		return nil
	}

	chargeable := overage
	if overage > units {
		chargeable = units
	}

	tier := selectTier(tiers, overage)
	if b.metrics != nil && tier != nil {
		b.metrics.OverageCharges.WithLabelValues(cfg.Tenant, dimension).Add(float64(chargeable) * tier.UnitPrice)
	}

	return b.queue.Enqueue(ctx, apiKey, stripeItem, chargeable, time.Now().Unix())
}

// selectTier returns the first tier in list order whose Threshold is
// greater than or equal to overage, falling back to the last tier if
// none matches. This is the original implementation's exact behavior,
// preserved per spec.md §9's open question rather than "fixed" to a
// sorted-by-threshold scheme.
func selectTier(tiers []tenant.OverageTier, overage int) *tenant.OverageTier {
	for i := range tiers {
		if tiers[i].Threshold >= overage {
			return &tiers[i]
		}
	}
	if len(tiers) > 0 {
		return &tiers[len(tiers)-1]
	}
	return nil
}

// Flush drains up to batchSize FIFO billing items and attempts delivery
// to Sink. Items succeeding, or exceeding maxRetries, are removed;
// others have their retry counter bumped. Sink failures never propagate
// into the exchange path — flush is always called out-of-band.
func (b *Buffer) Flush(ctx context.Context, batchSize, maxRetries int) (flushed, retried int, err error) {
	items, err := b.queue.Dequeue(ctx, batchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("billing: dequeue: %w", err)
	}

	var done, bump []int64
	for _, it := range items {
		deliverErr := b.sink.RecordUsage(ctx, it.StripeItem, it.Units, time.Unix(it.TS, 0))
		if deliverErr == nil {
			done = append(done, it.ID)
			flushed++
			continue
		}
		if it.Retries+1 >= maxRetries {
			done = append(done, it.ID)
			continue
		}
		bump = append(bump, it.ID)
		retried++
	}

	if len(done) > 0 {
		if err := b.queue.Delete(ctx, done); err != nil {
			return flushed, retried, fmt.Errorf("billing: delete flushed items: %w", err)
		}
	}
	if len(bump) > 0 {
		if err := b.queue.BumpRetries(ctx, bump); err != nil {
			return flushed, retried, fmt.Errorf("billing: bump retries: %w", err)
		}
	}
	return flushed, retried, nil
}
