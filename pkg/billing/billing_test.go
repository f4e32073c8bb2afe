package billing

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/signet-gw/gateway/pkg/store"
	"github.com/signet-gw/gateway/pkg/tenant"
)

type fakeSink struct {
	calls   int
	failN   int // fail the first failN calls
	units   []int
}

func (f *fakeSink) RecordUsage(ctx context.Context, stripeItem string, units int, ts time.Time) error {
	f.calls++
	f.units = append(f.units, units)
	if f.calls <= f.failN {
		return errFake
	}
	return nil
}

var errFake = &fakeError{"sink unavailable"}

type fakeError struct{ msg string }

func (e *fakeError) Error() string { return e.msg }

func reservedConfig() tenant.Config {
	return tenant.Config{
		Tenant:        "acme",
		StripeItemVEx: "si_vex_1",
		Reserved: &tenant.Reserved{
			VEx: 100,
			VExOverageTiers: []tenant.OverageTier{
				{Threshold: 50, UnitPrice: 0.10},
				{Threshold: 500, UnitPrice: 0.05},
			},
		},
	}
}

func TestEnqueueVExNoChargeWithinReservedCapacity(t *testing.T) {
	st := store.NewMemory()
	metrics := NewMetrics(prometheus.NewRegistry())
	buf := NewBuffer(st, st, &fakeSink{}, metrics, nil)

	cfg := reservedConfig()
	if err := buf.EnqueueVEx(context.Background(), "key1", cfg, 50); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	items, _ := st.Dequeue(context.Background(), 10)
	if len(items) != 0 {
		t.Fatalf("expected no billing items under reserved capacity, got %d", len(items))
	}
}

func TestEnqueueVExChargesOverage(t *testing.T) {
	st := store.NewMemory()
	metrics := NewMetrics(prometheus.NewRegistry())
	buf := NewBuffer(st, st, &fakeSink{}, metrics, nil)

	cfg := reservedConfig()
	if err := buf.EnqueueVEx(context.Background(), "key1", cfg, 120); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	items, _ := st.Dequeue(context.Background(), 10)
	if len(items) != 1 {
		t.Fatalf("expected 1 billing item, got %d", len(items))
	}
	if items[0].Units != 20 {
		t.Fatalf("expected 20 overage units (120-100), got %d", items[0].Units)
	}
}

func TestEnqueueSkipsWhenNoStripeItemConfigured(t *testing.T) {
	st := store.NewMemory()
	metrics := NewMetrics(prometheus.NewRegistry())
	buf := NewBuffer(st, st, &fakeSink{}, metrics, nil)

	cfg := reservedConfig()
	cfg.StripeItemVEx = ""
	if err := buf.EnqueueVEx(context.Background(), "key1", cfg, 500); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	items, _ := st.Dequeue(context.Background(), 10)
	if len(items) != 0 {
		t.Fatalf("expected no billing items without a stripe item id, got %d", len(items))
	}
}

func TestSelectTierPicksFirstTierAtOrAboveOverage(t *testing.T) {
	tiers := []tenant.OverageTier{
		{Threshold: 50, UnitPrice: 0.10},
		{Threshold: 500, UnitPrice: 0.05},
	}
	tier := selectTier(tiers, 20)
	if tier.Threshold != 50 {
		t.Fatalf("expected first tier (50), got %d", tier.Threshold)
	}
}

func TestSelectTierFallsBackToLastTierWhenOverageExceedsAll(t *testing.T) {
	tiers := []tenant.OverageTier{
		{Threshold: 50, UnitPrice: 0.10},
		{Threshold: 500, UnitPrice: 0.05},
	}
	tier := selectTier(tiers, 10000)
	if tier.Threshold != 500 {
		t.Fatalf("expected last tier (500) as fallback, got %d", tier.Threshold)
	}
}

func TestFlushDeliversAndRemovesSucceededItems(t *testing.T) {
	st := store.NewMemory()
	_ = st.Enqueue(context.Background(), "key1", "si_vex_1", 10, time.Now().Unix())

	sink := &fakeSink{}
	metrics := NewMetrics(prometheus.NewRegistry())
	buf := NewBuffer(st, st, sink, metrics, nil)

	flushed, retried, err := buf.Flush(context.Background(), 10, 3)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if flushed != 1 || retried != 0 {
		t.Fatalf("expected 1 flushed 0 retried, got %d/%d", flushed, retried)
	}

	items, _ := st.Dequeue(context.Background(), 10)
	if len(items) != 0 {
		t.Fatalf("expected queue empty after successful flush, got %d", len(items))
	}
}

func TestFlushRetriesThenDropsAfterMaxRetries(t *testing.T) {
	st := store.NewMemory()
	_ = st.Enqueue(context.Background(), "key1", "si_vex_1", 10, time.Now().Unix())

	sink := &fakeSink{failN: 100} // always fails
	metrics := NewMetrics(prometheus.NewRegistry())
	buf := NewBuffer(st, st, sink, metrics, nil)

	// First two flushes: retry.
	for i := 0; i < 2; i++ {
		flushed, retried, err := buf.Flush(context.Background(), 10, 3)
		if err != nil {
			t.Fatalf("flush %d: %v", i, err)
		}
		if flushed != 0 || retried != 1 {
			t.Fatalf("flush %d: expected 0 flushed 1 retried, got %d/%d", i, flushed, retried)
		}
	}

	// Third flush: retries+1 >= maxRetries(3), item is dropped.
	flushed, retried, err := buf.Flush(context.Background(), 10, 3)
	if err != nil {
		t.Fatalf("final flush: %v", err)
	}
	if flushed != 0 || retried != 0 {
		t.Fatalf("expected item dropped silently on final flush, got flushed=%d retried=%d", flushed, retried)
	}

	items, _ := st.Dequeue(context.Background(), 10)
	if len(items) != 0 {
		t.Fatalf("expected queue empty after max retries exceeded, got %d", len(items))
	}
}
