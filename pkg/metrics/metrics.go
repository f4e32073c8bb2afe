// Package metrics exposes the gateway's prometheus instrumentation:
// the counters, histograms, and gauges spec.md §6.1 enumerates by name.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every exchange-path instrument behind one handle,
// registered against a single prometheus.Registry so /metrics exposes
// them all from one text-exposition call.
type Metrics struct {
	Registry *prometheus.Registry

	ExchangesTotal        prometheus.Counter
	DeniedTotal           *prometheus.CounterVec
	ForwardTotal          *prometheus.CounterVec
	IdempotentHitsTotal   prometheus.Counter
	RepairAttemptsTotal   prometheus.Counter
	RepairSuccessTotal    prometheus.Counter
	FallbackUsedTotal     prometheus.Counter
	SemanticViolationTotal prometheus.Counter
	VExUnitsTotal         prometheus.Counter
	FUTokensTotal         prometheus.Counter
	BillingEnqueueTotal   *prometheus.CounterVec

	ExchangeTotalLatency prometheus.Histogram
	ExchangePhaseLatency *prometheus.HistogramVec

	ReservedVExCapacity *prometheus.GaugeVec
	ReservedFUCapacity  *prometheus.GaugeVec
}

// New constructs and registers every instrument against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		ExchangesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exchanges_total", Help: "Exchanges that reached the RESPOND phase.",
		}),
		DeniedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "denied_total", Help: "Exchanges denied, by reason code.",
		}, []string{"reason"}),
		ForwardTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forward_total", Help: "Forward attempts, by destination host.",
		}, []string{"host"}),
		IdempotentHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "idempotent_hits_total", Help: "Requests served from the idempotency cache.",
		}),
		RepairAttemptsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "repair_attempts_total", Help: "JSON repair attempts (heuristic or fallback).",
		}),
		RepairSuccessTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "repair_success_total", Help: "JSON repair attempts that produced a parseable value.",
		}),
		FallbackUsedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fallback_used_total", Help: "Exchanges that used the LLM fallback repair provider.",
		}),
		SemanticViolationTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "semantic_violation_total", Help: "Exchanges denied by the semantic-invariant checker.",
		}),
		VExUnitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vex_units_total", Help: "Verified-exchange units recorded.",
		}),
		FUTokensTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fu_tokens_total", Help: "Fallback-repair tokens recorded.",
		}),
		BillingEnqueueTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_enqueue_total", Help: "Billing items enqueued, by dimension.",
		}, []string{"type"}),
		ExchangeTotalLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "exchange_total_latency_seconds", Help: "End-to-end exchange latency.",
			Buckets: prometheus.DefBuckets,
		}),
		ExchangePhaseLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "exchange_phase_latency_seconds", Help: "Per-phase exchange latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"phase"}),
		ReservedVExCapacity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "reserved_vex_capacity", Help: "Remaining reserved VEx capacity, by tenant.",
		}, []string{"tenant"}),
		ReservedFUCapacity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "reserved_fu_capacity", Help: "Remaining reserved FU capacity, by tenant.",
		}, []string{"tenant"}),
	}

	reg.MustRegister(
		m.ExchangesTotal, m.DeniedTotal, m.ForwardTotal, m.IdempotentHitsTotal,
		m.RepairAttemptsTotal, m.RepairSuccessTotal, m.FallbackUsedTotal,
		m.SemanticViolationTotal, m.VExUnitsTotal, m.FUTokensTotal, m.BillingEnqueueTotal,
		m.ExchangeTotalLatency, m.ExchangePhaseLatency,
		m.ReservedVExCapacity, m.ReservedFUCapacity,
	)
	return m
}

// PhaseTimer starts a timer for one exchange phase; call the returned
// func when the phase completes.
func (m *Metrics) PhaseTimer(phase string) func() {
	t := prometheus.NewTimer(m.ExchangePhaseLatency.WithLabelValues(phase))
	return func() { t.ObserveDuration() }
}
