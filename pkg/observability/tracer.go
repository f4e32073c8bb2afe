package observability

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/signet-gw/gateway/pkg/exchange"
)

// ExchangeTracer adapts *Provider to exchange.Tracer, whose StartPhase
// drops the variadic attribute list the OTel signature carries — the
// exchange package stays free of an otel import so it can be unit
// tested without a tracer provider at all.
type ExchangeTracer struct {
	Provider *Provider
}

func (t ExchangeTracer) StartPhase(ctx context.Context, phase string) (context.Context, exchange.Span) {
	newCtx, span := t.Provider.StartPhase(ctx, phase)
	return newCtx, spanAdapter{span}
}

type spanAdapter struct {
	span trace.Span
}

func (s spanAdapter) End() { s.span.End() }
