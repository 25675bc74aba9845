package market

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "agentmarket/internal/market"

var tracer = otel.Tracer(instrumentationName)

type instruments struct {
	purchases  metric.Int64Counter
	inferences metric.Int64Counter
	denials    metric.Int64Counter
}

// newInstruments resolves the global meter at construction time so services
// built after telemetry.Setup report to the configured provider.
func newInstruments() instruments {
	m := otel.Meter(instrumentationName)
	var in instruments
	in.purchases, _ = m.Int64Counter("agentmarket.purchases",
		metric.WithDescription("Completed agent purchases"),
		metric.WithUnit("{purchase}"),
	)
	in.inferences, _ = m.Int64Counter("agentmarket.inferences",
		metric.WithDescription("Inference calls by outcome"),
		metric.WithUnit("{call}"),
	)
	in.denials, _ = m.Int64Counter("agentmarket.denials",
		metric.WithDescription("Requests rejected by the authorization ledger"),
		metric.WithUnit("{request}"),
	)
	return in
}

func (in instruments) add(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func startSpan(ctx context.Context, name string, agentID, userID int64) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.Int64("agent.id", agentID),
		attribute.Int64("user.id", userID),
	))
}
