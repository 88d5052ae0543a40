package reliability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/glimte/mmate-jobqueue/internal/reliability"

type dispatchMetrics struct {
	settled metric.Int64Counter
	delay   metric.Int64Histogram
}

func newDispatchMetrics(mp metric.MeterProvider) (*dispatchMetrics, error) {
	meter := mp.Meter(instrumentationName)

	settled, err := meter.Int64Counter("jobqueue.deliveries.settled",
		metric.WithDescription("Deliveries settled by the retry dispatcher"),
		metric.WithUnit("{delivery}"))
	if err != nil {
		return nil, fmt.Errorf("failed to create settled counter: %w", err)
	}

	delay, err := meter.Int64Histogram("jobqueue.retry.delay",
		metric.WithDescription("Delay chosen for retried jobs"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("failed to create delay histogram: %w", err)
	}

	return &dispatchMetrics{settled: settled, delay: delay}, nil
}

func (m *dispatchMetrics) recordSettled(ctx context.Context, decision Decision, cause Cause) {
	m.settled.Add(ctx, 1, metric.WithAttributes(
		attribute.String("decision", decision.String()),
		attribute.String("cause", cause.String()),
	))
}

func (m *dispatchMetrics) recordDelay(ctx context.Context, delay int) {
	m.delay.Record(ctx, int64(delay))
}
