package search

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "omnibridge/search"

// Connector fetch outcomes reported through logs and metrics.
const (
	OutcomeOK             = "ok"
	OutcomeNotLinked      = "not_linked"
	OutcomeUpstreamFailed = "upstream_failed"
	OutcomeTimeout        = "timeout"
	OutcomeError          = "error"
)

// Metrics holds the connector fan-out instruments.
type Metrics struct {
	fetches  metric.Int64Counter
	duration metric.Float64Histogram
}

// NewMetrics creates the instruments on meter, or on the global meter provider when meter is nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	fetches, err := meter.Int64Counter("omnibridge.search.connector.fetches",
		metric.WithDescription("Connector fetches dispatched by search, by outcome"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("omnibridge.search.connector.duration_seconds",
		metric.WithDescription("Connector fetch duration in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &Metrics{fetches: fetches, duration: duration}, nil
}

func (m *Metrics) record(ctx context.Context, source, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("outcome", outcome),
	)
	m.fetches.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}
