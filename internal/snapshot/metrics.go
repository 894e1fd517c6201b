package snapshot

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type engineMetrics struct {
	operations metric.Int64Counter
	failures   metric.Int64Counter
	records    metric.Int64Counter
	duration   metric.Float64Histogram
}

// newEngineMetrics skips instruments the provider refuses to create.
func newEngineMetrics(mp metric.MeterProvider) *engineMetrics {
	meter := mp.Meter("github.com/mauri870/kvsnap/internal/snapshot")
	m := &engineMetrics{}
	m.operations, _ = meter.Int64Counter("kvsnap_snapshot_operations_total",
		metric.WithDescription("Number of export, import and clear operations"),
		metric.WithUnit("{operation}"))
	m.failures, _ = meter.Int64Counter("kvsnap_snapshot_failures_total",
		metric.WithDescription("Number of operations that settled with an error"),
		metric.WithUnit("{operation}"))
	m.records, _ = meter.Int64Counter("kvsnap_snapshot_records_total",
		metric.WithDescription("Number of records exported or imported"),
		metric.WithUnit("{record}"))
	m.duration, _ = meter.Float64Histogram("kvsnap_snapshot_duration",
		metric.WithDescription("Latency of snapshot operations"),
		metric.WithUnit("ms"))
	return m
}

func (m *engineMetrics) record(ctx context.Context, op string, records int, elapsed time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("op", op))
	if m.operations != nil {
		m.operations.Add(ctx, 1, attrs)
	}
	if err != nil && m.failures != nil {
		m.failures.Add(ctx, 1, attrs)
	}
	if err == nil && records > 0 && m.records != nil {
		m.records.Add(ctx, int64(records), attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	}
}
