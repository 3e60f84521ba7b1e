package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names emitted by the auditor.
const (
	MetricUnmatchedEnd    = "turnaudit.telemetry.unmatched_end"
	MetricDuplicateStart  = "turnaudit.telemetry.duplicate_start"
	MetricAbandonedRuns   = "turnaudit.turn.abandoned_runs"
	MetricCountMismatch   = "turnaudit.correlate.mismatch"
	MetricOrphanResult    = "turnaudit.transcript.orphan_result"
	MetricPersistFailure  = "turnaudit.persist.failure"
	MetricTurnLatency     = "turnaudit.turn.latency"
	MetricPersistDuration = "turnaudit.persist.duration"
)

// Metrics exposes counter and timer helpers for anomaly and latency reporting.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
}

// NoopMetrics discards all metrics.
type NoopMetrics struct{}

// IncCounter discards the counter metric.
func (NoopMetrics) IncCounter(string, float64, ...string) {}

// RecordTimer discards the timer metric.
func (NoopMetrics) RecordTimer(string, time.Duration, ...string) {}

// EnsureMetrics returns m, or NoopMetrics when m is nil.
func EnsureMetrics(m Metrics) Metrics {
	if m == nil {
		return NoopMetrics{}
	}
	return m
}

// OtelMetrics records metrics through an OpenTelemetry meter.
type OtelMetrics struct {
	meter metric.Meter
}

// NewOtelMetrics constructs a Metrics recorder backed by meter. When meter is
// nil the global MeterProvider is used; configure it via otel.SetMeterProvider
// before recording.
func NewOtelMetrics(meter metric.Meter) *OtelMetrics {
	if meter == nil {
		meter = otel.Meter("github.com/hupe1980/turnaudit")
	}
	return &OtelMetrics{meter: meter}
}

// IncCounter increments a counter metric by the given value.
func (m *OtelMetrics) IncCounter(name string, value float64, tags ...string) {
	counter, err := m.meter.Float64Counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

// RecordTimer records a duration histogram in seconds.
func (m *OtelMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	histogram, err := m.meter.Float64Histogram(name, metric.WithUnit("s"))
	if err != nil {
		return
	}
	histogram.Record(context.Background(), duration.Seconds(), metric.WithAttributes(tagsToAttrs(tags)...))
}

// tagsToAttrs converts tag strings (k1, v1, k2, v2, ...) into attributes. If
// the slice has an odd length, the last key is paired with an empty string.
func tagsToAttrs(tags []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags)/2+1)
	for i := 0; i < len(tags); i += 2 {
		v := ""
		if i+1 < len(tags) {
			v = tags[i+1]
		}
		attrs = append(attrs, attribute.String(tags[i], v))
	}
	return attrs
}
