// Package observe provides application-wide observability primitives for
// streamscribe: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all streamscribe
// metrics.
const meterName = "github.com/pulsecast/streamscribe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// STTConnectDuration tracks how long opening an STT session takes.
	STTConnectDuration metric.Float64Histogram

	// ChunkSaveDuration tracks chunk persistence latency. Use with attribute:
	//   attribute.String("sink", ...)
	ChunkSaveDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// SegmentsEmitted counts segments delivered to the fan-out bus. Use with
	// attribute: attribute.String("finality", "final"|"partial")
	SegmentsEmitted metric.Int64Counter

	// SegmentsDropped counts segments discarded by slow subscribers.
	SegmentsDropped metric.Int64Counter

	// ChunksPersisted counts chunk saves. Use with attributes:
	//   attribute.String("sink", ...), attribute.String("status", ...)
	ChunksPersisted metric.Int64Counter

	// AudioBytes counts PCM bytes extracted from upstream streams.
	AudioBytes metric.Int64Counter

	// ExtractorRestarts counts decoder child restarts after recoverable
	// failures.
	ExtractorRestarts metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts STT provider errors. Use with attribute:
	//   attribute.String("provider", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live transcription sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveSubscribers tracks the number of connected segment subscribers
	// across all streams.
	ActiveSubscribers metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for network round-trip latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTConnectDuration, err = m.Float64Histogram("streamscribe.stt.connect.duration",
		metric.WithDescription("Latency of opening an STT streaming session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ChunkSaveDuration, err = m.Float64Histogram("streamscribe.chunk.save.duration",
		metric.WithDescription("Latency of chunk persistence by sink."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("streamscribe.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SegmentsEmitted, err = m.Int64Counter("streamscribe.segments.emitted",
		metric.WithDescription("Total segments delivered to the fan-out bus by finality."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsDropped, err = m.Int64Counter("streamscribe.segments.dropped",
		metric.WithDescription("Total segments discarded because a subscriber queue was full."),
	); err != nil {
		return nil, err
	}
	if met.ChunksPersisted, err = m.Int64Counter("streamscribe.chunks.persisted",
		metric.WithDescription("Total chunk saves by sink and status."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytes, err = m.Int64Counter("streamscribe.audio.bytes",
		metric.WithDescription("Total PCM bytes extracted from upstream streams."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ExtractorRestarts, err = m.Int64Counter("streamscribe.extractor.restarts",
		metric.WithDescription("Total decoder restarts after recoverable failures."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("streamscribe.provider.errors",
		metric.WithDescription("Total STT provider errors by provider."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("streamscribe.active_sessions",
		metric.WithDescription("Number of live transcription sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSubscribers, err = m.Int64UpDownCounter("streamscribe.active_subscribers",
		metric.WithDescription("Number of connected segment subscribers across all streams."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordSegment records a segment emission with its finality attribute.
func (m *Metrics) RecordSegment(ctx context.Context, isFinal bool) {
	finality := "partial"
	if isFinal {
		finality = "final"
	}
	m.SegmentsEmitted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("finality", finality)),
	)
}

// RecordChunkSave records a chunk persistence attempt against one sink.
func (m *Metrics) RecordChunkSave(ctx context.Context, sink, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("sink", sink),
		attribute.String("status", status),
	)
	m.ChunksPersisted.Add(ctx, 1, attrs)
	m.ChunkSaveDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("sink", sink)),
	)
}

// RecordProviderError records an STT provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}
