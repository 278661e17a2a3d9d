// Package observe provides application-wide observability primitives for
// Vocalis: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all Vocalis metrics.
const meterName = "github.com/maelstrand/vocalis"

// Metrics holds all OpenTelemetry metric instruments for the relay.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// UpstreamConnectDuration tracks how long opening an upstream speech
	// session takes.
	UpstreamConnectDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// AudioChunks counts PCM16 chunks moved through the relay. Use with attribute:
	//   attribute.String("direction", "inbound"|"outbound")
	AudioChunks metric.Int64Counter

	// RelayEvents counts events emitted toward clients. Use with attribute:
	//   attribute.String("type", ...)
	RelayEvents metric.Int64Counter

	// FallbackResponses counts deterministic fallback replies served because
	// no upstream was available. Use with attribute:
	//   attribute.String("persona", ...)
	FallbackResponses metric.Int64Counter

	// UpstreamErrors counts upstream session failures. Use with attribute:
	//   attribute.String("stage", "connect"|"stream")
	UpstreamErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of connected client sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveUpstreams tracks the number of live upstream speech sessions.
	ActiveUpstreams metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for interactive voice latencies.
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
	if met.UpstreamConnectDuration, err = m.Float64Histogram("vocalis.upstream.connect.duration",
		metric.WithDescription("Latency of opening an upstream speech session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("vocalis.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.AudioChunks, err = m.Int64Counter("vocalis.audio.chunks",
		metric.WithDescription("Total PCM16 chunks relayed by direction."),
	); err != nil {
		return nil, err
	}
	if met.RelayEvents, err = m.Int64Counter("vocalis.relay.events",
		metric.WithDescription("Total events emitted toward clients by type."),
	); err != nil {
		return nil, err
	}
	if met.FallbackResponses, err = m.Int64Counter("vocalis.fallback.responses",
		metric.WithDescription("Total deterministic fallback replies by persona."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamErrors, err = m.Int64Counter("vocalis.upstream.errors",
		metric.WithDescription("Total upstream session failures by stage."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("vocalis.active_sessions",
		metric.WithDescription("Number of connected client sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveUpstreams, err = m.Int64UpDownCounter("vocalis.active_upstreams",
		metric.WithDescription("Number of live upstream speech sessions."),
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

// RecordAudioChunk records one relayed PCM16 chunk. Direction is "inbound"
// for client → upstream and "outbound" for upstream → client.
func (m *Metrics) RecordAudioChunk(ctx context.Context, direction string) {
	m.AudioChunks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordRelayEvent records one client-bound event by type.
func (m *Metrics) RecordRelayEvent(ctx context.Context, eventType string) {
	m.RelayEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", eventType)),
	)
}

// RecordFallback records one deterministic fallback reply for a persona.
func (m *Metrics) RecordFallback(ctx context.Context, personaID string) {
	m.FallbackResponses.Add(ctx, 1,
		metric.WithAttributes(attribute.String("persona", personaID)),
	)
}

// RecordUpstreamError records one upstream failure. Stage is "connect" or
// "stream".
func (m *Metrics) RecordUpstreamError(ctx context.Context, stage string) {
	m.UpstreamErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}
