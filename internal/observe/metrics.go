// Package observe provides application-wide observability primitives for
// liveasr: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all liveasr metrics.
const meterName = "github.com/MrWong99/liveasr"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All instruments are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks how long opening a backend session takes.
	ConnectDuration metric.Float64Histogram

	// ResultLatency tracks the delay between the most recent audio send and
	// the next recognition result.
	ResultLatency metric.Float64Histogram

	// SessionDuration tracks the length of completed recording sessions.
	SessionDuration metric.Float64Histogram

	// --- Counters ---

	// FramesSent counts audio frames accepted by the transport.
	FramesSent metric.Int64Counter

	// FramesDropped counts audio frames dropped on a full send queue.
	FramesDropped metric.Int64Counter

	// Results counts applied recognition results. Use with attributes:
	//   attribute.String("format", ...), attribute.Bool("final", ...)
	Results metric.Int64Counter

	// Utterances counts committed utterances. Use with attribute:
	//   attribute.String("service", ...)
	Utterances metric.Int64Counter

	// Restarts counts automatic session restarts. Use with attribute:
	//   attribute.String("reason", ...)
	Restarts metric.Int64Counter

	// --- Error counters ---

	// Errors counts session errors. Use with attribute:
	//   attribute.String("kind", ...)
	Errors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live recording sessions.
	ActiveSessions metric.Int64UpDownCounter

	// EventSubscribers tracks the number of connected /events streams.
	EventSubscribers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for recognition round-trip latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets covers recording sessions from seconds to an hour.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("liveasr.transport.connect.duration",
		metric.WithDescription("Latency of opening a recognition backend session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ResultLatency, err = m.Float64Histogram("liveasr.result.latency",
		metric.WithDescription("Delay between the latest audio send and the next recognition result."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("liveasr.session.duration",
		metric.WithDescription("Length of completed recording sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("liveasr.audio.frames_sent",
		metric.WithDescription("Total audio frames handed to the transport."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("liveasr.audio.frames_dropped",
		metric.WithDescription("Total audio frames dropped on a full send queue."),
	); err != nil {
		return nil, err
	}
	if met.Results, err = m.Int64Counter("liveasr.results",
		metric.WithDescription("Total applied recognition results by format and finality."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("liveasr.utterances",
		metric.WithDescription("Total committed utterances by service."),
	); err != nil {
		return nil, err
	}
	if met.Restarts, err = m.Int64Counter("liveasr.session.restarts",
		metric.WithDescription("Total automatic session restarts by reason."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.Errors, err = m.Int64Counter("liveasr.errors",
		metric.WithDescription("Total session errors by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("liveasr.active_sessions",
		metric.WithDescription("Number of live recording sessions."),
	); err != nil {
		return nil, err
	}
	if met.EventSubscribers, err = m.Int64UpDownCounter("liveasr.event_subscribers",
		metric.WithDescription("Number of connected transcript event streams."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("liveasr.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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

// RecordResult records one applied recognition result.
func (m *Metrics) RecordResult(ctx context.Context, format string, final bool) {
	m.Results.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("format", format),
			attribute.Bool("final", final),
		),
	)
}

// RecordUtterance records one committed utterance.
func (m *Metrics) RecordUtterance(ctx context.Context, service string) {
	m.Utterances.Add(ctx, 1,
		metric.WithAttributes(attribute.String("service", service)),
	)
}

// RecordError records one session error of the given kind.
func (m *Metrics) RecordError(ctx context.Context, kind string) {
	m.Errors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordRestart records one automatic session restart.
func (m *Metrics) RecordRestart(ctx context.Context, reason string) {
	m.Restarts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}
