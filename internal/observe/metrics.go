// Package observe carries cleanstream's telemetry: OpenTelemetry metrics and
// traces, trace-aware logging and the HTTP middleware tying them to requests.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// a Prometheus registry owned by [Telemetry], scraped at /metrics. Components
// built without an explicit [Metrics] fall back to [DefaultMetrics] on the
// global meter provider; tests use [NewMetrics] with their own provider.
package observe

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/cleanstream"

// Window outcomes, recorded as the "outcome" attribute of [Metrics.Windows]
// and on window reports.
const (
	OutcomeSilence     = "silence"
	OutcomeNoBoundary  = "no_boundary"
	OutcomeTranscribed = "transcribed"
	OutcomeFiller      = "filler"
	OutcomeSkipped     = "skipped"
	OutcomeError       = "error"
	// OutcomeStale marks a window whose settings generation was replaced
	// while it was analysed. Its audio is not emitted.
	OutcomeStale = "stale"
)

// Metrics is the set of instruments the service records. Safe for concurrent
// use.
type Metrics struct {
	// WindowDuration is the wall-clock time to analyse one window.
	WindowDuration metric.Float64Histogram
	// STTDuration is the latency of one transcription call.
	STTDuration metric.Float64Histogram

	// Windows counts analysed windows by "outcome".
	Windows metric.Int64Counter
	// STTRequests counts transcription calls by "provider" and "status".
	STTRequests metric.Int64Counter
	// EngineInvalidations counts pipelines that degraded to pass-through.
	EngineInvalidations metric.Int64Counter
	// BreakerTransitions counts circuit breaker moves by "name" and target
	// state "to".
	BreakerTransitions metric.Int64Counter

	Overlap        metric.Int64Gauge
	InputBacklog   metric.Int64Gauge
	IngestSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time by "route"
	// (the matched ServeMux pattern) and "status" class.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets (seconds) cover windows of about a second and the
// transcription calls made for them.
var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// builder creates instruments and collects the first error of each.
type builder struct {
	m    metric.Meter
	errs []error
}

func (b *builder) histogram(name, desc, unit string, bounds ...float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit(unit)}
	if len(bounds) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(bounds...))
	}
	h, err := b.m.Float64Histogram(name, opts...)
	b.errs = append(b.errs, err)
	return h
}

func (b *builder) counter(name, desc string) metric.Int64Counter {
	c, err := b.m.Int64Counter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

func (b *builder) gauge(name, desc, unit string) metric.Int64Gauge {
	g, err := b.m.Int64Gauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
	b.errs = append(b.errs, err)
	return g
}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &builder{m: mp.Meter(meterName)}
	met := &Metrics{
		WindowDuration: b.histogram("cleanstream.window.duration",
			"Processing time of one analysis window.", "s", latencyBuckets...),
		STTDuration: b.histogram("cleanstream.stt.duration",
			"Latency of one transcription call.", "s", latencyBuckets...),
		HTTPRequestDuration: b.histogram("cleanstream.http.request.duration",
			"HTTP request latency by route and status class.", "s"),

		Windows: b.counter("cleanstream.windows",
			"Analysed windows by outcome."),
		STTRequests: b.counter("cleanstream.stt.requests",
			"Transcription calls by provider and status."),
		EngineInvalidations: b.counter("cleanstream.engine.invalidations",
			"Transcription engines invalidated after a fatal error."),
		BreakerTransitions: b.counter("cleanstream.breaker.transitions",
			"Circuit breaker transitions by breaker and target state."),

		Overlap: b.gauge("cleanstream.overlap",
			"Current adaptive window overlap.", "ms"),
		InputBacklog: b.gauge("cleanstream.input.backlog",
			"Input frames buffered and awaiting windowing.", "{frame}"),
	}
	var err error
	met.IngestSessions, err = b.m.Int64UpDownCounter("cleanstream.ingest.sessions",
		metric.WithDescription("Live stream sessions."))
	b.errs = append(b.errs, err)

	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a process-wide [Metrics] on the global meter
// provider, created on first use.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: default metrics: " + err.Error())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// RecordWindow counts one analysed window.
func (m *Metrics) RecordWindow(ctx context.Context, outcome string) {
	m.Windows.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordSTTRequest counts one transcription call; status is "ok" or "error".
func (m *Metrics) RecordSTTRequest(ctx context.Context, provider, status string) {
	m.STTRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
	))
}

// RecordBreakerTransition counts breaker name moving into state to.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("name", name),
		attribute.String("to", to),
	))
}
