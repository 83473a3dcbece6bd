// Package observe provides application-wide observability primitives:
// OpenTelemetry metrics, a Prometheus exporter bridge, and HTTP middleware
// tying request logging and latency recording together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/mnemovox/mnemovox"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TranscribeDuration tracks speech-to-text latency per utterance.
	TranscribeDuration metric.Float64Histogram

	// SynthesizeDuration tracks text-to-speech latency per reply.
	SynthesizeDuration metric.Float64Histogram

	// EvaluateDuration tracks answer-evaluation round trips to the card
	// source.
	EvaluateDuration metric.Float64Histogram

	// TurnDuration tracks end-of-speech to feedback-audio latency, the
	// figure a learner actually perceives.
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// Utterances counts closed speech segments. Attributes:
	//   attribute.String("outcome", "transcribed"|"empty")
	Utterances metric.Int64Counter

	// CardsReviewed counts graded cards. Attributes:
	//   attribute.String("mode", ...), attribute.Bool("correct", ...)
	CardsReviewed metric.Int64Counter

	// BackendRequests counts card source API calls. Attributes:
	//   attribute.String("operation", ...), attribute.String("status", ...)
	BackendRequests metric.Int64Counter

	// ProviderErrors counts collaborator failures. Attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live review sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
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
	if met.TranscribeDuration, err = m.Float64Histogram("mnemovox.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesizeDuration, err = m.Float64Histogram("mnemovox.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EvaluateDuration, err = m.Float64Histogram("mnemovox.evaluate.duration",
		metric.WithDescription("Latency of answer evaluation via the card source."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("mnemovox.turn.duration",
		metric.WithDescription("End-of-speech to feedback latency per review turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Utterances, err = m.Int64Counter("mnemovox.utterances",
		metric.WithDescription("Total closed speech segments by outcome."),
	); err != nil {
		return nil, err
	}
	if met.CardsReviewed, err = m.Int64Counter("mnemovox.cards.reviewed",
		metric.WithDescription("Total graded cards by mode and correctness."),
	); err != nil {
		return nil, err
	}
	if met.BackendRequests, err = m.Int64Counter("mnemovox.backend.requests",
		metric.WithDescription("Total card source API requests by operation and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("mnemovox.provider.errors",
		metric.WithDescription("Total collaborator failures by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("mnemovox.active_sessions",
		metric.WithDescription("Number of live review sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("mnemovox.http.request.duration",
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
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

// RecordUtterance records a closed speech segment with its outcome.
func (m *Metrics) RecordUtterance(ctx context.Context, outcome string) {
	m.Utterances.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordCardReviewed records a graded card.
func (m *Metrics) RecordCardReviewed(ctx context.Context, mode string, correct bool) {
	m.CardsReviewed.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.Bool("correct", correct),
		),
	)
}

// RecordBackendRequest records one card source API call.
func (m *Metrics) RecordBackendRequest(ctx context.Context, operation, status string) {
	m.BackendRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a collaborator failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
