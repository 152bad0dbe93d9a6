// Package observe provides application-wide observability primitives for
// voicedesk: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all voicedesk metrics.
const meterName = "github.com/MrWong99/voicedesk"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks the round trip of one conversation turn. Use with
	// attribute.String("kind", "audio"|"text"|"auth_sync").
	TurnDuration metric.Float64Histogram

	// PlaybackDuration tracks how long response audio took to play.
	PlaybackDuration metric.Float64Histogram

	// UtteranceDuration tracks the length of captured utterances.
	UtteranceDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts conversation turns. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("status", ...)
	Turns metric.Int64Counter

	// VADCompletions counts utterance completions by reason. Use with
	// attribute.String("reason", ...)
	VADCompletions metric.Int64Counter

	// StateTransitions counts voice state machine transitions. Use with
	// attributes attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// AuthAutoSubmits counts pending identity fields resubmitted into the
	// conversation. Use with attribute.String("field", ...)
	AuthAutoSubmits metric.Int64Counter

	// AuthMismatches counts IDENTITY prompts that matched no pending field.
	AuthMismatches metric.Int64Counter

	// --- Error counters ---

	// BackendErrors counts failed backend calls. Use with attributes:
	//   attribute.String("endpoint", ...), attribute.String("kind", ...)
	BackendErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCaptures tracks the number of live microphone captures (0 or 1).
	ActiveCaptures metric.Int64UpDownCounter

	// EventSubscribers tracks connected event stream clients.
	EventSubscribers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks control API request time. Use with attributes:
	//   attribute.String("route", ...), attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// backend round trips and spoken utterances.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 6, 10, 20,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("voicedesk.turn.duration",
		metric.WithDescription("Round-trip latency of a conversation turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackDuration, err = m.Float64Histogram("voicedesk.playback.duration",
		metric.WithDescription("Duration of response audio playback."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UtteranceDuration, err = m.Float64Histogram("voicedesk.utterance.duration",
		metric.WithDescription("Length of captured utterances."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("voicedesk.turns",
		metric.WithDescription("Total conversation turns by kind and status."),
	); err != nil {
		return nil, err
	}
	if met.VADCompletions, err = m.Int64Counter("voicedesk.vad.completions",
		metric.WithDescription("Total utterance completions by reason."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("voicedesk.state.transitions",
		metric.WithDescription("Total voice state transitions by source and target state."),
	); err != nil {
		return nil, err
	}
	if met.AuthAutoSubmits, err = m.Int64Counter("voicedesk.auth.auto_submits",
		metric.WithDescription("Total identity fields resubmitted after an in-voice login."),
	); err != nil {
		return nil, err
	}
	if met.AuthMismatches, err = m.Int64Counter("voicedesk.auth.mismatches",
		metric.WithDescription("Total identity prompts that matched no pending field."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.BackendErrors, err = m.Int64Counter("voicedesk.backend.errors",
		metric.WithDescription("Total backend errors by endpoint and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCaptures, err = m.Int64UpDownCounter("voicedesk.active_captures",
		metric.WithDescription("Number of live microphone captures."),
	); err != nil {
		return nil, err
	}
	if met.EventSubscribers, err = m.Int64UpDownCounter("voicedesk.event_subscribers",
		metric.WithDescription("Number of connected event stream clients."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicedesk.http.request.duration",
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTurn records a turn counter increment and its latency.
func (m *Metrics) RecordTurn(ctx context.Context, kind, status string, seconds float64) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
	m.TurnDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordVADCompletion records one utterance completion.
func (m *Metrics) RecordVADCompletion(ctx context.Context, reason string) {
	m.VADCompletions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordTransition records one state machine transition.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordAuthAutoSubmit records a pending identity field being resubmitted.
func (m *Metrics) RecordAuthAutoSubmit(ctx context.Context, field string) {
	m.AuthAutoSubmits.Add(ctx, 1,
		metric.WithAttributes(attribute.String("field", field)),
	)
}

// RecordBackendError records a failed backend call.
func (m *Metrics) RecordBackendError(ctx context.Context, endpoint, kind string) {
	m.BackendErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("kind", kind),
		),
	)
}
