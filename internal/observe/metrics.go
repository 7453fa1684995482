// Package observe provides application-wide observability primitives for
// ASRHub: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all ASRHub metrics.
const meterName = "github.com/JonesHong/ASRHub-sub000"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Audio queue ---

	// ChunkPushes counts chunks accepted into session queues.
	ChunkPushes metric.Int64Counter

	// ChunkDrops counts chunks evicted by capacity pressure.
	ChunkDrops metric.Int64Counter

	// BufferedChunks tracks the number of chunks currently retained across
	// all session queues.
	BufferedChunks metric.Int64UpDownCounter

	// --- Windowing ---

	// WindowFrames counts frames cut from session queues. Use with
	// attribute: attribute.String("reader", ...)
	WindowFrames metric.Int64Counter

	// --- Session FSM ---

	// Transitions counts applied state transitions. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	Transitions metric.Int64Counter

	// InvalidTransitions counts rejected (state, event) pairs.
	InvalidTransitions metric.Int64Counter

	// WakeDetections counts confirmed wake events. Use with attribute:
	//   attribute.String("trigger", ...)
	WakeDetections metric.Int64Counter

	// --- Engine pool ---

	// LeaseWait tracks how long sessions waited for an engine lease. Use
	// with attribute: attribute.String("provider", ...)
	LeaseWait metric.Float64Histogram

	// LeaseTimeouts counts acquire calls that expired before a grant.
	LeaseTimeouts metric.Int64Counter

	// ActiveLeases tracks currently held leases. Use with attribute:
	//   attribute.String("provider", ...)
	ActiveLeases metric.Int64UpDownCounter

	// EngineReplacements counts unhealthy instances replaced by the pool.
	EngineReplacements metric.Int64Counter

	// --- Transcription ---

	// TranscriptionDuration tracks recognition latency. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	TranscriptionDuration metric.Float64Histogram

	// EngineErrors counts engine call failures. Use with attribute:
	//   attribute.String("provider", ...)
	EngineErrors metric.Int64Counter

	// --- Sessions ---

	// ActiveSessions tracks the number of live sessions.
	ActiveSessions metric.Int64UpDownCounter

	// NotificationsDropped counts outbound notifications discarded because a
	// subscriber was not keeping up.
	NotificationsDropped metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
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

	// Queue instruments.
	if met.ChunkPushes, err = m.Int64Counter("asrhub.queue.pushes",
		metric.WithDescription("Total audio chunks accepted into session queues."),
	); err != nil {
		return nil, err
	}
	if met.ChunkDrops, err = m.Int64Counter("asrhub.queue.drops",
		metric.WithDescription("Total audio chunks evicted by capacity pressure."),
	); err != nil {
		return nil, err
	}
	if met.BufferedChunks, err = m.Int64UpDownCounter("asrhub.queue.buffered_chunks",
		metric.WithDescription("Audio chunks currently retained across all session queues."),
	); err != nil {
		return nil, err
	}

	// Window instruments.
	if met.WindowFrames, err = m.Int64Counter("asrhub.window.frames",
		metric.WithDescription("Frames cut from session queues, by reader."),
	); err != nil {
		return nil, err
	}

	// FSM instruments.
	if met.Transitions, err = m.Int64Counter("asrhub.fsm.transitions",
		metric.WithDescription("Applied session state transitions by from/to state."),
	); err != nil {
		return nil, err
	}
	if met.InvalidTransitions, err = m.Int64Counter("asrhub.fsm.invalid_transitions",
		metric.WithDescription("Rejected (state, event) pairs."),
	); err != nil {
		return nil, err
	}
	if met.WakeDetections, err = m.Int64Counter("asrhub.wake.detections",
		metric.WithDescription("Confirmed wake events by trigger."),
	); err != nil {
		return nil, err
	}

	// Pool instruments.
	if met.LeaseWait, err = m.Float64Histogram("asrhub.pool.lease_wait",
		metric.WithDescription("Time sessions waited for an engine lease."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LeaseTimeouts, err = m.Int64Counter("asrhub.pool.lease_timeouts",
		metric.WithDescription("Acquire calls that expired before a grant."),
	); err != nil {
		return nil, err
	}
	if met.ActiveLeases, err = m.Int64UpDownCounter("asrhub.pool.active_leases",
		metric.WithDescription("Currently held engine leases by provider."),
	); err != nil {
		return nil, err
	}
	if met.EngineReplacements, err = m.Int64Counter("asrhub.pool.engine_replacements",
		metric.WithDescription("Unhealthy engine instances replaced by the pool."),
	); err != nil {
		return nil, err
	}

	// Transcription instruments.
	if met.TranscriptionDuration, err = m.Float64Histogram("asrhub.transcription.duration",
		metric.WithDescription("Recognition latency by provider and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EngineErrors, err = m.Int64Counter("asrhub.engine.errors",
		metric.WithDescription("Engine call failures by provider."),
	); err != nil {
		return nil, err
	}

	// Session instruments.
	if met.ActiveSessions, err = m.Int64UpDownCounter("asrhub.active_sessions",
		metric.WithDescription("Number of live sessions."),
	); err != nil {
		return nil, err
	}
	if met.NotificationsDropped, err = m.Int64Counter("asrhub.notifications.dropped",
		metric.WithDescription("Outbound notifications discarded because a subscriber lagged."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("asrhub.http.request.duration",
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

// RecordTransition records an applied state transition.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.Transitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordLeaseWait records how long a session waited for a lease of the given
// provider type.
func (m *Metrics) RecordLeaseWait(ctx context.Context, provider string, wait time.Duration) {
	m.LeaseWait.Record(ctx, wait.Seconds(),
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordWindowFrames records frames cut from a session's queue for the
// named reader. A zero count is not recorded.
func (m *Metrics) RecordWindowFrames(ctx context.Context, reader string, n int) {
	if n == 0 {
		return
	}
	m.WindowFrames.Add(ctx, int64(n),
		metric.WithAttributes(attribute.String("reader", reader)),
	)
}

// RecordActiveLeases moves the active-lease gauge for the given provider type
// by delta: +1 on grant, -1 on release.
func (m *Metrics) RecordActiveLeases(ctx context.Context, provider string, delta int64) {
	m.ActiveLeases.Add(ctx, delta,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordTranscription records one recognition call's latency and outcome.
func (m *Metrics) RecordTranscription(ctx context.Context, provider, status string, d time.Duration) {
	m.TranscriptionDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordEngineError records an engine call failure.
func (m *Metrics) RecordEngineError(ctx context.Context, provider string) {
	m.EngineErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordWakeDetection records a confirmed wake event.
func (m *Metrics) RecordWakeDetection(ctx context.Context, trigger string) {
	m.WakeDetections.Add(ctx, 1,
		metric.WithAttributes(attribute.String("trigger", trigger)),
	)
}
