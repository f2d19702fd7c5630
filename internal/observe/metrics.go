// Package observe provides application-wide observability primitives for
// Tidewave: OpenTelemetry metrics, tracing setup, and the Prometheus
// exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. Sessions receive a *Metrics
// aggregator at construction rather than reaching for ambient global state,
// so they remain independently testable; [DefaultMetrics] exists for the
// process entry point only.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Tidewave metrics.
const meterName = "github.com/tidewave/tidewave"

// Metrics holds all OpenTelemetry metric instruments for the media pipeline.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Counters ---

	// PacketsReceived counts inbound audio packets accepted by a jitter
	// buffer.
	PacketsReceived metric.Int64Counter

	// PacketsLate counts packets discarded because their playout slot had
	// already been drained.
	PacketsLate metric.Int64Counter

	// FramesProcessed counts frames emitted per tick. Use with attribute:
	//   attribute.String("kind", "real"|"concealed")
	FramesProcessed metric.Int64Counter

	// TurnEvents counts emitted turn events. Use with attribute:
	//   attribute.String("kind", "speech_start"|"speech_end"|"barge_in")
	TurnEvents metric.Int64Counter

	// ScorerFallbacks counts frames where the primary VAD scorer was
	// replaced by the fallback. Use with attribute:
	//   attribute.String("reason", "timeout"|"error"|"circuit_open")
	ScorerFallbacks metric.Int64Counter

	// IsolationBypasses counts frames where voice isolation failed and the
	// original PCM was passed through.
	IsolationBypasses metric.Int64Counter

	// PlayoutAdjustments counts adaptive jitter-delay decisions. Use with
	// attribute:
	//   attribute.String("direction", "skip_ahead"|"add_delay")
	PlayoutAdjustments metric.Int64Counter

	// --- Latency histograms ---

	// StageDuration tracks per-stage processing time within one tick. Use
	// with attribute:
	//   attribute.String("stage", "jitter"|"features"|"turn")
	StageDuration metric.Float64Histogram

	// FrameDuration tracks total processing time for one frame, which must
	// stay comfortably under the frame period.
	FrameDuration metric.Float64Histogram

	// --- Gauges ---

	// ActiveSessions tracks the number of live media sessions.
	ActiveSessions metric.Int64UpDownCounter

	// JitterDepth tracks the current reorder-window occupancy across
	// sessions.
	JitterDepth metric.Int64UpDownCounter
}

// frameBuckets defines histogram bucket boundaries (in seconds) sized for
// per-frame budgets: a 20 ms cadence means anything above 0.02 is a backlog.
var frameBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.PacketsReceived, err = m.Int64Counter("tidewave.packets.received",
		metric.WithDescription("Inbound audio packets accepted by jitter buffers."),
	); err != nil {
		return nil, err
	}
	if met.PacketsLate, err = m.Int64Counter("tidewave.packets.late",
		metric.WithDescription("Packets discarded because their playout slot was already drained."),
	); err != nil {
		return nil, err
	}
	if met.FramesProcessed, err = m.Int64Counter("tidewave.frames.processed",
		metric.WithDescription("PCM frames emitted per tick by kind (real or concealed)."),
	); err != nil {
		return nil, err
	}
	if met.TurnEvents, err = m.Int64Counter("tidewave.turn.events",
		metric.WithDescription("Turn events emitted by kind."),
	); err != nil {
		return nil, err
	}
	if met.ScorerFallbacks, err = m.Int64Counter("tidewave.scorer.fallbacks",
		metric.WithDescription("Frames scored by the fallback scorer, by reason."),
	); err != nil {
		return nil, err
	}
	if met.IsolationBypasses, err = m.Int64Counter("tidewave.isolation.bypasses",
		metric.WithDescription("Frames where voice isolation failed and PCM passed through."),
	); err != nil {
		return nil, err
	}
	if met.PlayoutAdjustments, err = m.Int64Counter("tidewave.playout.adjustments",
		metric.WithDescription("Adaptive jitter-delay decisions by direction."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.StageDuration, err = m.Float64Histogram("tidewave.stage.duration",
		metric.WithDescription("Per-stage processing time within one tick."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(frameBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FrameDuration, err = m.Float64Histogram("tidewave.frame.duration",
		metric.WithDescription("Total processing time for one frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(frameBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("tidewave.active_sessions",
		metric.WithDescription("Number of live media sessions."),
	); err != nil {
		return nil, err
	}
	if met.JitterDepth, err = m.Int64UpDownCounter("tidewave.jitter.depth",
		metric.WithDescription("Current reorder-window occupancy across sessions."),
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

// RecordFrame records one emitted frame with its kind attribute.
func (m *Metrics) RecordFrame(ctx context.Context, concealed bool) {
	kind := "real"
	if concealed {
		kind = "concealed"
	}
	m.FramesProcessed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordTurnEvent records one emitted turn event by kind.
func (m *Metrics) RecordTurnEvent(ctx context.Context, kind string) {
	m.TurnEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordScorerFallback records a frame scored by the fallback scorer.
func (m *Metrics) RecordScorerFallback(ctx context.Context, reason string) {
	m.ScorerFallbacks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordStage records the processing time of one pipeline stage.
func (m *Metrics) RecordStage(ctx context.Context, stage string, seconds float64) {
	m.StageDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordPlayoutAdjustment records an adaptive jitter-delay decision.
func (m *Metrics) RecordPlayoutAdjustment(ctx context.Context, direction string) {
	m.PlayoutAdjustments.Add(ctx, 1,
		metric.WithAttributes(attribute.String("direction", direction)))
}
