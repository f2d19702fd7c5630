// Package session owns the per-connection media pipeline: one jitter buffer,
// one feature pipeline and one turn detector, driven synchronously by a
// fixed-period tick loop. Sessions share nothing; the only cross-goroutine
// surfaces are Ingest, SetAgentSpeaking and the Sink.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tidewave/tidewave/internal/features"
	"github.com/tidewave/tidewave/internal/jitter"
	"github.com/tidewave/tidewave/internal/observe"
	"github.com/tidewave/tidewave/internal/turn"
	"github.com/tidewave/tidewave/pkg/audio"
	"github.com/tidewave/tidewave/pkg/audio/codec"
)

// EventRecorder archives emitted turn events off the hot path. Record must
// not block; implementations buffer internally.
type EventRecorder interface {
	Record(sessionID string, ev turn.Event)
}

// Config assembles one session. Zero sub-config fields take the defaults of
// their packages.
type Config struct {
	// ID identifies the session in logs, metrics and the event archive.
	// Empty generates a UUID.
	ID string

	// Format of decoded PCM frames.
	Format audio.Format

	// FrameDuration is the tick period. Default 20 ms.
	FrameDuration time.Duration

	// Decoder for inbound packet payloads. Required.
	Decoder codec.Decoder

	// Jitter tuning (reorder window, watermarks). Format, FrameDuration,
	// Decoder and Metrics are filled in from this config.
	Jitter jitter.Config

	// Scorer is the primary VAD scorer; nil runs on the energy fallback.
	Scorer features.Scorer

	// Isolator optionally cleans PCM before scoring.
	Isolator features.Isolator

	// ScorerTimeout bounds one frame's scoring attempt.
	ScorerTimeout time.Duration

	// Detection tuning for the turn state machine.
	Detection turn.Config

	// Sink receives processed frames and events. Required.
	Sink Sink

	// Events optionally archives turn events.
	Events EventRecorder

	// Metrics aggregator. May be nil in tests.
	Metrics *observe.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Session is one live media pipeline. Construct with [New], drive with
// [Session.Run].
type Session struct {
	id     string
	cfg    Config
	log    *slog.Logger
	buffer *jitter.Buffer
	pipe   *features.Pipeline
	det    *turn.Detector

	agentSpeaking atomic.Bool
	lastDepth     int
	started       time.Time
	closeOnce     sync.Once
}

// New validates cfg and assembles the session's pipeline stages.
func New(cfg Config) (*Session, error) {
	if cfg.Sink == nil {
		return nil, fmt.Errorf("session: sink is required")
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = 20 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	jcfg := cfg.Jitter
	jcfg.Format = cfg.Format
	jcfg.FrameDuration = cfg.FrameDuration
	jcfg.Decoder = cfg.Decoder
	jcfg.Metrics = cfg.Metrics
	buffer, err := jitter.New(jcfg)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", cfg.ID, err)
	}

	pipe := features.NewPipeline(features.Config{
		SampleRate:    cfg.Format.SampleRate,
		ScorerTimeout: cfg.ScorerTimeout,
		Smoothing:     -1,
		Metrics:       cfg.Metrics,
		Logger:        cfg.Logger.With("session_id", cfg.ID),
	}, cfg.Scorer, cfg.Isolator)

	dcfg := cfg.Detection
	dcfg.FrameDuration = cfg.FrameDuration
	dcfg.Metrics = cfg.Metrics

	return &Session{
		id:     cfg.ID,
		cfg:    cfg,
		log:    cfg.Logger.With("session_id", cfg.ID),
		buffer: buffer,
		pipe:   pipe,
		det:    turn.NewDetector(dcfg),
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Ingest accepts one inbound packet. Safe to call from the transport
// goroutine at any time, including while Run is ticking.
func (s *Session) Ingest(p audio.Packet) {
	s.buffer.Ingest(p)
}

// SetAgentSpeaking updates the externally-known agent playback status used
// by the turn detector. Safe to call from any goroutine.
func (s *Session) SetAgentSpeaking(speaking bool) {
	s.agentSpeaking.Store(speaking)
}

// JitterStats exposes buffer counters for the health endpoint.
func (s *Session) JitterStats() jitter.Stats {
	return s.buffer.Stats()
}

// Close releases resources held by the pipeline stages, such as a scorer's or
// isolator's native inference session. Idempotent; must be called after Run
// has returned.
func (s *Session) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		for _, stage := range []any{s.cfg.Scorer, s.cfg.Isolator} {
			if c, ok := stage.(interface{ Close() error }); ok {
				if err := c.Close(); err != nil {
					errs = append(errs, err)
				}
			}
		}
	})
	return errors.Join(errs...)
}

// Run drives the pipeline at the fixed frame cadence until ctx is cancelled
// or the sink fails. Each tick runs the three stages synchronously, so a
// frame's event can never be reordered against its audio.
func (s *Session) Run(ctx context.Context) error {
	s.started = time.Now()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveSessions.Add(ctx, 1)
		defer s.cfg.Metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	}
	s.log.Info("session started",
		"sample_rate", s.cfg.Format.SampleRate,
		"frame_duration", s.cfg.FrameDuration)
	defer s.log.Info("session stopped", "uptime", time.Since(s.started))

	ticker := time.NewTicker(s.cfg.FrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				return fmt.Errorf("session %s: %w", s.id, err)
			}
		}
	}
}

// tick runs one frame through jitter, features and turn detection, then
// delivers the results to the sink.
func (s *Session) tick(ctx context.Context) error {
	tickStart := time.Now()

	frame := s.buffer.Tick(ctx)
	s.recordStage(ctx, "jitter", tickStart)

	featStart := time.Now()
	vec, out := s.pipe.Process(ctx, frame)
	s.recordStage(ctx, "features", featStart)

	turnStart := time.Now()
	ev := s.det.Update(ctx, vec, s.agentSpeaking.Load())
	s.recordStage(ctx, "turn", turnStart)

	if err := s.cfg.Sink.WriteFrame(ctx, out); err != nil {
		return fmt.Errorf("sink frame: %w", err)
	}
	if ev != nil {
		s.log.Info("turn event",
			"kind", ev.Kind.String(),
			"frame", ev.Frame,
			"probability", ev.Probability,
			"duration", ev.Duration)
		if err := s.cfg.Sink.WriteEvent(ctx, *ev); err != nil {
			return fmt.Errorf("sink event: %w", err)
		}
		if s.cfg.Events != nil {
			s.cfg.Events.Record(s.id, *ev)
		}
	}

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.FrameDuration.Record(ctx, time.Since(tickStart).Seconds())
		depth := s.buffer.Depth()
		if delta := depth - s.lastDepth; delta != 0 {
			s.cfg.Metrics.JitterDepth.Add(ctx, int64(delta))
		}
		s.lastDepth = depth
	}
	return nil
}

func (s *Session) recordStage(ctx context.Context, stage string, since time.Time) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordStage(ctx, stage, time.Since(since).Seconds())
	}
}
