// Command tidewave is the main entry point for the Tidewave media server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tidewave/tidewave/internal/config"
	"github.com/tidewave/tidewave/internal/eventlog"
	"github.com/tidewave/tidewave/internal/features"
	"github.com/tidewave/tidewave/internal/health"
	"github.com/tidewave/tidewave/internal/jitter"
	"github.com/tidewave/tidewave/internal/observe"
	"github.com/tidewave/tidewave/internal/session"
	"github.com/tidewave/tidewave/internal/transport"
	"github.com/tidewave/tidewave/internal/turn"
	"github.com/tidewave/tidewave/pkg/audio"
	"github.com/tidewave/tidewave/pkg/audio/codec"
)

// version is stamped by the build; "dev" when built from source directly.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "tidewave: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "tidewave: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("tidewave starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "tidewave",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics := observe.DefaultMetrics()

	// ── Event archive (optional) ──────────────────────────────────────────────
	var store *eventlog.Store
	if cfg.EventLog.PostgresDSN != "" {
		store, err = eventlog.NewStore(ctx, cfg.EventLog.PostgresDSN, logger)
		if err != nil {
			slog.Error("failed to connect event archive", "err", err)
			return 1
		}
		defer store.Close()
		slog.Info("event archive connected")
	}

	// ── Session manager and websocket transport ───────────────────────────────
	manager := session.NewManager(cfg.Server.MaxSessions, logger)
	factory := newSessionFactory(cfg, metrics, store, logger)
	ws := transport.NewServer(manager, factory, logger)

	// ── HTTP server ───────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	mux.Handle("/ws", ws.Handler())
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(manager.Len, healthCheckers(cfg, store)...).Register(mux)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	printStartupSummary(cfg, store != nil)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("server ready — press Ctrl+C to shut down")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		slog.Error("http server error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	manager.Shutdown()

	slog.Info("goodbye")
	return 0
}

// ── Session wiring ────────────────────────────────────────────────────────────

// newSessionFactory returns the factory the transport uses to assemble one
// session per connection. Decoder, scorer and isolator are built per session
// because they carry stream state (Opus prediction, VAD model recurrence) or
// wrap an inference session that is not safe for concurrent use.
func newSessionFactory(cfg *config.Config, metrics *observe.Metrics, store *eventlog.Store, logger *slog.Logger) transport.SessionFactory {
	format := audio.Format{
		SampleRate: cfg.Audio.SampleRate,
		Channels:   cfg.Audio.Channels,
	}
	frameDuration := cfg.Audio.FrameDuration()

	detection := turn.Config{
		Sensitivity:        cfg.Detection.VadSensitivity,
		MinTurnDuration:    time.Duration(cfg.Detection.MinTurnDurationMs) * time.Millisecond,
		MaxSilenceDuration: time.Duration(cfg.Detection.MaxSilenceDurationMs) * time.Millisecond,
	}
	if w := cfg.Detection.Weights; w != (config.WeightsConfig{}) {
		detection.Weights = turn.Weights{
			VAD:     w.VAD,
			Volume:  w.Volume,
			Pitch:   w.Pitch,
			Context: w.Context,
		}
	}

	return func(sink session.Sink) (*session.Session, error) {
		decoder, err := newDecoder(cfg, format, frameDuration)
		if err != nil {
			return nil, err
		}

		var scorer features.Scorer
		if cfg.Scoring.ModelPath != "" {
			scorer, err = features.NewModelScorer(cfg.Scoring.ModelPath, cfg.Scoring.OnnxLibPath, format.SampleRate)
			if err != nil {
				return nil, fmt.Errorf("load vad model: %w", err)
			}
		}

		var isolator features.Isolator
		if cfg.Scoring.Isolation {
			if cfg.Scoring.IsolationModelPath != "" {
				isolator, err = features.NewModelIsolator(cfg.Scoring.IsolationModelPath, cfg.Scoring.OnnxLibPath)
				if err != nil {
					return nil, fmt.Errorf("load isolation model: %w", err)
				}
			} else {
				isolator = &features.NoiseGate{}
			}
		}

		scfg := session.Config{
			Format:        format,
			FrameDuration: frameDuration,
			Decoder:       decoder,
			Jitter: jitter.Config{
				ReorderWindow: cfg.Jitter.ReorderWindow,
				HighWater:     cfg.Jitter.HighWater,
				LowWater:      cfg.Jitter.LowWater,
			},
			Scorer:        scorer,
			Isolator:      isolator,
			ScorerTimeout: time.Duration(cfg.Scoring.TimeoutMs) * time.Millisecond,
			Detection:     detection,
			Sink:          sink,
			Metrics:       metrics,
			Logger:        logger,
		}
		if store != nil {
			scfg.Events = store
		}
		return session.New(scfg)
	}
}

func newDecoder(cfg *config.Config, format audio.Format, frameDuration time.Duration) (codec.Decoder, error) {
	switch cfg.Audio.Codec {
	case config.CodecPCM:
		samples := format.SampleRate * format.Channels * cfg.Audio.FrameDurationMs / 1000
		return codec.NewPCMDecoder(samples), nil
	default:
		return codec.NewOpusDecoder(format, frameDuration)
	}
}

// ── Health checks ─────────────────────────────────────────────────────────────

func healthCheckers(cfg *config.Config, store *eventlog.Store) []health.Checker {
	var checkers []health.Checker
	if store != nil {
		checkers = append(checkers, health.Checker{Name: "event_log", Check: store.Ping})
	}
	if cfg.Scoring.ModelPath != "" {
		checkers = append(checkers, health.Checker{Name: "scorer", Check: func(context.Context) error {
			_, err := os.Stat(cfg.Scoring.ModelPath)
			return err
		}})
	}
	return checkers
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, archive bool) {
	scorer := "energy"
	if cfg.Scoring.ModelPath != "" {
		scorer = "silero + energy fallback"
	}
	isolation := "(disabled)"
	if cfg.Scoring.Isolation {
		isolation = "noise gate"
		if cfg.Scoring.IsolationModelPath != "" {
			isolation = "model"
		}
	}
	archiveStr := "(disabled)"
	if archive {
		archiveStr = "postgres"
	}

	fmt.Println("╔═══════════════════════════════════════════╗")
	fmt.Println("║         Tidewave — startup summary        ║")
	fmt.Println("╠═══════════════════════════════════════════╣")
	fmt.Printf("║  Listen addr   : %-24s ║\n", cfg.Server.ListenAddr)
	fmt.Printf("║  Codec         : %-24s ║\n", string(cfg.Audio.Codec))
	fmt.Printf("║  Audio         : %-24s ║\n",
		fmt.Sprintf("%d Hz / %d ch / %d ms", cfg.Audio.SampleRate, cfg.Audio.Channels, cfg.Audio.FrameDurationMs))
	fmt.Printf("║  VAD scorer    : %-24s ║\n", scorer)
	fmt.Printf("║  Isolation     : %-24s ║\n", isolation)
	fmt.Printf("║  Event archive : %-24s ║\n", archiveStr)
	fmt.Println("╚═══════════════════════════════════════════╝")
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level.SlogLevel(),
	}))
}
