package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, applies defaults for unset
// fields, and returns a validated [Config]. It is a convenience wrapper
// around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r onto the defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		// An empty document keeps the defaults.
		if !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("config: decode yaml: %w", err)
		}
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("server.max_sessions %d must not be negative", cfg.Server.MaxSessions))
	}

	// Audio
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels < 1 || cfg.Audio.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is out of range [1, 2]", cfg.Audio.Channels))
	}
	if cfg.Audio.FrameDurationMs <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_duration_ms %d must be positive", cfg.Audio.FrameDurationMs))
	}
	if cfg.Audio.Codec != "" && !cfg.Audio.Codec.IsValid() {
		errs = append(errs, fmt.Errorf("audio.codec %q is invalid; valid values: opus, pcm", cfg.Audio.Codec))
	}

	// Jitter
	if cfg.Jitter.ReorderWindow <= 0 {
		errs = append(errs, fmt.Errorf("jitter.reorder_window %d must be positive", cfg.Jitter.ReorderWindow))
	}
	if cfg.Jitter.LowWater >= cfg.Jitter.HighWater {
		errs = append(errs, fmt.Errorf("jitter.low_water %d must be below jitter.high_water %d", cfg.Jitter.LowWater, cfg.Jitter.HighWater))
	}

	// Detection
	if cfg.Detection.VadSensitivity <= 0 || cfg.Detection.VadSensitivity >= 1 {
		errs = append(errs, fmt.Errorf("detection.vad_sensitivity %.2f is out of range (0, 1)", cfg.Detection.VadSensitivity))
	}
	if cfg.Detection.MinTurnDurationMs <= 0 {
		errs = append(errs, fmt.Errorf("detection.min_turn_duration_ms %d must be positive", cfg.Detection.MinTurnDurationMs))
	}
	if cfg.Detection.MaxSilenceDurationMs < cfg.Detection.MinTurnDurationMs {
		errs = append(errs, fmt.Errorf("detection.max_silence_duration_ms %d must be at least min_turn_duration_ms %d (asymmetric hysteresis)",
			cfg.Detection.MaxSilenceDurationMs, cfg.Detection.MinTurnDurationMs))
	}
	if w := cfg.Detection.Weights; w != (WeightsConfig{}) {
		if w.VAD < 0 || w.Volume < 0 || w.Pitch < 0 || w.Context < 0 {
			errs = append(errs, errors.New("detection.weights must not be negative"))
		}
	}

	// Scoring
	if cfg.Scoring.TimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("scoring.timeout_ms %d must be positive", cfg.Scoring.TimeoutMs))
	} else if cfg.Scoring.TimeoutMs >= cfg.Audio.FrameDurationMs && cfg.Audio.FrameDurationMs > 0 {
		errs = append(errs, fmt.Errorf("scoring.timeout_ms %d must be below the frame period %d ms", cfg.Scoring.TimeoutMs, cfg.Audio.FrameDurationMs))
	}

	return errors.Join(errs...)
}
