// Package config provides the configuration schema and loader for the
// Tidewave media server.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the Tidewave server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l onto the slog level, defaulting to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Codec selects the inbound audio payload format.
type Codec string

const (
	CodecOpus Codec = "opus"
	CodecPCM  Codec = "pcm"
)

// IsValid reports whether c is a recognised codec.
func (c Codec) IsValid() bool {
	return c == CodecOpus || c == CodecPCM
}

// Config is the root configuration structure for Tidewave, typically loaded
// from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	Jitter    JitterConfig    `yaml:"jitter"`
	Detection DetectionConfig `yaml:"detection"`
	Scoring   ScoringConfig   `yaml:"scoring"`
	EventLog  EventLogConfig  `yaml:"event_log"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MaxSessions bounds concurrent media sessions. 0 uses the default.
	MaxSessions int `yaml:"max_sessions"`
}

// AudioConfig describes the PCM stream each session processes.
type AudioConfig struct {
	// SampleRate in Hz. Default 16000.
	SampleRate int `yaml:"sample_rate"`

	// Channels per frame. Default 1.
	Channels int `yaml:"channels"`

	// FrameDurationMs is the playout cadence in milliseconds. Default 20.
	FrameDurationMs int `yaml:"frame_duration_ms"`

	// Codec of inbound packet payloads. Default opus.
	Codec Codec `yaml:"codec"`
}

// FrameDuration returns the cadence as a [time.Duration].
func (a AudioConfig) FrameDuration() time.Duration {
	return time.Duration(a.FrameDurationMs) * time.Millisecond
}

// JitterConfig tunes the per-session jitter buffer, in frame periods.
type JitterConfig struct {
	// ReorderWindow is the buffer depth hint, which also sets the hold-off
	// between playout-delay adjustments. Default 8.
	ReorderWindow int `yaml:"reorder_window"`

	// HighWater is the queued depth above which playout skips ahead.
	// Default 6.
	HighWater int `yaml:"high_water"`

	// LowWater is the queued depth below which playout adds delay.
	// Default 2.
	LowWater int `yaml:"low_water"`
}

// DetectionConfig tunes the turn-detection state machine.
type DetectionConfig struct {
	// VadSensitivity is the fused-score threshold for a voiced frame.
	// Default 0.6.
	VadSensitivity float64 `yaml:"vad_sensitivity"`

	// MinTurnDurationMs is the sustained voiced run that opens a turn.
	// Default 250.
	MinTurnDurationMs int `yaml:"min_turn_duration_ms"`

	// MaxSilenceDurationMs is the sustained silent run that closes a turn.
	// Default 400.
	MaxSilenceDurationMs int `yaml:"max_silence_duration_ms"`

	// Weights for signal fusion. All zero selects the defaults.
	Weights WeightsConfig `yaml:"weights"`
}

// WeightsConfig holds the fusion weights.
type WeightsConfig struct {
	VAD     float64 `yaml:"vad"`
	Volume  float64 `yaml:"volume"`
	Pitch   float64 `yaml:"pitch"`
	Context float64 `yaml:"context"`
}

// ScoringConfig configures the VAD scorers and voice isolation.
type ScoringConfig struct {
	// ModelPath points at the VAD ONNX model. Empty runs on the energy
	// scorer alone.
	ModelPath string `yaml:"model_path"`

	// OnnxLibPath optionally points at the ONNX Runtime shared library.
	OnnxLibPath string `yaml:"onnx_lib_path"`

	// TimeoutMs bounds one frame's scoring attempt. Default 8.
	TimeoutMs int `yaml:"timeout_ms"`

	// Isolation enables the pre-scoring noise suppression stage.
	Isolation bool `yaml:"isolation"`

	// IsolationModelPath points at the suppression ONNX model. Empty with
	// Isolation enabled uses the noise-gate fallback.
	IsolationModelPath string `yaml:"isolation_model_path"`
}

// EventLogConfig configures the optional turn-event archive.
type EventLogConfig struct {
	// PostgresDSN enables archival when non-empty.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Default returns a Config with every field at its documented default.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Audio: AudioConfig{
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMs: 20,
			Codec:           CodecOpus,
		},
		Jitter: JitterConfig{
			ReorderWindow: 8,
			HighWater:     6,
			LowWater:      2,
		},
		Detection: DetectionConfig{
			VadSensitivity:       0.6,
			MinTurnDurationMs:    250,
			MaxSilenceDurationMs: 400,
		},
		Scoring: ScoringConfig{
			TimeoutMs: 8,
		},
	}
}
