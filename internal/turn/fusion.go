package turn

import "github.com/tidewave/tidewave/internal/features"

// Weights control the contribution of each signal to the fused score. They
// are expected to sum to roughly 1; the fused score is clamped either way.
type Weights struct {
	VAD     float64 `yaml:"vad"`
	Volume  float64 `yaml:"volume"`
	Pitch   float64 `yaml:"pitch"`
	Context float64 `yaml:"context"`
}

// DefaultWeights lean on the VAD probability with volume as the secondary
// signal. Pitch and conversational context act as tiebreakers.
func DefaultWeights() Weights {
	return Weights{VAD: 0.5, Volume: 0.3, Pitch: 0.1, Context: 0.1}
}

// agentSpeakingBias is the context score while the agent holds the floor.
// Slightly negative: audio arriving then is more likely echo of agent output
// than a new user turn.
const agentSpeakingBias = -0.2

// fuse combines the frame's signals into one confidence score in [0, 1].
func (w Weights) fuse(f features.Vector, agentSpeaking bool) float64 {
	// Map dBFS onto [0, 1] with -50 dB as the floor. Silence (-Inf) clamps
	// to 0.
	volume := clamp01((f.VolumeDB + 50) / 50)

	// Pitch inside the human fundamental range is strong evidence of voice;
	// periodicity outside it (hum, music) still counts a little.
	var pitch float64
	switch {
	case f.PitchHz > 50 && f.PitchHz < 400:
		pitch = 1.0
	case f.PitchHz > 0:
		pitch = 0.3
	}

	var context float64
	if agentSpeaking {
		context = agentSpeakingBias
	}

	return clamp01(f.Probability*w.VAD + volume*w.Volume + pitch*w.Pitch + context*w.Context)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
