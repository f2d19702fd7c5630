package features

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"
)

// ErrScoreTimeout is returned when a scorer did not produce a probability
// within its per-frame deadline.
var ErrScoreTimeout = errors.New("features: scorer deadline exceeded")

// Scorer produces a voice-activity probability in [0, 1] for one PCM frame.
// Implementations may keep per-session state and are called from a single
// goroutine per session, one frame at a time.
type Scorer interface {
	// Name identifies the scorer in logs and metrics.
	Name() string

	// Score returns the probability that the frame contains speech. It must
	// respect ctx cancellation for any work that can block.
	Score(ctx context.Context, pcm []int16) (float64, error)
}

// Energy scorer tuning. The threshold is a normalized mean-square energy;
// speech at conversational level sits well above it, room tone below.
const (
	defaultEnergyThreshold = 0.001

	// energyLogDivisor maps the log energy ratio onto [0, 1]. A ratio of
	// e^5 (about 148x threshold) saturates at probability 1.
	energyLogDivisor = 5.0

	// noiseFloorAlpha is the EMA weight for tracking the ambient noise floor
	// from quiet frames.
	noiseFloorAlpha = 0.05

	// noiseFloorMargin places the adaptive threshold this factor above the
	// tracked floor.
	noiseFloorMargin = 2.0
)

// EnergyScorer is the always-available fallback scorer. It maps the frame's
// normalized energy onto a probability with logarithmic scaling, so the
// probability grows with loudness instead of snapping between 0 and 1 at the
// threshold. The threshold follows the ambient noise floor in both
// directions, never dropping below the configured baseline.
//
// EnergyScorer never fails and ignores ctx; scoring is a few hundred
// multiply-adds.
type EnergyScorer struct {
	mu         sync.Mutex
	baseline   float64
	threshold  float64
	noiseFloor float64
}

// NewEnergyScorer creates an energy scorer. threshold <= 0 selects the
// default.
func NewEnergyScorer(threshold float64) *EnergyScorer {
	if threshold <= 0 {
		threshold = defaultEnergyThreshold
	}
	return &EnergyScorer{
		baseline:   threshold,
		threshold:  threshold,
		noiseFloor: threshold / noiseFloorMargin,
	}
}

// Name implements [Scorer].
func (e *EnergyScorer) Name() string { return "energy" }

// Score implements [Scorer]. It never returns an error.
func (e *EnergyScorer) Score(_ context.Context, pcm []int16) (float64, error) {
	energy := meanEnergy(pcm)

	e.mu.Lock()
	defer e.mu.Unlock()

	// Quiet frames feed the noise-floor estimate; the threshold tracks it
	// with a safety margin in both directions, so a transient loud ambient
	// period raises it and quiet again lowers it. It never drops below the
	// configured baseline.
	if energy < e.threshold {
		e.noiseFloor = (1-noiseFloorAlpha)*e.noiseFloor + noiseFloorAlpha*energy
		e.threshold = math.Max(e.baseline, e.noiseFloor*noiseFloorMargin)
	}

	if energy <= e.threshold {
		return 0, nil
	}
	p := math.Log(energy/e.threshold) / energyLogDivisor
	return math.Min(1, math.Max(0, p)), nil
}

// withDeadline runs s.Score with a hard wall-clock deadline. Scorers that
// cooperate with ctx return early on their own; ones that block past the
// deadline (a wedged inference runtime) are abandoned and their goroutine is
// left to finish in the background. The per-entry circuit breaker then keeps
// the pipeline from paying the deadline again on every subsequent frame.
func withDeadline(ctx context.Context, s Scorer, pcm []int16, d time.Duration) (float64, error) {
	sctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		p   float64
		err error
	}
	ch := make(chan result, 1)
	go func() {
		p, err := s.Score(sctx, pcm)
		ch <- result{p, err}
	}()

	select {
	case r := <-ch:
		return r.p, r.err
	case <-sctx.Done():
		return 0, ErrScoreTimeout
	}
}
