package features

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tidewave/tidewave/internal/observe"
	"github.com/tidewave/tidewave/internal/resilience"
	"github.com/tidewave/tidewave/pkg/audio"
)

// DefaultScorerTimeout is the per-frame scoring deadline. It leaves most of
// the frame period for the rest of the tick even when inference runs long.
const DefaultScorerTimeout = 8 * time.Millisecond

// defaultSmoothing is the exponential smoothing weight on the previous
// frame's probability. Heavier smoothing rides through single-frame glitches
// at the cost of onset latency.
const defaultSmoothing = 0.7

// Config holds the construction parameters for a [Pipeline].
type Config struct {
	// SampleRate of incoming PCM, used by the pitch and centroid estimators.
	SampleRate int

	// ScorerTimeout bounds one frame's scoring attempt. Defaults to
	// [DefaultScorerTimeout].
	ScorerTimeout time.Duration

	// Smoothing is the weight on the previous probability in [0, 1).
	// Negative selects the default; 0 disables smoothing.
	Smoothing float64

	// Metrics receives fallback and bypass counters. May be nil in tests.
	Metrics *observe.Metrics

	// Logger for per-frame degradation events. Defaults to slog.Default().
	Logger *slog.Logger
}

// Pipeline turns PCM frames into feature vectors plus the (possibly
// isolated) audio to emit downstream. Scoring goes through a
// fallback group: the model scorer first (behind a circuit breaker and a
// per-frame deadline), the energy scorer last so a probability is always
// produced. Process is called from a single session goroutine.
type Pipeline struct {
	cfg         Config
	scorers     *resilience.FallbackGroup[Scorer]
	primary     Scorer
	primaryName string
	isolator    Isolator
	prevProb    float64
	hasPrev     bool
}

// NewPipeline builds a pipeline. primary may be nil, in which case the energy
// scorer serves every frame. isolator may be nil to disable voice isolation.
func NewPipeline(cfg Config, primary Scorer, isolator Isolator) *Pipeline {
	if cfg.ScorerTimeout <= 0 {
		cfg.ScorerTimeout = DefaultScorerTimeout
	}
	if cfg.Smoothing < 0 {
		cfg.Smoothing = defaultSmoothing
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	energy := NewEnergyScorer(0)
	p := &Pipeline{cfg: cfg, isolator: isolator}

	if primary != nil {
		p.primary = primary
		p.primaryName = primary.Name()
		p.scorers = resilience.NewFallbackGroup[Scorer](primary, primary.Name(),
			resilience.FallbackConfig{})
		p.scorers.AddFallback(energy.Name(), energy)
	} else {
		p.primaryName = energy.Name()
		p.scorers = resilience.NewFallbackGroup[Scorer](energy, energy.Name(),
			resilience.FallbackConfig{})
	}
	return p
}

// Process analyzes one frame and returns its feature vector along with the
// frame to emit downstream: the isolated audio when isolation succeeded, the
// input frame unchanged otherwise. It never fails: scorer trouble degrades
// the probability source, not the cadence. The input sample buffer is not
// retained.
func (p *Pipeline) Process(ctx context.Context, frame audio.Frame) (Vector, audio.Frame) {
	pcm := frame.Samples

	if p.isolator != nil {
		cleaned, err := p.isolator.Isolate(ctx, pcm)
		if err != nil {
			// Pass the original audio through; scoring still works, just on
			// noisier input.
			p.cfg.Logger.Debug("voice isolation bypassed",
				"isolator", p.isolator.Name(), "error", err)
			if p.cfg.Metrics != nil {
				p.cfg.Metrics.IsolationBypasses.Add(ctx, 1)
			}
		} else {
			pcm = cleaned
			frame.Samples = cleaned
		}
	}

	v := Vector{
		Energy:           meanEnergy(pcm),
		VolumeDB:         volumeDB(pcm),
		PitchHz:          estimatePitch(pcm, p.cfg.SampleRate),
		ZeroCrossingRate: zeroCrossingRate(pcm),
		SpectralCentroid: spectralCentroid(pcm, p.cfg.SampleRate),
		Concealed:        frame.Concealed,
	}

	raw := p.score(ctx, pcm)

	if p.hasPrev {
		raw = p.cfg.Smoothing*p.prevProb + (1-p.cfg.Smoothing)*raw
	}
	p.prevProb = raw
	p.hasPrev = true
	v.Probability = raw

	return v, frame
}

// score runs the fallback chain and records which scorer served the frame.
func (p *Pipeline) score(ctx context.Context, pcm []int16) float64 {
	var primaryErr error
	prob, served, err := resilience.ExecuteWithResult(p.scorers,
		func(s Scorer) (float64, error) {
			v, scoreErr := withDeadline(ctx, s, pcm, p.cfg.ScorerTimeout)
			if scoreErr != nil && s == p.primary {
				primaryErr = scoreErr
			}
			return v, scoreErr
		})
	if err != nil {
		// Every scorer failed, which the infallible energy fallback should
		// prevent. Treat the frame as silence rather than stalling.
		p.cfg.Logger.Warn("all scorers failed, treating frame as silence", "error", err)
		return 0
	}

	if served != p.primaryName && p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordScorerFallback(ctx, fallbackReason(primaryErr))
	}
	return prob
}

// fallbackReason classifies why the primary scorer did not serve a frame.
// A nil error means the breaker was open and the primary was never tried.
func fallbackReason(primaryErr error) string {
	switch {
	case primaryErr == nil:
		return "circuit_open"
	case errors.Is(primaryErr, ErrScoreTimeout),
		errors.Is(primaryErr, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

// Reset clears rolling state across a stream re-anchor. Scorers that carry
// recurrent state are reset too.
func (p *Pipeline) Reset() {
	p.prevProb = 0
	p.hasPrev = false
	if r, ok := p.primary.(interface{ Reset() }); ok {
		r.Reset()
	}
}
