// Package turn implements the turn-detection state machine. It fuses the
// per-frame feature vector with the externally-known agent-speaking status
// and emits discrete turn events with strict consecutive-run hysteresis:
// a run counter resets on any contrary frame, so event timing is exactly
// reproducible from the input frame sequence.
package turn

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/tidewave/tidewave/internal/features"
	"github.com/tidewave/tidewave/internal/observe"
)

// State is the conversational floor state tracked per session.
type State int

const (
	// StateSilence: nobody is speaking.
	StateSilence State = iota
	// StateUserSpeaking: the user holds the floor.
	StateUserSpeaking
	// StateAgentSpeaking: the agent holds the floor.
	StateAgentSpeaking
	// StateOverlap: the user spoke over the agent and both are active.
	StateOverlap
)

func (s State) String() string {
	switch s {
	case StateSilence:
		return "silence"
	case StateUserSpeaking:
		return "user_speaking"
	case StateAgentSpeaking:
		return "agent_speaking"
	case StateOverlap:
		return "overlap"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// EventKind discriminates turn events.
type EventKind int

const (
	// SpeechStart: the user began a turn from silence.
	SpeechStart EventKind = iota
	// SpeechEnd: the user's turn ended after sustained silence.
	SpeechEnd
	// BargeIn: the user interrupted the agent mid-utterance.
	BargeIn
)

func (k EventKind) String() string {
	switch k {
	case SpeechStart:
		return "speech_start"
	case SpeechEnd:
		return "speech_end"
	case BargeIn:
		return "barge_in"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one discrete turn boundary. At most one event is produced per
// frame.
type Event struct {
	Kind EventKind

	// Frame is the index of the frame whose processing produced the event.
	Frame uint64

	// Probability is the fused confidence score of that frame.
	Probability float64

	// Duration is the length of the completed turn, set on SpeechEnd only.
	// It spans first voiced frame to last voiced frame, excluding the
	// trailing silence that triggered the event.
	Duration time.Duration
}

// Config holds the detector tuning.
type Config struct {
	// Sensitivity is the fused-score threshold above which a frame counts
	// as voiced. Default 0.6.
	Sensitivity float64

	// MinTurnDuration is the sustained voiced run required to open a turn
	// (SpeechStart, BargeIn). Default 250 ms.
	MinTurnDuration time.Duration

	// MaxSilenceDuration is the sustained silent run required to close a
	// turn. Longer than MinTurnDuration on purpose: mid-utterance pauses
	// must not end the turn. Default 400 ms.
	MaxSilenceDuration time.Duration

	// FrameDuration is the session frame period. Default 20 ms.
	FrameDuration time.Duration

	// Weights for signal fusion. Zero value selects [DefaultWeights].
	Weights Weights

	// Metrics receives event counters. May be nil in tests.
	Metrics *observe.Metrics
}

// Detector is the per-session state machine. Update must be called once per
// frame from a single goroutine.
type Detector struct {
	cfg     Config
	minRun  int // voiced frames to open a turn
	maxRun  int // silent frames to close a turn
	weights Weights

	state      State
	frameIdx   uint64
	voicedRun  int
	silentRun  int
	turnStart  uint64 // frame index of the first voiced frame of the turn
	lastVoiced uint64
}

// NewDetector creates a detector in [StateSilence]. Zero config fields take
// their defaults.
func NewDetector(cfg Config) *Detector {
	if cfg.Sensitivity <= 0 {
		cfg.Sensitivity = 0.6
	}
	if cfg.MinTurnDuration <= 0 {
		cfg.MinTurnDuration = 250 * time.Millisecond
	}
	if cfg.MaxSilenceDuration <= 0 {
		cfg.MaxSilenceDuration = 400 * time.Millisecond
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = 20 * time.Millisecond
	}
	w := cfg.Weights
	if w == (Weights{}) {
		w = DefaultWeights()
	}
	return &Detector{
		cfg:     cfg,
		weights: w,
		minRun:  runLength(cfg.MinTurnDuration, cfg.FrameDuration),
		maxRun:  runLength(cfg.MaxSilenceDuration, cfg.FrameDuration),
	}
}

// runLength converts a duration threshold into a consecutive-frame count,
// rounding up so the threshold is a true minimum.
func runLength(threshold, frame time.Duration) int {
	return int(math.Ceil(float64(threshold) / float64(frame)))
}

// Update consumes one frame's features and the current agent-speaking status
// and returns at most one event. Conditions are evaluated in fixed priority
// order (BargeIn, then SpeechEnd, then SpeechStart) so coinciding conditions
// resolve deterministically.
func (d *Detector) Update(ctx context.Context, f features.Vector, agentSpeaking bool) *Event {
	d.frameIdx++
	score := d.weights.fuse(f, agentSpeaking)

	// Concealed frames are synthesized audio; they never count as voiced
	// evidence of the user speaking.
	voiced := score >= d.cfg.Sensitivity && !f.Concealed
	if voiced {
		if d.voicedRun == 0 {
			d.turnStart = d.frameIdx
		}
		d.voicedRun++
		d.silentRun = 0
		d.lastVoiced = d.frameIdx
	} else {
		d.silentRun++
		d.voicedRun = 0
	}

	d.reconcileAgent(agentSpeaking)

	ev := d.evaluate(agentSpeaking, score)
	if ev != nil && d.cfg.Metrics != nil {
		d.cfg.Metrics.RecordTurnEvent(ctx, ev.Kind.String())
	}
	return ev
}

// reconcileAgent applies the event-free transitions driven purely by the
// agent-speaking signal.
func (d *Detector) reconcileAgent(agentSpeaking bool) {
	switch d.state {
	case StateSilence:
		if agentSpeaking {
			d.state = StateAgentSpeaking
		}
	case StateAgentSpeaking:
		if !agentSpeaking {
			d.state = StateSilence
		}
	case StateUserSpeaking:
		if agentSpeaking {
			d.state = StateOverlap
		}
	case StateOverlap:
		if !agentSpeaking {
			// The agent yielded; the user keeps the floor.
			d.state = StateUserSpeaking
		}
	}
}

// evaluate checks the event conditions in priority order and applies the
// corresponding transition.
func (d *Detector) evaluate(agentSpeaking bool, score float64) *Event {
	// BargeIn: sustained user speech while the agent holds the floor. Reuses
	// the speech-start run length so interruption latency matches turn-start
	// latency.
	if d.state == StateAgentSpeaking && d.voicedRun >= d.minRun {
		d.state = StateOverlap
		return &Event{Kind: BargeIn, Frame: d.frameIdx, Probability: score}
	}

	// SpeechEnd: sustained silence closes the user's turn, from plain
	// speech or from overlap.
	if (d.state == StateUserSpeaking || d.state == StateOverlap) && d.silentRun >= d.maxRun {
		if agentSpeaking {
			d.state = StateAgentSpeaking
		} else {
			d.state = StateSilence
		}
		duration := time.Duration(d.lastVoiced-d.turnStart+1) * d.cfg.FrameDuration
		d.silentRun = 0
		return &Event{Kind: SpeechEnd, Frame: d.frameIdx, Probability: score, Duration: duration}
	}

	// SpeechStart: sustained voiced frames open a turn from silence.
	if d.state == StateSilence && d.voicedRun >= d.minRun {
		d.state = StateUserSpeaking
		return &Event{Kind: SpeechStart, Frame: d.frameIdx, Probability: score}
	}

	return nil
}

// State returns the current floor state.
func (d *Detector) State() State { return d.state }

// Reset returns the detector to silence with cleared runs, e.g. after a
// stream re-anchor.
func (d *Detector) Reset() {
	d.state = StateSilence
	d.voicedRun = 0
	d.silentRun = 0
}
