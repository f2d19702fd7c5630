package turn

import (
	"context"
	"testing"
	"time"

	"github.com/tidewave/tidewave/internal/features"
)

// voicedFrame scores ~0.73 fused: well above the default 0.6 sensitivity
// even with the agent-speaking bias applied.
func voicedFrame() features.Vector {
	return features.Vector{Probability: 0.9, VolumeDB: -20, PitchHz: 200}
}

// silentFrame scores ~0.03 fused.
func silentFrame() features.Vector {
	return features.Vector{Probability: 0.05, VolumeDB: -60}
}

func newTestDetector() *Detector {
	return NewDetector(Config{}) // defaults: 0.6, 250 ms / 400 ms at 20 ms frames
}

// drive feeds frames and collects every emitted event.
func drive(d *Detector, agentSpeaking bool, frames []features.Vector) []Event {
	var events []Event
	for _, f := range frames {
		if ev := d.Update(context.Background(), f, agentSpeaking); ev != nil {
			events = append(events, *ev)
		}
	}
	return events
}

func repeat(f features.Vector, n int) []features.Vector {
	out := make([]features.Vector, n)
	for i := range out {
		out[i] = f
	}
	return out
}

func TestSpeechStart_FiresOnceAtRunThreshold(t *testing.T) {
	d := newTestDetector()

	// 250 ms at 20 ms frames rounds up to a 13-frame run.
	events := drive(d, false, repeat(voicedFrame(), 40))
	if len(events) != 1 {
		t.Fatalf("got %d events over 40 voiced frames, want exactly 1", len(events))
	}
	if events[0].Kind != SpeechStart {
		t.Errorf("event kind = %v, want SpeechStart", events[0].Kind)
	}
	if events[0].Frame != 13 {
		t.Errorf("SpeechStart at frame %d, want 13", events[0].Frame)
	}
	if d.State() != StateUserSpeaking {
		t.Errorf("state = %v, want user_speaking", d.State())
	}
}

func TestSpeechEnd_FiresAfterSustainedSilence(t *testing.T) {
	d := newTestDetector()

	frames := append(repeat(voicedFrame(), 13), repeat(silentFrame(), 25)...)
	events := drive(d, false, frames)
	if len(events) != 2 {
		t.Fatalf("got %d events, want SpeechStart then SpeechEnd", len(events))
	}
	end := events[1]
	if end.Kind != SpeechEnd {
		t.Fatalf("second event = %v, want SpeechEnd", end.Kind)
	}
	// 400 ms of silence = 20 frames after the last voiced frame (13).
	if end.Frame != 33 {
		t.Errorf("SpeechEnd at frame %d, want 33", end.Frame)
	}
	// Turn duration covers the voiced span only, not the trailing silence.
	if end.Duration != 13*20*time.Millisecond {
		t.Errorf("turn duration = %v, want 260ms", end.Duration)
	}
	if d.State() != StateSilence {
		t.Errorf("state = %v, want silence", d.State())
	}
}

func TestSingleContraryFrameResetsRun(t *testing.T) {
	d := newTestDetector()

	// 12 voiced frames, one silent frame, then voiced again. The run must
	// restart from zero, pushing SpeechStart to frame 13 + 13 = 26.
	frames := append(repeat(voicedFrame(), 12), silentFrame())
	frames = append(frames, repeat(voicedFrame(), 13)...)
	events := drive(d, false, frames)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Frame != 26 {
		t.Errorf("SpeechStart at frame %d, want 26 (run must fully restart)", events[0].Frame)
	}
}

func TestMidUtterancePauseDoesNotEndTurn(t *testing.T) {
	d := newTestDetector()

	// Speech, then a 19-frame pause (just under the 20-frame threshold),
	// then speech again.
	frames := append(repeat(voicedFrame(), 13), repeat(silentFrame(), 19)...)
	frames = append(frames, repeat(voicedFrame(), 5)...)
	events := drive(d, false, frames)
	if len(events) != 1 || events[0].Kind != SpeechStart {
		t.Fatalf("events = %v, want only the initial SpeechStart", events)
	}
	if d.State() != StateUserSpeaking {
		t.Errorf("state = %v, want user_speaking through the pause", d.State())
	}
}

func TestBargeIn_WhileAgentSpeaking(t *testing.T) {
	d := newTestDetector()

	// Sustained user speech over the agent: exactly one BargeIn and no
	// SpeechStart, using the same run length as turn start.
	events := drive(d, true, repeat(voicedFrame(), 40))
	if len(events) != 1 {
		t.Fatalf("got %d events, want exactly 1 BargeIn", len(events))
	}
	if events[0].Kind != BargeIn {
		t.Errorf("event kind = %v, want BargeIn", events[0].Kind)
	}
	if events[0].Frame != 13 {
		t.Errorf("BargeIn at frame %d, want 13", events[0].Frame)
	}
	if d.State() != StateOverlap {
		t.Errorf("state = %v, want overlap", d.State())
	}
}

func TestOverlap_BecomesUserSpeakingWhenAgentYields(t *testing.T) {
	d := newTestDetector()

	drive(d, true, repeat(voicedFrame(), 13)) // barge in
	events := drive(d, false, repeat(voicedFrame(), 5))
	if len(events) != 0 {
		t.Fatalf("got %v after agent yielded, want no events", events)
	}
	if d.State() != StateUserSpeaking {
		t.Errorf("state = %v, want user_speaking once the agent signal clears", d.State())
	}
}

func TestSpeechEnd_FromOverlap(t *testing.T) {
	d := newTestDetector()

	drive(d, true, repeat(voicedFrame(), 13)) // barge in
	events := drive(d, true, repeat(silentFrame(), 20))
	if len(events) != 1 || events[0].Kind != SpeechEnd {
		t.Fatalf("events = %v, want one SpeechEnd", events)
	}
	// The agent still holds the floor.
	if d.State() != StateAgentSpeaking {
		t.Errorf("state = %v, want agent_speaking", d.State())
	}
}

func TestConcealedFramesAreNotVoicedEvidence(t *testing.T) {
	d := newTestDetector()

	f := voicedFrame()
	f.Concealed = true
	events := drive(d, false, repeat(f, 40))
	if len(events) != 0 {
		t.Fatalf("got %v from concealed frames, want none", events)
	}
	if d.State() != StateSilence {
		t.Errorf("state = %v, want silence", d.State())
	}
}

func TestAgentSignalAlone_NoEvents(t *testing.T) {
	d := newTestDetector()

	events := drive(d, true, repeat(silentFrame(), 30))
	if len(events) != 0 {
		t.Fatalf("got %v, want none: the agent speaking is not a turn event", events)
	}
	if d.State() != StateAgentSpeaking {
		t.Errorf("state = %v, want agent_speaking", d.State())
	}
	// Agent stops: back to silence, still no events.
	events = drive(d, false, repeat(silentFrame(), 5))
	if len(events) != 0 || d.State() != StateSilence {
		t.Errorf("events = %v state = %v, want none and silence", events, d.State())
	}
}

func TestRunLength_RoundsUp(t *testing.T) {
	if n := runLength(250*time.Millisecond, 20*time.Millisecond); n != 13 {
		t.Errorf("runLength(250ms, 20ms) = %d, want 13", n)
	}
	if n := runLength(400*time.Millisecond, 20*time.Millisecond); n != 20 {
		t.Errorf("runLength(400ms, 20ms) = %d, want 20", n)
	}
}

func TestFuse_SignalContributions(t *testing.T) {
	w := DefaultWeights()

	if s := w.fuse(voicedFrame(), false); s < 0.7 || s > 0.8 {
		t.Errorf("voiced fused score = %v, want ~0.73", s)
	}
	if s := w.fuse(silentFrame(), false); s > 0.1 {
		t.Errorf("silent fused score = %v, want near 0", s)
	}

	// Periodicity outside the voice range contributes less than voice pitch.
	hum := voicedFrame()
	hum.PitchHz = 800
	if w.fuse(hum, false) >= w.fuse(voicedFrame(), false) {
		t.Error("out-of-range pitch must score below in-range pitch")
	}

	// Agent-speaking bias lowers the score but must not floor real speech.
	biased := w.fuse(voicedFrame(), true)
	if biased >= w.fuse(voicedFrame(), false) {
		t.Error("agent-speaking bias must lower the score")
	}
	if biased < 0.6 {
		t.Errorf("biased voiced score = %v, must stay above 0.6 so barge-in stays detectable", biased)
	}
}

func TestDetector_Reset(t *testing.T) {
	d := newTestDetector()
	drive(d, false, repeat(voicedFrame(), 13))
	if d.State() != StateUserSpeaking {
		t.Fatalf("state = %v, want user_speaking", d.State())
	}
	d.Reset()
	if d.State() != StateSilence {
		t.Errorf("state after Reset = %v, want silence", d.State())
	}
	// A full run is required again.
	events := drive(d, false, repeat(voicedFrame(), 12))
	if len(events) != 0 {
		t.Errorf("events = %v after Reset with 12 frames, want none", events)
	}
}
