package resilience

import (
	"errors"
	"testing"
	"time"
)

// scorerStub is a minimal stand-in for a VAD scorer in fallback tests.
type scorerStub struct {
	name  string
	score float64
	err   error
	calls int
}

func newGroup(primary, fallback *scorerStub) *FallbackGroup[*scorerStub] {
	fg := NewFallbackGroup(primary, primary.name, FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{
			MaxFailures:  2,
			ResetTimeout: time.Hour,
		},
	})
	fg.AddFallback(fallback.name, fallback)
	return fg
}

func TestFallbackGroup_PrimaryServes(t *testing.T) {
	primary := &scorerStub{name: "model", score: 0.9}
	fallback := &scorerStub{name: "energy", score: 0.4}
	fg := newGroup(primary, fallback)

	score, served, err := ExecuteWithResult(fg, func(s *scorerStub) (float64, error) {
		s.calls++
		return s.score, s.err
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if served != "model" {
		t.Errorf("served by %q, want model", served)
	}
	if score != 0.9 {
		t.Errorf("score = %v, want 0.9", score)
	}
	if fallback.calls != 0 {
		t.Error("fallback should not have been tried")
	}
}

func TestFallbackGroup_FailoverToFallback(t *testing.T) {
	primary := &scorerStub{name: "model", err: errors.New("timeout")}
	fallback := &scorerStub{name: "energy", score: 0.4}
	fg := newGroup(primary, fallback)

	score, served, err := ExecuteWithResult(fg, func(s *scorerStub) (float64, error) {
		s.calls++
		return s.score, s.err
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if served != "energy" {
		t.Errorf("served by %q, want energy", served)
	}
	if score != 0.4 {
		t.Errorf("score = %v, want 0.4", score)
	}
}

func TestFallbackGroup_OpenBreakerSkipsPrimary(t *testing.T) {
	primary := &scorerStub{name: "model", err: errors.New("down")}
	fallback := &scorerStub{name: "energy", score: 0.4}
	fg := newGroup(primary, fallback)

	run := func() {
		_, _, _ = ExecuteWithResult(fg, func(s *scorerStub) (float64, error) {
			s.calls++
			return s.score, s.err
		})
	}

	// Two failures trip the primary's breaker (MaxFailures=2).
	run()
	run()
	primaryCalls := primary.calls

	// Subsequent runs must not touch the primary at all.
	run()
	run()
	if primary.calls != primaryCalls {
		t.Errorf("primary called %d times after breaker opened, want 0 extra calls",
			primary.calls-primaryCalls)
	}
	if fallback.calls != 4 {
		t.Errorf("fallback calls = %d, want 4", fallback.calls)
	}
}

func TestFallbackGroup_AllFailed(t *testing.T) {
	primary := &scorerStub{name: "model", err: errors.New("down")}
	fallback := &scorerStub{name: "energy", err: errors.New("also down")}
	fg := newGroup(primary, fallback)

	_, _, err := ExecuteWithResult(fg, func(s *scorerStub) (float64, error) {
		return s.score, s.err
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestFallbackGroup_Execute(t *testing.T) {
	primary := &scorerStub{name: "model", err: errors.New("down")}
	fallback := &scorerStub{name: "energy"}
	fg := newGroup(primary, fallback)

	err := fg.Execute(func(s *scorerStub) error {
		s.calls++
		return s.err
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fallback.calls != 1 {
		t.Errorf("fallback calls = %d, want 1", fallback.calls)
	}
}
