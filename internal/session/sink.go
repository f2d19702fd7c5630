package session

import (
	"context"
	"sync/atomic"

	"github.com/tidewave/tidewave/internal/turn"
	"github.com/tidewave/tidewave/pkg/audio"
)

// Sink receives a session's output in chronological order: the frame for
// tick N, then at most one event for tick N, always before anything from
// tick N+1. Both methods are called from the session's playout goroutine
// only. A returned error is session-fatal.
type Sink interface {
	WriteFrame(ctx context.Context, f audio.Frame) error
	WriteEvent(ctx context.Context, ev turn.Event) error
}

// Item is one sink delivery: exactly one of Frame or Event is set.
type Item struct {
	Frame *audio.Frame
	Event *turn.Event
}

// ChannelSink delivers outputs on a single channel so consumers observe the
// frame/event order the session produced. When the consumer falls behind and
// the channel is full, frames are dropped and counted rather than stalling
// the playout cadence; events are never dropped silently, they block.
type ChannelSink struct {
	C chan Item

	dropped atomic.Uint64
}

// NewChannelSink creates a sink with the given buffer depth.
func NewChannelSink(depth int) *ChannelSink {
	return &ChannelSink{C: make(chan Item, depth)}
}

// WriteFrame implements [Sink]. Drops the frame when the channel is full.
func (s *ChannelSink) WriteFrame(ctx context.Context, f audio.Frame) error {
	select {
	case s.C <- Item{Frame: &f}:
	case <-ctx.Done():
		return ctx.Err()
	default:
		s.dropped.Add(1)
	}
	return nil
}

// WriteEvent implements [Sink]. Events carry the conversational signal, so a
// slow consumer delays the session rather than losing one.
func (s *ChannelSink) WriteEvent(ctx context.Context, ev turn.Event) error {
	select {
	case s.C <- Item{Event: &ev}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns the number of frames discarded due to consumer backlog.
func (s *ChannelSink) Dropped() uint64 {
	return s.dropped.Load()
}
