// Package jitter implements the packet-reordering and loss-concealment layer
// of the pipeline. It absorbs network delivery-time variance: packets go in
// whenever they arrive, and exactly one full PCM frame comes out per tick of
// the session clock, no matter what the network did.
//
// Ingest and Tick are the two halves of the contract. Ingest is the only
// method called from the network goroutine and is guarded by a mutex; Tick is
// called from the session's playout loop and never blocks waiting for input.
package jitter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tidewave/tidewave/internal/observe"
	"github.com/tidewave/tidewave/pkg/audio"
	"github.com/tidewave/tidewave/pkg/audio/codec"
)

// Default window and watermark depths, in frame periods.
const (
	DefaultReorderWindow = 8
	DefaultHighWater     = 6
	DefaultLowWater      = 2
)

// resetThreshold is how far ahead of the playout head (in frame periods) a
// packet may be before the buffer assumes the sender restarted and re-anchors
// on the new sequence.
const resetThreshold = 512

// ErrConfig indicates an invalid buffer configuration at session start.
var ErrConfig = errors.New("jitter: invalid configuration")

// Config holds the construction parameters for a [Buffer].
type Config struct {
	// Format is the PCM format of decoded frames.
	Format audio.Format

	// FrameDuration is the fixed playout cadence (e.g. 20 ms).
	FrameDuration time.Duration

	// Decoder decodes packet payloads into PCM frames. Required.
	Decoder codec.Decoder

	// ReorderWindow is the buffer's depth hint in frame periods. It sets
	// the hold-off between playout-delay adjustments and sizes the pending
	// window. It does not bound how far ahead of the playout head a packet
	// may arrive; that is [resetThreshold]. Packets behind the head are
	// dropped regardless. Defaults to [DefaultReorderWindow].
	ReorderWindow int

	// HighWater is the pending-packet depth above which the buffer skips
	// ahead to bound latency. Defaults to [DefaultHighWater].
	HighWater int

	// LowWater is the pending-packet depth below which the buffer inserts one
	// frame of extra delay to avoid underrun. Defaults to [DefaultLowWater].
	LowWater int

	// Metrics receives buffer counters. May be nil in tests.
	Metrics *observe.Metrics
}

// Stats is a snapshot of buffer counters, used by tests and the health
// endpoint.
type Stats struct {
	PacketsReceived uint64
	LateDiscards    uint64
	RealFrames      uint64
	ConcealedFrames uint64
	SkipAheads      uint64
	AddedDelays     uint64
}

// Buffer reorders incoming packets within a bounded window and emits PCM
// frames at a fixed cadence, synthesizing concealment frames on loss.
//
// Ingest may be called concurrently with Tick; all other methods must be
// called from the playout goroutine only.
type Buffer struct {
	cfg             Config
	samplesPerFrame int
	holdOff         int // min ticks between playout-delay adjustments

	mu      sync.Mutex
	window  map[uint16][]byte // pending payloads keyed by sequence number
	started bool
	head    uint16 // sequence number of the next playout slot

	// Playout-side state, owned by the Tick goroutine.
	frameIndex  uint64
	lastGood    []int16
	concealRun  int
	sinceAdjust int
	stats       Stats
}

// New validates cfg and creates an empty buffer. Configuration errors here
// are session-fatal: the session must not start with a buffer it cannot
// trust.
func New(cfg Config) (*Buffer, error) {
	if cfg.Decoder == nil {
		return nil, fmt.Errorf("%w: decoder is required", ErrConfig)
	}
	if cfg.Format.SampleRate <= 0 || cfg.Format.Channels <= 0 {
		return nil, fmt.Errorf("%w: format %+v", ErrConfig, cfg.Format)
	}
	if cfg.FrameDuration <= 0 {
		return nil, fmt.Errorf("%w: frame duration %v", ErrConfig, cfg.FrameDuration)
	}
	if cfg.ReorderWindow <= 0 {
		cfg.ReorderWindow = DefaultReorderWindow
	}
	if cfg.HighWater <= 0 {
		cfg.HighWater = DefaultHighWater
	}
	if cfg.LowWater <= 0 {
		cfg.LowWater = DefaultLowWater
	}
	if cfg.LowWater >= cfg.HighWater {
		return nil, fmt.Errorf("%w: low water %d must be below high water %d",
			ErrConfig, cfg.LowWater, cfg.HighWater)
	}
	samples := cfg.Format.SamplesPerFrame(cfg.FrameDuration)
	if samples <= 0 {
		return nil, fmt.Errorf("%w: frame of %v at %d Hz has no samples",
			ErrConfig, cfg.FrameDuration, cfg.Format.SampleRate)
	}
	return &Buffer{
		cfg:             cfg,
		samplesPerFrame: samples,
		holdOff:         cfg.ReorderWindow,
		window:          make(map[uint16][]byte, cfg.ReorderWindow*2),
	}, nil
}

// Ingest accepts a packet from the network at any time. Packets arriving for
// a slot that has already been drained are dropped and counted as late
// discards; they are not an error to the caller. Ingest never blocks beyond
// the short critical section.
func (b *Buffer) Ingest(p audio.Packet) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cfg.Metrics != nil {
		b.cfg.Metrics.PacketsReceived.Add(context.Background(), 1)
	}
	b.stats.PacketsReceived++

	if !b.started {
		// First packet anchors the playout head.
		b.started = true
		b.head = p.Sequence
	}

	d := seqDiff(p.Sequence, b.head)
	switch {
	case d < 0:
		// The slot for this packet has already been drained.
		b.stats.LateDiscards++
		if b.cfg.Metrics != nil {
			b.cfg.Metrics.PacketsLate.Add(context.Background(), 1)
		}
		return
	case d >= resetThreshold:
		// Sender restarted or the stream jumped. Re-anchor.
		clear(b.window)
		b.head = p.Sequence
	}

	b.window[p.Sequence] = p.Payload
}

// Tick produces exactly one full-length PCM frame for the current playout
// slot: the decoded packet if it is present and valid, a concealment frame
// otherwise. It never blocks waiting for network input.
//
// Tick must be called at the fixed frame cadence by a single goroutine.
func (b *Buffer) Tick(ctx context.Context) audio.Frame {
	payload, depth, started := b.take()

	var frame audio.Frame
	if payload != nil {
		pcm, err := b.cfg.Decoder.Decode(payload)
		if err != nil {
			// Corrupt payload: conceal, same as loss.
			frame = b.concealFrame()
		} else {
			frame = b.realFrame(pcm)
		}
	} else {
		frame = b.concealFrame()
	}

	b.adjustPlayout(ctx, depth, started)

	frame.Index = b.frameIndex
	b.frameIndex++
	b.sinceAdjust++

	if b.cfg.Metrics != nil {
		b.cfg.Metrics.RecordFrame(ctx, frame.Concealed)
	}
	return frame
}

// take removes and returns the payload for the current head slot, advancing
// the head, and reports the pending depth after the removal along with
// whether playout has been anchored by a first packet yet.
func (b *Buffer) take() (payload []byte, depth int, started bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		return nil, 0, false
	}

	payload, ok := b.window[b.head]
	if ok {
		delete(b.window, b.head)
	}
	b.head++

	return payload, len(b.window), true
}

// adjustPlayout applies the adaptive jitter-delay policy. Adjustments are
// rate-limited by the hold-off so the buffer converges instead of
// oscillating every tick.
func (b *Buffer) adjustPlayout(ctx context.Context, depth int, started bool) {
	if !started || b.sinceAdjust < b.holdOff {
		return
	}

	switch {
	case depth > b.cfg.HighWater:
		// Too much queued audio: skip ahead to bound end-to-end latency.
		b.skipAhead(depth - b.cfg.HighWater)
		b.addStat(func(s *Stats) { s.SkipAheads++ })
		b.sinceAdjust = 0
		if b.cfg.Metrics != nil {
			b.cfg.Metrics.RecordPlayoutAdjustment(ctx, "skip_ahead")
		}
	case depth < b.cfg.LowWater:
		// Draining faster than the network delivers: hold the head for one
		// tick (the caller still gets a concealment frame) so the window can
		// refill.
		b.mu.Lock()
		b.head--
		b.stats.AddedDelays++
		b.mu.Unlock()
		b.sinceAdjust = 0
		if b.cfg.Metrics != nil {
			b.cfg.Metrics.RecordPlayoutAdjustment(ctx, "add_delay")
		}
	}
}

// addStat applies a counter update under the buffer mutex. Playout-side
// counters share the Stats struct with Ingest-side counters, so both go
// through the same lock.
func (b *Buffer) addStat(fn func(*Stats)) {
	b.mu.Lock()
	fn(&b.stats)
	b.mu.Unlock()
}

// skipAhead advances the head by n slots, discarding any pending packets for
// the skipped slots.
func (b *Buffer) skipAhead(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < n; i++ {
		delete(b.window, b.head)
		b.head++
	}
}

// realFrame records a successfully decoded frame and remembers it as the
// concealment source.
func (b *Buffer) realFrame(pcm []int16) audio.Frame {
	if len(pcm) != b.samplesPerFrame {
		// The decoder contract guarantees full frames; a mismatch here is a
		// programming error, not a runtime condition.
		panic(fmt.Sprintf("jitter: decoder produced %d samples, want %d",
			len(pcm), b.samplesPerFrame))
	}
	if b.lastGood == nil {
		b.lastGood = make([]int16, b.samplesPerFrame)
	}
	copy(b.lastGood, pcm)
	b.concealRun = 0
	b.addStat(func(s *Stats) { s.RealFrames++ })
	return audio.Frame{Samples: pcm}
}

// concealFrame synthesizes a replacement frame for a missing or corrupt slot.
func (b *Buffer) concealFrame() audio.Frame {
	b.concealRun++
	b.addStat(func(s *Stats) { s.ConcealedFrames++ })
	return audio.Frame{
		Samples:   conceal(b.lastGood, b.concealRun, b.samplesPerFrame),
		Concealed: true,
	}
}

// Stats returns a snapshot of the buffer counters. Safe to call from any
// goroutine.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Depth returns the current number of pending packets in the reorder window.
func (b *Buffer) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.window)
}

// seqDiff returns the signed distance from b to a over the wrapping uint16
// sequence space: positive when a is ahead of b.
func seqDiff(a, b uint16) int {
	return int(int16(a - b))
}
