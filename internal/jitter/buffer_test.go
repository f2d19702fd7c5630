package jitter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tidewave/tidewave/pkg/audio"
	"github.com/tidewave/tidewave/pkg/audio/codec"
)

const (
	testSamples = 320 // 20 ms mono at 16 kHz
)

func testConfig() Config {
	return Config{
		Format:        audio.Format{SampleRate: 16000, Channels: 1},
		FrameDuration: 20 * time.Millisecond,
		Decoder:       codec.NewPCMDecoder(testSamples),
	}
}

func newTestBuffer(t *testing.T, cfg Config) *Buffer {
	t.Helper()
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

// makePacket builds a packet whose decoded frame is a constant at amp.
func makePacket(seq uint16, amp int16) audio.Packet {
	pcm := make([]int16, testSamples)
	for i := range pcm {
		pcm[i] = amp
	}
	return audio.Packet{
		Sequence: seq,
		Payload:  audio.Int16sToBytes(pcm),
		Arrival:  time.Now(),
	}
}

// frameEnergy is the mean square amplitude of a frame.
func frameEnergy(f audio.Frame) float64 {
	var sum float64
	for _, s := range f.Samples {
		sum += float64(s) * float64(s)
	}
	return sum / float64(len(f.Samples))
}

func TestNew_Validation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"nil decoder", func(c *Config) { c.Decoder = nil }},
		{"zero sample rate", func(c *Config) { c.Format.SampleRate = 0 }},
		{"zero channels", func(c *Config) { c.Format.Channels = 0 }},
		{"zero frame duration", func(c *Config) { c.FrameDuration = 0 }},
		{"low water above high water", func(c *Config) { c.LowWater = 7; c.HighWater = 6 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(&cfg)
			if _, err := New(cfg); !errors.Is(err, ErrConfig) {
				t.Fatalf("err = %v, want ErrConfig", err)
			}
		})
	}
}

func TestTick_AlwaysFullFrame(t *testing.T) {
	b := newTestBuffer(t, testConfig())
	ctx := context.Background()

	// Mixed delivery: in order, out of order, with gaps.
	b.Ingest(makePacket(2, 100))
	b.Ingest(makePacket(0, 100))
	b.Ingest(makePacket(1, 100))
	// seq 3 is lost.
	b.Ingest(makePacket(4, 100))

	for i := 0; i < 10; i++ {
		frame := b.Tick(ctx)
		if len(frame.Samples) != testSamples {
			t.Fatalf("tick %d: frame has %d samples, want %d", i, len(frame.Samples), testSamples)
		}
		if frame.Index != uint64(i) {
			t.Fatalf("tick %d: frame index = %d", i, frame.Index)
		}
	}
}

func TestTick_ReordersWithinWindow(t *testing.T) {
	b := newTestBuffer(t, testConfig())
	ctx := context.Background()

	// Deliver out of order with distinct amplitudes.
	b.Ingest(makePacket(2, 300))
	b.Ingest(makePacket(0, 100))
	b.Ingest(makePacket(1, 200))

	for i, want := range []int16{100, 200, 300} {
		frame := b.Tick(ctx)
		if frame.Concealed {
			t.Fatalf("tick %d: concealed, want real", i)
		}
		if frame.Samples[0] != want {
			t.Fatalf("tick %d: amplitude = %d, want %d", i, frame.Samples[0], want)
		}
	}
}

func TestTick_SequenceWraparound(t *testing.T) {
	b := newTestBuffer(t, testConfig())
	ctx := context.Background()

	for _, seq := range []uint16{65534, 65535, 0, 1} {
		b.Ingest(makePacket(seq, 500))
	}
	for i := 0; i < 4; i++ {
		frame := b.Tick(ctx)
		if frame.Concealed {
			t.Fatalf("tick %d around wraparound: concealed, want real", i)
		}
	}
}

func TestIngest_LatePacketDiscarded(t *testing.T) {
	b := newTestBuffer(t, testConfig())
	ctx := context.Background()

	b.Ingest(makePacket(0, 100))
	b.Ingest(makePacket(1, 100))
	_ = b.Tick(ctx)
	_ = b.Tick(ctx)

	// Slot 0 has been drained; this arrival is late.
	b.Ingest(makePacket(0, 100))

	st := b.Stats()
	if st.LateDiscards != 1 {
		t.Errorf("LateDiscards = %d, want 1", st.LateDiscards)
	}
	if st.PacketsReceived != 3 {
		t.Errorf("PacketsReceived = %d, want 3", st.PacketsReceived)
	}
}

func TestConcealment_EnergyBoundedAndDecaying(t *testing.T) {
	b := newTestBuffer(t, testConfig())
	ctx := context.Background()

	b.Ingest(makePacket(0, 1000))
	real := b.Tick(ctx)
	if real.Concealed {
		t.Fatal("frame 0 should be real")
	}

	// seq 1 and 2 are lost.
	c1 := b.Tick(ctx)
	c2 := b.Tick(ctx)
	if !c1.Concealed || !c2.Concealed {
		t.Fatal("frames 1 and 2 should be concealed")
	}

	eReal, e1, e2 := frameEnergy(real), frameEnergy(c1), frameEnergy(c2)
	if e1 > eReal {
		t.Errorf("first concealment energy %.0f exceeds real frame %.0f", e1, eReal)
	}
	if e2 >= e1 {
		t.Errorf("second concealment energy %.0f not below first %.0f (decay must be monotonic)", e2, e1)
	}
	if e1 == 0 {
		t.Error("concealment must not be pure silence")
	}
}

func TestConcealment_BeforeFirstPacketIsComfortNoise(t *testing.T) {
	b := newTestBuffer(t, testConfig())
	frame := b.Tick(context.Background())

	if !frame.Concealed {
		t.Fatal("frame before any packet must be concealed")
	}
	if len(frame.Samples) != testSamples {
		t.Fatalf("frame has %d samples, want %d", len(frame.Samples), testSamples)
	}
	// Near the noise floor but not constant silence.
	if frameEnergy(frame) == 0 {
		t.Error("comfort noise must not be digital silence")
	}
	for _, s := range frame.Samples {
		if s > 64 || s < -64 {
			t.Fatalf("comfort noise sample %d above the noise floor", s)
		}
	}
}

func TestTick_CorruptPayloadConcealed(t *testing.T) {
	b := newTestBuffer(t, testConfig())
	ctx := context.Background()

	b.Ingest(makePacket(0, 800))
	_ = b.Tick(ctx)

	// Wrong-length payload decodes as corrupt.
	b.Ingest(audio.Packet{Sequence: 1, Payload: []byte{1, 2, 3}})
	frame := b.Tick(ctx)
	if !frame.Concealed {
		t.Fatal("corrupt payload must yield a concealed frame")
	}
	if len(frame.Samples) != testSamples {
		t.Fatalf("frame has %d samples, want %d", len(frame.Samples), testSamples)
	}
}

func TestAdaptive_SkipAheadBoundsBacklog(t *testing.T) {
	cfg := testConfig()
	cfg.ReorderWindow = 4 // hold-off = 4 ticks
	cfg.HighWater = 3
	cfg.LowWater = 1
	b := newTestBuffer(t, cfg)
	ctx := context.Background()

	// A burst far above the high-water mark.
	for seq := uint16(0); seq < 16; seq++ {
		b.Ingest(makePacket(seq, 100))
	}
	for i := 0; i < 8; i++ {
		_ = b.Tick(ctx)
	}

	st := b.Stats()
	if st.SkipAheads == 0 {
		t.Fatal("expected at least one skip-ahead for a 16-packet backlog")
	}
	if depth := b.Depth(); depth > cfg.HighWater+cfg.ReorderWindow {
		t.Errorf("depth = %d after adjustments, want bounded near high water %d", depth, cfg.HighWater)
	}
}

func TestAdaptive_AddsDelayOnUnderrun(t *testing.T) {
	cfg := testConfig()
	cfg.ReorderWindow = 2 // hold-off = 2 ticks
	b := newTestBuffer(t, cfg)
	ctx := context.Background()

	b.Ingest(makePacket(0, 100))
	_ = b.Tick(ctx)
	_ = b.Tick(ctx)
	_ = b.Tick(ctx)

	st := b.Stats()
	if st.AddedDelays == 0 {
		t.Fatal("expected added delay after sustained underrun")
	}

	// The policy must be rate-limited, not fire on every tick.
	if st.AddedDelays > 2 {
		t.Errorf("AddedDelays = %d over 3 ticks, want at most 2 (hold-off)", st.AddedDelays)
	}
}

func TestIngest_ConcurrentWithTick(t *testing.T) {
	b := newTestBuffer(t, testConfig())
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for seq := uint16(0); seq < 200; seq++ {
			b.Ingest(makePacket(seq, 100))
		}
	}()

	for i := 0; i < 200; i++ {
		frame := b.Tick(ctx)
		if len(frame.Samples) != testSamples {
			t.Fatalf("tick %d: short frame", i)
		}
	}
	<-done
}
