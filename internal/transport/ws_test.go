package transport

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/tidewave/tidewave/internal/session"
	"github.com/tidewave/tidewave/internal/turn"
	"github.com/tidewave/tidewave/pkg/audio"
	"github.com/tidewave/tidewave/pkg/audio/codec"
)

const testSamples = 80 // 5 ms at 16 kHz

func TestParsePacket(t *testing.T) {
	payload := []byte{0x12, 0x34, 0xAA, 0xBB, 0xCC}
	p, err := ParsePacket(payload)
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}
	if p.Sequence != 0x1234 {
		t.Errorf("sequence = %#x, want 0x1234", p.Sequence)
	}
	if len(p.Payload) != 3 || p.Payload[0] != 0xAA {
		t.Errorf("payload = %v, want the 3 trailing bytes", p.Payload)
	}
	if p.Arrival.IsZero() {
		t.Error("arrival time not stamped")
	}

	if _, err := ParsePacket([]byte{0x01}); err != ErrShortMessage {
		t.Errorf("short packet err = %v, want ErrShortMessage", err)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	in := audio.Frame{
		Samples:   []int16{100, -200, 32767, -32768},
		Index:     1 << 40,
		Concealed: true,
	}
	out, err := DecodeFrame(EncodeFrame(in))
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if out.Index != in.Index || out.Concealed != in.Concealed {
		t.Errorf("header round trip: got %+v", out)
	}
	for i, s := range in.Samples {
		if out.Samples[i] != s {
			t.Errorf("sample %d = %d, want %d", i, out.Samples[i], s)
		}
	}

	if _, err := DecodeFrame([]byte{1, 2, 3}); err != ErrShortMessage {
		t.Errorf("short frame err = %v, want ErrShortMessage", err)
	}
}

// startServer runs the websocket server over httptest with a real session
// behind each connection.
func startServer(t *testing.T) *httptest.Server {
	t.Helper()
	manager := session.NewManager(4, nil)
	t.Cleanup(manager.Shutdown)

	factory := func(sink session.Sink) (*session.Session, error) {
		return session.New(session.Config{
			Format:        audio.Format{SampleRate: 16000, Channels: 1},
			FrameDuration: 5 * time.Millisecond,
			Decoder:       codec.NewPCMDecoder(testSamples),
			Sink:          sink,
			Detection: turn.Config{
				MinTurnDuration:    50 * time.Millisecond,
				MaxSilenceDuration: 100 * time.Millisecond,
			},
		})
	}

	srv := httptest.NewServer(NewServer(manager, factory, nil).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, ctx context.Context, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, url+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func makePacket(seq uint16) []byte {
	pcm := make([]int16, testSamples)
	for i := range pcm {
		pcm[i] = 4000
	}
	msg := make([]byte, 0, packetHeaderLen+testSamples*2)
	msg = append(msg, byte(seq>>8), byte(seq))
	return append(msg, audio.Int16sToBytes(pcm)...)
}

func TestServer_StreamsFramesBack(t *testing.T) {
	srv := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, srv.URL)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	for seq := uint16(0); seq < 10; seq++ {
		if err := conn.Write(ctx, websocket.MessageBinary, makePacket(seq)); err != nil {
			t.Fatalf("write packet: %v", err)
		}
	}

	var got int
	var lastIdx uint64
	for got < 10 {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read after %d frames: %v", got, err)
		}
		if typ != websocket.MessageBinary {
			continue // control or event traffic
		}
		f, err := DecodeFrame(data)
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if len(f.Samples) != testSamples {
			t.Fatalf("frame has %d samples, want %d", len(f.Samples), testSamples)
		}
		if got > 0 && f.Index <= lastIdx {
			t.Fatalf("frame index %d not increasing past %d", f.Index, lastIdx)
		}
		lastIdx = f.Index
		got++
	}
}

func TestServer_MalformedTrafficIsTolerated(t *testing.T) {
	srv := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, srv.URL)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// A truncated binary message and invalid control JSON must both be
	// dropped without closing the stream.
	if err := conn.Write(ctx, websocket.MessageBinary, []byte{0x01}); err != nil {
		t.Fatalf("write short packet: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write bad control: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"agent_speaking","speaking":true}`)); err != nil {
		t.Fatalf("write control: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageBinary, makePacket(0)); err != nil {
		t.Fatalf("write packet: %v", err)
	}

	// The session still ticks and streams frames.
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if typ != websocket.MessageBinary {
			continue
		}
		if _, err := DecodeFrame(data); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return
	}
}

func TestServer_CapacityRejection(t *testing.T) {
	manager := session.NewManager(1, nil)
	t.Cleanup(manager.Shutdown)

	factory := func(sink session.Sink) (*session.Session, error) {
		return session.New(session.Config{
			Format:        audio.Format{SampleRate: 16000, Channels: 1},
			FrameDuration: 5 * time.Millisecond,
			Decoder:       codec.NewPCMDecoder(testSamples),
			Sink:          sink,
		})
	}
	srv := httptest.NewServer(NewServer(manager, factory, nil).Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first := dial(t, ctx, srv.URL)
	defer first.Close(websocket.StatusNormalClosure, "done")

	// Wait for the first session to be live before dialing again, so the
	// capacity check is deterministic.
	if err := first.Write(ctx, websocket.MessageBinary, makePacket(0)); err != nil {
		t.Fatalf("write packet: %v", err)
	}
	if _, _, err := first.Read(ctx); err != nil {
		t.Fatalf("first connection not serving: %v", err)
	}

	// The second connection is turned away once the manager is full.
	second, _, err := websocket.Dial(ctx, srv.URL+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer second.Close(websocket.StatusNormalClosure, "done")
	_, _, err = second.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusTryAgainLater {
		t.Fatalf("close status = %v (err %v), want StatusTryAgainLater", websocket.CloseStatus(err), err)
	}
}
