// Package transport is the websocket ingest boundary. It defines the
// session-level wire framing: inbound binary messages carry sequenced audio
// packets, inbound text messages carry control JSON, outbound binary
// messages carry processed PCM frames and outbound text messages carry turn
// events. RTP parsing and transport negotiation live outside this process.
package transport

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/tidewave/tidewave/internal/turn"
	"github.com/tidewave/tidewave/pkg/audio"
)

// Inbound audio message: 2-byte big-endian sequence number, then the codec
// payload.
const packetHeaderLen = 2

// Outbound audio message: 8-byte big-endian frame index, 1 concealment flag
// byte, then little-endian PCM samples.
const frameHeaderLen = 9

// ErrShortMessage indicates a binary message too small to carry its header.
var ErrShortMessage = errors.New("transport: message shorter than header")

// ParsePacket decodes one inbound audio message.
func ParsePacket(data []byte) (audio.Packet, error) {
	if len(data) < packetHeaderLen {
		return audio.Packet{}, ErrShortMessage
	}
	return audio.Packet{
		Sequence: binary.BigEndian.Uint16(data[:packetHeaderLen]),
		Payload:  data[packetHeaderLen:],
		Arrival:  time.Now(),
	}, nil
}

// EncodeFrame encodes one processed frame for the outbound stream.
func EncodeFrame(f audio.Frame) []byte {
	out := make([]byte, frameHeaderLen+len(f.Samples)*2)
	binary.BigEndian.PutUint64(out[:8], f.Index)
	if f.Concealed {
		out[8] = 1
	}
	copy(out[frameHeaderLen:], audio.Int16sToBytes(f.Samples))
	return out
}

// DecodeFrame is the inverse of [EncodeFrame], used by tests and client
// tooling.
func DecodeFrame(data []byte) (audio.Frame, error) {
	if len(data) < frameHeaderLen {
		return audio.Frame{}, ErrShortMessage
	}
	return audio.Frame{
		Index:     binary.BigEndian.Uint64(data[:8]),
		Concealed: data[8] == 1,
		Samples:   audio.BytesToInt16s(data[frameHeaderLen:]),
	}, nil
}

// controlMessage is the inbound text frame.
type controlMessage struct {
	Type     string `json:"type"`
	Speaking bool   `json:"speaking,omitempty"`
}

// controlAgentSpeaking updates the turn detector's agent-speaking signal.
const controlAgentSpeaking = "agent_speaking"

// eventMessage is the outbound text frame for turn events.
type eventMessage struct {
	Type        string  `json:"type"`
	Kind        string  `json:"kind"`
	Frame       uint64  `json:"frame"`
	Probability float64 `json:"probability"`
	DurationMs  int64   `json:"duration_ms,omitempty"`
}

func newEventMessage(ev turn.Event) eventMessage {
	return eventMessage{
		Type:        "turn_event",
		Kind:        ev.Kind.String(),
		Frame:       ev.Frame,
		Probability: ev.Probability,
		DurationMs:  ev.Duration.Milliseconds(),
	}
}
