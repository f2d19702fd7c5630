// Package audio defines the core audio data types shared by every stage of
// the Tidewave pipeline: network packets on the way in, fixed-cadence PCM
// frames on the way through, and the format descriptor that ties them
// together.
package audio

import "time"

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	// SampleRate in Hz (e.g., 48000 for WebRTC Opus, 16000 for analysis).
	SampleRate int

	// Channels: 1 for mono, 2 for interleaved stereo.
	Channels int
}

// SamplesPerFrame returns the number of PCM samples (across all channels) in
// one frame of the given duration. A 20 ms mono frame at 16 kHz is 320
// samples; the same frame in stereo is 640.
func (f Format) SamplesPerFrame(d time.Duration) int {
	return int(d.Milliseconds()) * f.SampleRate * f.Channels / 1000
}

// Packet is one encoded audio packet as delivered by the network transport.
// Packets may arrive out of order or not at all; the jitter buffer consumes
// them and discards them after decode or concealment.
type Packet struct {
	// Sequence is the transport sequence number. It wraps at 65535, and the
	// jitter buffer handles the wraparound.
	Sequence uint16

	// Payload is the encoded (typically Opus) audio data.
	Payload []byte

	// Arrival is when the packet was received, used for jitter statistics.
	Arrival time.Time
}

// Frame is one fixed-duration block of decoded PCM audio. Every frame emitted
// by the jitter buffer has exactly Format.SamplesPerFrame samples; partial
// frames never leave the buffer.
type Frame struct {
	// Samples holds interleaved little-endian PCM.
	Samples []int16

	// Index is the frame's position on the session playout clock, starting
	// at zero. Frame N covers [N*frameDuration, (N+1)*frameDuration).
	Index uint64

	// Concealed marks frames synthesized by loss concealment rather than
	// decoded from a received packet.
	Concealed bool
}

// Timestamp returns the playout time of the frame given the session's frame
// duration.
func (f Frame) Timestamp(frameDuration time.Duration) time.Duration {
	return time.Duration(f.Index) * frameDuration
}

// Clone returns a deep copy of the frame. Stages that hold a frame beyond the
// current tick must clone it, since the jitter buffer may reuse sample
// buffers.
func (f Frame) Clone() Frame {
	samples := make([]int16, len(f.Samples))
	copy(samples, f.Samples)
	return Frame{Samples: samples, Index: f.Index, Concealed: f.Concealed}
}
