// Package codec adapts encoded packet payloads to fixed-size PCM frames and
// back. The jitter buffer treats a codec as a pure function with a failure
// mode for corrupt payloads; decoder state (needed by Opus) is hidden inside
// the Decoder instance, one per session.
package codec

import "errors"

// ErrCorruptPayload is returned by Decode when the payload cannot be decoded.
// The jitter buffer maps it to a concealment frame; it is never surfaced to
// the session.
var ErrCorruptPayload = errors.New("codec: corrupt payload")

// Decoder turns one encoded payload into one fixed-size PCM frame.
// A Decoder is stateful and must not be shared across sessions.
type Decoder interface {
	// Decode decodes payload into interleaved int16 PCM. The returned slice
	// always has exactly the frame size the decoder was created with, or an
	// error is returned.
	Decode(payload []byte) ([]int16, error)
}

// Encoder turns one PCM frame back into an encoded payload for outbound
// audio.
type Encoder interface {
	// Encode encodes interleaved int16 PCM into a payload. The input must be
	// exactly one frame.
	Encode(pcm []int16) ([]byte, error)
}
