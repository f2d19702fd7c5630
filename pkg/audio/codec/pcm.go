package codec

import (
	"fmt"

	"github.com/tidewave/tidewave/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ Decoder = (*PCMDecoder)(nil)
	_ Encoder = (*PCMEncoder)(nil)
)

// PCMDecoder is a passthrough decoder for payloads that already carry raw
// little-endian int16 PCM. Used for uncompressed transports and throughout
// the test suite, where it makes decoded output deterministic.
type PCMDecoder struct {
	samples int // expected samples per frame
}

// NewPCMDecoder creates a passthrough decoder expecting samples per frame.
func NewPCMDecoder(samples int) *PCMDecoder {
	return &PCMDecoder{samples: samples}
}

// Decode reinterprets payload as little-endian int16 PCM. Payloads of the
// wrong length are corrupt by definition.
func (d *PCMDecoder) Decode(payload []byte) ([]int16, error) {
	if len(payload) != d.samples*2 {
		return nil, fmt.Errorf("%w: pcm payload is %d bytes, want %d",
			ErrCorruptPayload, len(payload), d.samples*2)
	}
	return audio.BytesToInt16s(payload), nil
}

// PCMEncoder is the passthrough counterpart of [PCMDecoder].
type PCMEncoder struct {
	samples int
}

// NewPCMEncoder creates a passthrough encoder expecting samples per frame.
func NewPCMEncoder(samples int) *PCMEncoder {
	return &PCMEncoder{samples: samples}
}

// Encode serializes one PCM frame as little-endian bytes.
func (e *PCMEncoder) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) != e.samples {
		return nil, fmt.Errorf("codec: pcm encode input has %d samples, want %d",
			len(pcm), e.samples)
	}
	return audio.Int16sToBytes(pcm), nil
}
