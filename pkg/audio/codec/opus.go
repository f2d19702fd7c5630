package codec

import (
	"fmt"
	"time"

	"layeh.com/gopus"

	"github.com/tidewave/tidewave/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ Decoder = (*OpusDecoder)(nil)
	_ Encoder = (*OpusEncoder)(nil)
)

// OpusDecoder wraps a gopus Opus decoder for a single session stream. Each
// session gets its own decoder so that Opus prediction state stays correct
// across consecutive frames.
type OpusDecoder struct {
	dec       *gopus.Decoder
	frameSize int // samples per channel per frame
	channels  int
}

// NewOpusDecoder creates an Opus decoder for the given stream format and
// frame duration.
func NewOpusDecoder(format audio.Format, frameDuration time.Duration) (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(format.SampleRate, format.Channels)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus decoder: %w", err)
	}
	return &OpusDecoder{
		dec:       dec,
		frameSize: format.SampleRate * int(frameDuration.Milliseconds()) / 1000,
		channels:  format.Channels,
	}, nil
}

// Decode decodes an Opus packet into interleaved int16 PCM. Corrupt payloads
// are reported as [ErrCorruptPayload] so the jitter buffer can conceal the
// frame.
func (d *OpusDecoder) Decode(payload []byte) ([]int16, error) {
	pcm, err := d.dec.Decode(payload, d.frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("%w: opus decode: %v", ErrCorruptPayload, err)
	}
	if len(pcm) != d.frameSize*d.channels {
		return nil, fmt.Errorf("%w: opus decode produced %d samples, want %d",
			ErrCorruptPayload, len(pcm), d.frameSize*d.channels)
	}
	return pcm, nil
}

// OpusEncoder wraps a gopus Opus encoder for the outbound stream.
type OpusEncoder struct {
	enc       *gopus.Encoder
	frameSize int
	channels  int
}

// NewOpusEncoder creates an Opus encoder for the given stream format and
// frame duration.
func NewOpusEncoder(format audio.Format, frameDuration time.Duration) (*OpusEncoder, error) {
	enc, err := gopus.NewEncoder(format.SampleRate, format.Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus encoder: %w", err)
	}
	return &OpusEncoder{
		enc:       enc,
		frameSize: format.SampleRate * int(frameDuration.Milliseconds()) / 1000,
		channels:  format.Channels,
	}, nil
}

// Encode encodes one frame of interleaved int16 PCM into an Opus packet.
func (e *OpusEncoder) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) != e.frameSize*e.channels {
		return nil, fmt.Errorf("codec: encode input has %d samples, want %d",
			len(pcm), e.frameSize*e.channels)
	}
	payload, err := e.enc.Encode(pcm, e.frameSize, len(pcm)*2)
	if err != nil {
		return nil, fmt.Errorf("codec: opus encode: %w", err)
	}
	return payload, nil
}
