package audio

import (
	"fmt"

	"github.com/opd-ai/airplay/av"
)

// PCMDecoder converts RAOP L16 payloads, which are big-endian, to
// little-endian samples.
type PCMDecoder struct {
	cfg FormatConfig
}

// NewPCMDecoder creates the decoder used for uncompressed streams.
func NewPCMDecoder() *PCMDecoder {
	return &PCMDecoder{cfg: FormatConfig{
		SampleRate:  SampleRate,
		Channels:    Channels,
		BitDepth:    BitDepth,
		FrameLength: PCMFrameLength,
	}}
}

// Format implements Decoder.
func (d *PCMDecoder) Format() av.AudioFormat { return av.AudioFormatPCM }

// Config implements Decoder.
func (d *PCMDecoder) Config() FormatConfig { return d.cfg }

// OutputLength implements Decoder.
func (d *PCMDecoder) OutputLength() int { return d.cfg.OutputLength() }

// DecodeFrame swaps every sample to little-endian. The payload must hold
// whole samples.
func (d *PCMDecoder) DecodeFrame(payload []byte) ([]byte, error) {
	if len(payload)%2 != 0 {
		return nil, fmt.Errorf("pcm payload of %d bytes: %w", len(payload), av.ErrDecode)
	}
	out := make([]byte, len(payload))
	for i := 0; i < len(payload); i += 2 {
		out[i] = payload[i+1]
		out[i+1] = payload[i]
	}
	return out, nil
}
