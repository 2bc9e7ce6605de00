package audio

import (
	"bytes"
	"fmt"

	"github.com/nareix/joy4/codec/aacparser"

	"github.com/opd-ai/airplay/av"
)

// aacSampleRateIndex is the MPEG-4 index of 44100 Hz.
const aacSampleRateIndex = 4

// AACSpecificConfig returns the AudioSpecificConfig of AirPlay's AAC main
// stream: 44.1 kHz stereo.
func AACSpecificConfig() ([]byte, error) {
	cfg := aacparser.MPEG4AudioConfig{
		ObjectType:      aacparser.AOT_AAC_MAIN,
		SampleRateIndex: aacSampleRateIndex,
		ChannelConfig:   Channels,
	}
	cfg.Complete()

	var buf bytes.Buffer
	if err := aacparser.WriteMPEG4AudioConfig(&buf, cfg); err != nil {
		return nil, fmt.Errorf("write AudioSpecificConfig: %w", err)
	}
	return buf.Bytes(), nil
}

// NewAACDecoder configures backend for raw AAC main frames.
func NewAACDecoder(backend Backend) (Decoder, error) {
	asc, err := AACSpecificConfig()
	if err != nil {
		return nil, err
	}
	return newBackendDecoder(av.AudioFormatAAC, backend, AACFrameLength, asc)
}
