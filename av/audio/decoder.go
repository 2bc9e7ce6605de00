package audio

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/airplay/av"
)

// Stream parameters shared by every RAOP audio format.
const (
	SampleRate = 44100
	Channels   = 2
	BitDepth   = 16
)

// Frame lengths in samples per channel.
const (
	ALACFrameLength = 352
	AACFrameLength  = 1024
	PCMFrameLength  = 352
)

// FormatConfig describes the PCM a decoder produces.
type FormatConfig struct {
	SampleRate  int
	Channels    int
	BitDepth    int
	FrameLength int
}

// OutputLength is the byte length of one decoded frame.
func (c FormatConfig) OutputLength() int {
	return c.FrameLength * c.Channels * c.BitDepth / 8
}

// Decoder turns one decrypted RAOP payload into PCM.
// Implementations are not safe for concurrent use.
type Decoder interface {
	Format() av.AudioFormat
	Config() FormatConfig
	OutputLength() int
	DecodeFrame(payload []byte) ([]byte, error)
}

// Backend is a native codec binding.
type Backend interface {
	// Configure prepares the codec. specificConfig is the ALAC magic
	// cookie or the AAC AudioSpecificConfig.
	Configure(specificConfig []byte, cfg FormatConfig) error
	// Decode decodes payload into out and returns the bytes written.
	Decode(payload []byte, out []byte) (int, error)
}

// Backends holds the native codec bindings available to NewDecoder.
type Backends struct {
	ALAC Backend
	AAC  Backend
}

// NewDecoder creates the decoder for a negotiated audio format.
func NewDecoder(format av.AudioFormat, backends Backends) (Decoder, error) {
	logrus.WithFields(logrus.Fields{
		"function": "NewDecoder",
		"format":   format.String(),
	}).Info("Creating audio decoder")

	switch format {
	case av.AudioFormatALAC:
		return NewALACDecoder(backends.ALAC)
	case av.AudioFormatAAC:
		return NewAACDecoder(backends.AAC)
	case av.AudioFormatAACELD:
		return nil, fmt.Errorf("format %s: %w", format, av.ErrUnsupportedCodec)
	case av.AudioFormatUnknown:
		return nil, fmt.Errorf("no audio format negotiated: %w", av.ErrUnsupportedCodec)
	default:
		return NewPCMDecoder(), nil
	}
}

// backendDecoder runs a native Backend with a fixed configuration.
type backendDecoder struct {
	format  av.AudioFormat
	cfg     FormatConfig
	backend Backend
}

func (d *backendDecoder) Format() av.AudioFormat { return d.format }

func (d *backendDecoder) Config() FormatConfig { return d.cfg }

func (d *backendDecoder) OutputLength() int { return d.cfg.OutputLength() }

// DecodeFrame returns the bytes the backend wrote, at most OutputLength.
func (d *backendDecoder) DecodeFrame(payload []byte) ([]byte, error) {
	out := make([]byte, d.cfg.OutputLength())
	n, err := d.backend.Decode(payload, out)
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", d.format, err, av.ErrDecode)
	}
	if n < 0 || n > len(out) {
		return nil, fmt.Errorf("%s: backend wrote %d bytes: %w", d.format, n, av.ErrDecode)
	}
	return out[:n], nil
}

func newBackendDecoder(format av.AudioFormat, backend Backend, frameLength int, specificConfig []byte) (*backendDecoder, error) {
	if backend == nil {
		return nil, fmt.Errorf("no %s backend available: %w", format, av.ErrUnsupportedCodec)
	}
	cfg := FormatConfig{
		SampleRate:  SampleRate,
		Channels:    Channels,
		BitDepth:    BitDepth,
		FrameLength: frameLength,
	}
	if err := backend.Configure(specificConfig, cfg); err != nil {
		return nil, fmt.Errorf("configure %s backend: %w", format, err)
	}
	return &backendDecoder{format: format, cfg: cfg, backend: backend}, nil
}
