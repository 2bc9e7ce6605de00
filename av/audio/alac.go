package audio

import (
	"encoding/binary"

	"github.com/opd-ai/airplay/av"
)

// ALAC tuning parameters the sender encodes with.
const (
	alacCompatibleVersion = 0
	alacPB                = 40
	alacMB                = 10
	alacKB                = 14
	alacMaxRun            = 255
)

// ALACSpecificConfig is the 24-byte ALAC magic cookie.
type ALACSpecificConfig struct {
	FrameLength       uint32
	CompatibleVersion uint8
	BitDepth          uint8
	PB                uint8
	MB                uint8
	KB                uint8
	NumChannels       uint8
	MaxRun            uint16
	MaxFrameBytes     uint32
	AvgBitRate        uint32
	SampleRate        uint32
}

// DefaultALACConfig returns the cookie for AirPlay's 44.1 kHz stereo stream.
func DefaultALACConfig() ALACSpecificConfig {
	return ALACSpecificConfig{
		FrameLength:       ALACFrameLength,
		CompatibleVersion: alacCompatibleVersion,
		BitDepth:          BitDepth,
		PB:                alacPB,
		MB:                alacMB,
		KB:                alacKB,
		NumChannels:       Channels,
		MaxRun:            alacMaxRun,
		SampleRate:        SampleRate,
	}
}

// MarshalBinary encodes the cookie big-endian.
func (c ALACSpecificConfig) MarshalBinary() ([]byte, error) {
	b := make([]byte, 24)
	binary.BigEndian.PutUint32(b[0:4], c.FrameLength)
	b[4] = c.CompatibleVersion
	b[5] = c.BitDepth
	b[6] = c.PB
	b[7] = c.MB
	b[8] = c.KB
	b[9] = c.NumChannels
	binary.BigEndian.PutUint16(b[10:12], c.MaxRun)
	binary.BigEndian.PutUint32(b[12:16], c.MaxFrameBytes)
	binary.BigEndian.PutUint32(b[16:20], c.AvgBitRate)
	binary.BigEndian.PutUint32(b[20:24], c.SampleRate)
	return b, nil
}

// NewALACDecoder configures backend for AirPlay ALAC.
func NewALACDecoder(backend Backend) (Decoder, error) {
	cookie, _ := DefaultALACConfig().MarshalBinary()
	return newBackendDecoder(av.AudioFormatALAC, backend, ALACFrameLength, cookie)
}
