package video

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/opd-ai/airplay/av"
	"github.com/opd-ai/airplay/av/rtp"
)

// HeaderLength is the size of the frame prologue.
const HeaderLength = 128

// Payload types.
const (
	PayloadVideo     = 0
	PayloadCodecData = 1
	PayloadHeartbeat = 2
)

// MaxPayloadSize bounds a single frame payload.
const MaxPayloadSize = 16 << 20

// MirroringHeader is the fixed prologue of every mirroring frame. Multi-byte
// fields are little-endian.
type MirroringHeader struct {
	PayloadSize   uint32
	PayloadType   uint8
	PayloadOption uint16
	// Timestamp is the sender's 32.32 fixed-point NTP time of the frame.
	Timestamp    uint64
	WidthSource  float32
	HeightSource float32
	Width        float32
	Height       float32
}

// ParseHeader decodes the first HeaderLength bytes of b.
func ParseHeader(b []byte) (MirroringHeader, error) {
	if len(b) < HeaderLength {
		return MirroringHeader{}, fmt.Errorf("mirroring header of %d bytes: %w", len(b), av.ErrInvalidLength)
	}
	h := MirroringHeader{
		PayloadSize:   binary.LittleEndian.Uint32(b[0:4]),
		PayloadType:   uint8(binary.LittleEndian.Uint16(b[4:6]) & 0xff),
		PayloadOption: binary.LittleEndian.Uint16(b[6:8]),
		Timestamp:     binary.LittleEndian.Uint64(b[8:16]),
		WidthSource:   math.Float32frombits(binary.LittleEndian.Uint32(b[40:44])),
		HeightSource:  math.Float32frombits(binary.LittleEndian.Uint32(b[44:48])),
		Width:         math.Float32frombits(binary.LittleEndian.Uint32(b[56:60])),
		Height:        math.Float32frombits(binary.LittleEndian.Uint32(b[60:64])),
	}
	if h.PayloadSize > MaxPayloadSize {
		return h, fmt.Errorf("payload of %d bytes: %w", h.PayloadSize, av.ErrMalformedStream)
	}
	return h, nil
}

// MarshalBinary encodes the header into its 128-byte wire form.
func (h MirroringHeader) MarshalBinary() ([]byte, error) {
	b := make([]byte, HeaderLength)
	binary.LittleEndian.PutUint32(b[0:4], h.PayloadSize)
	binary.LittleEndian.PutUint16(b[4:6], uint16(h.PayloadType))
	binary.LittleEndian.PutUint16(b[6:8], h.PayloadOption)
	binary.LittleEndian.PutUint64(b[8:16], h.Timestamp)
	binary.LittleEndian.PutUint32(b[40:44], math.Float32bits(h.WidthSource))
	binary.LittleEndian.PutUint32(b[44:48], math.Float32bits(h.HeightSource))
	binary.LittleEndian.PutUint32(b[56:60], math.Float32bits(h.Width))
	binary.LittleEndian.PutUint32(b[60:64], math.Float32bits(h.Height))
	return b, nil
}

// PTS returns the frame timestamp in microseconds.
func (h MirroringHeader) PTS() uint64 {
	return rtp.NTPToUnixMicros(h.Timestamp)
}
