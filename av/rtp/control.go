package rtp

import (
	"encoding/binary"
	"fmt"

	"github.com/opd-ai/airplay/av"
)

// Control socket packet types, taken from byte 1 with the marker bit cleared.
const (
	ControlTypeSync          = 0x54
	ControlTypeResendRequest = 0x55
	ControlTypeRetransmit    = 0x56
)

// NTPEpochOffset is the number of seconds between 1900-01-01 and 1970-01-01.
const NTPEpochOffset = 2208988800

// syncPacketLength covers the RTP header, the NTP time and the next timestamp.
const syncPacketLength = 20

// ControlType returns the control packet type of p.
func ControlType(p []byte) (byte, error) {
	if len(p) < 2 {
		return 0, fmt.Errorf("control packet of %d bytes: %w", len(p), av.ErrInvalidLength)
	}
	return p[1] &^ 0x80, nil
}

// SyncPacket is the periodic clock reference sent on the control socket.
type SyncPacket struct {
	// RTPTimestamp is the stream timestamp that corresponds to NTPTime.
	RTPTimestamp uint32
	// NTPTime is the sender clock in microseconds since the Unix epoch.
	NTPTime uint64
	// NextTimestamp is the RTP timestamp of the next audio packet.
	NextTimestamp uint32
}

// ParseSync decodes a sync packet.
func ParseSync(p []byte) (SyncPacket, error) {
	if len(p) < syncPacketLength {
		return SyncPacket{}, fmt.Errorf("sync packet of %d bytes: %w", len(p), av.ErrInvalidLength)
	}
	return SyncPacket{
		RTPTimestamp:  binary.BigEndian.Uint32(p[4:8]),
		NTPTime:       NTPToUnixMicros(binary.BigEndian.Uint64(p[8:16])),
		NextTimestamp: binary.BigEndian.Uint32(p[16:20]),
	}, nil
}

// RetransmitPayload returns the original RTP packet carried in a
// retransmit reply.
func RetransmitPayload(p []byte) ([]byte, error) {
	if len(p) < 4+HeaderLength {
		return nil, fmt.Errorf("retransmit packet of %d bytes: %w", len(p), av.ErrInvalidLength)
	}
	return p[4:], nil
}

// NTPToMicros converts a 32.32 fixed-point NTP value to microseconds
// without shifting the epoch.
func NTPToMicros(ntp uint64) uint64 {
	seconds := ntp >> 32
	fraction := ntp & 0xffffffff
	return seconds*1_000_000 + (fraction*1_000_000)>>32
}

// NTPToUnixMicros converts an absolute NTP timestamp to microseconds since
// the Unix epoch. Values before 1970 are returned unshifted.
func NTPToUnixMicros(ntp uint64) uint64 {
	micros := NTPToMicros(ntp)
	if ntp>>32 < NTPEpochOffset {
		return micros
	}
	return micros - NTPEpochOffset*1_000_000
}

// ResendRequest builds a request for count packets starting at first.
func ResendRequest(controlSeq, first, count uint16) []byte {
	p := make([]byte, 8)
	p[0] = 0x80
	p[1] = ControlTypeResendRequest | 0x80
	binary.BigEndian.PutUint16(p[2:4], controlSeq)
	binary.BigEndian.PutUint16(p[4:6], first)
	binary.BigEndian.PutUint16(p[6:8], count)
	return p
}
