package video

import (
	"encoding/binary"
	"fmt"

	"github.com/nareix/joy4/codec/h264parser"

	"github.com/opd-ai/airplay/av"
)

// StartCode is the Annex-B NALU delimiter.
var StartCode = []byte{0, 0, 0, 1}

// MaxParameterSetsLength bounds the combined SPS and PPS size.
const MaxParameterSetsLength = 102400

const naluTypeIDR = 5

// RewriteNALUs replaces the 4-byte big-endian length prefix of every NALU
// in payload with a start code, in place.
func RewriteNALUs(payload []byte) error {
	offset := 0
	for offset < len(payload) {
		if len(payload)-offset < 4 {
			return fmt.Errorf("truncated NALU prefix at %d: %w", offset, av.ErrMalformedStream)
		}
		length := int(binary.BigEndian.Uint32(payload[offset:]))
		if length == 0 || length > len(payload)-offset-4 {
			return fmt.Errorf("NALU length %d at %d of %d: %w", length, offset, len(payload), av.ErrMalformedStream)
		}
		copy(payload[offset:], StartCode)
		offset += 4 + length
	}
	return nil
}

// IsKeyframe reports whether the first NALU of an Annex-B buffer is an IDR
// slice.
func IsKeyframe(annexB []byte) bool {
	return len(annexB) > 4 && annexB[4]&0x1f == naluTypeIDR
}

// ParameterSets is the content of a codec data payload.
type ParameterSets struct {
	Version       byte
	Profile       byte
	Compatibility byte
	Level         byte
	SPS           []byte
	PPS           []byte
}

// ParseParameterSets decodes a codec data payload: an AVC decoder
// configuration record with exactly one SPS and one PPS.
func ParseParameterSets(payload []byte) (ParameterSets, error) {
	if len(payload) < 8 {
		return ParameterSets{}, fmt.Errorf("codec data of %d bytes: %w", len(payload), av.ErrMalformedStream)
	}
	ps := ParameterSets{
		Version:       payload[0],
		Profile:       payload[1],
		Compatibility: payload[2],
		Level:         payload[3],
	}

	spsLen := int(binary.BigEndian.Uint16(payload[6:8]))
	ppsAt := 8 + spsLen
	if len(payload) < ppsAt+3 {
		return ParameterSets{}, fmt.Errorf("SPS length %d exceeds codec data: %w", spsLen, av.ErrMalformedStream)
	}
	ppsLen := int(binary.BigEndian.Uint16(payload[ppsAt+1 : ppsAt+3]))
	if len(payload) < ppsAt+3+ppsLen {
		return ParameterSets{}, fmt.Errorf("PPS length %d exceeds codec data: %w", ppsLen, av.ErrMalformedStream)
	}
	if spsLen+ppsLen >= MaxParameterSetsLength {
		return ParameterSets{}, fmt.Errorf("parameter sets of %d bytes: %w", spsLen+ppsLen, av.ErrMalformedStream)
	}

	ps.SPS = append([]byte(nil), payload[8:ppsAt]...)
	ps.PPS = append([]byte(nil), payload[ppsAt+3:ppsAt+3+ppsLen]...)
	return ps, nil
}

// AnnexB returns start code, SPS, start code, PPS.
func (ps ParameterSets) AnnexB() []byte {
	out := make([]byte, 0, 8+len(ps.SPS)+len(ps.PPS))
	out = append(out, StartCode...)
	out = append(out, ps.SPS...)
	out = append(out, StartCode...)
	out = append(out, ps.PPS...)
	return out
}

// Dimensions decodes the coded picture size from the SPS.
func (ps ParameterSets) Dimensions() (width, height uint, err error) {
	info, err := h264parser.ParseSPS(ps.SPS)
	if err != nil {
		return 0, 0, fmt.Errorf("parse SPS: %v: %w", err, av.ErrMalformedStream)
	}
	return info.Width, info.Height, nil
}

// FrameWithParameterSets prefixes a keyframe with the cached parameter
// sets. Other frames, or an empty cache, return frame unchanged.
func FrameWithParameterSets(frame, spsPps []byte) ([]byte, bool) {
	keyframe := IsKeyframe(frame)
	if !keyframe || len(spsPps) == 0 {
		return frame, keyframe
	}
	out := make([]byte, 0, len(spsPps)+len(frame))
	out = append(out, spsPps...)
	out = append(out, frame...)
	return out, true
}
