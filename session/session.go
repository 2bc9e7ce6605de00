// Package session holds the per-client AirPlay session record and the
// store shared by the dispatcher and the stream processors.
//
// Sessions are never mutated in place by callers. Readers get a clone from
// the Store, change it, and write it back with Merge, which only applies
// the fields the writer actually populated.
package session

import (
	"bytes"
	"context"
	"time"

	"github.com/opd-ai/airplay/av"
)

// StreamProcessor is a started per-session stream handler.
type StreamProcessor interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// AudioProcessor is a StreamProcessor that owns a jitter buffer.
type AudioProcessor interface {
	StreamProcessor
	// Flush clears the jitter buffer. nextSeq outside (0, 65535) flushes
	// without re-anchoring the window.
	Flush(nextSeq int)
}

// Progress is the last progress report from SET_PARAMETER.
type Progress struct {
	Start   uint32
	Current uint32
	End     uint32
}

// Session is the state of one sender, keyed by its session token.
//
// Zero values mean "unset": a nil slice, a nil pointer, a zero format.
// Merge relies on that to never clear a populated field.
type Session struct {
	ID        string
	CreatedAt time.Time

	// Pair-verify material.
	EcdhOurs     []byte
	EcdhTheirs   []byte
	EdTheirs     []byte
	EcdhShared   []byte
	PairVerified *bool

	// SETUP key material.
	EncryptionType *int
	AesKey         []byte
	AesIV          []byte

	// FairPlay key message and the AES key it unwraps.
	KeyMsg          []byte
	DecryptedAesKey []byte

	// Media state.
	AudioFormat        av.AudioFormat
	ClientControlPort  int
	ClientTimingPort   int
	SpsPps             []byte
	Pts                uint64
	WidthSource        float32
	HeightSource       float32
	StreamConnectionID *uint64
	IsMirroring        *bool
	Volume             *float64
	Progress           *Progress

	// Started processors, at most one each.
	MirroringProcessor StreamProcessor
	AudioProcessor     AudioProcessor
	StreamingProcessor StreamProcessor
}

// PairingVerified reports whether pair-verify step 2 succeeded.
func (s *Session) PairingVerified() bool {
	return s.PairVerified != nil && *s.PairVerified
}

// FairPlayReady reports whether the FairPlay key message has been received.
func (s *Session) FairPlayReady() bool {
	return len(s.KeyMsg) > 0
}

// MirroringSessionReady reports whether a mirroring processor can derive its keys.
func (s *Session) MirroringSessionReady() bool {
	return s.IsMirroring != nil && *s.IsMirroring &&
		s.StreamConnectionID != nil &&
		len(s.AesKey) > 0 &&
		len(s.EcdhShared) > 0
}

// AudioSessionReady reports whether an audio processor can decrypt packets.
func (s *Session) AudioSessionReady() bool {
	return s.AudioFormat != av.AudioFormatUnknown &&
		len(s.AesKey) > 0 &&
		len(s.AesIV) > 0 &&
		len(s.EcdhShared) > 0
}

// MirroringSession reports whether SETUP declared a screen mirroring session.
func (s *Session) MirroringSession() bool {
	return s.IsMirroring != nil && *s.IsMirroring
}

// Clone returns a copy that shares no byte slices with s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.EcdhOurs = bytes.Clone(s.EcdhOurs)
	c.EcdhTheirs = bytes.Clone(s.EcdhTheirs)
	c.EdTheirs = bytes.Clone(s.EdTheirs)
	c.EcdhShared = bytes.Clone(s.EcdhShared)
	c.AesKey = bytes.Clone(s.AesKey)
	c.AesIV = bytes.Clone(s.AesIV)
	c.KeyMsg = bytes.Clone(s.KeyMsg)
	c.DecryptedAesKey = bytes.Clone(s.DecryptedAesKey)
	c.SpsPps = bytes.Clone(s.SpsPps)
	if s.Progress != nil {
		p := *s.Progress
		c.Progress = &p
	}
	return &c
}

// mergeFrom copies every populated field of in onto s.
func (s *Session) mergeFrom(in *Session) {
	mergeBytes(&s.EcdhOurs, in.EcdhOurs)
	mergeBytes(&s.EcdhTheirs, in.EcdhTheirs)
	mergeBytes(&s.EdTheirs, in.EdTheirs)
	mergeBytes(&s.EcdhShared, in.EcdhShared)
	mergeBytes(&s.AesKey, in.AesKey)
	mergeBytes(&s.AesIV, in.AesIV)
	mergeBytes(&s.KeyMsg, in.KeyMsg)
	mergeBytes(&s.DecryptedAesKey, in.DecryptedAesKey)
	mergeBytes(&s.SpsPps, in.SpsPps)

	if in.PairVerified != nil {
		v := *in.PairVerified
		s.PairVerified = &v
	}
	if in.EncryptionType != nil {
		v := *in.EncryptionType
		s.EncryptionType = &v
	}
	if in.StreamConnectionID != nil {
		v := *in.StreamConnectionID
		s.StreamConnectionID = &v
	}
	if in.IsMirroring != nil {
		v := *in.IsMirroring
		s.IsMirroring = &v
	}
	if in.Volume != nil {
		v := *in.Volume
		s.Volume = &v
	}
	if in.Progress != nil {
		p := *in.Progress
		s.Progress = &p
	}
	if in.AudioFormat != av.AudioFormatUnknown {
		s.AudioFormat = in.AudioFormat
	}
	if in.ClientControlPort != 0 {
		s.ClientControlPort = in.ClientControlPort
	}
	if in.ClientTimingPort != 0 {
		s.ClientTimingPort = in.ClientTimingPort
	}
	if in.Pts != 0 {
		s.Pts = in.Pts
	}
	if in.WidthSource != 0 {
		s.WidthSource = in.WidthSource
	}
	if in.HeightSource != 0 {
		s.HeightSource = in.HeightSource
	}
	if in.MirroringProcessor != nil {
		s.MirroringProcessor = in.MirroringProcessor
	}
	if in.AudioProcessor != nil {
		s.AudioProcessor = in.AudioProcessor
	}
	if in.StreamingProcessor != nil {
		s.StreamingProcessor = in.StreamingProcessor
	}
}

func mergeBytes(dst *[]byte, src []byte) {
	if len(src) > 0 {
		*dst = bytes.Clone(src)
	}
}

// Bool returns a pointer to v, for populating optional flags.
func Bool(v bool) *bool { return &v }

// Uint64 returns a pointer to v.
func Uint64(v uint64) *uint64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Float64 returns a pointer to v.
func Float64(v float64) *float64 { return &v }
