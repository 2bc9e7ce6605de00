package rtp

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/airplay/av"
)

const (
	// DefaultBufferLength is the number of ring slots.
	DefaultBufferLength = 1024
	// MaxPacketLength is the largest accepted audio datagram.
	MaxPacketLength = 50000
	// HeaderLength is the fixed RAOP RTP header size.
	HeaderLength = 12
)

// keepaliveMarker is the payload of a 16-byte keepalive packet.
var keepaliveMarker = []byte{0x00, 0x68, 0x34, 0x00}

// FrameDecoder turns a decrypted audio payload into PCM.
type FrameDecoder interface {
	DecodeFrame(payload []byte) ([]byte, error)
	// OutputLength is the PCM length of one decoded frame.
	OutputLength() int
}

// QueueResult describes what Queue did with a packet.
type QueueResult int

const (
	// QueueStored means the packet was decoded into its slot.
	QueueStored QueueResult = iota
	// QueueConcealed means decoding failed and silence was stored instead.
	QueueConcealed
	// QueueDuplicate means the slot already held this sequence number.
	QueueDuplicate
	// QueueKeepalive means the packet was a keepalive marker.
	QueueKeepalive
	// QueueStale means the packet precedes the playout position.
	QueueStale
)

// String returns the result name for logging.
func (r QueueResult) String() string {
	switch r {
	case QueueStored:
		return "stored"
	case QueueConcealed:
		return "concealed"
	case QueueDuplicate:
		return "duplicate"
	case QueueKeepalive:
		return "keepalive"
	case QueueStale:
		return "stale"
	default:
		return "unknown"
	}
}

// DequeueStatus describes the outcome of Dequeue.
type DequeueStatus int

const (
	// DequeueEmpty means the window holds no entries.
	DequeueEmpty DequeueStatus = iota
	// DequeueFrame means a decoded frame was returned.
	DequeueFrame
	// DequeueMissing means a gap was skipped in no-resend mode. The frame
	// carries no data and the caller plays silence.
	DequeueMissing
	// DequeuePending means the head slot is still missing and a resend may
	// fill it. The window did not advance.
	DequeuePending
	// DequeueStalled means the head slot is missing and the window is full.
	// The window did not advance; only a flush or a packet at least one
	// window ahead moves it again.
	DequeueStalled
)

// Frame is one dequeued audio frame.
type Frame struct {
	Sequence  uint16
	Timestamp uint32
	Data      []byte
	Silent    bool
}

type bufferEntry struct {
	available bool
	silent    bool
	seq       uint16
	timestamp uint32
	ssrc      uint32
	data      []byte
}

// RaopBuffer is a ring of decoded audio frames indexed by seq mod length.
//
// The logical window is [First, Last]. Its length Last-First+1 never
// exceeds the ring length.
type RaopBuffer struct {
	entries []bufferEntry
	decoder FrameDecoder

	first    uint16
	last     uint16
	empty    bool
	anchored bool
	started  bool
}

// NewRaopBuffer creates an empty buffer with length slots.
func NewRaopBuffer(decoder FrameDecoder, length int) *RaopBuffer {
	if length <= 0 || length > 1<<15 {
		length = DefaultBufferLength
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewRaopBuffer",
		"length":   length,
	}).Debug("Creating RAOP jitter buffer")

	return &RaopBuffer{
		entries: make([]bufferEntry, length),
		decoder: decoder,
		empty:   true,
	}
}

// FirstSeqNum returns the sequence number at the head of the window.
func (b *RaopBuffer) FirstSeqNum() uint16 { return b.first }

// LastSeqNum returns the newest sequence number in the window.
func (b *RaopBuffer) LastSeqNum() uint16 { return b.last }

// IsEmpty reports whether nothing has been queued since the last flush.
func (b *RaopBuffer) IsEmpty() bool { return b.empty }

// Len returns the window length Last-First+1, or 0 when empty.
func (b *RaopBuffer) Len() int {
	if b.empty {
		return 0
	}
	n := int(SeqDiff(b.last, b.first)) + 1
	if n < 0 {
		return 0
	}
	return n
}

func (b *RaopBuffer) slot(seq uint16) *bufferEntry {
	return &b.entries[int(seq)%len(b.entries)]
}

// Queue decrypts, decodes and stores one RTP audio packet.
//
// decrypter, when non-nil, must be a fresh AES-CBC decrypter for this
// packet: only the block-aligned part of the payload is decrypted and the
// trailing bytes are passed through. A decode failure stores silence of
// the decoder's output length and reports QueueConcealed.
func (b *RaopBuffer) Queue(packet []byte, decrypter cipher.BlockMode) (QueueResult, error) {
	if len(packet) < HeaderLength || len(packet) > MaxPacketLength {
		return 0, fmt.Errorf("audio packet of %d bytes: %w", len(packet), av.ErrInvalidLength)
	}

	var header rtp.Header
	if _, err := header.Unmarshal(packet); err != nil {
		return 0, fmt.Errorf("rtp header: %v: %w", err, av.ErrInvalidLength)
	}
	seq := header.SequenceNumber

	if len(packet) == 16 && bytes.Equal(packet[HeaderLength:], keepaliveMarker) {
		return QueueKeepalive, nil
	}

	n := len(b.entries)

	if !b.empty && seq != 0 && SeqBefore(seq, b.first) {
		if b.started || int(SeqDiff(b.last, seq)) >= n {
			return QueueStale, nil
		}
		// Reordered before playout began: grow the window backwards.
		b.first = seq
	}

	if seq == 0 || (!b.empty && int(SeqDiff(seq, b.first)) >= n) {
		logrus.WithFields(logrus.Fields{
			"function": "RaopBuffer.Queue",
			"seq":      seq,
			"first":    b.first,
		}).Debug("Sequence outside window, flushing")
		b.Flush(int(seq))
	}

	entry := b.slot(seq)
	if entry.available && entry.seq == seq {
		return QueueDuplicate, nil
	}

	payload := bytes.Clone(packet[HeaderLength:])
	aligned := len(payload) / aes.BlockSize * aes.BlockSize
	if decrypter != nil && aligned > 0 {
		decrypter.CryptBlocks(payload[:aligned], payload[:aligned])
	}

	result := QueueStored
	pcm, err := b.decoder.DecodeFrame(payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "RaopBuffer.Queue",
			"seq":      seq,
			"error":    err.Error(),
		}).Warn("Audio decode failed, substituting silence")
		pcm = make([]byte, b.decoder.OutputLength())
		result = QueueConcealed
	}

	*entry = bufferEntry{
		available: true,
		silent:    result == QueueConcealed,
		seq:       seq,
		timestamp: header.Timestamp,
		ssrc:      header.SSRC,
		data:      pcm,
	}

	if b.empty {
		if !b.anchored || SeqBefore(seq, b.first) || int(SeqDiff(seq, b.first)) >= n {
			b.first = seq
		}
		b.last = seq
		b.empty = false
		b.anchored = false
	}
	if SeqAfter(seq, b.last) {
		b.last = seq
	}

	return result, nil
}

// Dequeue returns the frame at the head of the window.
//
// With noResend the head always advances and a gap yields DequeueMissing.
// Otherwise a gap yields DequeuePending (or DequeueStalled when the window
// is full) without advancing, leaving room for a resend to arrive.
func (b *RaopBuffer) Dequeue(noResend bool) (Frame, DequeueStatus) {
	window := b.Len()
	if window <= 0 {
		return Frame{}, DequeueEmpty
	}

	entry := b.slot(b.first)
	present := entry.available && entry.seq == b.first

	if !present && !noResend {
		if window < len(b.entries) {
			return Frame{Sequence: b.first}, DequeuePending
		}
		logrus.WithFields(logrus.Fields{
			"function": "RaopBuffer.Dequeue",
			"first":    b.first,
			"window":   window,
		}).Warn("Jitter buffer full with missing head, playout stalled")
		return Frame{Sequence: b.first}, DequeueStalled
	}

	frame := Frame{Sequence: b.first}
	status := DequeueMissing
	if present {
		frame.Timestamp = entry.timestamp
		frame.Data = entry.data
		frame.Silent = entry.silent
		status = DequeueFrame
	} else {
		frame.Silent = true
	}

	*entry = bufferEntry{}
	b.first++
	b.started = true

	return frame, status
}

// Flush clears every slot. A nextSeq in (0, 65535) pins the head of the
// window there, so the first packet queued afterwards at or after nextSeq
// leaves the earlier sequence numbers requestable.
func (b *RaopBuffer) Flush(nextSeq int) {
	for i := range b.entries {
		b.entries[i] = bufferEntry{}
	}
	b.empty = true
	b.started = false
	b.anchored = false

	if nextSeq > 0 && nextSeq < 0xffff {
		b.first = uint16(nextSeq)
		b.last = uint16(nextSeq - 1)
		b.anchored = true
	}

	logrus.WithFields(logrus.Fields{
		"function": "RaopBuffer.Flush",
		"next_seq": nextSeq,
	}).Debug("Flushed jitter buffer")
}

// DetectResendGap finds the run of missing entries at the head of the
// window. It returns the first missing sequence number and the run length.
func (b *RaopBuffer) DetectResendGap() (first uint16, count uint16, ok bool) {
	if b.empty || !SeqBefore(b.first, b.last) {
		return 0, 0, false
	}

	seq := b.first
	for SeqBefore(seq, b.last) {
		entry := b.slot(seq)
		if entry.available && entry.seq == seq {
			break
		}
		seq++
	}

	if seq == b.first {
		return 0, 0, false
	}
	return b.first, uint16(SeqDiff(seq, b.first)), true
}
