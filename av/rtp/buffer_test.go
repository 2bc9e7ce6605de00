package rtp

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"testing"

	pionrtp "github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/airplay/av"
)

// echoDecoder returns the payload unchanged, or fails when told to.
type echoDecoder struct {
	fail bool
}

func (d *echoDecoder) DecodeFrame(payload []byte) ([]byte, error) {
	if d.fail {
		return nil, errors.New("bad frame")
	}
	return append([]byte(nil), payload...), nil
}

func (d *echoDecoder) OutputLength() int { return 8 }

func makePacket(t *testing.T, seq uint16, payload []byte) []byte {
	t.Helper()
	p := &pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			PayloadType:    0x60,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 352,
			SSRC:           0x1234,
		},
		Payload: payload,
	}
	raw, err := p.Marshal()
	require.NoError(t, err)
	return raw
}

func queueSeqs(t *testing.T, b *RaopBuffer, seqs ...uint16) {
	t.Helper()
	for _, seq := range seqs {
		res, err := b.Queue(makePacket(t, seq, []byte{byte(seq >> 8), byte(seq)}), nil)
		require.NoError(t, err)
		require.Equal(t, QueueStored, res, "seq %d", seq)
	}
}

func TestSeqComparator(t *testing.T) {
	assert.True(t, SeqAfter(5, 65530))
	assert.True(t, SeqBefore(65530, 5))
	assert.Equal(t, int16(11), SeqDiff(5, 65530))

	values := []uint16{0, 1, 2, 100, 1000, 32767, 32768, 32769, 40000, 65000, 65534, 65535}
	for _, a := range values {
		for _, b := range values {
			d := int16(a - b)
			assert.Equal(t, d > 0, SeqAfter(a, b), "%d after %d", a, b)
			assert.Equal(t, d < 0, SeqBefore(a, b), "%d before %d", a, b)
		}
	}
}

func TestQueueOutOfOrderDequeuesInOrder(t *testing.T) {
	b := NewRaopBuffer(&echoDecoder{}, DefaultBufferLength)
	queueSeqs(t, b, 102, 100, 103, 101)

	for want := uint16(100); want <= 103; want++ {
		frame, status := b.Dequeue(false)
		require.Equal(t, DequeueFrame, status)
		assert.Equal(t, want, frame.Sequence)
		assert.Equal(t, []byte{byte(want >> 8), byte(want)}, frame.Data)
		assert.Equal(t, uint32(want)*352, frame.Timestamp)
	}
	assert.Equal(t, uint16(104), b.FirstSeqNum())

	_, status := b.Dequeue(false)
	assert.Equal(t, DequeueEmpty, status)
}

func TestQueueDuplicateIsNoop(t *testing.T) {
	b := NewRaopBuffer(&echoDecoder{}, DefaultBufferLength)
	queueSeqs(t, b, 10, 11)

	res, err := b.Queue(makePacket(t, 11, []byte{0xff, 0xff}), nil)
	require.NoError(t, err)
	assert.Equal(t, QueueDuplicate, res)
	assert.Equal(t, uint16(10), b.FirstSeqNum())
	assert.Equal(t, uint16(11), b.LastSeqNum())

	b.Dequeue(false)
	frame, _ := b.Dequeue(false)
	assert.Equal(t, []byte{0, 11}, frame.Data)
}

func TestFlushAnchorsWindow(t *testing.T) {
	b := NewRaopBuffer(&echoDecoder{}, DefaultBufferLength)
	queueSeqs(t, b, 5, 6)

	b.Flush(1000)
	assert.True(t, b.IsEmpty())
	queueSeqs(t, b, 1000)
	assert.Equal(t, uint16(1000), b.FirstSeqNum())
	assert.Equal(t, uint16(1000), b.LastSeqNum())
}

func TestFlushAnchorKeepsLeadingGapRequestable(t *testing.T) {
	b := NewRaopBuffer(&echoDecoder{}, DefaultBufferLength)
	b.Flush(1000)
	queueSeqs(t, b, 1003)

	assert.Equal(t, uint16(1000), b.FirstSeqNum())
	first, count, ok := b.DetectResendGap()
	require.True(t, ok)
	assert.Equal(t, uint16(1000), first)
	assert.Equal(t, uint16(3), count)

	_, status := b.Dequeue(false)
	assert.Equal(t, DequeuePending, status)
	assert.Equal(t, uint16(1000), b.FirstSeqNum())
}

func TestFlushWithoutAnchor(t *testing.T) {
	b := NewRaopBuffer(&echoDecoder{}, DefaultBufferLength)
	b.Flush(-1)
	queueSeqs(t, b, 42)
	assert.Equal(t, uint16(42), b.FirstSeqNum())
}

func TestDequeueNoResendSkipsGaps(t *testing.T) {
	b := NewRaopBuffer(&echoDecoder{}, DefaultBufferLength)
	queueSeqs(t, b, 1, 3)

	frame, status := b.Dequeue(true)
	assert.Equal(t, DequeueFrame, status)
	assert.Equal(t, uint16(1), frame.Sequence)

	frame, status = b.Dequeue(true)
	assert.Equal(t, DequeueMissing, status)
	assert.Equal(t, uint16(2), frame.Sequence)
	assert.True(t, frame.Silent)
	assert.Nil(t, frame.Data)

	frame, status = b.Dequeue(true)
	assert.Equal(t, DequeueFrame, status)
	assert.Equal(t, uint16(3), frame.Sequence)
}

func TestResendGapAndFill(t *testing.T) {
	b := NewRaopBuffer(&echoDecoder{}, DefaultBufferLength)
	queueSeqs(t, b, 20)
	b.Dequeue(false)
	queueSeqs(t, b, 24)

	first, count, ok := b.DetectResendGap()
	require.True(t, ok)
	assert.Equal(t, uint16(21), first)
	assert.Equal(t, uint16(3), count)

	queueSeqs(t, b, 21, 22, 23)
	_, _, ok = b.DetectResendGap()
	assert.False(t, ok)

	for want := uint16(21); want <= 24; want++ {
		frame, status := b.Dequeue(false)
		require.Equal(t, DequeueFrame, status)
		assert.Equal(t, want, frame.Sequence)
	}
}

func TestStaleAfterPlayout(t *testing.T) {
	b := NewRaopBuffer(&echoDecoder{}, DefaultBufferLength)
	queueSeqs(t, b, 50, 51)
	b.Dequeue(false)

	res, err := b.Queue(makePacket(t, 49, []byte{1}), nil)
	require.NoError(t, err)
	assert.Equal(t, QueueStale, res)
	assert.Equal(t, uint16(51), b.FirstSeqNum())
}

func TestQueueFarAheadFlushes(t *testing.T) {
	b := NewRaopBuffer(&echoDecoder{}, 16)
	queueSeqs(t, b, 10, 11)
	queueSeqs(t, b, 10+16)

	assert.Equal(t, uint16(26), b.FirstSeqNum())
	assert.Equal(t, uint16(26), b.LastSeqNum())
	assert.LessOrEqual(t, b.Len(), 16)
}

func TestQueueAcrossWraparound(t *testing.T) {
	b := NewRaopBuffer(&echoDecoder{}, DefaultBufferLength)
	queueSeqs(t, b, 65534, 65535, 1)
	assert.Equal(t, uint16(65534), b.FirstSeqNum())
	assert.Equal(t, uint16(1), b.LastSeqNum())
	assert.Equal(t, 4, b.Len())

	b.Dequeue(false)
	b.Dequeue(false)
	_, status := b.Dequeue(false)
	assert.Equal(t, DequeuePending, status)

	first, count, ok := b.DetectResendGap()
	require.True(t, ok)
	assert.Equal(t, uint16(0), first)
	assert.Equal(t, uint16(1), count)
}

func TestDequeueStallsWhenWindowFull(t *testing.T) {
	b := NewRaopBuffer(&echoDecoder{}, 8)
	b.Flush(100)
	queueSeqs(t, b, 107)
	assert.Equal(t, 8, b.Len())

	_, status := b.Dequeue(false)
	assert.Equal(t, DequeueStalled, status)
	assert.Equal(t, uint16(100), b.FirstSeqNum())
}

func TestQueueRejectsInvalidLength(t *testing.T) {
	b := NewRaopBuffer(&echoDecoder{}, DefaultBufferLength)
	tests := []struct {
		name   string
		packet []byte
	}{
		{name: "short", packet: make([]byte, 11)},
		{name: "oversized", packet: make([]byte, MaxPacketLength+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Queue(tt.packet, nil)
			assert.ErrorIs(t, err, av.ErrInvalidLength)
		})
	}
}

func TestQueueIgnoresKeepalive(t *testing.T) {
	b := NewRaopBuffer(&echoDecoder{}, DefaultBufferLength)
	res, err := b.Queue(makePacket(t, 7, []byte{0x00, 0x68, 0x34, 0x00}), nil)
	require.NoError(t, err)
	assert.Equal(t, QueueKeepalive, res)
	assert.True(t, b.IsEmpty())
}

func TestQueueConcealsDecodeFailure(t *testing.T) {
	b := NewRaopBuffer(&echoDecoder{fail: true}, DefaultBufferLength)
	res, err := b.Queue(makePacket(t, 3, []byte{1, 2, 3}), nil)
	require.NoError(t, err)
	assert.Equal(t, QueueConcealed, res)

	frame, status := b.Dequeue(false)
	require.Equal(t, DequeueFrame, status)
	assert.True(t, frame.Silent)
	assert.Equal(t, make([]byte, 8), frame.Data)
}

func TestQueueDecryptsAlignedBlocks(t *testing.T) {
	key := []byte("0123456789abcdef")
	iv := []byte("fedcba9876543210")
	plain := []byte("thirty-two bytes of audio data!!tail")

	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	encrypted := append([]byte(nil), plain...)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(encrypted[:32], encrypted[:32])

	b := NewRaopBuffer(&echoDecoder{}, DefaultBufferLength)
	packet := makePacket(t, 9, encrypted)
	_, err = b.Queue(packet, cipher.NewCBCDecrypter(block, iv))
	require.NoError(t, err)
	assert.Equal(t, encrypted, packet[HeaderLength:], "caller packet is left untouched")

	frame, status := b.Dequeue(false)
	require.Equal(t, DequeueFrame, status)
	assert.Equal(t, plain, frame.Data)
}
