package audio

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	pionrtp "github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/airplay/av"
	"github.com/opd-ai/airplay/av/rtp"
)

var (
	testKey = []byte("0123456789abcdef")
	testIV  = []byte("fedcba9876543210")
)

type capturedDatagram struct {
	payload []byte
	addr    net.Addr
}

type fakeSender struct {
	mu   sync.Mutex
	sent []capturedDatagram
}

func (s *fakeSender) WriteTo(p []byte, addr net.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, capturedDatagram{payload: append([]byte(nil), p...), addr: addr})
	return nil
}

func (s *fakeSender) requests() []capturedDatagram {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]capturedDatagram(nil), s.sent...)
}

// plainSamples returns a big-endian L16 payload of n samples tagged with seq.
func plainSamples(seq uint16, n int) []byte {
	p := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.BigEndian.PutUint16(p[i*2:], seq+uint16(i))
	}
	return p
}

// swapped returns what the PCM decoder produces for a big-endian payload.
func swapped(p []byte) []byte {
	out := make([]byte, len(p))
	for i := 0; i+1 < len(p); i += 2 {
		out[i], out[i+1] = p[i+1], p[i]
	}
	return out
}

// encryptedPacket builds an RTP packet whose block-aligned payload prefix is
// AES-CBC encrypted with a fresh IV, as a sender does.
func encryptedPacket(t *testing.T, seq uint16, timestamp uint32, plain []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(testKey)
	require.NoError(t, err)

	payload := append([]byte(nil), plain...)
	aligned := len(payload) / aes.BlockSize * aes.BlockSize
	cipher.NewCBCEncrypter(block, testIV).CryptBlocks(payload[:aligned], payload[:aligned])

	p := &pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			PayloadType:    0x60,
			SequenceNumber: seq,
			Timestamp:      timestamp,
			SSRC:           0xfeed,
		},
		Payload: payload,
	}
	raw, err := p.Marshal()
	require.NoError(t, err)
	return raw
}

func syncPacket(rtpTimestamp uint32, ntpSeconds uint32) []byte {
	p := make([]byte, 20)
	p[0] = 0x80
	p[1] = rtp.ControlTypeSync | 0x80
	binary.BigEndian.PutUint16(p[2:4], 7)
	binary.BigEndian.PutUint32(p[4:8], rtpTimestamp)
	binary.BigEndian.PutUint32(p[8:12], ntpSeconds)
	binary.BigEndian.PutUint32(p[16:20], rtpTimestamp+352)
	return p
}

func retransmitPacket(inner []byte) []byte {
	return append([]byte{0x80, rtp.ControlTypeRetransmit | 0x80, 0, 1}, inner...)
}

func newTestProcessor(t *testing.T, noResend bool) (*Processor, *av.Sink, *fakeSender) {
	t.Helper()
	sink := av.NewSink(32)
	sender := &fakeSender{}
	p, err := NewProcessor(Config{
		SessionID:         "test",
		ControlAddr:       "127.0.0.1:0",
		DataAddr:          "127.0.0.1:0",
		ClientControlAddr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6001},
		NoResend:          noResend,
		Emitter:           sink,
	}, Keys{AudioKey: testKey, IV: testIV, Format: av.AudioFormatPCM})
	require.NoError(t, err)
	p.sender = sender
	return p, sink, sender
}

func nextFrame(t *testing.T, sink *av.Sink) av.PCMFrame {
	t.Helper()
	select {
	case f := <-sink.PCM():
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no PCM frame emitted")
		return av.PCMFrame{}
	}
}

func assertNoFrame(t *testing.T, sink *av.Sink) {
	t.Helper()
	select {
	case f := <-sink.PCM():
		t.Fatalf("unexpected frame seq %d", f.Sequence)
	default:
	}
}

func TestNewProcessorValidatesKeys(t *testing.T) {
	_, err := NewProcessor(Config{}, Keys{AudioKey: testKey[:8], IV: testIV, Format: av.AudioFormatPCM})
	assert.ErrorIs(t, err, av.ErrMissingKeys)

	_, err = NewProcessor(Config{}, Keys{AudioKey: testKey, IV: testIV, Format: av.AudioFormatAACELD})
	assert.ErrorIs(t, err, av.ErrUnsupportedCodec)
}

func TestProcessorDecryptsAndEmitsInOrder(t *testing.T) {
	p, sink, _ := newTestProcessor(t, false)

	// 17 samples: two AES blocks plus a clear trailing sample.
	plain10 := plainSamples(10, 17)
	plain11 := plainSamples(11, 17)

	require.NoError(t, p.handleData(encryptedPacket(t, 10, 3520, plain10), nil))
	require.NoError(t, p.handleData(encryptedPacket(t, 11, 3872, plain11), nil))

	f := nextFrame(t, sink)
	assert.Equal(t, uint16(10), f.Sequence)
	assert.Equal(t, uint32(3520), f.Timestamp)
	assert.Equal(t, swapped(plain10), f.Data)
	assert.Equal(t, "test", f.SessionID)
	assert.False(t, f.Silent)

	f = nextFrame(t, sink)
	assert.Equal(t, uint16(11), f.Sequence)
	assert.Equal(t, swapped(plain11), f.Data)
}

func TestProcessorPresentationTime(t *testing.T) {
	p, sink, _ := newTestProcessor(t, false)

	base := uint32(1000)
	require.NoError(t, p.handleControl(syncPacket(base, rtp.NTPEpochOffset+10), nil))

	require.NoError(t, p.handleData(encryptedPacket(t, 10, base+44100, plainSamples(0, 8)), nil))
	assert.Equal(t, uint64(11_000_000), nextFrame(t, sink).PTS)

	// A timestamp before the sync reference lands before the sync time.
	require.NoError(t, p.handleData(encryptedPacket(t, 11, base-4410, plainSamples(0, 8)), nil))
	assert.Equal(t, uint64(9_900_000), nextFrame(t, sink).PTS)
}

func TestProcessorPresentationTimeBounds(t *testing.T) {
	tests := []struct {
		name      string
		sync      bool
		syncNTP   uint64
		timestamp uint32
		want      uint64
	}{
		{"before first sync", false, 0, 500, 0},
		{"before first sync, early timestamp", false, 0, 0xFFFFFF00, 0},
		{"earlier than sync time allows", true, 500_000, 100_000 - 44100, 0},
		{"at sync", true, 5_000_000, 100_000, 5_000_000},
		{"one second after sync", true, 5_000_000, 100_000 + 44100, 6_000_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _, _ := newTestProcessor(t, false)
			if tt.sync {
				p.synced = true
				p.syncTimestamp = 100_000
				p.syncTime = tt.syncNTP
			}
			assert.Equal(t, tt.want, p.presentationTime(tt.timestamp))
		})
	}
}

func TestProcessorRequestsResendAndAcceptsRetransmit(t *testing.T) {
	p, sink, sender := newTestProcessor(t, false)

	require.NoError(t, p.handleData(encryptedPacket(t, 10, 3520, plainSamples(10, 8)), nil))
	assert.Equal(t, uint16(10), nextFrame(t, sink).Sequence)

	require.NoError(t, p.handleData(encryptedPacket(t, 13, 4576, plainSamples(13, 8)), nil))
	assertNoFrame(t, sink)

	reqs := sender.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, rtp.ResendRequest(0, 11, 2), reqs[0].payload)
	assert.Equal(t, "127.0.0.1:6001", reqs[0].addr.String())

	require.NoError(t, p.handleControl(retransmitPacket(encryptedPacket(t, 11, 3872, plainSamples(11, 8))), nil))
	assert.Equal(t, uint16(11), nextFrame(t, sink).Sequence)
	assertNoFrame(t, sink)

	require.NoError(t, p.handleControl(retransmitPacket(encryptedPacket(t, 12, 4224, plainSamples(12, 8))), nil))
	assert.Equal(t, uint16(12), nextFrame(t, sink).Sequence)
	assert.Equal(t, uint16(13), nextFrame(t, sink).Sequence)
}

func TestProcessorResendFallsBackToControlPeer(t *testing.T) {
	sink := av.NewSink(8)
	p, err := NewProcessor(Config{SessionID: "peer", Emitter: sink},
		Keys{AudioKey: testKey, IV: testIV, Format: av.AudioFormatPCM})
	require.NoError(t, err)
	sender := &fakeSender{}
	p.sender = sender

	peer := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 6001}
	require.NoError(t, p.handleControl(syncPacket(0, 0), peer))

	require.NoError(t, p.handleData(encryptedPacket(t, 5, 0, plainSamples(5, 8)), nil))
	require.NoError(t, p.handleData(encryptedPacket(t, 7, 704, plainSamples(7, 8)), nil))

	reqs := sender.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, peer.String(), reqs[0].addr.String())
	assert.Equal(t, rtp.ResendRequest(0, 6, 1), reqs[0].payload)
}

func TestProcessorNoResendPlaysSilence(t *testing.T) {
	p, sink, sender := newTestProcessor(t, true)

	require.NoError(t, p.handleData(encryptedPacket(t, 10, 3520, plainSamples(10, 8)), nil))
	require.NoError(t, p.handleData(encryptedPacket(t, 12, 4224, plainSamples(12, 8)), nil))

	assert.Equal(t, uint16(10), nextFrame(t, sink).Sequence)

	gap := nextFrame(t, sink)
	assert.Equal(t, uint16(11), gap.Sequence)
	assert.True(t, gap.Silent)
	assert.Equal(t, uint32(3520+352), gap.Timestamp)
	assert.Equal(t, make([]byte, 1408), gap.Data)

	assert.Equal(t, uint16(12), nextFrame(t, sink).Sequence)
	assert.Empty(t, sender.requests())
}

func TestProcessorFlushReanchors(t *testing.T) {
	p, sink, _ := newTestProcessor(t, false)

	require.NoError(t, p.handleData(encryptedPacket(t, 10, 3520, plainSamples(10, 8)), nil))
	nextFrame(t, sink)

	p.Flush(500)
	require.NoError(t, p.handleData(encryptedPacket(t, 500, 9000, plainSamples(1, 8)), nil))
	assert.Equal(t, uint16(500), nextFrame(t, sink).Sequence)
}

func TestProcessorSoftwareVolume(t *testing.T) {
	sink := av.NewSink(8)
	p, err := NewProcessor(Config{SessionID: "vol", Emitter: sink, SoftwareVolume: true},
		Keys{AudioKey: testKey, IV: testIV, Format: av.AudioFormatPCM})
	require.NoError(t, err)
	p.sender = &fakeSender{}

	p.SetVolume(MuteVolume)
	require.NoError(t, p.handleData(encryptedPacket(t, 1, 0, plainSamples(100, 8)), nil))
	assert.Equal(t, make([]byte, 16), nextFrame(t, sink).Data)
}

func TestProcessorKeepaliveAndInvalidPackets(t *testing.T) {
	p, sink, _ := newTestProcessor(t, false)

	keepalive := []byte{0x80, 0x60, 0, 9, 0, 0, 0, 0, 0, 0, 0, 0, 0x00, 0x68, 0x34, 0x00}
	require.NoError(t, p.handleData(keepalive, nil))
	assertNoFrame(t, sink)

	assert.ErrorIs(t, p.handleData([]byte{0x80, 0x60}, nil), av.ErrInvalidLength)
	assert.ErrorIs(t, p.handleControl([]byte{0x80}, nil), av.ErrInvalidLength)
	assert.ErrorIs(t, p.handleControl([]byte{0x80, 0xD4, 0, 1}, nil), av.ErrInvalidLength)
}

func TestProcessorSocketLifecycle(t *testing.T) {
	p, sink, _ := newTestProcessor(t, true)
	ctx := context.Background()

	require.NoError(t, p.Start(ctx))
	assert.Equal(t, av.StateRunning, p.State())
	assert.ErrorIs(t, p.Start(ctx), av.ErrAlreadyRunning)

	conn, err := net.Dial("udp", p.DataAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	plain := plainSamples(42, 8)
	_, err = conn.Write(encryptedPacket(t, 42, 0, plain))
	require.NoError(t, err)

	f := nextFrame(t, sink)
	assert.Equal(t, uint16(42), f.Sequence)
	assert.Equal(t, swapped(plain), f.Data)

	require.NoError(t, p.Stop(ctx))
	assert.Equal(t, av.StateStopped, p.State())
	assert.ErrorIs(t, p.Stop(ctx), av.ErrNotRunning)
}
