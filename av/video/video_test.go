package video

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"math"
	"net"
	"testing"
	"time"

	"github.com/nareix/joy4/codec/h264parser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/airplay/av"
	"github.com/opd-ai/airplay/session"
)

var (
	testKey = []byte("mirror-key-16byt")
	testIV  = []byte("mirror-iv-16byte")

	// Baseline 640x480 SPS and a short PPS.
	testSPS = []byte{0x67, 0x42, 0xc0, 0x1e, 0xf4, 0x05, 0x01, 0xec, 0x80}
	testPPS = []byte{0x68, 0xce, 0x3c, 0x80}
)

func avccRecord(t *testing.T) []byte {
	t.Helper()
	codec, err := h264parser.NewCodecDataFromSPSAndPPS(testSPS, testPPS)
	require.NoError(t, err)
	return codec.AVCDecoderConfRecordBytes()
}

// avcc length-prefixes each NALU.
func avcc(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = binary.BigEndian.AppendUint32(out, uint32(len(n)))
		out = append(out, n...)
	}
	return out
}

// annexB start-code-prefixes each NALU.
func annexB(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, StartCode...)
		out = append(out, n...)
	}
	return out
}

// streamWriter produces a mirroring byte stream the way a sender does,
// encrypting video payloads with one continuous CTR keystream.
type streamWriter struct {
	t   *testing.T
	buf bytes.Buffer
	ctr cipher.Stream
}

func newStreamWriter(t *testing.T) *streamWriter {
	block, err := aes.NewCipher(testKey)
	require.NoError(t, err)
	return &streamWriter{t: t, ctr: cipher.NewCTR(block, testIV)}
}

func (w *streamWriter) frame(payloadType uint8, ntp uint64, payload []byte) {
	h := MirroringHeader{
		PayloadSize:  uint32(len(payload)),
		PayloadType:  payloadType,
		Timestamp:    ntp,
		WidthSource:  1920,
		HeightSource: 1080,
		Width:        1280,
		Height:       720,
	}
	raw, err := h.MarshalBinary()
	require.NoError(w.t, err)
	w.buf.Write(raw)

	body := append([]byte(nil), payload...)
	if payloadType == PayloadVideo {
		w.ctr.XORKeyStream(body, body)
	}
	w.buf.Write(body)
}

func (w *streamWriter) raw(s string) {
	w.buf.WriteString(s)
}

func newTestStream(t *testing.T, store *session.Store) (*Stream, *av.Sink) {
	t.Helper()
	cipher, err := NewCTRStream(testKey, testIV)
	require.NoError(t, err)
	sink := av.NewSink(16)
	return NewStream(StreamConfig{SessionID: "mirror", Store: store, Emitter: sink}, cipher), sink
}

func drainH264(sink *av.Sink) []av.H264Frame {
	var frames []av.H264Frame
	for {
		select {
		case f := <-sink.H264():
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

func TestParseHeaderOffsets(t *testing.T) {
	raw := make([]byte, HeaderLength)
	binary.LittleEndian.PutUint32(raw[0:4], 4096)
	binary.LittleEndian.PutUint16(raw[4:6], 0x0101)
	binary.LittleEndian.PutUint16(raw[6:8], 0x1e)
	binary.LittleEndian.PutUint64(raw[8:16], 5<<32|1<<31)
	binary.LittleEndian.PutUint32(raw[40:44], math.Float32bits(1920))
	binary.LittleEndian.PutUint32(raw[44:48], math.Float32bits(1080))
	binary.LittleEndian.PutUint32(raw[56:60], math.Float32bits(1280))
	binary.LittleEndian.PutUint32(raw[60:64], math.Float32bits(720))

	h, err := ParseHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, uint32(4096), h.PayloadSize)
	assert.Equal(t, uint8(1), h.PayloadType)
	assert.Equal(t, uint16(0x1e), h.PayloadOption)
	assert.Equal(t, uint64(5_500_000), h.PTS())
	assert.Equal(t, float32(1920), h.WidthSource)
	assert.Equal(t, float32(1080), h.HeightSource)
	assert.Equal(t, float32(1280), h.Width)
	assert.Equal(t, float32(720), h.Height)

	_, err = ParseHeader(raw[:64])
	assert.ErrorIs(t, err, av.ErrInvalidLength)

	binary.LittleEndian.PutUint32(raw[0:4], MaxPayloadSize+1)
	_, err = ParseHeader(raw)
	assert.ErrorIs(t, err, av.ErrMalformedStream)
}

func TestCTRStreamMatchesContinuousKeystream(t *testing.T) {
	chunks := []int{1, 15, 16, 17, 33, 5, 0, 100, 3, 13, 64}

	total := 0
	for _, n := range chunks {
		total += n
	}
	plain := make([]byte, total)
	for i := range plain {
		plain[i] = byte(i * 7)
	}

	block, err := aes.NewCipher(testKey)
	require.NoError(t, err)
	encrypted := make([]byte, total)
	cipher.NewCTR(block, testIV).XORKeyStream(encrypted, plain)

	s, err := NewCTRStream(testKey, testIV)
	require.NoError(t, err)

	offset := 0
	for _, n := range chunks {
		chunk := make([]byte, n)
		copy(chunk, encrypted[offset:offset+n])
		s.Decrypt(chunk)
		assert.Equal(t, plain[offset:offset+n], chunk, "chunk at %d", offset)
		offset += n
		assert.Equal(t, (aes.BlockSize-offset%aes.BlockSize)%aes.BlockSize, s.Pending())
	}
}

func TestCTRStreamRejectsBadKeys(t *testing.T) {
	_, err := NewCTRStream(testKey[:8], testIV)
	assert.ErrorIs(t, err, av.ErrMissingKeys)
}

func TestRewriteNALUs(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    []byte
		wantErr bool
	}{
		{"single", avcc([]byte{0x65, 1, 2}), annexB([]byte{0x65, 1, 2}), false},
		{"multiple", avcc([]byte{0x06, 9}, []byte{0x65, 1, 2, 3}), annexB([]byte{0x06, 9}, []byte{0x65, 1, 2, 3}), false},
		{"empty", nil, nil, false},
		{"zero length", []byte{0, 0, 0, 0, 0x65}, nil, true},
		{"overrun", []byte{0, 0, 0, 9, 0x65, 1}, nil, true},
		{"truncated prefix", append(avcc([]byte{0x41}), 0, 0), nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := append([]byte(nil), tt.payload...)
			err := RewriteNALUs(payload)
			if tt.wantErr {
				assert.ErrorIs(t, err, av.ErrMalformedStream)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, payload)
		})
	}
}

func TestParseParameterSets(t *testing.T) {
	ps, err := ParseParameterSets(avccRecord(t))
	require.NoError(t, err)

	assert.Equal(t, byte(0x42), ps.Profile)
	assert.Equal(t, byte(0x1e), ps.Level)
	assert.Equal(t, testSPS, ps.SPS)
	assert.Equal(t, testPPS, ps.PPS)
	assert.Equal(t, annexB(testSPS, testPPS), ps.AnnexB())

	width, height, err := ps.Dimensions()
	require.NoError(t, err)
	assert.Equal(t, uint(640), width)
	assert.Equal(t, uint(480), height)
}

func TestParseParameterSetsRejectsMalformed(t *testing.T) {
	record := avccRecord(t)

	tests := []struct {
		name    string
		payload []byte
	}{
		{"short", record[:6]},
		{"sps overrun", record[:10]},
		{"pps overrun", record[:len(record)-1]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseParameterSets(tt.payload)
			assert.ErrorIs(t, err, av.ErrMalformedStream)
		})
	}

	t.Run("too large", func(t *testing.T) {
		spsLen, ppsLen := 60000, 50000
		payload := make([]byte, 8+spsLen+3+ppsLen)
		binary.BigEndian.PutUint16(payload[6:8], uint16(spsLen))
		payload[8+spsLen] = 1
		binary.BigEndian.PutUint16(payload[9+spsLen:], uint16(ppsLen))
		_, err := ParseParameterSets(payload)
		assert.ErrorIs(t, err, av.ErrMalformedStream)
	})
}

func TestStreamPrependsParameterSetsToKeyframes(t *testing.T) {
	store := session.NewStore()
	store.Get("mirror")
	stream, sink := newTestStream(t, store)

	idr := []byte{0x65, 0x88, 0x84, 0x00, 0x33}
	sei := []byte{0x06, 0x05, 0x01}
	slice := []byte{0x41, 0x9a, 0x02}

	w := newStreamWriter(t)
	w.frame(PayloadCodecData, 0, avccRecord(t))
	w.frame(PayloadVideo, 10<<32, avcc(idr, sei))
	w.raw("POST /stats HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello")
	w.frame(PayloadVideo, 11<<32, avcc(slice))
	w.frame(PayloadHeartbeat, 0, []byte{1, 2, 3})

	require.NoError(t, stream.Serve(context.Background(), &w.buf))

	frames := drainH264(sink)
	require.Len(t, frames, 2)

	assert.True(t, frames[0].Keyframe)
	assert.Equal(t, append(annexB(testSPS, testPPS), annexB(idr, sei)...), frames[0].Data)
	assert.Equal(t, uint64(10_000_000), frames[0].PTS)
	assert.Equal(t, float32(1920), frames[0].Width)
	assert.Equal(t, float32(1080), frames[0].Height)
	assert.Equal(t, uint(640), frames[0].CodedWidth)
	assert.Equal(t, uint(480), frames[0].CodedHeight)
	assert.Equal(t, "mirror", frames[0].SessionID)

	assert.False(t, frames[1].Keyframe)
	assert.Equal(t, annexB(slice), frames[1].Data)
	assert.Equal(t, uint64(11_000_000), frames[1].PTS)

	sess, ok := store.Lookup("mirror")
	require.True(t, ok)
	assert.Equal(t, annexB(testSPS, testPPS), sess.SpsPps)
	assert.Equal(t, uint64(10_000_000), sess.Pts)
	assert.Equal(t, float32(1920), sess.WidthSource)
	assert.Equal(t, uint64(2), stream.Frames())
}

func TestStreamEmitsKeyframeWithoutParameterSets(t *testing.T) {
	stream, sink := newTestStream(t, nil)
	idr := []byte{0x65, 0x01}

	w := newStreamWriter(t)
	w.frame(PayloadVideo, 1<<32, avcc(idr))
	require.NoError(t, stream.Serve(context.Background(), &w.buf))

	frames := drainH264(sink)
	require.Len(t, frames, 1)
	assert.True(t, frames[0].Keyframe)
	assert.Equal(t, annexB(idr), frames[0].Data)
	assert.Zero(t, frames[0].CodedWidth, "no codec data, no coded size")
}

func TestStreamDropsMalformedFrameAndContinues(t *testing.T) {
	stream, sink := newTestStream(t, nil)

	w := newStreamWriter(t)
	w.frame(PayloadVideo, 1<<32, []byte{0, 0, 0, 40, 0x41, 1, 2})
	w.frame(PayloadVideo, 2<<32, avcc([]byte{0x41, 7, 7, 7}))
	w.raw("GET /info HTTP/1.1\r\n\r\n")
	w.frame(PayloadVideo, 3<<32, avcc([]byte{0x41, 8}))

	require.NoError(t, stream.Serve(context.Background(), &w.buf))

	frames := drainH264(sink)
	require.Len(t, frames, 2)
	assert.Equal(t, annexB([]byte{0x41, 7, 7, 7}), frames[0].Data)
	assert.Equal(t, annexB([]byte{0x41, 8}), frames[1].Data)
}

func TestStreamTruncatedInput(t *testing.T) {
	stream, _ := newTestStream(t, nil)

	w := newStreamWriter(t)
	w.frame(PayloadVideo, 0, avcc([]byte{0x41, 1, 2, 3}))
	truncated := w.buf.Bytes()[:HeaderLength+3]

	err := stream.Serve(context.Background(), bytes.NewReader(truncated))
	assert.Error(t, err)
}

func TestProcessorServesConnection(t *testing.T) {
	sink := av.NewSink(4)
	p, err := NewProcessor(Config{SessionID: "tcp", Addr: "127.0.0.1:0", Emitter: sink},
		Keys{Key: testKey, IV: testIV})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	assert.Equal(t, av.StateRunning, p.State())

	conn, err := net.Dial("tcp", p.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	w := newStreamWriter(t)
	w.frame(PayloadVideo, 4<<32, avcc([]byte{0x41, 4}))
	_, err = conn.Write(w.buf.Bytes())
	require.NoError(t, err)

	select {
	case f := <-sink.H264():
		assert.Equal(t, annexB([]byte{0x41, 4}), f.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("no frame from mirroring connection")
	}

	require.NoError(t, p.Stop(ctx))
	assert.ErrorIs(t, p.Stop(ctx), av.ErrNotRunning)
}

func TestNewProcessorRejectsBadKeys(t *testing.T) {
	_, err := NewProcessor(Config{}, Keys{Key: testKey, IV: testIV[:4]})
	assert.ErrorIs(t, err, av.ErrMissingKeys)
}
