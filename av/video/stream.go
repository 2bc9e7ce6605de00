package video

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/airplay/av"
	"github.com/opd-ai/airplay/session"
)

var (
	httpPost = []byte("POST")
	httpGet  = []byte("GET ")
)

// StreamConfig configures a Stream.
type StreamConfig struct {
	SessionID string
	// Store, when set, receives the cached parameter sets, the last
	// keyframe timestamp and the source size.
	Store    *session.Store
	Emitter  av.Emitter
	Recorder av.Recorder
}

// Stream decodes the frames of one mirroring connection.
// It is not safe for concurrent use.
type Stream struct {
	cfg    StreamConfig
	cipher *CTRStream
	spsPps []byte
	frames uint64

	codedWidth  uint
	codedHeight uint
}

// NewStream creates a stream decoder. cipher must be fresh for the session.
func NewStream(cfg StreamConfig, cipher *CTRStream) *Stream {
	if cfg.Recorder == nil {
		cfg.Recorder = av.NopRecorder{}
	}
	return &Stream{cfg: cfg, cipher: cipher}
}

// SetParameterSets seeds the SPS/PPS cache, for example from a session
// that received codec data on an earlier connection.
func (s *Stream) SetParameterSets(spsPps []byte) {
	s.spsPps = bytes.Clone(spsPps)
}

// Frames returns the number of video frames emitted.
func (s *Stream) Frames() uint64 {
	return s.frames
}

// Serve reads frames from r until EOF, a read error or cancellation.
// Malformed payloads are dropped and reading continues; a clean EOF
// returns nil.
func (s *Stream) Serve(ctx context.Context, r io.Reader) error {
	br := bufio.NewReaderSize(r, 64*1024)
	header := make([]byte, HeaderLength)

	for {
		prefix, err := br.Peek(4)
		if err != nil {
			return endOfStream(err)
		}

		if bytes.Equal(prefix, httpPost) || bytes.Equal(prefix, httpGet) {
			if err := discardRequest(br); err != nil {
				return endOfStream(err)
			}
		} else if err := s.readFrame(br, header); err != nil {
			if !errors.Is(err, av.ErrMalformedStream) {
				return endOfStream(err)
			}
			s.cfg.Recorder.PacketDropped("malformed")
			logrus.WithFields(logrus.Fields{
				"function":   "Stream.Serve",
				"session_id": s.cfg.SessionID,
				"error":      err.Error(),
			}).Warn("Dropped mirroring frame")
		}

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

// readFrame reads one header and its payload and processes it. Only
// ErrMalformedStream leaves the reader positioned at the next frame.
func (s *Stream) readFrame(br *bufio.Reader, header []byte) error {
	if _, err := io.ReadFull(br, header); err != nil {
		return err
	}
	h, err := ParseHeader(header)
	if err != nil {
		// An oversized length cannot be skipped safely.
		return fmt.Errorf("stream desynchronised: %v", err)
	}

	payload := make([]byte, h.PayloadSize)
	if _, err := io.ReadFull(br, payload); err != nil {
		return err
	}

	switch h.PayloadType {
	case PayloadVideo:
		return s.handleVideo(h, payload)
	case PayloadCodecData:
		return s.handleCodecData(h, payload)
	default:
		logrus.WithFields(logrus.Fields{
			"function":     "Stream.readFrame",
			"session_id":   s.cfg.SessionID,
			"payload_type": h.PayloadType,
			"size":         h.PayloadSize,
		}).Debug("Ignoring mirroring payload")
		return nil
	}
}

func (s *Stream) handleVideo(h MirroringHeader, payload []byte) error {
	started := time.Now()

	s.cipher.Decrypt(payload)
	if err := RewriteNALUs(payload); err != nil {
		return err
	}

	data, keyframe := FrameWithParameterSets(payload, s.spsPps)
	if keyframe && len(s.spsPps) == 0 {
		logrus.WithFields(logrus.Fields{
			"function":   "Stream.handleVideo",
			"session_id": s.cfg.SessionID,
		}).Debug("Keyframe before codec data")
	}

	frame := av.H264Frame{
		SessionID: s.cfg.SessionID,
		PTS:       h.PTS(),
		Keyframe:  keyframe,
		Width:       h.WidthSource,
		Height:      h.HeightSource,
		CodedWidth:  s.codedWidth,
		CodedHeight: s.codedHeight,
		Data:        data,
	}
	if s.cfg.Emitter != nil {
		s.cfg.Emitter.EmitH264(frame)
	}
	s.frames++
	s.cfg.Recorder.VideoFrameProcessed(time.Since(started), len(data))

	if keyframe {
		s.updateSession(func(sess *session.Session) {
			sess.Pts = frame.PTS
			sess.WidthSource = h.WidthSource
			sess.HeightSource = h.HeightSource
		})
	}
	return nil
}

func (s *Stream) handleCodecData(h MirroringHeader, payload []byte) error {
	ps, err := ParseParameterSets(payload)
	if err != nil {
		return err
	}
	s.spsPps = ps.AnnexB()

	fields := logrus.Fields{
		"function":     "Stream.handleCodecData",
		"session_id":   s.cfg.SessionID,
		"profile":      ps.Profile,
		"level":        ps.Level,
		"sps_pps_size": len(s.spsPps),
	}
	if width, height, err := ps.Dimensions(); err == nil {
		s.codedWidth, s.codedHeight = width, height
		fields["coded_width"] = width
		fields["coded_height"] = height
	} else {
		s.codedWidth, s.codedHeight = 0, 0
		fields["error"] = err.Error()
	}
	logrus.WithFields(fields).Info("Mirroring codec data received")

	spsPps := bytes.Clone(s.spsPps)
	s.updateSession(func(sess *session.Session) {
		sess.SpsPps = spsPps
		sess.WidthSource = h.WidthSource
		sess.HeightSource = h.HeightSource
	})
	return nil
}

func (s *Stream) updateSession(fn func(*session.Session)) {
	if s.cfg.Store == nil {
		return
	}
	if _, err := s.cfg.Store.Update(s.cfg.SessionID, fn); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Stream.updateSession",
			"session_id": s.cfg.SessionID,
			"error":      err.Error(),
		}).Debug("Session gone, not recording stream state")
	}
}

// discardRequest consumes an HTTP-style request: request line, headers
// and Content-Length body. No reply is sent.
func discardRequest(br *bufio.Reader) error {
	tp := textproto.NewReader(br)
	line, err := tp.ReadLine()
	if err != nil {
		return err
	}
	headers, err := tp.ReadMIMEHeader()
	if err != nil {
		return err
	}

	length := 0
	if v := headers.Get("Content-Length"); v != "" {
		if length, err = strconv.Atoi(v); err != nil || length < 0 {
			return fmt.Errorf("content length %q: %w", v, av.ErrMalformedStream)
		}
	}
	if _, err := io.CopyN(io.Discard, br, int64(length)); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "discardRequest",
		"request":  line,
		"body":     length,
	}).Debug("Discarded request on mirroring stream")
	return nil
}

// endOfStream maps a clean end of input to nil.
func endOfStream(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
