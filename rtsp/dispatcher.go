package rtsp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/airplay/av"
	"github.com/opd-ai/airplay/crypto"
	"github.com/opd-ai/airplay/fairplay"
	"github.com/opd-ai/airplay/session"
)

// Dispatcher errors.
var (
	// ErrUnknownRoute is returned for a method and path with no handler.
	ErrUnknownRoute = errors.New("unknown route")

	// ErrNotReady is returned for SETUP before the FairPlay key message.
	ErrNotReady = errors.New("fairplay not ready")
)

// PublicMethods is the OPTIONS reply.
const PublicMethods = "SETUP, RECORD, PAUSE, FLUSH, TEARDOWN, OPTIONS, GET_PARAMETER, SET_PARAMETER, ANNOUNCE"

// Default ports announced to senders.
const (
	DefaultPort             = 5000
	DefaultMirroringPort    = 7000
	DefaultAudioControlPort = 7002
	DefaultAudioDataPort    = 7003
)

// ProcessorFactory starts the stream processors of a session. It may read
// and cache key material on sess; the dispatcher persists sess afterwards.
type ProcessorFactory interface {
	StartMirroring(ctx context.Context, sess *session.Session) (session.StreamProcessor, error)
	StartAudio(ctx context.Context, sess *session.Session, req *Request) (session.AudioProcessor, error)
	StartStreaming(ctx context.Context, sess *session.Session) (session.StreamProcessor, error)
}

// volumeSetter is implemented by audio processors that scale PCM locally.
type volumeSetter interface {
	SetVolume(db float64)
}

// Config configures a Dispatcher.
type Config struct {
	// Port is the control port, announced as the timing and event port.
	Port             int
	MirroringPort    int
	AudioControlPort int
	AudioDataPort    int
	Device           DeviceInfo

	Store    *session.Store
	Pairing  *crypto.PairingEngine
	FairPlay *fairplay.Emulator
	Factory  ProcessorFactory
	Emitter  av.Emitter
	Recorder av.Recorder
}

// Dispatcher routes control requests, applies them to the sender's
// session and starts stream processors once the session is ready.
type Dispatcher struct {
	cfg Config
}

// exchange is the state of one request while it is handled.
type exchange struct {
	req     *Request
	resp    *Response
	sess    *session.Session
	removed bool
}

type handlerFunc func(d *Dispatcher, ctx context.Context, x *exchange) error

// NewDispatcher creates a dispatcher. Store, Pairing and FairPlay are
// required.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.MirroringPort == 0 {
		cfg.MirroringPort = DefaultMirroringPort
	}
	if cfg.AudioControlPort == 0 {
		cfg.AudioControlPort = DefaultAudioControlPort
	}
	if cfg.AudioDataPort == 0 {
		cfg.AudioDataPort = DefaultAudioDataPort
	}
	if cfg.Device.Features == 0 {
		cfg.Device.Features = DefaultFeatures
	}
	if cfg.Device.PublicKey == nil && cfg.Pairing != nil {
		cfg.Device.PublicKey = cfg.Pairing.PublicKey()
	}
	if cfg.Emitter == nil {
		cfg.Emitter = av.NopEmitter{}
	}
	if cfg.Recorder == nil {
		cfg.Recorder = av.NopRecorder{}
	}
	return &Dispatcher{cfg: cfg}
}

// Store returns the session store the dispatcher writes to.
func (d *Dispatcher) Store() *session.Store {
	return d.cfg.Store
}

// Handle answers one request. Errors become an empty reply with a status
// derived from the error; the session is persisted either way.
func (d *Dispatcher) Handle(ctx context.Context, req *Request) *Response {
	x := &exchange{
		req:  req,
		resp: NewResponse(req),
		sess: d.cfg.Store.Get(req.SessionID),
	}

	handler := d.route(req)
	err := ErrUnknownRoute
	if handler != nil {
		err = handler(d, ctx, x)
	}

	if err != nil {
		status := statusFor(err)
		x.resp.Fail(status)
		logrus.WithFields(logrus.Fields{
			"function":   "Dispatcher.Handle",
			"session_id": req.SessionID,
			"method":     req.Method,
			"path":       req.Path(),
			"status":     status,
			"error":      err.Error(),
		}).Warn("Request failed")
	} else {
		logrus.WithFields(logrus.Fields{
			"function":   "Dispatcher.Handle",
			"session_id": req.SessionID,
			"method":     req.Method,
			"path":       req.Path(),
		}).Debug("Request handled")
	}

	if !x.removed {
		d.cfg.Store.Merge(x.sess)
	}
	return x.resp
}

func (d *Dispatcher) route(req *Request) handlerFunc {
	switch req.Method {
	case http.MethodGet:
		if req.Path() == "/info" {
			return (*Dispatcher).handleInfo
		}
	case http.MethodPost:
		switch req.Path() {
		case "/pair-setup":
			return (*Dispatcher).handlePairSetup
		case "/pair-verify":
			return (*Dispatcher).handlePairVerify
		case "/fp-setup":
			return (*Dispatcher).handleFairPlaySetup
		case "/feedback":
			return (*Dispatcher).handleNoop
		}
	case "SETUP":
		return (*Dispatcher).handleSetup
	case "GET_PARAMETER":
		return (*Dispatcher).handleGetParameter
	case "SET_PARAMETER":
		return (*Dispatcher).handleSetParameter
	case "RECORD":
		return (*Dispatcher).handleRecord
	case "FLUSH":
		return (*Dispatcher).handleFlush
	case "TEARDOWN":
		return (*Dispatcher).handleTeardown
	case "OPTIONS":
		return (*Dispatcher).handleOptions
	case "ANNOUNCE", "PAUSE":
		return (*Dispatcher).handleNoop
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnknownRoute):
		return http.StatusNotFound
	case errors.Is(err, av.ErrNotPaired):
		return http.StatusUnauthorized
	case errors.Is(err, av.ErrProtocol),
		errors.Is(err, av.ErrUnsupportedVersion),
		errors.Is(err, av.ErrUnsupportedFormat),
		errors.Is(err, ErrNotReady):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (d *Dispatcher) handleNoop(_ context.Context, _ *exchange) error {
	return nil
}

func (d *Dispatcher) handleInfo(_ context.Context, x *exchange) error {
	body, err := EncodePlist(newInfoReply(d.cfg.Device))
	if err != nil {
		return fmt.Errorf("encode info: %w", err)
	}
	x.resp.SetBody(ContentTypeBinaryPlist, body)
	return nil
}

func (d *Dispatcher) handlePairSetup(_ context.Context, x *exchange) error {
	x.resp.SetBody(ContentTypeOctetStream, d.cfg.Pairing.PairSetup())
	return nil
}

func (d *Dispatcher) handlePairVerify(_ context.Context, x *exchange) error {
	reply, err := d.cfg.Pairing.PairVerify(x.sess, x.req.Body)
	if err != nil {
		return err
	}
	if reply != nil {
		x.resp.SetBody(ContentTypeOctetStream, reply)
	}
	return nil
}

func (d *Dispatcher) handleFairPlaySetup(_ context.Context, x *exchange) error {
	if !x.sess.PairingVerified() {
		return fmt.Errorf("fp-setup for session %s: %w", x.sess.ID, av.ErrNotPaired)
	}
	reply, err := d.cfg.FairPlay.Setup(x.sess, x.req.Body)
	if err != nil {
		return err
	}
	x.resp.SetBody(ContentTypeOctetStream, reply)
	return nil
}

func (d *Dispatcher) handleSetup(ctx context.Context, x *exchange) error {
	if !x.sess.FairPlayReady() {
		return fmt.Errorf("setup for session %s: %w", x.sess.ID, ErrNotReady)
	}
	body, err := DecodePlist(x.req.Body)
	if err != nil {
		return err
	}

	var reply interface{}
	if body.Has("streams") {
		streams := body.Dicts("streams")
		if len(streams) == 0 {
			return fmt.Errorf("setup with empty streams: %w", av.ErrProtocol)
		}
		reply = d.setupStream(x, streams[0])
	} else {
		reply = d.setupSession(x, body)
	}

	if reply != nil {
		out, err := EncodePlist(reply)
		if err != nil {
			return fmt.Errorf("encode setup reply: %w", err)
		}
		x.resp.SetBody(ContentTypeBinaryPlist, out)
	}

	return d.startProcessors(ctx, x)
}

func (d *Dispatcher) setupStream(x *exchange, stream Dict) interface{} {
	streamType, _ := stream.Int("type")
	fields := logrus.Fields{
		"function":    "Dispatcher.setupStream",
		"session_id":  x.sess.ID,
		"stream_type": streamType,
	}

	switch streamType {
	case StreamTypeMirroring:
		if id, ok := stream.Uint("streamConnectionID"); ok {
			x.sess.StreamConnectionID = &id
			fields["stream_connection_id"] = id
		}
		logrus.WithFields(fields).Info("Mirroring stream set up")
		return setupStreamsReply{Streams: []streamReply{{
			Type:     StreamTypeMirroring,
			DataPort: d.cfg.MirroringPort,
		}}}

	case StreamTypeAudio:
		if format, ok := stream.Int("audioFormat"); ok {
			x.sess.AudioFormat = av.AudioFormat(format)
			fields["audio_format"] = x.sess.AudioFormat.String()
		}
		if port, ok := stream.Int("controlPort"); ok {
			x.sess.ClientControlPort = int(port)
			fields["client_control_port"] = port
		}
		logrus.WithFields(fields).Info("Audio stream set up")
		return setupStreamsReply{Streams: []streamReply{{
			Type:        StreamTypeAudio,
			ControlPort: d.cfg.AudioControlPort,
			DataPort:    d.cfg.AudioDataPort,
		}}}

	default:
		logrus.WithFields(fields).Warn("Ignoring unknown stream type")
		return nil
	}
}

func (d *Dispatcher) setupSession(x *exchange, body Dict) interface{} {
	if et, ok := body.Int("et", "encryptionType"); ok {
		v := int(et)
		x.sess.EncryptionType = &v
	}
	if key, ok := body.Data("ekey", "encryptionKey"); ok {
		x.sess.AesKey = bytes.Clone(key)
	}
	if iv, ok := body.Data("eiv", "encryptionIV"); ok {
		x.sess.AesIV = bytes.Clone(iv)
	}
	if mirroring, ok := body.Bool("isScreenMirroringSession"); ok {
		x.sess.IsMirroring = &mirroring
	}
	if port, ok := body.Int("timingPort"); ok {
		x.sess.ClientTimingPort = int(port)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Dispatcher.setupSession",
		"session_id": x.sess.ID,
		"mirroring":  x.sess.MirroringSession(),
		"has_key":    len(x.sess.AesKey) > 0,
		"has_iv":     len(x.sess.AesIV) > 0,
	}).Info("Session parameters set up")

	return setupSessionReply{TimingPort: d.cfg.Port, EventPort: d.cfg.Port}
}

// startProcessors starts every processor the session is ready for and
// does not have yet.
func (d *Dispatcher) startProcessors(ctx context.Context, x *exchange) error {
	s := x.sess
	if d.cfg.Factory == nil || !s.FairPlayReady() {
		return nil
	}

	if s.MirroringSessionReady() && s.MirroringProcessor == nil {
		p, err := d.cfg.Factory.StartMirroring(ctx, s)
		if err != nil {
			return fmt.Errorf("start mirroring: %w", err)
		}
		s.MirroringProcessor = p
	}

	if !s.MirroringSession() && s.StreamingProcessor == nil {
		p, err := d.cfg.Factory.StartStreaming(ctx, s)
		if err != nil {
			// Streaming is optional for audio sessions.
			logrus.WithFields(logrus.Fields{
				"function":   "Dispatcher.startProcessors",
				"session_id": s.ID,
				"error":      err.Error(),
			}).Warn("Streaming processor not started")
		} else {
			s.StreamingProcessor = p
		}
	}

	if s.AudioSessionReady() && s.AudioProcessor == nil {
		p, err := d.cfg.Factory.StartAudio(ctx, s, x.req)
		if err != nil {
			return fmt.Errorf("start audio: %w", err)
		}
		if s.Volume != nil {
			if vs, ok := p.(volumeSetter); ok {
				vs.SetVolume(*s.Volume)
			}
		}
		s.AudioProcessor = p
	}
	return nil
}

func (d *Dispatcher) handleGetParameter(_ context.Context, x *exchange) error {
	if strings.TrimSpace(string(x.req.Body)) == "volume" {
		x.resp.SetBody(ContentTypeParameters, []byte("volume: 1.000000\r\n"))
	}
	return nil
}

func (d *Dispatcher) handleSetParameter(_ context.Context, x *exchange) error {
	ct := x.req.ContentType()
	switch {
	case ct == ContentTypeParameters:
		return d.setParameters(x)

	case strings.HasPrefix(ct, "image/"):
		if ct == "image/none" || len(x.req.Body) == 0 {
			return nil
		}
		d.cfg.Emitter.EmitArtwork(av.ArtworkEvent{
			SessionID:   x.sess.ID,
			ContentType: ct,
			Data:        bytes.Clone(x.req.Body),
		})
		return nil

	case ct == ContentTypeDMAP:
		meta, err := MetadataFromDMAP(x.req.Body)
		if err != nil {
			return err
		}
		meta.SessionID = x.sess.ID
		d.cfg.Emitter.EmitMetadata(meta)
		logrus.WithFields(logrus.Fields{
			"function":   "Dispatcher.handleSetParameter",
			"session_id": x.sess.ID,
			"title":      meta.Title,
			"artist":     meta.Artist,
		}).Debug("Track metadata received")
		return nil

	default:
		logrus.WithFields(logrus.Fields{
			"function":     "Dispatcher.handleSetParameter",
			"session_id":   x.sess.ID,
			"content_type": ct,
		}).Debug("Ignoring parameter body")
		return nil
	}
}

// setParameters applies "key: value" lines.
func (d *Dispatcher) setParameters(x *exchange) error {
	for _, line := range strings.Split(string(x.req.Body), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)

		switch strings.TrimSpace(key) {
		case "volume":
			volume, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return fmt.Errorf("volume %q: %w", value, av.ErrProtocol)
			}
			d.setVolume(x, volume)

		case "progress":
			progress, err := parseProgress(value)
			if err != nil {
				return err
			}
			x.sess.Progress = &progress
			d.cfg.Emitter.EmitProgress(av.ProgressEvent{
				SessionID: x.sess.ID,
				Start:     progress.Start,
				Current:   progress.Current,
				End:       progress.End,
			})
		}
	}
	return nil
}

func (d *Dispatcher) setVolume(x *exchange, volume float64) {
	x.sess.Volume = &volume
	if vs, ok := x.sess.AudioProcessor.(volumeSetter); ok {
		vs.SetVolume(volume)
	}
	d.cfg.Emitter.EmitVolume(av.VolumeEvent{SessionID: x.sess.ID, Volume: volume})
	d.cfg.Recorder.VolumeChanged(volume)

	logrus.WithFields(logrus.Fields{
		"function":   "Dispatcher.setVolume",
		"session_id": x.sess.ID,
		"volume":     volume,
	}).Debug("Volume changed")
}

// parseProgress reads "start/current/end" RTP timestamps.
func parseProgress(value string) (session.Progress, error) {
	parts := strings.Split(value, "/")
	if len(parts) != 3 {
		return session.Progress{}, fmt.Errorf("progress %q: %w", value, av.ErrProtocol)
	}
	var ts [3]uint32
	for i, part := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(part), 10, 32)
		if err != nil {
			return session.Progress{}, fmt.Errorf("progress %q: %w", value, av.ErrProtocol)
		}
		ts[i] = uint32(v)
	}
	return session.Progress{Start: ts[0], Current: ts[1], End: ts[2]}, nil
}

func (d *Dispatcher) handleRecord(_ context.Context, x *exchange) error {
	x.resp.Header.Set("Audio-Latency", "0")
	return nil
}

var rtpInfoSeq = regexp.MustCompile(`seq=([^;]*)`)

// flushSequence extracts the next sequence number from RTP-Info, or -1.
func flushSequence(rtpInfo string) int {
	m := rtpInfoSeq.FindStringSubmatch(rtpInfo)
	if m == nil {
		return -1
	}
	seq, err := strconv.Atoi(strings.TrimSpace(m[1]))
	if err != nil {
		return -1
	}
	return seq
}

func (d *Dispatcher) handleFlush(_ context.Context, x *exchange) error {
	next := flushSequence(x.req.Header.Get("RTP-Info"))
	if x.sess.AudioProcessor != nil {
		x.sess.AudioProcessor.Flush(next)
	}
	logrus.WithFields(logrus.Fields{
		"function":   "Dispatcher.handleFlush",
		"session_id": x.sess.ID,
		"next_seq":   next,
	}).Debug("Flushed audio")
	return nil
}

func (d *Dispatcher) handleTeardown(ctx context.Context, x *exchange) error {
	if len(x.req.Body) == 0 {
		d.StopSession(ctx, x.sess.ID)
		x.removed = true
		return nil
	}

	body, err := DecodePlist(x.req.Body)
	if err != nil {
		return err
	}
	streams := body.Dicts("streams")
	if len(streams) == 0 {
		d.StopSession(ctx, x.sess.ID)
		x.removed = true
		return nil
	}

	streamType, _ := streams[len(streams)-1].Int("type")
	switch streamType {
	case StreamTypeMirroring:
		d.stopProcessor(ctx, x.sess.ID, "mirroring", x.sess.MirroringProcessor)
		x.sess.MirroringProcessor = nil
		d.clearHandle(x.sess.ID, func(s *session.Session) { s.MirroringProcessor = nil })
	case StreamTypeAudio:
		d.stopProcessor(ctx, x.sess.ID, "audio", x.sess.AudioProcessor)
		x.sess.AudioProcessor = nil
		d.clearHandle(x.sess.ID, func(s *session.Session) { s.AudioProcessor = nil })
	}
	return nil
}

func (d *Dispatcher) handleOptions(_ context.Context, x *exchange) error {
	x.resp.Header.Set("Public", PublicMethods)
	return nil
}

// StopSession stops every processor of a session and removes it from the
// store.
func (d *Dispatcher) StopSession(ctx context.Context, id string) {
	s, ok := d.cfg.Store.Remove(id)
	if !ok {
		return
	}
	d.stopProcessor(ctx, id, "mirroring", s.MirroringProcessor)
	d.stopProcessor(ctx, id, "audio", s.AudioProcessor)
	d.stopProcessor(ctx, id, "streaming", s.StreamingProcessor)
}

// Shutdown stops the processors of every session.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	for _, id := range d.cfg.Store.IDs() {
		d.StopSession(ctx, id)
	}
}

// stopProcessor stops p if set. Failures are logged only.
func (d *Dispatcher) stopProcessor(ctx context.Context, id, kind string, p session.StreamProcessor) {
	if p == nil {
		return
	}
	fields := logrus.Fields{
		"function":   "Dispatcher.stopProcessor",
		"session_id": id,
		"processor":  kind,
	}
	if err := p.Stop(ctx); err != nil {
		fields["error"] = err.Error()
		logrus.WithFields(fields).Warn("Failed to stop processor")
		return
	}
	logrus.WithFields(fields).Info("Processor stopped")
}

func (d *Dispatcher) clearHandle(id string, fn func(*session.Session)) {
	if _, err := d.cfg.Store.Update(id, fn); err != nil && !errors.Is(err, session.ErrNotFound) {
		logrus.WithFields(logrus.Fields{
			"function":   "Dispatcher.clearHandle",
			"session_id": id,
			"error":      err.Error(),
		}).Warn("Failed to clear processor handle")
	}
}
