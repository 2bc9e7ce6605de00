package streaming

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/airplay/av"
	"github.com/opd-ai/airplay/rtsp"
)

// DefaultAddr is the streaming listen address.
const DefaultAddr = ":7100"

// Config configures a Processor.
type Config struct {
	SessionID string
	Addr      string
	Emitter   av.Emitter
}

// Processor answers the playback-control requests of one session and
// tracks the playback position the sender reports.
type Processor struct {
	cfg       Config
	lifecycle *av.Lifecycle
	now       func() time.Time

	mu       sync.Mutex
	server   *rtsp.Server
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	url      string
	position float64
	anchorAt time.Time
	rate     float64
}

type playbackInfo struct {
	Duration    float64 `plist:"duration"`
	Position    float64 `plist:"position"`
	Rate        float64 `plist:"rate"`
	ReadyToPlay bool    `plist:"readyToPlay"`
}

// NewProcessor creates a streaming processor. The socket is bound by Start.
func NewProcessor(cfg Config) *Processor {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Emitter == nil {
		cfg.Emitter = av.NopEmitter{}
	}
	return &Processor{
		cfg:       cfg,
		lifecycle: av.NewLifecycle("streaming:" + cfg.SessionID),
		now:       time.Now,
	}
}

// Start binds the streaming port and serves requests.
func (p *Processor) Start(ctx context.Context) error {
	if err := p.lifecycle.Start(ctx); err != nil {
		return err
	}

	server := rtsp.NewServer(rtsp.ServerConfig{Name: "streaming", Addr: p.cfg.Addr}, p)
	if err := server.Listen(); err != nil {
		_ = p.lifecycle.Stop(ctx)
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.mu.Lock()
	p.server = server
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := server.Serve(runCtx); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "streaming.Processor.Start",
				"session_id": p.cfg.SessionID,
				"error":      err.Error(),
			}).Error("Streaming listener failed")
		}
	}()

	logrus.WithFields(logrus.Fields{
		"function":   "streaming.Processor.Start",
		"session_id": p.cfg.SessionID,
		"address":    server.Addr().String(),
	}).Info("Streaming processor started")
	return nil
}

// Stop closes the listener and open connections.
func (p *Processor) Stop(ctx context.Context) error {
	if err := p.lifecycle.Stop(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	server, cancel := p.server, p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if server != nil {
		_ = server.Close()
	}
	p.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function":   "streaming.Processor.Stop",
		"session_id": p.cfg.SessionID,
	}).Info("Streaming processor stopped")
	return nil
}

// Addr returns the bound address, or nil before Start.
func (p *Processor) Addr() net.Addr {
	p.mu.Lock()
	server := p.server
	p.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Addr()
}

// State returns the lifecycle state.
func (p *Processor) State() string {
	return p.lifecycle.Current()
}

// Handle implements rtsp.Handler.
func (p *Processor) Handle(_ context.Context, req *rtsp.Request) *rtsp.Response {
	resp := rtsp.NewResponse(req)

	var err error
	switch {
	case req.Method == http.MethodPost && req.Path() == "/play":
		err = p.play(req)
	case req.Method == http.MethodPost && req.Path() == "/rate":
		err = p.setRate(req)
	case req.Method == http.MethodPost && req.Path() == "/scrub":
		err = p.scrub(req)
	case req.Method == http.MethodGet && req.Path() == "/scrub":
		position, _ := p.playhead()
		resp.SetBody(rtsp.ContentTypeParameters,
			[]byte(fmt.Sprintf("duration: %f\r\nposition: %f\r\n", 0.0, position)))
	case req.Method == http.MethodPost && req.Path() == "/stop":
		p.stop()
	case req.Method == http.MethodGet && req.Path() == "/playback-info":
		err = p.playbackInfo(resp)
	default:
		resp.Fail(http.StatusNotFound)
		return resp
	}

	if err != nil {
		resp.Fail(http.StatusBadRequest)
		logrus.WithFields(logrus.Fields{
			"function":   "streaming.Processor.Handle",
			"session_id": p.cfg.SessionID,
			"method":     req.Method,
			"path":       req.Path(),
			"error":      err.Error(),
		}).Warn("Streaming request failed")
	}
	return resp
}

// play reads Content-Location and Start-Position from a text/parameters
// or plist body.
func (p *Processor) play(req *rtsp.Request) error {
	var (
		location string
		start    float64
	)

	if req.ContentType() == rtsp.ContentTypeParameters {
		params := parseParameters(req.Body)
		location = params["Content-Location"]
		if v, ok := params["Start-Position"]; ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("start position %q: %w", v, av.ErrProtocol)
			}
			start = f
		}
	} else {
		body, err := rtsp.DecodePlist(req.Body)
		if err != nil {
			return err
		}
		location, _ = body.String("Content-Location")
		start, _ = body.Float("Start-Position")
	}

	if location == "" {
		return fmt.Errorf("play without Content-Location: %w", av.ErrProtocol)
	}

	p.mu.Lock()
	p.url = location
	p.position = start
	p.anchorAt = p.now()
	p.rate = 1
	p.mu.Unlock()

	p.cfg.Emitter.EmitPlayback(av.PlaybackEvent{
		SessionID: p.cfg.SessionID,
		Kind:      av.PlaybackPlay,
		URL:       location,
		Position:  start,
		Rate:      1,
	})

	logrus.WithFields(logrus.Fields{
		"function":   "streaming.Processor.play",
		"session_id": p.cfg.SessionID,
		"url":        location,
		"start":      start,
	}).Info("Playback requested")
	return nil
}

func (p *Processor) setRate(req *rtsp.Request) error {
	value := req.Query().Get("value")
	rate, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("rate %q: %w", value, av.ErrProtocol)
	}

	p.mu.Lock()
	p.position = p.positionLocked()
	p.anchorAt = p.now()
	p.rate = rate
	position := p.position
	p.mu.Unlock()

	p.cfg.Emitter.EmitPlayback(av.PlaybackEvent{
		SessionID: p.cfg.SessionID,
		Kind:      av.PlaybackRate,
		Position:  position,
		Rate:      rate,
	})
	return nil
}

func (p *Processor) scrub(req *rtsp.Request) error {
	value := req.Query().Get("position")
	position, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("scrub position %q: %w", value, av.ErrProtocol)
	}

	p.mu.Lock()
	p.position = position
	p.anchorAt = p.now()
	rate := p.rate
	p.mu.Unlock()

	p.cfg.Emitter.EmitPlayback(av.PlaybackEvent{
		SessionID: p.cfg.SessionID,
		Kind:      av.PlaybackScrub,
		Position:  position,
		Rate:      rate,
	})
	return nil
}

func (p *Processor) stop() {
	p.mu.Lock()
	url := p.url
	p.url = ""
	p.position = 0
	p.rate = 0
	p.mu.Unlock()

	p.cfg.Emitter.EmitPlayback(av.PlaybackEvent{
		SessionID: p.cfg.SessionID,
		Kind:      av.PlaybackStop,
		URL:       url,
	})
}

func (p *Processor) playbackInfo(resp *rtsp.Response) error {
	position, rate := p.playhead()
	p.mu.Lock()
	ready := p.url != ""
	p.mu.Unlock()

	body, err := rtsp.EncodePlist(playbackInfo{Position: position, Rate: rate, ReadyToPlay: ready})
	if err != nil {
		return err
	}
	resp.SetBody(rtsp.ContentTypeBinaryPlist, body)
	return nil
}

// playhead returns the extrapolated position and the current rate.
func (p *Processor) playhead() (float64, float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positionLocked(), p.rate
}

func (p *Processor) positionLocked() float64 {
	if p.rate == 0 || p.anchorAt.IsZero() {
		return p.position
	}
	return p.position + p.rate*p.now().Sub(p.anchorAt).Seconds()
}

// parseParameters reads "Key: value" lines.
func parseParameters(body []byte) map[string]string {
	params := make(map[string]string)
	for _, line := range strings.Split(string(body), "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		params[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return params
}
