package video

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/airplay/av"
	"github.com/opd-ai/airplay/session"
	"github.com/opd-ai/airplay/transport"
)

// DefaultAddr is the mirroring data listen address.
const DefaultAddr = ":7000"

// Keys is the AES-CTR key material of a mirroring session.
type Keys struct {
	Key []byte
	IV  []byte
}

// Config configures a Processor.
type Config struct {
	SessionID string
	Addr      string
	Store     *session.Store
	Emitter   av.Emitter
	Recorder  av.Recorder
}

// Processor accepts the mirroring data connection of one session.
type Processor struct {
	cfg       Config
	keys      Keys
	lifecycle *av.Lifecycle

	mu       sync.Mutex
	listener *transport.TCPListener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewProcessor creates a mirroring processor. The socket is bound by Start.
func NewProcessor(cfg Config, keys Keys) (*Processor, error) {
	// Validate once so connection setup cannot fail on key sizes.
	if _, err := NewCTRStream(keys.Key, keys.IV); err != nil {
		return nil, err
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Recorder == nil {
		cfg.Recorder = av.NopRecorder{}
	}

	logrus.WithFields(logrus.Fields{
		"function":   "video.NewProcessor",
		"session_id": cfg.SessionID,
		"address":    cfg.Addr,
	}).Info("Created mirroring processor")

	return &Processor{
		cfg:       cfg,
		keys:      Keys{Key: append([]byte(nil), keys.Key...), IV: append([]byte(nil), keys.IV...)},
		lifecycle: av.NewLifecycle("mirroring:" + cfg.SessionID),
	}, nil
}

// Start binds the mirroring port and starts accepting connections.
func (p *Processor) Start(ctx context.Context) error {
	if err := p.lifecycle.Start(ctx); err != nil {
		return err
	}

	listener, err := transport.ListenTCP("mirroring", p.cfg.Addr, p.serveConn)
	if err != nil {
		_ = p.lifecycle.Stop(ctx)
		return fmt.Errorf("bind mirroring socket: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.mu.Lock()
	p.listener = listener
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := listener.Serve(runCtx); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "video.Processor.Start",
				"session_id": p.cfg.SessionID,
				"error":      err.Error(),
			}).Error("Mirroring listener failed")
		}
	}()

	logrus.WithFields(logrus.Fields{
		"function":   "video.Processor.Start",
		"session_id": p.cfg.SessionID,
		"address":    listener.Addr().String(),
	}).Info("Mirroring processor started")

	return nil
}

// Stop closes the listener and any open connection.
func (p *Processor) Stop(ctx context.Context) error {
	if err := p.lifecycle.Stop(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	listener, cancel := p.listener, p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if listener != nil {
		listener.Close()
	}
	p.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function":   "video.Processor.Stop",
		"session_id": p.cfg.SessionID,
	}).Info("Mirroring processor stopped")

	return nil
}

// Addr returns the bound address, or nil before Start.
func (p *Processor) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// State returns the lifecycle state.
func (p *Processor) State() string {
	return p.lifecycle.Current()
}

// serveConn decodes one mirroring connection.
func (p *Processor) serveConn(ctx context.Context, conn net.Conn) error {
	cipher, err := NewCTRStream(p.keys.Key, p.keys.IV)
	if err != nil {
		return err
	}

	stream := NewStream(StreamConfig{
		SessionID: p.cfg.SessionID,
		Store:     p.cfg.Store,
		Emitter:   p.cfg.Emitter,
		Recorder:  p.cfg.Recorder,
	}, cipher)

	if p.cfg.Store != nil {
		if sess, ok := p.cfg.Store.Lookup(p.cfg.SessionID); ok && len(sess.SpsPps) > 0 {
			stream.SetParameterSets(sess.SpsPps)
		}
	}

	err = stream.Serve(ctx, conn)

	logrus.WithFields(logrus.Fields{
		"function":   "video.Processor.serveConn",
		"session_id": p.cfg.SessionID,
		"frames":     stream.Frames(),
	}).Info("Mirroring connection closed")

	return err
}
