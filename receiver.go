package airplay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/airplay/av"
	"github.com/opd-ai/airplay/av/audio"
	"github.com/opd-ai/airplay/crypto"
	"github.com/opd-ai/airplay/discovery"
	"github.com/opd-ai/airplay/fairplay"
	"github.com/opd-ai/airplay/metrics"
	"github.com/opd-ai/airplay/rtsp"
	"github.com/opd-ai/airplay/session"
)

// shutdownTimeout bounds how long stopping processors and the metrics
// endpoint may take once Run's context is cancelled.
const shutdownTimeout = 5 * time.Second

// Codecs are the pieces a Receiver cannot configure from YAML.
type Codecs struct {
	// KeyDecrypter unwraps the FairPlay-encrypted AES key from SETUP.
	// Defaults to fairplay.PassthroughDecrypter, which only accepts a bare
	// 16-byte key. iOS and macOS senders send a 72-byte FairPlay-wrapped
	// ekey, so with the default their audio and mirroring SETUP fails with
	// fairplay.ErrKeyLength until a real decrypter is supplied.
	KeyDecrypter fairplay.KeyDecrypter
	// Backends are the native ALAC and AAC decoders.
	Backends audio.Backends
}

// Receiver is one AirPlay receiver: the control server, its sessions,
// service discovery and the optional metrics endpoint.
type Receiver struct {
	opts       *Options
	store      *session.Store
	dispatcher *rtsp.Dispatcher
	server     *rtsp.Server
	advertiser *discovery.Advertiser
	collector  *metrics.Collector

	mu      sync.Mutex
	running bool
}

// New creates a receiver. Decoded audio, video and events go to emitter;
// nothing is bound until Run.
func New(opts *Options, emitter av.Emitter, codecs Codecs) (*Receiver, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if emitter == nil {
		emitter = av.NopEmitter{}
	}
	if codecs.KeyDecrypter == nil {
		codecs.KeyDecrypter = fairplay.PassthroughDecrypter{}
	}

	seed, err := opts.seed()
	if err != nil {
		return nil, err
	}
	pairing, err := crypto.NewPairingEngine(seed)
	if err != nil {
		return nil, fmt.Errorf("pairing identity: %w", err)
	}

	store := session.NewStore()
	r := &Receiver{opts: opts, store: store}

	var recorder av.Recorder = av.NopRecorder{}
	var connections rtsp.ConnectionRecorder
	if opts.MetricsAddr != "" {
		r.collector = metrics.NewCollector(store.Len)
		recorder = r.collector
		connections = r.collector
	}

	device := rtsp.DeviceInfo{
		Name:          opts.Name,
		DeviceID:      opts.DeviceID,
		Model:         opts.Model,
		SourceVersion: opts.SourceVersion,
		PublicKey:     pairing.PublicKey(),
	}

	r.dispatcher = rtsp.NewDispatcher(rtsp.Config{
		Port:             int(opts.RTSPPort),
		MirroringPort:    int(opts.MirroringPort),
		AudioControlPort: int(opts.AudioControlPort),
		AudioDataPort:    int(opts.AudioDataPort),
		Device:           device,
		Store:            store,
		Pairing:          pairing,
		FairPlay:         fairplay.NewEmulator(),
		Factory: &processorFactory{
			opts:      opts,
			store:     store,
			decrypter: codecs.KeyDecrypter,
			backends:  codecs.Backends,
			emitter:   emitter,
			recorder:  recorder,
		},
		Emitter:  emitter,
		Recorder: recorder,
	})

	r.server = rtsp.NewServer(rtsp.ServerConfig{
		Name:        "rtsp",
		Addr:        listenAddr(opts.RTSPPort),
		Connections: connections,
	}, r.dispatcher)

	if opts.MDNSEnabled {
		r.advertiser, err = discovery.NewAdvertiser(discovery.Config{
			Name:          opts.Name,
			DeviceID:      opts.DeviceID,
			Model:         opts.Model,
			SourceVersion: opts.SourceVersion,
			PublicKey:     pairing.PublicKey(),
			RTSPPort:      int(opts.RTSPPort),
			AirPlayPort:   int(opts.MirroringPort),
		})
		if err != nil {
			return nil, fmt.Errorf("service discovery: %w", err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":  "New",
		"name":      opts.Name,
		"device_id": opts.DeviceID,
		"rtsp_port": opts.RTSPPort,
		"mdns":      opts.MDNSEnabled,
		"metrics":   opts.MetricsAddr,
	}).Info("Created receiver")

	return r, nil
}

// Options returns the options the receiver was created with.
func (r *Receiver) Options() *Options {
	return r.opts
}

// Sessions returns the session store.
func (r *Receiver) Sessions() *session.Store {
	return r.store
}

// Metrics returns the collector, or nil when metrics are disabled.
func (r *Receiver) Metrics() *metrics.Collector {
	return r.collector
}

// Addr returns the bound control address, or nil before Run binds it.
func (r *Receiver) Addr() net.Addr {
	return r.server.Addr()
}

// Run serves until ctx is cancelled or a component fails, then stops
// every session. A control port bind failure is returned immediately.
// A Receiver runs once; later calls return av.ErrAlreadyRunning.
func (r *Receiver) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return av.ErrAlreadyRunning
	}
	r.running = true
	r.mu.Unlock()

	if err := r.server.Listen(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.server.Serve(gctx)
	})

	if r.advertiser != nil {
		g.Go(func() error {
			return r.advertiser.Run(gctx)
		})
	}

	if r.collector != nil {
		httpServer := r.collector.NewServer(r.opts.MetricsAddr)
		g.Go(func() error {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics endpoint: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		r.Shutdown()
		return r.server.Close()
	})

	logrus.WithFields(logrus.Fields{
		"function": "Receiver.Run",
		"address":  r.server.Addr().String(),
	}).Info("Receiver running")

	err := g.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "Receiver.Run",
	}).Info("Receiver stopped")

	return err
}

// Shutdown stops the processors of every session and empties the store.
// The control server keeps running.
func (r *Receiver) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	r.dispatcher.Shutdown(ctx)
}
