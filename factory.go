package airplay

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/airplay/av"
	"github.com/opd-ai/airplay/av/audio"
	"github.com/opd-ai/airplay/av/video"
	"github.com/opd-ai/airplay/crypto"
	"github.com/opd-ai/airplay/fairplay"
	"github.com/opd-ai/airplay/rtsp"
	"github.com/opd-ai/airplay/session"
	"github.com/opd-ai/airplay/streaming"
)

// processorFactory derives stream keys from a session and starts the
// matching processors on the configured ports.
type processorFactory struct {
	opts      *Options
	store     *session.Store
	decrypter fairplay.KeyDecrypter
	backends  audio.Backends
	emitter   av.Emitter
	recorder  av.Recorder
}

var _ rtsp.ProcessorFactory = (*processorFactory)(nil)

func listenAddr(port uint16) string {
	return net.JoinHostPort("", strconv.Itoa(int(port)))
}

// StartMirroring implements rtsp.ProcessorFactory.
func (f *processorFactory) StartMirroring(ctx context.Context, sess *session.Session) (session.StreamProcessor, error) {
	if sess.StreamConnectionID == nil {
		return nil, fmt.Errorf("session %s has no stream connection id: %w", sess.ID, av.ErrMissingKeys)
	}
	aesKey, err := fairplay.DecryptedKey(sess, f.decrypter)
	if err != nil {
		return nil, err
	}
	key, iv := crypto.MirroringKeys(aesKey, sess.EcdhShared, *sess.StreamConnectionID)

	p, err := video.NewProcessor(video.Config{
		SessionID: sess.ID,
		Addr:      listenAddr(f.opts.MirroringPort),
		Store:     f.store,
		Emitter:   f.emitter,
		Recorder:  f.recorder,
	}, video.Keys{Key: key, IV: iv})
	if err != nil {
		return nil, err
	}
	if err := p.Start(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// StartAudio implements rtsp.ProcessorFactory. Resend requests go to the
// control port the sender announced in SETUP, on the sender's address.
func (f *processorFactory) StartAudio(ctx context.Context, sess *session.Session, req *rtsp.Request) (session.AudioProcessor, error) {
	aesKey, err := fairplay.DecryptedKey(sess, f.decrypter)
	if err != nil {
		return nil, err
	}

	cfg := audio.Config{
		SessionID:      sess.ID,
		ControlAddr:    listenAddr(f.opts.AudioControlPort),
		DataAddr:       listenAddr(f.opts.AudioDataPort),
		BufferLength:   f.opts.BufferLength,
		NoResend:       f.opts.NoResend,
		SoftwareVolume: f.opts.SoftwareVolume,
		ReadTimeout:    f.opts.ReadTimeout,
		Backends:       f.backends,
		Emitter:        f.emitter,
		Recorder:       f.recorder,
	}
	if addr := clientControlAddr(req, sess.ClientControlPort); addr != nil {
		cfg.ClientControlAddr = addr
	}

	p, err := audio.NewProcessor(cfg, audio.Keys{
		AudioKey: crypto.AudioKey(aesKey, sess.EcdhShared),
		IV:       sess.AesIV,
		Format:   sess.AudioFormat,
	})
	if err != nil {
		return nil, err
	}
	if err := p.Start(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// StartStreaming implements rtsp.ProcessorFactory.
func (f *processorFactory) StartStreaming(ctx context.Context, sess *session.Session) (session.StreamProcessor, error) {
	p := streaming.NewProcessor(streaming.Config{
		SessionID: sess.ID,
		Addr:      listenAddr(f.opts.StreamingPort),
		Emitter:   f.emitter,
	})
	if err := p.Start(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// clientControlAddr returns the sender's control socket, or nil when the
// request carries no address or SETUP named no port.
func clientControlAddr(req *rtsp.Request, port int) net.Addr {
	if req == nil || req.RemoteAddr == nil || port <= 0 {
		return nil
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr.String())
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "clientControlAddr",
			"remote_addr": req.RemoteAddr.String(),
			"error":       err.Error(),
		}).Warn("Cannot derive client control address")
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	return &net.UDPAddr{IP: ip, Port: port}
}
