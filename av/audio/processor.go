package audio

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/airplay/av"
	"github.com/opd-ai/airplay/av/rtp"
	"github.com/opd-ai/airplay/transport"
)

// Default listen addresses of the audio sockets.
const (
	DefaultControlAddr = ":7002"
	DefaultDataAddr    = ":7003"
)

// Keys is the key material an audio stream is decrypted with.
type Keys struct {
	// AudioKey is the 16-byte AES key derived from the FairPlay key and
	// the pair-verify shared secret.
	AudioKey []byte
	// IV is the AES-CBC IV sent in SETUP.
	IV []byte
	// Format is the negotiated audio format.
	Format av.AudioFormat
}

// Config configures a Processor.
type Config struct {
	SessionID   string
	ControlAddr string
	DataAddr    string
	// ClientControlAddr receives resend requests. When nil they go to the
	// source of the last control packet.
	ClientControlAddr net.Addr
	BufferLength      int
	// NoResend plays silence for gaps instead of requesting them again.
	NoResend       bool
	SoftwareVolume bool
	ReadTimeout    time.Duration
	Backends       Backends
	Emitter        av.Emitter
	Recorder       av.Recorder
}

// datagramSender sends control replies. *transport.UDPListener
// satisfies it.
type datagramSender interface {
	WriteTo(p []byte, addr net.Addr) error
}

// Processor receives one RAOP audio stream.
//
// Data packets are queued into the jitter buffer, then every frame that is
// ready is emitted as an av.PCMFrame. Gaps at the head of the buffer are
// requested again over the control socket.
type Processor struct {
	cfg       Config
	lifecycle *av.Lifecycle
	decoder   Decoder
	block     cipher.Block
	iv        []byte
	gain      *Gain
	emitter   av.Emitter
	recorder  av.Recorder

	mu            sync.Mutex
	buffer        *rtp.RaopBuffer
	synced        bool
	syncTimestamp uint32
	syncTime      uint64
	lastTimestamp uint32
	controlSeq    uint16
	controlPeer   net.Addr
	sender        datagramSender

	control *transport.UDPListener
	data    *transport.UDPListener
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewProcessor creates an audio processor. The sockets are bound by Start.
func NewProcessor(cfg Config, keys Keys) (*Processor, error) {
	if len(keys.AudioKey) != aes.BlockSize || len(keys.IV) != aes.BlockSize {
		return nil, fmt.Errorf("audio key %d bytes, iv %d bytes: %w",
			len(keys.AudioKey), len(keys.IV), av.ErrMissingKeys)
	}

	decoder, err := NewDecoder(keys.Format, cfg.Backends)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(keys.AudioKey)
	if err != nil {
		return nil, fmt.Errorf("audio cipher: %w", err)
	}

	if cfg.ControlAddr == "" {
		cfg.ControlAddr = DefaultControlAddr
	}
	if cfg.DataAddr == "" {
		cfg.DataAddr = DefaultDataAddr
	}
	if cfg.BufferLength <= 0 {
		cfg.BufferLength = rtp.DefaultBufferLength
	}
	if cfg.Recorder == nil {
		cfg.Recorder = av.NopRecorder{}
	}

	p := &Processor{
		cfg:       cfg,
		lifecycle: av.NewLifecycle("audio:" + cfg.SessionID),
		decoder:   decoder,
		block:     block,
		iv:        append([]byte(nil), keys.IV...),
		gain:      NewGain(),
		emitter:   cfg.Emitter,
		recorder:  cfg.Recorder,
		buffer:    rtp.NewRaopBuffer(decoder, cfg.BufferLength),
	}

	logrus.WithFields(logrus.Fields{
		"function":   "NewProcessor",
		"session_id": cfg.SessionID,
		"format":     keys.Format.String(),
		"no_resend":  cfg.NoResend,
	}).Info("Created audio processor")

	return p, nil
}

// Start binds the control and data sockets and starts receiving.
func (p *Processor) Start(ctx context.Context) error {
	if err := p.lifecycle.Start(ctx); err != nil {
		return err
	}

	control, err := transport.ListenUDP("audio-control", p.cfg.ControlAddr, p.handleControl, p.cfg.ReadTimeout)
	if err != nil {
		_ = p.lifecycle.Stop(ctx)
		return fmt.Errorf("bind audio control socket: %w", err)
	}
	data, err := transport.ListenUDP("audio-data", p.cfg.DataAddr, p.handleData, p.cfg.ReadTimeout)
	if err != nil {
		control.Close()
		_ = p.lifecycle.Stop(ctx)
		return fmt.Errorf("bind audio data socket: %w", err)
	}

	p.mu.Lock()
	p.control = control
	p.data = data
	p.sender = control
	p.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		control.Serve(runCtx)
	}()
	go func() {
		defer p.wg.Done()
		data.Serve(runCtx)
	}()

	logrus.WithFields(logrus.Fields{
		"function":     "Processor.Start",
		"session_id":   p.cfg.SessionID,
		"control_addr": control.LocalAddr().String(),
		"data_addr":    data.LocalAddr().String(),
	}).Info("Audio processor started")

	return nil
}

// Stop closes both sockets and waits for the receive loops to exit.
func (p *Processor) Stop(ctx context.Context) error {
	if err := p.lifecycle.Stop(ctx); err != nil {
		return err
	}

	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Lock()
	control, data := p.control, p.data
	p.mu.Unlock()
	if data != nil {
		data.Close()
	}
	if control != nil {
		control.Close()
	}
	p.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function":   "Processor.Stop",
		"session_id": p.cfg.SessionID,
	}).Info("Audio processor stopped")

	return nil
}

// Flush clears the jitter buffer.
func (p *Processor) Flush(nextSeq int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buffer.Flush(nextSeq)
}

// SetVolume applies the sender volume to decoded frames when software
// volume is enabled.
func (p *Processor) SetVolume(db float64) {
	p.gain.SetVolume(db)
}

// ControlAddr returns the bound control socket address, or nil before Start.
func (p *Processor) ControlAddr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.control == nil {
		return nil
	}
	return p.control.LocalAddr()
}

// DataAddr returns the bound data socket address, or nil before Start.
func (p *Processor) DataAddr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.data == nil {
		return nil
	}
	return p.data.LocalAddr()
}

// State returns the lifecycle state.
func (p *Processor) State() string {
	return p.lifecycle.Current()
}

// handleData processes one packet from the data socket.
func (p *Processor) handleData(packet []byte, _ net.Addr) error {
	started := time.Now()
	defer func() { p.recorder.AudioPacketProcessed(time.Since(started)) }()

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ingest(packet); err != nil {
		return err
	}
	if !p.cfg.NoResend {
		p.requestResends()
	}
	return nil
}

// handleControl processes one packet from the control socket.
func (p *Processor) handleControl(packet []byte, addr net.Addr) error {
	typ, err := rtp.ControlType(packet)
	if err != nil {
		p.recorder.PacketDropped("invalid")
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.controlPeer = addr

	switch typ {
	case rtp.ControlTypeSync:
		ref, err := rtp.ParseSync(packet)
		if err != nil {
			p.recorder.PacketDropped("invalid")
			return err
		}
		p.synced = true
		p.syncTimestamp = ref.RTPTimestamp
		p.syncTime = ref.NTPTime

		logrus.WithFields(logrus.Fields{
			"function":       "Processor.handleControl",
			"session_id":     p.cfg.SessionID,
			"rtp_timestamp":  ref.RTPTimestamp,
			"ntp_micros":     ref.NTPTime,
			"next_timestamp": ref.NextTimestamp,
		}).Debug("Audio sync received")
		return nil

	case rtp.ControlTypeRetransmit:
		payload, err := rtp.RetransmitPayload(packet)
		if err != nil {
			p.recorder.PacketDropped("invalid")
			return err
		}
		return p.ingest(payload)

	default:
		logrus.WithFields(logrus.Fields{
			"function":   "Processor.handleControl",
			"session_id": p.cfg.SessionID,
			"type":       fmt.Sprintf("0x%02x", typ),
		}).Debug("Ignoring control packet")
		return nil
	}
}

// ingest queues one RTP packet and drains every ready frame. Callers hold mu.
func (p *Processor) ingest(packet []byte) error {
	decrypter := cipher.NewCBCDecrypter(p.block, p.iv)

	result, err := p.buffer.Queue(packet, decrypter)
	if err != nil {
		p.recorder.PacketDropped("invalid")
		return err
	}
	switch result {
	case rtp.QueueDuplicate, rtp.QueueStale:
		p.recorder.PacketDropped(result.String())
		return nil
	case rtp.QueueKeepalive:
		return nil
	case rtp.QueueConcealed:
		p.recorder.PacketDropped("decode_error")
	}

	p.drain()
	return nil
}

// drain emits frames until the buffer is empty or waiting on a gap.
func (p *Processor) drain() {
	frameLength := uint32(p.decoder.Config().FrameLength)

	for {
		frame, status := p.buffer.Dequeue(p.cfg.NoResend)
		switch status {
		case rtp.DequeueEmpty, rtp.DequeuePending:
			return
		case rtp.DequeueStalled:
			p.recorder.PacketDropped("stalled")
			return
		case rtp.DequeueMissing:
			frame.Timestamp = p.lastTimestamp + frameLength
			frame.Data = make([]byte, p.decoder.OutputLength())
			p.recorder.PacketDropped("missing")
		}
		p.lastTimestamp = frame.Timestamp

		if p.cfg.SoftwareVolume && !frame.Silent {
			p.gain.Apply(frame.Data)
		}

		if p.emitter != nil {
			p.emitter.EmitPCM(av.PCMFrame{
				SessionID: p.cfg.SessionID,
				Sequence:  frame.Sequence,
				Timestamp: frame.Timestamp,
				PTS:       p.presentationTime(frame.Timestamp),
				Data:      frame.Data,
				Silent:    frame.Silent,
			})
		}
	}
}

// presentationTime maps an RTP timestamp onto the sender clock of the last
// sync packet, in microseconds. It is zero before the first sync packet and
// never goes below zero.
func (p *Processor) presentationTime(timestamp uint32) uint64 {
	if !p.synced {
		return 0
	}
	delta := int64(int32(timestamp-p.syncTimestamp)) * 1_000_000 / SampleRate
	pts := int64(p.syncTime) + delta
	if pts < 0 {
		return 0
	}
	return uint64(pts)
}

// requestResends asks the sender for the missing run at the head of the
// buffer. Callers hold mu.
func (p *Processor) requestResends() {
	first, count, ok := p.buffer.DetectResendGap()
	if !ok {
		return
	}

	target := p.cfg.ClientControlAddr
	if target == nil {
		target = p.controlPeer
	}
	if target == nil || p.sender == nil {
		return
	}

	request := rtp.ResendRequest(p.controlSeq, first, count)
	p.controlSeq++

	if err := p.sender.WriteTo(request, target); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Processor.requestResends",
			"session_id": p.cfg.SessionID,
			"first":      first,
			"count":      count,
			"error":      err.Error(),
		}).Warn("Failed to send resend request")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Processor.requestResends",
		"session_id": p.cfg.SessionID,
		"first":      first,
		"count":      count,
	}).Debug("Requested resend")
}
