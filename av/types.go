package av

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// AudioFormat is the audio format bitmask negotiated in an audio SETUP.
type AudioFormat uint32

const (
	// AudioFormatUnknown means no audio stream has been negotiated yet.
	AudioFormatUnknown AudioFormat = 0
	// AudioFormatPCM is uncompressed 16-bit stereo PCM.
	AudioFormatPCM AudioFormat = 0x1
	// AudioFormatALAC is Apple Lossless, 352 samples per frame.
	AudioFormatALAC AudioFormat = 0x40000
	// AudioFormatAAC is AAC main profile, 1024 samples per frame.
	AudioFormatAAC AudioFormat = 0x400000
	// AudioFormatAACELD is AAC enhanced low delay, not decodable here.
	AudioFormatAACELD AudioFormat = 0x1000000
)

// String returns a short codec name for logging.
func (f AudioFormat) String() string {
	switch f {
	case AudioFormatUnknown:
		return "unknown"
	case AudioFormatALAC:
		return "alac"
	case AudioFormatAAC:
		return "aac"
	case AudioFormatAACELD:
		return "aac-eld"
	default:
		return "pcm"
	}
}

// PCMFrame is one decoded audio frame.
type PCMFrame struct {
	SessionID string
	Sequence  uint16
	Timestamp uint32
	// PTS is the presentation time in microseconds since the Unix epoch,
	// zero until the sender's first sync packet.
	PTS    uint64
	Data   []byte
	Silent bool
}

// H264Frame is one reassembled Annex-B access unit.
type H264Frame struct {
	SessionID string
	// PTS is the presentation time in microseconds.
	PTS      uint64
	Keyframe bool
	// Width and Height are the source size from the frame header.
	Width  float32
	Height float32
	// CodedWidth and CodedHeight come from the SPS of the last codec
	// data, zero until one arrived.
	CodedWidth  uint
	CodedHeight uint
	Data        []byte
}

// VolumeEvent carries the sender's volume in dB (-144 mute, -30..0 range).
type VolumeEvent struct {
	SessionID string
	Volume    float64
}

// ProgressEvent carries RTP timestamps of the current track.
type ProgressEvent struct {
	SessionID string
	Start     uint32
	Current   uint32
	End       uint32
}

// ArtworkEvent carries cover art bytes.
type ArtworkEvent struct {
	SessionID   string
	ContentType string
	Data        []byte
}

// MetadataEvent carries decoded track metadata.
type MetadataEvent struct {
	SessionID string
	Title     string
	Artist    string
	Album     string
	Genre     string
}

// PlaybackKind identifies a playback-control request.
type PlaybackKind int

const (
	// PlaybackPlay starts playback of a URL.
	PlaybackPlay PlaybackKind = iota
	// PlaybackRate changes the playback rate (0 pauses).
	PlaybackRate
	// PlaybackScrub seeks to a position.
	PlaybackScrub
	// PlaybackStop ends playback.
	PlaybackStop
)

// String returns the request name.
func (k PlaybackKind) String() string {
	switch k {
	case PlaybackPlay:
		return "play"
	case PlaybackRate:
		return "rate"
	case PlaybackScrub:
		return "scrub"
	case PlaybackStop:
		return "stop"
	default:
		return "unknown"
	}
}

// PlaybackEvent carries a playback-control request from the sender.
type PlaybackEvent struct {
	SessionID string
	Kind      PlaybackKind
	URL       string
	Position  float64
	Rate      float64
}

// Emitter receives everything the stream processors produce.
type Emitter interface {
	EmitPCM(frame PCMFrame)
	EmitH264(frame H264Frame)
	EmitVolume(event VolumeEvent)
	EmitProgress(event ProgressEvent)
	EmitArtwork(event ArtworkEvent)
	EmitMetadata(event MetadataEvent)
	EmitPlayback(event PlaybackEvent)
}

// Recorder receives processing measurements. Implementations must be safe
// for concurrent use.
type Recorder interface {
	AudioPacketProcessed(elapsed time.Duration)
	VideoFrameProcessed(elapsed time.Duration, size int)
	PacketDropped(reason string)
	VolumeChanged(volume float64)
}

// NopRecorder discards all measurements.
type NopRecorder struct{}

// AudioPacketProcessed implements Recorder.
func (NopRecorder) AudioPacketProcessed(time.Duration) {}

// VideoFrameProcessed implements Recorder.
func (NopRecorder) VideoFrameProcessed(time.Duration, int) {}

// PacketDropped implements Recorder.
func (NopRecorder) PacketDropped(string) {}

// VolumeChanged implements Recorder.
func (NopRecorder) VolumeChanged(float64) {}

// NopEmitter discards every event.
type NopEmitter struct{}

// EmitPCM implements Emitter.
func (NopEmitter) EmitPCM(PCMFrame) {}

// EmitH264 implements Emitter.
func (NopEmitter) EmitH264(H264Frame) {}

// EmitVolume implements Emitter.
func (NopEmitter) EmitVolume(VolumeEvent) {}

// EmitProgress implements Emitter.
func (NopEmitter) EmitProgress(ProgressEvent) {}

// EmitArtwork implements Emitter.
func (NopEmitter) EmitArtwork(ArtworkEvent) {}

// EmitMetadata implements Emitter.
func (NopEmitter) EmitMetadata(MetadataEvent) {}

// EmitPlayback implements Emitter.
func (NopEmitter) EmitPlayback(PlaybackEvent) {}

// Sink fans processor output into buffered channels.
//
// Sends never block the receive loops: when a channel is full the event is
// dropped and counted. Close must be called once all producers have stopped.
type Sink struct {
	pcm      chan PCMFrame
	h264     chan H264Frame
	volume   chan VolumeEvent
	progress chan ProgressEvent
	artwork  chan ArtworkEvent
	metadata chan MetadataEvent
	playback chan PlaybackEvent

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

// NewSink creates a sink whose channels hold up to buffer events each.
func NewSink(buffer int) *Sink {
	if buffer < 0 {
		buffer = 0
	}
	return &Sink{
		pcm:      make(chan PCMFrame, buffer),
		h264:     make(chan H264Frame, buffer),
		volume:   make(chan VolumeEvent, buffer),
		progress: make(chan ProgressEvent, buffer),
		artwork:  make(chan ArtworkEvent, buffer),
		metadata: make(chan MetadataEvent, buffer),
		playback: make(chan PlaybackEvent, buffer),
	}
}

// PCM returns the decoded audio channel.
func (s *Sink) PCM() <-chan PCMFrame { return s.pcm }

// H264 returns the video frame channel.
func (s *Sink) H264() <-chan H264Frame { return s.h264 }

// Volume returns the volume change channel.
func (s *Sink) Volume() <-chan VolumeEvent { return s.volume }

// Progress returns the track progress channel.
func (s *Sink) Progress() <-chan ProgressEvent { return s.progress }

// Artwork returns the cover art channel.
func (s *Sink) Artwork() <-chan ArtworkEvent { return s.artwork }

// Metadata returns the track metadata channel.
func (s *Sink) Metadata() <-chan MetadataEvent { return s.metadata }

// Playback returns the playback-control channel.
func (s *Sink) Playback() <-chan PlaybackEvent { return s.playback }

// Dropped returns how many events were discarded because a channel was full.
func (s *Sink) Dropped() uint64 { return s.dropped.Load() }

// EmitPCM implements Emitter.
func (s *Sink) EmitPCM(frame PCMFrame) { send(s, s.pcm, frame, "pcm") }

// EmitH264 implements Emitter.
func (s *Sink) EmitH264(frame H264Frame) { send(s, s.h264, frame, "h264") }

// EmitVolume implements Emitter.
func (s *Sink) EmitVolume(event VolumeEvent) { send(s, s.volume, event, "volume") }

// EmitProgress implements Emitter.
func (s *Sink) EmitProgress(event ProgressEvent) { send(s, s.progress, event, "progress") }

// EmitArtwork implements Emitter.
func (s *Sink) EmitArtwork(event ArtworkEvent) { send(s, s.artwork, event, "artwork") }

// EmitMetadata implements Emitter.
func (s *Sink) EmitMetadata(event MetadataEvent) { send(s, s.metadata, event, "metadata") }

// EmitPlayback implements Emitter.
func (s *Sink) EmitPlayback(event PlaybackEvent) { send(s, s.playback, event, "playback") }

// Close closes every channel. Emits after Close are dropped.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.pcm)
	close(s.h264)
	close(s.volume)
	close(s.progress)
	close(s.artwork)
	close(s.metadata)
	close(s.playback)
}

func send[T any](s *Sink, ch chan T, v T, kind string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case ch <- v:
	default:
		n := s.dropped.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "Sink.emit",
			"kind":     kind,
			"dropped":  n,
		}).Warn("Sink channel full, dropping event")
	}
}
