// Package metrics exports receiver measurements to Prometheus.
//
// A Collector implements av.Recorder for the stream processors and
// rtsp.ConnectionRecorder for the control server. Every metric is
// registered on the Collector's own registry, so several receivers can
// run in one process.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Namespace prefixes every metric name.
const Namespace = "airplay"

// Collector holds the receiver metrics.
type Collector struct {
	registry *prometheus.Registry

	audioPackets        prometheus.Counter
	videoFrames         prometheus.Counter
	connectionAttempts  prometheus.Counter
	connectionSuccesses prometheus.Counter
	connectionFailures  prometheus.Counter
	packetsDropped      *prometheus.CounterVec
	audioLatency        prometheus.Histogram
	videoLatency        prometheus.Histogram
	videoFrameSize      prometheus.Histogram
	volume              prometheus.Gauge
}

// NewCollector registers the metrics on a new registry. activeSessions,
// when set, is sampled on every scrape.
func NewCollector(activeSessions func() int) *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	c := &Collector{
		registry: registry,
		audioPackets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "audio_packets_processed_total",
			Help:      "Audio packets decrypted and queued.",
		}),
		videoFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "video_frames_processed_total",
			Help:      "Mirroring frames decrypted and emitted.",
		}),
		connectionAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "connection_attempts_total",
			Help:      "Control connections accepted.",
		}),
		connectionSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "connection_successes_total",
			Help:      "Control connections that sent a valid request.",
		}),
		connectionFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "connection_failures_total",
			Help:      "Control connections closed on a malformed or missing request.",
		}),
		packetsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "packets_dropped_total",
			Help:      "Packets and frames dropped, by reason.",
		}, []string{"reason"}),
		audioLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "audio_packet_processing_seconds",
			Help:      "Time to decrypt, decode and queue one audio packet.",
			Buckets:   []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01},
		}),
		videoLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "video_frame_processing_seconds",
			Help:      "Time to decrypt and rewrite one mirroring frame.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05},
		}),
		videoFrameSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "video_frame_size_bytes",
			Help:      "Size of emitted mirroring frames.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
		}),
		volume: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "volume",
			Help:      "Last sender volume in dB.",
		}),
	}

	if activeSessions != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "active_sessions",
			Help:      "Sessions in the session store.",
		}, func() float64 { return float64(activeSessions()) })
	}

	return c
}

// Registry returns the registry the metrics live on.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// AudioPacketProcessed implements av.Recorder.
func (c *Collector) AudioPacketProcessed(elapsed time.Duration) {
	c.audioPackets.Inc()
	c.audioLatency.Observe(elapsed.Seconds())
}

// VideoFrameProcessed implements av.Recorder.
func (c *Collector) VideoFrameProcessed(elapsed time.Duration, size int) {
	c.videoFrames.Inc()
	c.videoLatency.Observe(elapsed.Seconds())
	c.videoFrameSize.Observe(float64(size))
}

// PacketDropped implements av.Recorder.
func (c *Collector) PacketDropped(reason string) {
	c.packetsDropped.WithLabelValues(reason).Inc()
}

// VolumeChanged implements av.Recorder.
func (c *Collector) VolumeChanged(volume float64) {
	c.volume.Set(volume)
}

// ConnectionAttempted implements rtsp.ConnectionRecorder.
func (c *Collector) ConnectionAttempted() {
	c.connectionAttempts.Inc()
}

// ConnectionSucceeded implements rtsp.ConnectionRecorder.
func (c *Collector) ConnectionSucceeded() {
	c.connectionSuccesses.Inc()
}

// ConnectionFailed implements rtsp.ConnectionRecorder.
func (c *Collector) ConnectionFailed() {
	c.connectionFailures.Inc()
}

// NewServer returns an HTTP server exposing /metrics on addr.
func (c *Collector) NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	logrus.WithFields(logrus.Fields{
		"function": "Collector.NewServer",
		"address":  addr,
	}).Info("Metrics endpoint configured")

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
