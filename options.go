package airplay

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/opd-ai/airplay/crypto"
)

// ErrInvalidOptions is wrapped by every Options validation failure.
var ErrInvalidOptions = errors.New("invalid options")

var deviceIDPattern = regexp.MustCompile(`^([0-9a-fA-F]{2}:){5}[0-9a-fA-F]{2}$`)

// Options configures a Receiver.
type Options struct {
	Name          string `yaml:"name"`
	DeviceID      string `yaml:"device_id"`
	Model         string `yaml:"model"`
	SourceVersion string `yaml:"source_version"`

	// IdentitySeed is the hex-encoded 32-byte Ed25519 seed of the pairing
	// identity. The fixed default seed is used when empty.
	IdentitySeed string `yaml:"identity_seed"`

	RTSPPort         uint16 `yaml:"rtsp_port"`
	MirroringPort    uint16 `yaml:"mirroring_port"`
	AudioControlPort uint16 `yaml:"audio_control_port"`
	AudioDataPort    uint16 `yaml:"audio_data_port"`
	StreamingPort    uint16 `yaml:"streaming_port"`

	// BufferLength is the jitter buffer window in packets.
	BufferLength int `yaml:"buffer_length"`
	// NoResend plays gaps as silence instead of requesting them again.
	NoResend       bool          `yaml:"no_resend"`
	SoftwareVolume bool          `yaml:"software_volume"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`

	MDNSEnabled bool `yaml:"mdns_enabled"`
	// MetricsAddr serves Prometheus metrics when set.
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// NewOptions returns the default options.
func NewOptions() *Options {
	return &Options{
		Name:             "airserver",
		DeviceID:         "78:7B:8A:BD:C9:4D",
		Model:            "AppleTV5,3",
		SourceVersion:    "220.68",
		RTSPPort:         5000,
		MirroringPort:    7000,
		AudioControlPort: 7002,
		AudioDataPort:    7003,
		StreamingPort:    7100,
		BufferLength:     1024,
		ReadTimeout:      100 * time.Millisecond,
		MDNSEnabled:      true,
		LogLevel:         "info",
	}
}

// LoadOptions reads YAML options from path on top of the defaults.
func LoadOptions(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read options: %w", err)
	}
	opts := NewOptions()
	if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, fmt.Errorf("parse options %s: %w", path, err)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "LoadOptions",
		"path":     path,
		"name":     opts.Name,
	}).Info("Loaded receiver options")

	return opts, nil
}

// Validate checks ports, device id, identity seed and log level.
func (o *Options) Validate() error {
	if o.Name == "" {
		return fmt.Errorf("name is empty: %w", ErrInvalidOptions)
	}
	if !deviceIDPattern.MatchString(o.DeviceID) {
		return fmt.Errorf("device id %q is not a mac address: %w", o.DeviceID, ErrInvalidOptions)
	}
	if o.BufferLength <= 0 {
		return fmt.Errorf("buffer length %d: %w", o.BufferLength, ErrInvalidOptions)
	}

	ports := map[string]uint16{
		"rtsp":          o.RTSPPort,
		"mirroring":     o.MirroringPort,
		"audio control": o.AudioControlPort,
		"audio data":    o.AudioDataPort,
		"streaming":     o.StreamingPort,
	}
	seen := make(map[uint16]string, len(ports))
	for name, port := range ports {
		if port == 0 {
			return fmt.Errorf("%s port is zero: %w", name, ErrInvalidOptions)
		}
		if other, ok := seen[port]; ok {
			return fmt.Errorf("%s and %s ports are both %d: %w", name, other, port, ErrInvalidOptions)
		}
		seen[port] = name
	}

	if _, err := o.seed(); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(o.LogLevel); err != nil {
		return fmt.Errorf("log level: %v: %w", err, ErrInvalidOptions)
	}
	return nil
}

// seed decodes IdentitySeed, falling back to the default seed.
func (o *Options) seed() ([]byte, error) {
	if o.IdentitySeed == "" {
		return crypto.DefaultIdentitySeed(), nil
	}
	seed, err := hex.DecodeString(o.IdentitySeed)
	if err != nil || len(seed) != crypto.IdentitySeedSize {
		return nil, fmt.Errorf("identity seed must be %d hex bytes: %w", crypto.IdentitySeedSize, ErrInvalidOptions)
	}
	return seed, nil
}
