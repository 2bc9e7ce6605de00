package airplay

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOptionsDefaults(t *testing.T) {
	opts := NewOptions()

	assert.Equal(t, "airserver", opts.Name)
	assert.Equal(t, uint16(5000), opts.RTSPPort)
	assert.Equal(t, uint16(7000), opts.MirroringPort)
	assert.Equal(t, uint16(7002), opts.AudioControlPort)
	assert.Equal(t, uint16(7003), opts.AudioDataPort)
	assert.Equal(t, uint16(7100), opts.StreamingPort)
	assert.Equal(t, 1024, opts.BufferLength)
	assert.Equal(t, 100*time.Millisecond, opts.ReadTimeout)
	assert.True(t, opts.MDNSEnabled)
	assert.False(t, opts.NoResend)
	assert.Empty(t, opts.MetricsAddr)
	require.NoError(t, opts.Validate())
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Options)
	}{
		{"empty name", func(o *Options) { o.Name = "" }},
		{"bad device id", func(o *Options) { o.DeviceID = "78-7B-8A-BD-C9-4D" }},
		{"zero port", func(o *Options) { o.AudioDataPort = 0 }},
		{"duplicate port", func(o *Options) { o.StreamingPort = o.RTSPPort }},
		{"zero buffer", func(o *Options) { o.BufferLength = 0 }},
		{"short seed", func(o *Options) { o.IdentitySeed = "0011" }},
		{"non-hex seed", func(o *Options) { o.IdentitySeed = strings.Repeat("zz", 32) }},
		{"bad log level", func(o *Options) { o.LogLevel = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := NewOptions()
			tt.modify(opts)
			assert.ErrorIs(t, opts.Validate(), ErrInvalidOptions)
		})
	}
}

func TestOptionsSeed(t *testing.T) {
	opts := NewOptions()
	seed, err := opts.seed()
	require.NoError(t, err)
	assert.Len(t, seed, 32)
	assert.Equal(t, byte(31), seed[31])

	opts.IdentitySeed = strings.Repeat("ab", 32)
	seed, err = opts.seed()
	require.NoError(t, err)
	assert.Equal(t, byte(0xab), seed[0])
}

func TestLoadOptions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "receiver.yaml")
	data := `
name: living-room
device_id: "AA:BB:CC:DD:EE:FF"
rtsp_port: 5050
no_resend: true
read_timeout: 250ms
mdns_enabled: false
metrics_addr: "127.0.0.1:9100"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	opts, err := LoadOptions(path)
	require.NoError(t, err)
	assert.Equal(t, "living-room", opts.Name)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", opts.DeviceID)
	assert.Equal(t, uint16(5050), opts.RTSPPort)
	assert.True(t, opts.NoResend)
	assert.Equal(t, 250*time.Millisecond, opts.ReadTimeout)
	assert.False(t, opts.MDNSEnabled)
	assert.Equal(t, "127.0.0.1:9100", opts.MetricsAddr)
	assert.Equal(t, uint16(7000), opts.MirroringPort, "unset fields keep defaults")
}

func TestLoadOptionsErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadOptions(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("rtsp_port: 7000\n"), 0o600))
	_, err = LoadOptions(invalid)
	assert.ErrorIs(t, err, ErrInvalidOptions)

	garbage := filepath.Join(dir, "garbage.yaml")
	require.NoError(t, os.WriteFile(garbage, []byte("rtsp_port: [1, 2\n"), 0o600))
	_, err = LoadOptions(garbage)
	assert.Error(t, err)
}
