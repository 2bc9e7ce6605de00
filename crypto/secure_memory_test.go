package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSecureWipe(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr bool
	}{
		{"nil", nil, true},
		{"empty", []byte{}, false},
		{"aes key", bytes.Repeat([]byte{0x42}, AESKeySize), false},
		{"shared secret", bytes.Repeat([]byte{0xff}, 32), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := SecureWipe(tt.data)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, make([]byte, len(tt.data)), tt.data)
		})
	}
}

func TestZeroBytesIgnoresNil(t *testing.T) {
	assert.NotPanics(t, func() { ZeroBytes(nil) })

	secret := []byte{1, 2, 3}
	ZeroBytes(secret[1:])
	assert.Equal(t, []byte{1, 0, 0}, secret)
}
