package crypto

import (
	"crypto/subtle"
	"errors"
	"runtime"
)

// SecureWipe overwrites a byte slice holding sensitive data with zeros.
// It returns an error if the slice is nil.
func SecureWipe(data []byte) error {
	if data == nil {
		return errors.New("cannot wipe nil data")
	}

	zeros := make([]byte, len(data))
	subtle.ConstantTimeCopy(1, data, zeros)

	// Keep the store from being optimized away.
	runtime.KeepAlive(data)

	return nil
}

// ZeroBytes erases a byte slice, ignoring the nil error from SecureWipe.
func ZeroBytes(data []byte) {
	_ = SecureWipe(data)
}
