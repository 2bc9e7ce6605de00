package video

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/opd-ai/airplay/av"
)

// CTRStream decrypts consecutive mirroring payloads with one AES-CTR
// keystream. A payload that ends inside a block leaves the rest of that
// keystream block for the start of the next payload.
//
// CTRStream is not safe for concurrent use.
type CTRStream struct {
	block   cipher.Block
	counter [aes.BlockSize]byte
	// keystream holds the last generated block; its final pending bytes
	// are still unused.
	keystream [aes.BlockSize]byte
	pending   int
}

// NewCTRStream creates a stream from a 16-byte key and initial counter.
func NewCTRStream(key, iv []byte) (*CTRStream, error) {
	if len(key) != aes.BlockSize || len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("mirroring key %d bytes, iv %d bytes: %w", len(key), len(iv), av.ErrMissingKeys)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	s := &CTRStream{block: block}
	copy(s.counter[:], iv)
	return s, nil
}

// Pending returns how many keystream bytes are carried to the next payload.
func (s *CTRStream) Pending() int {
	return s.pending
}

// Decrypt decrypts payload in place.
func (s *CTRStream) Decrypt(payload []byte) {
	n := min(s.pending, len(payload))
	offset := aes.BlockSize - s.pending
	for i := 0; i < n; i++ {
		payload[i] ^= s.keystream[offset+i]
	}
	s.pending -= n
	rest := payload[n:]

	for len(rest) >= aes.BlockSize {
		s.nextBlock()
		for i := 0; i < aes.BlockSize; i++ {
			rest[i] ^= s.keystream[i]
		}
		rest = rest[aes.BlockSize:]
	}

	if len(rest) > 0 {
		s.nextBlock()
		for i := range rest {
			rest[i] ^= s.keystream[i]
		}
		s.pending = aes.BlockSize - len(rest)
	}
}

// nextBlock encrypts the counter into keystream and increments the counter
// as a 128-bit big-endian integer.
func (s *CTRStream) nextBlock() {
	s.block.Encrypt(s.keystream[:], s.counter[:])
	for i := aes.BlockSize - 1; i >= 0; i-- {
		s.counter[i]++
		if s.counter[i] != 0 {
			break
		}
	}
}
