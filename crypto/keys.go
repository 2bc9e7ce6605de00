package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha512"
	"fmt"
	"strconv"
)

// Key derivation labels.
const (
	pairVerifyKeyLabel = "Pair-Verify-AES-Key"
	pairVerifyIVLabel  = "Pair-Verify-AES-IV"
	streamKeyLabel     = "AirPlayStreamKey"
	streamIVLabel      = "AirPlayStreamIV"
)

// AESKeySize is the AES-128 key and IV length used by every AirPlay cipher.
const AESKeySize = 16

// Hash returns SHA-512 over the concatenation of parts.
func Hash(parts ...[]byte) []byte {
	h := sha512.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// AudioKey derives the AES-128-CBC key for RAOP audio packets from the
// unwrapped FairPlay key and the pair-verify shared secret.
func AudioKey(decryptedAesKey, shared []byte) []byte {
	return Hash(decryptedAesKey, shared)[:AESKeySize]
}

// MirroringKeys derives the AES-128-CTR key and IV of a mirroring stream.
// The stream connection id is mixed in as its decimal string.
func MirroringKeys(decryptedAesKey, shared []byte, streamConnectionID uint64) (key, iv []byte) {
	eaes := Hash(decryptedAesKey, shared)
	defer ZeroBytes(eaes)

	id := strconv.FormatUint(streamConnectionID, 10)
	key = Hash([]byte(streamKeyLabel+id), eaes[:AESKeySize])[:AESKeySize]
	iv = Hash([]byte(streamIVLabel+id), eaes[:AESKeySize])[:AESKeySize]
	return key, iv
}

// NewPairVerifyStream returns a fresh AES-128-CTR keystream for the
// pair-verify signatures, positioned at offset zero.
func NewPairVerifyStream(shared []byte) (cipher.Stream, error) {
	key := Hash([]byte(pairVerifyKeyLabel), shared)[:AESKeySize]
	iv := Hash([]byte(pairVerifyIVLabel), shared)[:AESKeySize]

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create pair-verify cipher: %w", err)
	}
	return cipher.NewCTR(block, iv), nil
}
