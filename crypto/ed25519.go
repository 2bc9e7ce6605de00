package crypto

import (
	"crypto/ed25519"
	"errors"
)

// SignatureSize is the size of an Ed25519 signature in bytes.
const SignatureSize = ed25519.SignatureSize

// IdentitySeedSize is the size of the seed an Identity is derived from.
const IdentitySeedSize = ed25519.SeedSize

// Identity is the receiver's long-term Ed25519 keypair.
type Identity struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// DefaultIdentitySeed returns the fixed seed 0x00..0x1f. Every receiver
// built from it shares one public key, which senders accept without PIN
// pairing.
func DefaultIdentitySeed() []byte {
	seed := make([]byte, IdentitySeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	return seed
}

// NewIdentity derives an identity from a 32-byte seed.
func NewIdentity(seed []byte) (*Identity, error) {
	if len(seed) != IdentitySeedSize {
		return nil, errors.New("identity seed must be 32 bytes")
	}
	private := ed25519.NewKeyFromSeed(seed)
	return &Identity{
		private: private,
		public:  private.Public().(ed25519.PublicKey),
	}, nil
}

// PublicKey returns a copy of the 32-byte public key.
func (id *Identity) PublicKey() []byte {
	out := make([]byte, ed25519.PublicKeySize)
	copy(out, id.public)
	return out
}

// Sign signs message with the long-term private key.
func (id *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(id.private, message)
}

// Verify checks an Ed25519 signature made by publicKey. Malformed keys or
// signatures verify as false.
func Verify(publicKey, message, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, message, signature)
}
