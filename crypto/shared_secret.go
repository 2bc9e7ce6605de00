package crypto

import (
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

// GenerateEphemeral creates a Curve25519 keypair from rand.
func GenerateEphemeral(rand io.Reader) (public, private []byte, err error) {
	private = make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand, private); err != nil {
		return nil, nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	public, err = curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		ZeroBytes(private)
		return nil, nil, fmt.Errorf("failed to derive ephemeral public key: %w", err)
	}
	return public, private, nil
}

// DeriveSharedSecret computes the X25519 shared secret between our private
// scalar and the peer's public point. Low-order peer points are rejected.
func DeriveSharedSecret(peerPublicKey, privateKey []byte) ([]byte, error) {
	log := NewLogger("DeriveSharedSecret").WithKey("peer_key", peerPublicKey)

	if len(peerPublicKey) != curve25519.PointSize || len(privateKey) != curve25519.ScalarSize {
		err := fmt.Errorf("invalid key sizes: peer %d, private %d", len(peerPublicKey), len(privateKey))
		log.WithError(err, "validate").Error("Rejected ECDH input")
		return nil, err
	}

	shared, err := curve25519.X25519(privateKey, peerPublicKey)
	if err != nil {
		log.WithError(err, "x25519").Error("X25519 computation failed")
		return nil, fmt.Errorf("failed to compute shared secret: %w", err)
	}

	log.Debug("Shared secret computed")
	return shared, nil
}
