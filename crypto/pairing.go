package crypto

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/opd-ai/airplay/av"
	"github.com/opd-ai/airplay/session"
)

// Pair-verify body layout. Byte 0 selects the step, bytes 1..3 are
// ignored, fields start at offset 4.
const (
	pairVerifyHeaderLen = 4
	pairVerifyKeyLen    = 32
	// PairVerifyMinLen is the shortest accepted body for either step.
	PairVerifyMinLen = pairVerifyHeaderLen + 2*pairVerifyKeyLen
)

// PairingEngine answers pair-setup and pair-verify for every session using
// one long-term identity. It holds no per-session state; everything a
// later step needs is written to the Session.
type PairingEngine struct {
	identity *Identity
	rand     io.Reader
}

// NewPairingEngine creates an engine whose identity is derived from seed.
func NewPairingEngine(seed []byte) (*PairingEngine, error) {
	identity, err := NewIdentity(seed)
	if err != nil {
		return nil, err
	}

	NewLogger("NewPairingEngine").WithKey("public_key", identity.PublicKey()).Info("Pairing identity ready")

	return &PairingEngine{identity: identity, rand: rand.Reader}, nil
}

// PublicKey returns the long-term Ed25519 public key.
func (e *PairingEngine) PublicKey() []byte {
	return e.identity.PublicKey()
}

// PairSetup returns the 32-byte long-term public key.
func (e *PairingEngine) PairSetup() []byte {
	return e.identity.PublicKey()
}

// PairVerify routes a pair-verify body to step 1 (byte 0 non-zero) or
// step 2 (byte 0 zero).
func (e *PairingEngine) PairVerify(s *session.Session, body []byte) ([]byte, error) {
	if len(body) < 1 {
		return nil, fmt.Errorf("empty pair-verify body: %w", av.ErrProtocol)
	}
	if body[0] > 0 {
		return e.PairVerifyStep1(s, body)
	}
	return nil, e.PairVerifyStep2(s, body)
}

// PairVerifyStep1 runs the ECDH exchange and returns
// ours(32) || AES-CTR(signature(ours||theirs))(64).
//
// On success the session holds both ECDH public keys, the peer's Ed25519
// key and the shared secret.
func (e *PairingEngine) PairVerifyStep1(s *session.Session, body []byte) ([]byte, error) {
	log := NewLogger("PairVerifyStep1").WithSessionID(s.ID).WithField("body_len", len(body))

	if len(body) < PairVerifyMinLen {
		log.Warn("Pair-verify step 1 body too short")
		return nil, fmt.Errorf("pair-verify step 1 needs %d bytes, got %d: %w", PairVerifyMinLen, len(body), av.ErrProtocol)
	}

	theirs := bytes.Clone(body[pairVerifyHeaderLen : pairVerifyHeaderLen+pairVerifyKeyLen])
	edTheirs := bytes.Clone(body[pairVerifyHeaderLen+pairVerifyKeyLen : PairVerifyMinLen])

	ours, private, err := GenerateEphemeral(e.rand)
	if err != nil {
		log.WithError(err, "generate").Error("Ephemeral key generation failed")
		return nil, err
	}
	defer ZeroBytes(private)

	shared, err := DeriveSharedSecret(theirs, private)
	if err != nil {
		return nil, fmt.Errorf("pair-verify step 1: %v: %w", err, av.ErrProtocol)
	}

	signature := e.identity.Sign(append(bytes.Clone(ours), theirs...))

	stream, err := NewPairVerifyStream(shared)
	if err != nil {
		return nil, err
	}
	encrypted := make([]byte, SignatureSize)
	stream.XORKeyStream(encrypted, signature)

	s.EcdhOurs = ours
	s.EcdhTheirs = theirs
	s.EdTheirs = edTheirs
	s.EcdhShared = shared

	log.WithKey("ecdh_ours", ours).WithKey("ecdh_theirs", theirs).Info("Pair-verify step 1 complete")

	return append(bytes.Clone(ours), encrypted...), nil
}

// PairVerifyStep2 decrypts the peer's signature over theirs||ours and
// records the verification result in s.PairVerified. A bad signature is
// not an error.
func (e *PairingEngine) PairVerifyStep2(s *session.Session, body []byte) error {
	log := NewLogger("PairVerifyStep2").WithSessionID(s.ID).WithField("body_len", len(body))

	if len(body) < PairVerifyMinLen {
		log.Warn("Pair-verify step 2 body too short")
		return fmt.Errorf("pair-verify step 2 needs %d bytes, got %d: %w", PairVerifyMinLen, len(body), av.ErrProtocol)
	}
	if len(s.EcdhShared) == 0 || len(s.EcdhOurs) == 0 || len(s.EcdhTheirs) == 0 {
		log.Warn("Pair-verify step 2 without step 1")
		return fmt.Errorf("pair-verify step 2 before step 1: %w", av.ErrProtocol)
	}

	stream, err := NewPairVerifyStream(s.EcdhShared)
	if err != nil {
		return err
	}
	// Step 1 consumed the first 64 keystream bytes for our signature.
	skip := make([]byte, SignatureSize)
	stream.XORKeyStream(skip, skip)

	signature := make([]byte, SignatureSize)
	stream.XORKeyStream(signature, body[pairVerifyHeaderLen:pairVerifyHeaderLen+SignatureSize])

	message := append(bytes.Clone(s.EcdhTheirs), s.EcdhOurs...)
	verified := Verify(s.EdTheirs, message, signature)
	s.PairVerified = session.Bool(verified)

	if verified {
		log.Info("Pair-verify succeeded")
	} else {
		log.Warn("Pair-verify signature mismatch")
	}
	return nil
}
