// Package fairplay emulates the receiver side of the FairPlay SAP key
// exchange used by AirPlay senders.
//
// The exchange is answered from static tables: setup 1 returns one of four
// canned replies, setup 2 stores the sender's 164-byte key message and
// echoes its tail. Unwrapping the AES key carried in that message is left
// to a KeyDecrypter.
package fairplay

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/airplay/av"
	"github.com/opd-ai/airplay/session"
)

// Message sizes.
const (
	Setup1Len      = 16
	Setup2Len      = 164
	Setup2ReplyLen = 32

	versionOffset   = 4
	modeOffset      = 14
	supportedVer    = 0x03
	keyMsgTailStart = 144
)

// Emulator answers /fp-setup requests.
type Emulator struct{}

// NewEmulator creates a FairPlay emulator.
func NewEmulator() *Emulator {
	return &Emulator{}
}

// Setup dispatches an /fp-setup body by its length. Any length other than
// 16 or 164 is av.ErrUnsupportedFormat.
func (e *Emulator) Setup(s *session.Session, body []byte) ([]byte, error) {
	switch len(body) {
	case Setup1Len:
		return e.Setup1(body)
	case Setup2Len:
		return e.Setup2(s, body)
	default:
		logrus.WithFields(logrus.Fields{
			"function":   "Emulator.Setup",
			"session_id": s.ID,
			"body_len":   len(body),
		}).Warn("Unsupported fairplay message length")
		return nil, fmt.Errorf("fp-setup body of %d bytes: %w", len(body), av.ErrUnsupportedFormat)
	}
}

// Setup1 returns the canned 142-byte reply selected by body[14].
func (e *Emulator) Setup1(body []byte) ([]byte, error) {
	if len(body) != Setup1Len {
		return nil, fmt.Errorf("fp-setup 1 body of %d bytes: %w", len(body), av.ErrUnsupportedFormat)
	}
	if body[versionOffset] != supportedVer {
		return nil, fmt.Errorf("fp-setup 1 version %d: %w", body[versionOffset], av.ErrUnsupportedVersion)
	}

	mode := int(body[modeOffset])
	if mode >= len(setup1Replies) {
		return nil, fmt.Errorf("fp-setup 1 mode %d: %w", mode, av.ErrProtocol)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Emulator.Setup1",
		"mode":     mode,
	}).Debug("Answering fairplay setup 1")

	reply := setup1Replies[mode]
	return reply[:], nil
}

// Setup2 stores the key message on the session and returns the fixed
// header followed by body[144:164].
func (e *Emulator) Setup2(s *session.Session, body []byte) ([]byte, error) {
	if len(body) != Setup2Len {
		return nil, fmt.Errorf("fp-setup 2 body of %d bytes: %w", len(body), av.ErrUnsupportedFormat)
	}
	if body[versionOffset] != supportedVer {
		return nil, fmt.Errorf("fp-setup 2 version %d: %w", body[versionOffset], av.ErrUnsupportedVersion)
	}

	s.KeyMsg = bytes.Clone(body)

	reply := make([]byte, 0, Setup2ReplyLen)
	reply = append(reply, setup2Header[:]...)
	reply = append(reply, body[keyMsgTailStart:]...)

	logrus.WithFields(logrus.Fields{
		"function":   "Emulator.Setup2",
		"session_id": s.ID,
	}).Info("Stored fairplay key message")

	return reply, nil
}

// KeyDecrypter unwraps the AES key a sender encrypted against the FairPlay
// key message.
type KeyDecrypter interface {
	DecryptKey(keyMsg, encryptedKey []byte) ([]byte, error)
}

// ErrKeyLength is returned by PassthroughDecrypter for keys that are not
// 16 bytes long.
var ErrKeyLength = errors.New("fairplay key must be 16 bytes")

// PassthroughDecrypter treats the SETUP key as already unwrapped. It suits
// senders that negotiate an unencrypted key and tests; real FairPlay
// senders need a decrypter implementing the SAP key schedule.
type PassthroughDecrypter struct{}

// DecryptKey returns a copy of encryptedKey when it is 16 bytes long.
func (PassthroughDecrypter) DecryptKey(_ []byte, encryptedKey []byte) ([]byte, error) {
	if len(encryptedKey) != 16 {
		return nil, fmt.Errorf("got %d bytes: %w", len(encryptedKey), ErrKeyLength)
	}
	return bytes.Clone(encryptedKey), nil
}

// DecryptedKey returns the session's unwrapped AES key, deriving it with d
// the first time and caching it on s.
func DecryptedKey(s *session.Session, d KeyDecrypter) ([]byte, error) {
	if len(s.DecryptedAesKey) > 0 {
		return s.DecryptedAesKey, nil
	}
	if len(s.KeyMsg) == 0 || len(s.AesKey) == 0 {
		return nil, fmt.Errorf("session %s: %w", s.ID, av.ErrMissingKeys)
	}
	key, err := d.DecryptKey(s.KeyMsg, s.AesKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt fairplay key: %w", err)
	}
	s.DecryptedAesKey = key
	return key, nil
}
