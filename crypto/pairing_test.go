package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"

	"github.com/opd-ai/airplay/av"
	"github.com/opd-ai/airplay/session"
)

// pairClient plays the sender side of pair-verify.
type pairClient struct {
	ecdhPrivate []byte
	ecdhPublic  []byte
	edPublic    ed25519.PublicKey
	edPrivate   ed25519.PrivateKey
}

func newPairClient(t *testing.T) *pairClient {
	t.Helper()
	public, private, err := GenerateEphemeral(rand.Reader)
	require.NoError(t, err)
	edPublic, edPrivate, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &pairClient{ecdhPrivate: private, ecdhPublic: public, edPublic: edPublic, edPrivate: edPrivate}
}

func (c *pairClient) step1Body() []byte {
	body := []byte{1, 0, 0, 0}
	body = append(body, c.ecdhPublic...)
	return append(body, c.edPublic...)
}

func (c *pairClient) step2Body(t *testing.T, serverECDH []byte, signer ed25519.PrivateKey) []byte {
	t.Helper()
	shared, err := curve25519.X25519(c.ecdhPrivate, serverECDH)
	require.NoError(t, err)

	signature := ed25519.Sign(signer, append(bytes.Clone(c.ecdhPublic), serverECDH...))
	stream, err := NewPairVerifyStream(shared)
	require.NoError(t, err)
	skip := make([]byte, SignatureSize)
	stream.XORKeyStream(skip, skip)
	encrypted := make([]byte, SignatureSize)
	stream.XORKeyStream(encrypted, signature)

	return append([]byte{0, 0, 0, 0}, encrypted...)
}

func newTestEngine(t *testing.T) *PairingEngine {
	t.Helper()
	engine, err := NewPairingEngine(DefaultIdentitySeed())
	require.NoError(t, err)
	return engine
}

func TestDefaultIdentityIsDeterministic(t *testing.T) {
	a := newTestEngine(t)
	b := newTestEngine(t)
	assert.Equal(t, a.PublicKey(), b.PublicKey())
	assert.Len(t, a.PairSetup(), 32)

	seed := DefaultIdentitySeed()
	expected := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
	assert.Equal(t, []byte(expected), a.PublicKey())
}

func TestPairVerifyStep1SignatureVerifies(t *testing.T) {
	engine := newTestEngine(t)
	client := newPairClient(t)
	sess := &session.Session{ID: "s"}

	resp, err := engine.PairVerify(sess, client.step1Body())
	require.NoError(t, err)
	require.Len(t, resp, 96)

	ours := resp[:32]
	assert.Equal(t, ours, sess.EcdhOurs)
	assert.Equal(t, client.ecdhPublic, sess.EcdhTheirs)
	assert.Equal(t, []byte(client.edPublic), sess.EdTheirs)

	shared, err := curve25519.X25519(client.ecdhPrivate, ours)
	require.NoError(t, err)
	assert.Equal(t, shared, sess.EcdhShared)

	stream, err := NewPairVerifyStream(shared)
	require.NoError(t, err)
	signature := make([]byte, SignatureSize)
	stream.XORKeyStream(signature, resp[32:])

	message := append(bytes.Clone(ours), client.ecdhPublic...)
	assert.True(t, ed25519.Verify(engine.PublicKey(), message, signature))
}

func TestPairVerifyStep2(t *testing.T) {
	tests := []struct {
		name     string
		wrongKey bool
		want     bool
	}{
		{name: "matching key", want: true},
		{name: "mismatched key", wrongKey: true, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newTestEngine(t)
			client := newPairClient(t)
			sess := &session.Session{ID: "s"}

			resp, err := engine.PairVerify(sess, client.step1Body())
			require.NoError(t, err)

			signer := client.edPrivate
			if tt.wrongKey {
				_, signer, err = ed25519.GenerateKey(rand.Reader)
				require.NoError(t, err)
			}

			out, err := engine.PairVerify(sess, client.step2Body(t, resp[:32], signer))
			require.NoError(t, err)
			assert.Nil(t, out)
			require.NotNil(t, sess.PairVerified)
			assert.Equal(t, tt.want, sess.PairingVerified())
		})
	}
}

func TestPairVerifyRejectsShortBodies(t *testing.T) {
	engine := newTestEngine(t)
	sess := &session.Session{ID: "s"}

	tests := []struct {
		name string
		body []byte
	}{
		{name: "empty", body: nil},
		{name: "short step 1", body: append([]byte{1}, make([]byte, 34)...)},
		{name: "short step 2", body: make([]byte, 67)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.PairVerify(sess, tt.body)
			assert.ErrorIs(t, err, av.ErrProtocol)
		})
	}
}

func TestPairVerifyStep2WithoutStep1(t *testing.T) {
	engine := newTestEngine(t)
	err := engine.PairVerifyStep2(&session.Session{ID: "s"}, make([]byte, 68))
	assert.ErrorIs(t, err, av.ErrProtocol)
}
