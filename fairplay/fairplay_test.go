package fairplay

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/airplay/av"
	"github.com/opd-ai/airplay/session"
)

func setup1Body(version, mode byte) []byte {
	body := make([]byte, Setup1Len)
	copy(body, []byte{0x46, 0x50, 0x4c, 0x59})
	body[4] = version
	body[14] = mode
	return body
}

func TestSetup1ReturnsTableEntry(t *testing.T) {
	e := NewEmulator()
	for mode := 0; mode < 4; mode++ {
		reply, err := e.Setup(&session.Session{}, setup1Body(3, byte(mode)))
		require.NoError(t, err)
		require.Len(t, reply, 142)
		assert.Equal(t, setup1Replies[mode][:], reply)
	}

	reply, err := e.Setup1(setup1Body(3, 2))
	require.NoError(t, err)
	assert.Equal(t, setup1Replies[2][:], reply)
	assert.Equal(t, []byte{0x46, 0x50, 0x4c, 0x59}, reply[:4])
}

func TestSetup1Errors(t *testing.T) {
	e := NewEmulator()
	tests := []struct {
		name string
		body []byte
		want error
	}{
		{name: "version", body: setup1Body(2, 0), want: av.ErrUnsupportedVersion},
		{name: "mode out of range", body: setup1Body(3, 4), want: av.ErrProtocol},
		{name: "length", body: make([]byte, 15), want: av.ErrUnsupportedFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, err := e.Setup(&session.Session{}, tt.body)
			assert.ErrorIs(t, err, tt.want)
			assert.Nil(t, reply)
		})
	}
}

func TestSetup2StoresKeyMessage(t *testing.T) {
	e := NewEmulator()
	body := make([]byte, Setup2Len)
	body[4] = 3
	for i := 144; i < Setup2Len; i++ {
		body[i] = byte(i)
	}
	s := &session.Session{ID: "s"}

	reply, err := e.Setup(s, body)
	require.NoError(t, err)
	require.Len(t, reply, Setup2ReplyLen)
	assert.Equal(t, setup2Header[:], reply[:12])
	assert.Equal(t, body[144:], reply[12:])
	assert.Equal(t, body, s.KeyMsg)
	assert.True(t, s.FairPlayReady())

	body[4] = 1
	_, err = e.Setup(&session.Session{}, body)
	assert.ErrorIs(t, err, av.ErrUnsupportedVersion)
}

type countingDecrypter struct{ calls int }

func (c *countingDecrypter) DecryptKey(_, key []byte) ([]byte, error) {
	c.calls++
	if len(key) == 0 {
		return nil, errors.New("empty")
	}
	return append([]byte{0xff}, key[1:]...), nil
}

func TestDecryptedKeyIsCached(t *testing.T) {
	d := &countingDecrypter{}
	s := &session.Session{KeyMsg: []byte{1}, AesKey: make([]byte, 16)}

	first, err := DecryptedKey(s, d)
	require.NoError(t, err)
	second, err := DecryptedKey(s, d)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, d.calls)
	assert.Equal(t, byte(0xff), s.DecryptedAesKey[0])
}

func TestDecryptedKeyRequiresMaterial(t *testing.T) {
	_, err := DecryptedKey(&session.Session{}, PassthroughDecrypter{})
	assert.ErrorIs(t, err, av.ErrMissingKeys)
}

func TestPassthroughDecrypter(t *testing.T) {
	key := []byte("0123456789abcdef")
	out, err := PassthroughDecrypter{}.DecryptKey(nil, key)
	require.NoError(t, err)
	assert.Equal(t, key, out)

	_, err = PassthroughDecrypter{}.DecryptKey(nil, key[:8])
	assert.ErrorIs(t, err, ErrKeyLength)

	wrapped := make([]byte, 72)
	_, err = PassthroughDecrypter{}.DecryptKey(make([]byte, 164), wrapped)
	assert.ErrorIs(t, err, ErrKeyLength, "FairPlay-wrapped ekey needs a real decrypter")
}
