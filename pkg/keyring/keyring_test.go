package keyring_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/session-edge/pkg/keyring"
)

var (
	keyA = []byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	keyB = []byte("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	keyC = []byte("cccccccccccccccccccccccccccccccc")
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		keys    [][]byte
		wantErr error
	}{
		{name: "single key", keys: [][]byte{keyA}},
		{name: "multiple keys", keys: [][]byte{keyA, keyB, keyC}},
		{name: "no keys", keys: nil, wantErr: keyring.ErrNoKeys},
		{name: "short key", keys: [][]byte{keyA, []byte("short")}, wantErr: keyring.ErrKeyTooShort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ring, err := keyring.New(tt.keys...)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, len(tt.keys), ring.Len())
		})
	}
}

func TestNew_CopiesKeys(t *testing.T) {
	key := bytes.Clone(keyA)
	ring, err := keyring.New(key)
	require.NoError(t, err)

	sig := ring.Sign([]byte("payload"))
	key[0] = 'z'

	assert.True(t, ring.Verify(sig, []byte("payload")), "mutating the input must not affect the ring")
}

func TestSignVerify(t *testing.T) {
	ring, err := keyring.New(keyA)
	require.NoError(t, err)

	sig := ring.Sign([]byte("name"), []byte("payload"))

	assert.True(t, ring.Verify(sig, []byte("name"), []byte("payload")))
	assert.False(t, ring.Verify(sig, []byte("name"), []byte("payloae")), "payload change")
	assert.False(t, ring.Verify(sig, []byte("namep"), []byte("ayload")), "moving bytes between parts")
	assert.Equal(t, sig, ring.Sign([]byte("name"), []byte("payload")), "signing is deterministic")
}

func TestRotation(t *testing.T) {
	old, err := keyring.New(keyA)
	require.NoError(t, err)
	sig := old.Sign([]byte("payload"))

	tests := []struct {
		name  string
		keys  [][]byte
		valid bool
	}{
		{name: "new key prepended", keys: [][]byte{keyB, keyA}, valid: true},
		{name: "key in the middle", keys: [][]byte{keyC, keyA, keyB}, valid: true},
		{name: "key removed", keys: [][]byte{keyB, keyC}, valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ring, err := keyring.New(tt.keys...)
			require.NoError(t, err)
			assert.Equal(t, tt.valid, ring.Verify(sig, []byte("payload")))
		})
	}
}

func TestSign_UsesNewestKey(t *testing.T) {
	rotated, err := keyring.New(keyB, keyA)
	require.NoError(t, err)
	onlyB, err := keyring.New(keyB)
	require.NoError(t, err)

	assert.Equal(t, onlyB.Sign([]byte("payload")), rotated.Sign([]byte("payload")))
}
