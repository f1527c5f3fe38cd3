// Package keyring holds the ordered set of secrets used to sign session
// cookies. The newest key signs, every key verifies.
package keyring

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
)

// MinKeyLength is the minimum accepted secret length in bytes.
const MinKeyLength = 32

var (
	ErrNoKeys      = errors.New("key ring must contain at least one key")
	ErrKeyTooShort = fmt.Errorf("key ring secrets must be at least %d bytes", MinKeyLength)
)

// KeyRing is immutable after construction and safe for concurrent use.
type KeyRing struct {
	keys [][]byte
}

// New builds a key ring from secrets ordered newest first.
func New(keys ...[]byte) (*KeyRing, error) {
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}

	ring := &KeyRing{keys: make([][]byte, 0, len(keys))}
	for i, key := range keys {
		if len(key) < MinKeyLength {
			return nil, fmt.Errorf("key %d: %w", i, ErrKeyTooShort)
		}
		ring.keys = append(ring.keys, append([]byte(nil), key...))
	}

	return ring, nil
}

// Sign returns the HMAC-SHA256 of the message parts using the newest key.
func (r *KeyRing) Sign(parts ...[]byte) []byte {
	return mac(r.keys[0], parts)
}

// Verify reports whether sig was produced by any key of the ring.
func (r *KeyRing) Verify(sig []byte, parts ...[]byte) bool {
	for _, key := range r.keys {
		if hmac.Equal(sig, mac(key, parts)) {
			return true
		}
	}

	return false
}

func (r *KeyRing) Len() int {
	return len(r.keys)
}

// mac length-prefixes every part so that moving bytes between parts
// changes the signature.
func mac(key []byte, parts [][]byte) []byte {
	h := hmac.New(sha256.New, key)
	for _, part := range parts {
		h.Write(fmt.Appendf(nil, "%d!", len(part)))
		h.Write(part)
	}

	return h.Sum(nil)
}
