// Package customtoken mints tokens that a client SDK exchanges for an
// identity token of the same user.
package customtoken

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// Audience is the identity toolkit endpoint that accepts custom tokens.
	Audience = "https://identitytoolkit.googleapis.com/google.identity.identitytoolkit.v1.IdentityToolkit"

	DefaultLifetime = time.Hour
	MaxUIDLength    = 128
)

var reservedClaims = []string{
	"acr", "amr", "at_hash", "aud", "auth_time", "azp", "cnf", "c_hash",
	"exp", "firebase", "iat", "iss", "jti", "nbf", "nonce", "sub",
}

var (
	ErrInvalidUID    = fmt.Errorf("uid must be 1 to %d characters", MaxUIDLength)
	ErrReservedClaim = errors.New("developer claims must not use reserved names")
)

type Option func(*Minter)

// WithKeyID sets the kid header of minted tokens.
func WithKeyID(kid string) Option {
	return func(m *Minter) { m.keyID = kid }
}

func WithClock(now func() time.Time) Option {
	return func(m *Minter) { m.now = now }
}

func WithLifetime(d time.Duration) Option {
	return func(m *Minter) {
		if d > 0 {
			m.lifetime = d
		}
	}
}

// Minter signs custom tokens as a service account.
type Minter struct {
	email    string
	key      *rsa.PrivateKey
	keyID    string
	lifetime time.Duration
	now      func() time.Time
}

// NewMinter parses privateKeyPEM, a PKCS#1 or PKCS#8 RSA key.
func NewMinter(serviceAccountEmail string, privateKeyPEM []byte, opts ...Option) (*Minter, error) {
	if serviceAccountEmail == "" {
		return nil, errors.New("custom token minter requires a service account email")
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing service account key: %w", err)
	}

	m := &Minter{
		email:    serviceAccountEmail,
		key:      key,
		lifetime: DefaultLifetime,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	return m, nil
}

// Mint returns a signed custom token for uid carrying the developer claims.
func (m *Minter) Mint(uid string, claims map[string]any) (string, error) {
	if uid == "" || len(uid) > MaxUIDLength {
		return "", ErrInvalidUID
	}

	for name := range claims {
		if slices.Contains(reservedClaims, name) {
			return "", fmt.Errorf("%w: %s", ErrReservedClaim, name)
		}
	}

	now := m.now()
	payload := jwt.MapClaims{
		"iss": m.email,
		"sub": m.email,
		"aud": Audience,
		"iat": jwt.NewNumericDate(now),
		"exp": jwt.NewNumericDate(now.Add(m.lifetime)),
		"uid": uid,
	}
	if len(claims) > 0 {
		payload["claims"] = claims
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, payload)
	if m.keyID != "" {
		tok.Header["kid"] = m.keyID
	}

	signed, err := tok.SignedString(m.key)
	if err != nil {
		return "", fmt.Errorf("signing custom token: %w", err)
	}

	return signed, nil
}
