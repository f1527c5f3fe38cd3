// Package token verifies signed identity tokens and exposes their claims.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/openkcm/session-edge/internal/serviceerr"
	"github.com/openkcm/session-edge/pkg/referer"
)

const DefaultLeeway = 5 * time.Second

var DefaultAlgorithms = []jose.SignatureAlgorithm{jose.RS256, jose.ES256}

// Decoded is the verified content of an identity token.
type Decoded struct {
	Subject   string
	Issuer    string
	Audience  []string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Claims    Claims
}

type VerifyOptions struct {
	// Referer is the page the request originates from. It is required when
	// the verifier restricts tokens to authorized domains.
	Referer string
}

type Option func(*Verifier)

func WithIssuer(issuer string) Option {
	return func(v *Verifier) { v.issuer = issuer }
}

// WithAudience accepts a token when any of its audiences is in audience.
func WithAudience(audience ...string) Option {
	return func(v *Verifier) { v.audience = audience }
}

// WithLeeway sets the tolerated clock skew for tokens issued in the future.
func WithLeeway(d time.Duration) Option {
	return func(v *Verifier) { v.leeway = d }
}

func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// WithDomainRestriction rejects tokens presented from pages outside domains.
func WithDomainRestriction(domains ...string) Option {
	return func(v *Verifier) { v.domains = domains }
}

func WithAlgorithms(algs ...string) Option {
	return func(v *Verifier) {
		v.algs = make([]jose.SignatureAlgorithm, 0, len(algs))
		for _, alg := range algs {
			v.algs = append(v.algs, jose.SignatureAlgorithm(alg))
		}
	}
}

// Verifier is safe for concurrent use.
type Verifier struct {
	keys     oidc.KeySet
	issuer   string
	audience []string
	leeway   time.Duration
	now      func() time.Time
	domains  []string
	algs     []jose.SignatureAlgorithm
}

func NewVerifier(keys oidc.KeySet, opts ...Option) (*Verifier, error) {
	if keys == nil {
		return nil, errors.New("token verifier requires a key set")
	}

	v := &Verifier{
		keys:   keys,
		leeway: DefaultLeeway,
		now:    time.Now,
		algs:   DefaultAlgorithms,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}

	if v.issuer == "" {
		return nil, errors.New("token verifier requires an issuer")
	}
	if len(v.audience) == 0 {
		return nil, errors.New("token verifier requires an audience")
	}
	if len(v.algs) == 0 {
		return nil, errors.New("token verifier requires at least one algorithm")
	}

	return v, nil
}

// Restricted reports whether a referer is needed to verify tokens.
func (v *Verifier) Restricted() bool {
	return len(v.domains) > 0
}

// Now returns the verifier's notion of the current time.
func (v *Verifier) Now() time.Time {
	return v.now()
}

// Verify checks the token and returns its decoded content. Rules are applied
// in order: referer, signature, issuer, audience, issued-at, expiry. An
// expired but otherwise valid token is returned together with an error
// matching serviceerr.ErrTokenExpired.
func (v *Verifier) Verify(ctx context.Context, idToken string, opts VerifyOptions) (Decoded, error) {
	if err := v.checkReferer(opts.Referer); err != nil {
		return Decoded{}, err
	}

	if _, err := jwt.ParseSigned(idToken, v.algs); err != nil {
		return Decoded{}, errors.Join(serviceerr.ErrMalformedSession, fmt.Errorf("parsing id token: %w", err))
	}

	payload, err := v.keys.VerifySignature(ctx, idToken)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Decoded{}, ctxErr
		}
		return Decoded{}, errors.Join(serviceerr.ErrBadSignature, err)
	}

	decoded, std, err := decode(payload)
	if err != nil {
		return Decoded{}, err
	}

	if decoded.Issuer != v.issuer {
		return Decoded{}, errors.Join(serviceerr.ErrBadIssuer, jwt.ErrInvalidIssuer)
	}

	if !containsAny(std.Audience, v.audience) {
		return Decoded{}, errors.Join(serviceerr.ErrBadAudience, jwt.ErrInvalidAudience)
	}

	now := v.now()
	if !decoded.IssuedAt.IsZero() && decoded.IssuedAt.After(now.Add(v.leeway)) {
		return Decoded{}, errors.Join(serviceerr.ErrBadIssuedAt, jwt.ErrIssuedInTheFuture)
	}

	if !now.Before(decoded.ExpiresAt) {
		return decoded, errors.Join(serviceerr.ErrTokenExpired, jwt.ErrExpired)
	}

	return decoded, nil
}

func (v *Verifier) checkReferer(ref string) error {
	if !v.Restricted() {
		return nil
	}
	if ref == "" {
		return serviceerr.ErrRefererRequired
	}

	host, err := referer.Host(ref)
	if err != nil {
		return errors.Join(serviceerr.ErrRefererMismatch, fmt.Errorf("parsing referer: %w", err))
	}
	if !referer.Allowed(host, v.domains) {
		return errors.Join(serviceerr.ErrRefererMismatch, fmt.Errorf("host %q is not authorized", host))
	}

	return nil
}

// ParseUnverified decodes a token without checking anything but its shape.
// Use it for diagnostics only.
func ParseUnverified(idToken string) (Decoded, error) {
	tok, err := jwt.ParseSigned(idToken, allAlgorithms)
	if err != nil {
		return Decoded{}, errors.Join(serviceerr.ErrMalformedSession, fmt.Errorf("parsing id token: %w", err))
	}

	var raw json.RawMessage
	if err := tok.UnsafeClaimsWithoutVerification(&raw); err != nil {
		return Decoded{}, errors.Join(serviceerr.ErrMalformedSession, err)
	}

	decoded, _, err := decode(raw)

	return decoded, err
}

// NewRemoteKeySet returns a key set that fetches and caches the keys
// published at jwksURL, refreshing them when an unknown key id shows up.
func NewRemoteKeySet(ctx context.Context, jwksURL string, client *http.Client) *oidc.RemoteKeySet {
	if client != nil {
		ctx = oidc.ClientContext(ctx, client)
	}

	return oidc.NewRemoteKeySet(ctx, jwksURL)
}

func decode(payload []byte) (Decoded, jwt.Claims, error) {
	var std jwt.Claims
	if err := json.Unmarshal(payload, &std); err != nil {
		return Decoded{}, jwt.Claims{}, errors.Join(serviceerr.ErrMalformedSession, fmt.Errorf("decoding registered claims: %w", err))
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Decoded{}, jwt.Claims{}, errors.Join(serviceerr.ErrMalformedSession, fmt.Errorf("decoding claims: %w", err))
	}

	if std.Subject == "" {
		return Decoded{}, jwt.Claims{}, errors.Join(serviceerr.ErrMalformedSession, errors.New("id token has no subject"))
	}
	if std.Expiry == nil {
		return Decoded{}, jwt.Claims{}, errors.Join(serviceerr.ErrMalformedSession, errors.New("id token has no expiry"))
	}

	decoded := Decoded{
		Subject:   std.Subject,
		Issuer:    std.Issuer,
		Audience:  []string(std.Audience),
		ExpiresAt: std.Expiry.Time(),
		Claims:    claims,
	}
	if std.IssuedAt != nil {
		decoded.IssuedAt = std.IssuedAt.Time()
	}

	return decoded, std, nil
}

func containsAny(have jwt.Audience, want []string) bool {
	for _, aud := range want {
		if have.Contains(aud) {
			return true
		}
	}

	return false
}

var allAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.EdDSA,
}
