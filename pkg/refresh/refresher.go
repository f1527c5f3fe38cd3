// Package refresh exchanges refresh tokens for new identity tokens.
package refresh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-edge/internal/serviceerr"
	"github.com/openkcm/session-edge/pkg/referer"
	"github.com/openkcm/session-edge/pkg/token"
)

const (
	DefaultTimeout  = 5 * time.Second
	DefaultCacheTTL = 30 * time.Second
)

// Result is a refreshed and verified identity.
type Result struct {
	IDToken      string
	RefreshToken string
	ExpiresAt    time.Time
	Decoded      token.Decoded
}

// Entry is what caches keep for a refresh token. Cached tokens are verified
// again on every hit.
type Entry struct {
	IDToken      string    `json:"idToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Cache remembers recent exchanges so that concurrent requests carrying the
// same refresh token do not each hit the token endpoint. Keys are digests of
// the refresh token, never the token itself.
type Cache interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type Option func(*Refresher)

func WithHTTPClient(c *http.Client) Option {
	return func(r *Refresher) { r.client = c }
}

// WithTimeout bounds a single exchange. Non-positive values keep
// DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Refresher) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithCache enables the fast-check cache. A zero ttl selects DefaultCacheTTL.
func WithCache(c Cache, ttl time.Duration) Option {
	return func(r *Refresher) {
		r.cache = c
		r.cacheTTL = ttl
	}
}

// WithSingleFlight collapses concurrent exchanges of the same refresh token
// inside this process into one call.
func WithSingleFlight() Option {
	return func(r *Refresher) { r.group = &singleflight.Group{} }
}

// Refresher is safe for concurrent use. Without WithCache and
// WithSingleFlight it keeps no state between calls.
type Refresher struct {
	cfg      oauth2.Config
	verifier *token.Verifier
	client   *http.Client
	timeout  time.Duration
	cache    Cache
	cacheTTL time.Duration
	group    *singleflight.Group
}

func New(tokenURL, apiKey string, verifier *token.Verifier, opts ...Option) (*Refresher, error) {
	if verifier == nil {
		return nil, errors.New("refresher requires a token verifier")
	}

	u, err := url.Parse(tokenURL)
	if err != nil {
		return nil, fmt.Errorf("parsing token url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("token url %q is not absolute", tokenURL)
	}
	if apiKey != "" {
		q := u.Query()
		q.Set("key", apiKey)
		u.RawQuery = q.Encode()
	}

	r := &Refresher{
		cfg: oauth2.Config{
			Endpoint: oauth2.Endpoint{
				TokenURL:  u.String(),
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		verifier: verifier,
		client:   http.DefaultClient,
		timeout:  DefaultTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	if r.cache != nil && r.cacheTTL <= 0 {
		r.cacheTTL = DefaultCacheTTL
	}

	return r, nil
}

// Refresh performs at most one exchange of refreshToken and verifies the
// returned identity token. Failures match one of serviceerr.ErrRefreshNetwork,
// serviceerr.ErrRateLimited or serviceerr.ErrInvalidRefreshToken. A canceled
// ctx is returned as is.
func (r *Refresher) Refresh(ctx context.Context, refreshToken, ref string) (Result, error) {
	if refreshToken == "" {
		return Result{}, errors.Join(serviceerr.ErrInvalidRefreshToken, errors.New("empty refresh token"))
	}

	key := CacheKey(refreshToken)

	if r.cache != nil {
		entry, ok, err := r.cache.Get(ctx, key)
		switch {
		case err != nil:
			slogctx.Warn(ctx, "Failed to read refresh cache", "error", err)
		case ok:
			result, err := r.verify(ctx, entry, ref)
			if err == nil {
				slogctx.Debug(ctx, "Served refresh from cache", "subject", result.Decoded.Subject)
				return result, nil
			}
			slogctx.Debug(ctx, "Dropping cached refresh", "error", err)
			if err := r.cache.Delete(ctx, key); err != nil {
				slogctx.Warn(ctx, "Failed to delete refresh cache entry", "error", err)
			}
		}
	}

	entry, err := r.exchangeOnce(ctx, key, refreshToken, ref)
	if err != nil {
		return Result{}, err
	}

	result, err := r.verify(ctx, entry, ref)
	if err != nil {
		return Result{}, err
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, key, entry, r.cacheTTL); err != nil {
			slogctx.Warn(ctx, "Failed to write refresh cache", "error", err)
		}
	}

	slogctx.Debug(ctx, "Refreshed identity token", "subject", result.Decoded.Subject, "expiresAt", result.ExpiresAt)

	return result, nil
}

func (r *Refresher) exchangeOnce(ctx context.Context, key, refreshToken, ref string) (Entry, error) {
	if r.group == nil {
		return r.exchange(ctx, refreshToken, ref)
	}

	ch := r.group.DoChan(key, func() (any, error) {
		// detached so that one caller giving up does not fail the others
		return r.exchange(context.WithoutCancel(ctx), refreshToken, ref)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Entry{}, res.Err
		}
		return res.Val.(Entry), nil
	case <-ctx.Done():
		return Entry{}, fmt.Errorf("refreshing token: %w", ctx.Err())
	}
}

func (r *Refresher) exchange(ctx context.Context, refreshToken, ref string) (Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	base := r.client.Transport
	if ref != "" {
		base = &referer.Transport{Referer: ref, Base: base}
	}
	client := &http.Client{
		Transport:     &idTokenTransport{Base: base},
		CheckRedirect: r.client.CheckRedirect,
		Jar:           r.client.Jar,
		Timeout:       r.client.Timeout,
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, client)

	tok, err := r.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return Entry{}, classify(ctx, err)
	}

	idToken, _ := tok.Extra("id_token").(string)
	if idToken == "" {
		idToken = tok.AccessToken
	}

	entry := Entry{
		IDToken:      idToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if entry.RefreshToken == "" {
		entry.RefreshToken = refreshToken
	}

	return entry, nil
}

func (r *Refresher) verify(ctx context.Context, entry Entry, ref string) (Result, error) {
	decoded, err := r.verifier.Verify(ctx, entry.IDToken, token.VerifyOptions{Referer: ref})
	if err != nil {
		if errors.Is(err, serviceerr.ErrRefererRequired) || ctx.Err() != nil {
			return Result{}, err
		}
		return Result{}, errors.Join(serviceerr.ErrInvalidRefreshToken, fmt.Errorf("verifying refreshed token: %w", err))
	}

	return Result{
		IDToken:      entry.IDToken,
		RefreshToken: entry.RefreshToken,
		ExpiresAt:    decoded.ExpiresAt,
		Decoded:      decoded,
	}, nil
}

// classify maps an exchange failure onto the refresh error kinds. ctx is the
// exchange context, so its deadline is the exchange timeout.
func classify(ctx context.Context, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		status := re.Response.StatusCode
		switch {
		case status == http.StatusTooManyRequests:
			return errors.Join(serviceerr.ErrRateLimited, err)
		case status >= http.StatusInternalServerError:
			return errors.Join(serviceerr.ErrRefreshNetwork, err)
		case status >= http.StatusBadRequest:
			return errors.Join(serviceerr.ErrInvalidRefreshToken, err)
		}
	}

	if errors.Is(err, context.Canceled) && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("refreshing token: %w", err)
	}

	return errors.Join(serviceerr.ErrRefreshNetwork, err)
}

// CacheKey is the cache key for a refresh token.
func CacheKey(refreshToken string) string {
	sum := sha256.Sum256([]byte(refreshToken))
	return hex.EncodeToString(sum[:])
}
