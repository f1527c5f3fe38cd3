// Package session keeps a request's identity session alive across token
// expiry and carries it in signed, chunked cookies.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-edge/internal/serviceerr"
	"github.com/openkcm/session-edge/pkg/cookie"
	"github.com/openkcm/session-edge/pkg/refresh"
	"github.com/openkcm/session-edge/pkg/token"
)

// Refresher exchanges a refresh token for a new verified identity token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken, referer string) (refresh.Result, error)
}

// Minter produces custom tokens for client SDKs.
type Minter interface {
	Mint(uid string, claims map[string]any) (string, error)
}

type Options struct {
	Referer string
}

// Result is the outcome of handling one request. Header is a copy of the
// request header whose Cookie line reflects Cookies, so that code running
// later in the same request sees the same session the client will send next.
type Result struct {
	Session    *VerifiedSession
	State      State
	Cookies    []*http.Cookie
	Header     http.Header
	Refreshed  bool
	Diagnostic error
}

type Option func(*Manager)

func WithRefreshMargin(d time.Duration) Option {
	return func(m *Manager) { m.margin = d }
}

// WithMinter attaches a fresh custom token to every session written out.
func WithMinter(minter Minter) Option {
	return func(m *Manager) { m.minter = minter }
}

// Manager holds no per-request state and is safe for concurrent use.
type Manager struct {
	codec      *cookie.Codec
	verifier   *token.Verifier
	refresher  Refresher
	minter     Minter
	margin     time.Duration
	classifier *Classifier
}

func NewManager(codec *cookie.Codec, verifier *token.Verifier, refresher Refresher, opts ...Option) (*Manager, error) {
	if codec == nil || verifier == nil || refresher == nil {
		return nil, errors.New("session manager requires a codec, a verifier and a refresher")
	}

	m := &Manager{
		codec:     codec,
		verifier:  verifier,
		refresher: refresher,
		margin:    DefaultRefreshMargin,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.classifier = NewClassifier(codec, verifier, m.margin)

	return m, nil
}

// Establish classifies the request cookies and refreshes an expiring session
// once. The error return is reserved for a missing referer under domain
// restriction and for a canceled ctx; in both cases nothing is emitted.
// Everything else, including failed refreshes, is reported through the
// Result.
func (m *Manager) Establish(ctx context.Context, cookies []*http.Cookie, header http.Header, opts Options) (Result, error) {
	cls, err := m.classifier.Classify(ctx, cookies, opts.Referer)
	if err != nil {
		return Result{}, err
	}

	res := Result{State: cls.State, Header: header.Clone()}
	if res.Header == nil {
		res.Header = http.Header{}
	}

	switch cls.State {
	case StateAbsent:
		return res, nil
	case StateMalformed:
		res.Diagnostic = cls.Err
		return res, nil
	case StateValid:
		res.Session = cls.Session
		return res, nil
	}

	refreshed, err := m.refresher.Refresh(ctx, cls.Session.RefreshToken, opts.Referer)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return Result{}, fmt.Errorf("refreshing session: %w", ctx.Err())
		case errors.Is(err, serviceerr.ErrRefererRequired):
			return Result{}, err
		case errors.Is(err, serviceerr.ErrInvalidRefreshToken):
			slogctx.Info(ctx, "Refresh token rejected, clearing session", "subject", cls.Session.Decoded.Subject)
			res.State = StateAbsent
			res.Cookies = m.codec.Expire(cookies)
			res.Header = m.stripHeader(header)
		default:
			slogctx.Warn(ctx, "Failed to refresh session", "subject", cls.Session.Decoded.Subject,
				"reason", serviceerr.ReasonOf(err), "error", err)
			// a token inside the refresh margin is still good for this request
			if m.verifier.Now().Before(cls.Session.Decoded.ExpiresAt) {
				res.Session = cls.Session
			}
		}
		res.Diagnostic = err

		return res, nil
	}

	sess := VerifiedSession{
		IDToken:      refreshed.IDToken,
		RefreshToken: refreshed.RefreshToken,
		Decoded:      refreshed.Decoded,
	}

	out, patched, err := m.materialize(ctx, cookies, header, &sess)
	if err != nil {
		return Result{}, err
	}

	slogctx.Info(ctx, "Refreshed session", "subject", sess.Decoded.Subject, "expiresAt", sess.Decoded.ExpiresAt)

	res.Session = &sess
	res.Cookies = out
	res.Header = patched
	res.Refreshed = true

	return res, nil
}

// Refresh exchanges the refresh token of sess unconditionally, for example
// after claims were changed out of band.
func (m *Manager) Refresh(ctx context.Context, sess VerifiedSession, header http.Header, opts Options) (Result, error) {
	refreshed, err := m.refresher.Refresh(ctx, sess.RefreshToken, opts.Referer)
	if err != nil {
		return Result{}, fmt.Errorf("refreshing session: %w", err)
	}

	next := VerifiedSession{
		IDToken:      refreshed.IDToken,
		RefreshToken: refreshed.RefreshToken,
		Decoded:      refreshed.Decoded,
	}

	out, patched, err := m.materialize(ctx, requestCookies(header), header, &next)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Session:   &next,
		State:     StateValid,
		Cookies:   out,
		Header:    patched,
		Refreshed: true,
	}, nil
}

// SignCookies writes sess out as session cookies without contacting anyone.
func (m *Manager) SignCookies(ctx context.Context, sess VerifiedSession, header http.Header) (Result, error) {
	out, patched, err := m.materialize(ctx, requestCookies(header), header, &sess)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Session: &sess,
		State:   StateValid,
		Cookies: out,
		Header:  patched,
	}, nil
}

// FromBearer verifies the bearer token of header and turns it into session
// cookies together with refreshToken.
func (m *Manager) FromBearer(ctx context.Context, header http.Header, refreshToken string, opts Options) (Result, error) {
	raw, ok := BearerToken(header)
	if !ok {
		return Result{}, serviceerr.ErrMissingSession
	}

	decoded, err := m.verifier.Verify(ctx, raw, token.VerifyOptions{Referer: opts.Referer})
	if err != nil {
		return Result{}, fmt.Errorf("verifying bearer token: %w", err)
	}

	return m.SignCookies(ctx, VerifiedSession{
		IDToken:      raw,
		RefreshToken: refreshToken,
		Decoded:      decoded,
	}, header)
}

// Clear logs the session out: every session cookie in cookies, or in the
// Cookie header when cookies is nil, is expired and stripped from the header.
func (m *Manager) Clear(cookies []*http.Cookie, header http.Header) Result {
	if cookies == nil {
		cookies = requestCookies(header)
	}

	return Result{
		State:   StateAbsent,
		Cookies: m.codec.Expire(cookies),
		Header:  m.stripHeader(header),
	}
}

// PatchHeader returns a copy of header whose Cookie line carries the live
// session cookies of fresh in place of the previous session cookies.
func (m *Manager) PatchHeader(header http.Header, fresh []*http.Cookie) http.Header {
	kept := m.codec.Strip(requestCookies(header))
	for _, c := range fresh {
		if c.MaxAge < 0 || c.Value == "" {
			continue
		}
		kept = append(kept, c)
	}

	return withCookies(header, kept)
}

// BearerToken returns the token of an "Authorization: Bearer" header.
func BearerToken(header http.Header) (string, bool) {
	scheme, raw, ok := strings.Cut(header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}

	raw = strings.TrimSpace(raw)

	return raw, raw != ""
}

func (m *Manager) materialize(ctx context.Context, jar []*http.Cookie, header http.Header, sess *VerifiedSession) ([]*http.Cookie, http.Header, error) {
	if m.minter != nil {
		custom, err := m.minter.Mint(sess.Decoded.Subject, developerClaims(sess.Decoded.Claims))
		if err != nil {
			slogctx.Warn(ctx, "Failed to mint custom token", "subject", sess.Decoded.Subject, "error", err)
		} else {
			sess.CustomToken = custom
		}
	}

	value, err := EncodeSession(*sess)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding session: %w", err)
	}

	out, err := m.codec.Replace(jar, value)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding session cookies: %w", err)
	}

	return out, m.PatchHeader(header, out), nil
}

func (m *Manager) stripHeader(header http.Header) http.Header {
	return withCookies(header, m.codec.Strip(requestCookies(header)))
}

func requestCookies(header http.Header) []*http.Cookie {
	return (&http.Request{Header: header}).Cookies()
}

func withCookies(header http.Header, cookies []*http.Cookie) http.Header {
	out := header.Clone()
	if out == nil {
		out = http.Header{}
	}

	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, (&http.Cookie{Name: c.Name, Value: c.Value, Quoted: c.Quoted}).String())
	}

	if len(parts) == 0 {
		out.Del("Cookie")
	} else {
		out.Set("Cookie", strings.Join(parts, "; "))
	}

	return out
}

// identityClaims are set by the identity provider and never forwarded as
// developer claims.
var identityClaims = []string{
	"acr", "amr", "at_hash", "aud", "auth_time", "azp", "cnf", "c_hash",
	"exp", "firebase", "iat", "iss", "jti", "nbf", "nonce", "sub",
	"uid", "user_id", "email", "email_verified", "name", "picture", "phone_number",
}

func developerClaims(claims token.Claims) map[string]any {
	out := make(map[string]any)
	for _, k := range claims.Keys() {
		if slices.Contains(identityClaims, k) {
			continue
		}
		v, _ := claims.Get(k)
		out[k] = v.Interface()
	}

	return out
}
