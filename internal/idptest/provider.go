// Package idptest runs a fake identity provider for tests. It signs identity
// tokens, publishes its keys and answers refresh token exchanges.
package idptest

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
)

const (
	Audience = "test-project"
	APIKey   = "test-api-key"
	KeyID    = "test-key"
	TokenTTL = time.Hour
)

type Provider struct {
	Server *httptest.Server
	Issuer string

	key    *rsa.PrivateKey
	signer jose.Signer

	mu            sync.Mutex
	refreshTokens map[string]string
	refreshCalls  int
	referers      []string
	rotate        bool
	failStatus    int
	failBody      string
	delay         time.Duration
}

// New starts a provider that is shut down when the test ends.
func New(t testing.TB) *Provider {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: jose.JSONWebKey{Key: key, KeyID: KeyID}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		t.Fatalf("creating signer: %v", err)
	}

	p := &Provider{
		key:           key,
		signer:        signer,
		refreshTokens: make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /jwks", p.handleJWKS)
	mux.HandleFunc("POST /token", p.handleToken)
	p.Server = httptest.NewServer(mux)
	p.Issuer = p.Server.URL
	t.Cleanup(p.Server.Close)

	return p
}

// KeySet verifies signatures locally without fetching the published keys.
func (p *Provider) KeySet() oidc.KeySet {
	return &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&p.key.PublicKey}}
}

func (p *Provider) PrivateKey() *rsa.PrivateKey {
	return p.key
}

func (p *Provider) JWKSURL() string {
	return p.Server.URL + "/jwks"
}

func (p *Provider) TokenURL() string {
	return p.Server.URL + "/token"
}

// Sign issues an identity token for subject. extra is merged into the claims.
func (p *Provider) Sign(t testing.TB, subject string, issuedAt, expiresAt time.Time, extra map[string]any) string {
	t.Helper()

	raw, err := p.sign(subject, issuedAt, expiresAt, extra)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}

	return raw
}

// SignRaw signs arbitrary claims.
func (p *Provider) SignRaw(t testing.TB, claims any) string {
	t.Helper()

	raw, err := jwt.Signed(p.signer).Claims(claims).Serialize()
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}

	return raw
}

// IssueRefreshToken registers a refresh token that exchanges into fresh
// identity tokens for subject.
func (p *Provider) IssueRefreshToken(subject string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	rt := "rt-" + uuid.NewString()
	p.refreshTokens[rt] = subject

	return rt
}

// RevokeRefreshToken makes later exchanges of rt fail with invalid_grant.
func (p *Provider) RevokeRefreshToken(rt string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.refreshTokens, rt)
}

// RotateRefreshTokens makes every exchange return a new refresh token.
func (p *Provider) RotateRefreshTokens(rotate bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.rotate = rotate
}

// FailRefresh makes the token endpoint answer every exchange with status
// and body. A zero status restores normal operation.
func (p *Provider) FailRefresh(status int, body string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.failStatus = status
	p.failBody = body
}

// DelayRefresh holds every token response for d.
func (p *Provider) DelayRefresh(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.delay = d
}

func (p *Provider) RefreshCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.refreshCalls
}

// Referers returns the Referer header of every token request received.
func (p *Provider) Referers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]string(nil), p.referers...)
}

func (p *Provider) sign(subject string, issuedAt, expiresAt time.Time, extra map[string]any) (string, error) {
	std := jwt.Claims{
		Issuer:   p.Issuer,
		Subject:  subject,
		Audience: jwt.Audience{Audience},
		IssuedAt: jwt.NewNumericDate(issuedAt),
		Expiry:   jwt.NewNumericDate(expiresAt),
	}

	builder := jwt.Signed(p.signer).Claims(std)
	if len(extra) > 0 {
		builder = builder.Claims(extra)
	}

	return builder.Serialize()
}

func (p *Provider) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	keys := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &p.key.PublicKey,
		KeyID:     KeyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(keys)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.refreshCalls++
	p.referers = append(p.referers, r.Header.Get("Referer"))
	failStatus, failBody, delay, rotate := p.failStatus, p.failBody, p.delay, p.rotate
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	if failStatus != 0 {
		writeJSON(w, failStatus, failBody)
		return
	}

	if r.URL.Query().Get("key") != APIKey {
		writeJSON(w, http.StatusBadRequest, `{"error":"invalid_request","error_description":"API key not valid"}`)
		return
	}

	if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "refresh_token" {
		writeJSON(w, http.StatusBadRequest, `{"error":"unsupported_grant_type"}`)
		return
	}

	rt := r.PostForm.Get("refresh_token")
	p.mu.Lock()
	subject, ok := p.refreshTokens[rt]
	if ok && rotate {
		delete(p.refreshTokens, rt)
		rt = "rt-" + uuid.NewString()
		p.refreshTokens[rt] = subject
	}
	p.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusBadRequest, `{"error":"invalid_grant","error_description":"INVALID_REFRESH_TOKEN"}`)
		return
	}

	now := time.Now()
	idToken, err := p.sign(subject, now, now.Add(TokenTTL), nil)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, `{"error":"server_error"}`)
		return
	}

	body, _ := json.Marshal(map[string]any{
		"access_token":  idToken,
		"id_token":      idToken,
		"refresh_token": rt,
		"token_type":    "Bearer",
		"expires_in":    strconv.Itoa(int(TokenTTL.Seconds())),
		"user_id":       subject,
	})
	writeJSON(w, http.StatusOK, string(body))
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
