package token_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/session-edge/internal/idptest"
	"github.com/openkcm/session-edge/internal/serviceerr"
	"github.com/openkcm/session-edge/pkg/token"
)

func TestNewVerifier(t *testing.T) {
	idp := idptest.New(t)

	_, err := token.NewVerifier(nil, token.WithIssuer(idp.Issuer), token.WithAudience(idptest.Audience))
	assert.Error(t, err)

	_, err = token.NewVerifier(idp.KeySet(), token.WithAudience(idptest.Audience))
	assert.ErrorContains(t, err, "issuer")

	_, err = token.NewVerifier(idp.KeySet(), token.WithIssuer(idp.Issuer))
	assert.ErrorContains(t, err, "audience")

	_, err = token.NewVerifier(idp.KeySet(), token.WithIssuer(idp.Issuer), token.WithAudience(idptest.Audience), token.WithAlgorithms())
	assert.Error(t, err)

	v, err := token.NewVerifier(idp.KeySet(), token.WithIssuer(idp.Issuer), token.WithAudience(idptest.Audience))
	require.NoError(t, err)
	assert.False(t, v.Restricted())
}

func TestVerify(t *testing.T) {
	idp := idptest.New(t)
	other := idptest.New(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	v, err := token.NewVerifier(idp.KeySet(),
		token.WithIssuer(idp.Issuer),
		token.WithAudience(idptest.Audience),
		token.WithClock(func() time.Time { return now }),
	)
	require.NoError(t, err)

	tests := []struct {
		name        string
		token       func(t *testing.T) string
		expectedErr error
		wantDecoded bool
	}{
		{
			name: "valid",
			token: func(t *testing.T) string {
				return idp.Sign(t, "user-1", now.Add(-time.Minute), now.Add(time.Hour), map[string]any{"email": "u@example.com"})
			},
			wantDecoded: true,
		},
		{
			name: "issued within leeway",
			token: func(t *testing.T) string {
				return idp.Sign(t, "user-1", now.Add(3*time.Second), now.Add(time.Hour), nil)
			},
			wantDecoded: true,
		},
		{
			name: "issued in the future",
			token: func(t *testing.T) string {
				return idp.Sign(t, "user-1", now.Add(time.Minute), now.Add(time.Hour), nil)
			},
			expectedErr: serviceerr.ErrBadIssuedAt,
		},
		{
			name: "expired",
			token: func(t *testing.T) string {
				return idp.Sign(t, "user-1", now.Add(-2*time.Hour), now.Add(-time.Second), nil)
			},
			expectedErr: serviceerr.ErrTokenExpired,
			wantDecoded: true,
		},
		{
			name: "expires now",
			token: func(t *testing.T) string {
				return idp.Sign(t, "user-1", now.Add(-time.Hour), now, nil)
			},
			expectedErr: serviceerr.ErrTokenExpired,
			wantDecoded: true,
		},
		{
			name: "foreign key",
			token: func(t *testing.T) string {
				return other.Sign(t, "user-1", now, now.Add(time.Hour), nil)
			},
			expectedErr: serviceerr.ErrBadSignature,
		},
		{
			name: "wrong issuer",
			token: func(t *testing.T) string {
				return idp.Sign(t, "user-1", now, now.Add(time.Hour), map[string]any{"iss": "https://evil.example.com"})
			},
			expectedErr: serviceerr.ErrBadIssuer,
		},
		{
			name: "wrong audience",
			token: func(t *testing.T) string {
				return idp.Sign(t, "user-1", now, now.Add(time.Hour), map[string]any{"aud": "other-project"})
			},
			expectedErr: serviceerr.ErrBadAudience,
		},
		{
			name: "issuer checked before expiry",
			token: func(t *testing.T) string {
				return idp.Sign(t, "user-1", now.Add(-2*time.Hour), now.Add(-time.Hour), map[string]any{"iss": "https://evil.example.com"})
			},
			expectedErr: serviceerr.ErrBadIssuer,
		},
		{
			name: "no subject",
			token: func(t *testing.T) string {
				return idp.SignRaw(t, jwt.Claims{Issuer: idp.Issuer, Audience: jwt.Audience{idptest.Audience}, Expiry: jwt.NewNumericDate(now.Add(time.Hour))})
			},
			expectedErr: serviceerr.ErrMalformedSession,
		},
		{
			name: "no expiry",
			token: func(t *testing.T) string {
				return idp.SignRaw(t, jwt.Claims{Issuer: idp.Issuer, Subject: "user-1", Audience: jwt.Audience{idptest.Audience}})
			},
			expectedErr: serviceerr.ErrMalformedSession,
		},
		{
			name: "not a jwt",
			token: func(*testing.T) string {
				return "not-a-jwt"
			},
			expectedErr: serviceerr.ErrMalformedSession,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoded, err := v.Verify(t.Context(), tt.token(t), token.VerifyOptions{})

			if tt.expectedErr != nil {
				assert.ErrorIs(t, err, tt.expectedErr)
			} else {
				assert.NoError(t, err)
			}

			if tt.wantDecoded {
				assert.Equal(t, "user-1", decoded.Subject)
				assert.Equal(t, idp.Issuer, decoded.Issuer)
				assert.Equal(t, []string{idptest.Audience}, decoded.Audience)
				assert.False(t, decoded.ExpiresAt.IsZero())
			} else {
				assert.Empty(t, decoded.Subject)
			}
		})
	}
}

func TestVerify_Claims(t *testing.T) {
	idp := idptest.New(t)
	now := time.Now()

	v, err := token.NewVerifier(idp.KeySet(), token.WithIssuer(idp.Issuer), token.WithAudience(idptest.Audience))
	require.NoError(t, err)

	raw := idp.Sign(t, "user-1", now, now.Add(time.Hour), map[string]any{
		"email":          "u@example.com",
		"email_verified": true,
		"tenant":         map[string]any{"id": "t-1", "roles": []string{"admin", "viewer"}},
	})

	decoded, err := v.Verify(t.Context(), raw, token.VerifyOptions{})
	require.NoError(t, err)

	assert.Equal(t, "u@example.com", decoded.Claims.GetString("email"))
	assert.Equal(t, now.Unix(), decoded.IssuedAt.Unix())
	assert.Equal(t, now.Add(time.Hour).Unix(), decoded.ExpiresAt.Unix())

	tenant, ok := decoded.Claims.Get("tenant")
	require.True(t, ok)
	assert.Equal(t, token.KindMap, tenant.Kind())
	assert.Equal(t, "t-1", tenant.Map().GetString("id"))
}

func TestVerify_DomainRestriction(t *testing.T) {
	idp := idptest.New(t)
	now := time.Now()

	v, err := token.NewVerifier(idp.KeySet(),
		token.WithIssuer(idp.Issuer),
		token.WithAudience(idptest.Audience),
		token.WithDomainRestriction("app.example.com", "*.tenant.example.com"),
	)
	require.NoError(t, err)
	assert.True(t, v.Restricted())

	valid := idp.Sign(t, "user-1", now, now.Add(time.Hour), nil)
	forged := idptest.New(t).Sign(t, "user-1", now, now.Add(time.Hour), nil)

	tests := []struct {
		name        string
		token       string
		referer     string
		expectedErr error
	}{
		{name: "authorized", token: valid, referer: "https://app.example.com/home"},
		{name: "authorized subdomain", token: valid, referer: "https://a.tenant.example.com/"},
		{name: "missing referer", token: valid, expectedErr: serviceerr.ErrRefererRequired},
		{name: "unauthorized host", token: valid, referer: "https://evil.example.com/", expectedErr: serviceerr.ErrRefererMismatch},
		{name: "unparsable referer", token: valid, referer: "::", expectedErr: serviceerr.ErrRefererMismatch},
		{name: "referer checked before signature", token: forged, referer: "https://evil.example.com/", expectedErr: serviceerr.ErrRefererMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(t.Context(), tt.token, token.VerifyOptions{Referer: tt.referer})
			if tt.expectedErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.expectedErr)
		})
	}
}

func TestVerify_Algorithms(t *testing.T) {
	idp := idptest.New(t)
	now := time.Now()

	v, err := token.NewVerifier(idp.KeySet(), token.WithIssuer(idp.Issuer), token.WithAudience(idptest.Audience), token.WithAlgorithms("ES256"))
	require.NoError(t, err)

	_, err = v.Verify(t.Context(), idp.Sign(t, "user-1", now, now.Add(time.Hour), nil), token.VerifyOptions{})
	assert.ErrorIs(t, err, serviceerr.ErrMalformedSession)
}

func TestRemoteKeySet(t *testing.T) {
	idp := idptest.New(t)
	now := time.Now()

	keys := token.NewRemoteKeySet(t.Context(), idp.JWKSURL(), http.DefaultClient)
	v, err := token.NewVerifier(keys, token.WithIssuer(idp.Issuer), token.WithAudience(idptest.Audience))
	require.NoError(t, err)

	decoded, err := v.Verify(t.Context(), idp.Sign(t, "user-1", now, now.Add(time.Hour), nil), token.VerifyOptions{})
	require.NoError(t, err)
	assert.Equal(t, "user-1", decoded.Subject)
}

func TestParseUnverified(t *testing.T) {
	now := time.Now()
	raw := idptest.New(t).Sign(t, "user-1", now, now.Add(-time.Hour), nil)

	decoded, err := token.ParseUnverified(raw)
	require.NoError(t, err)
	assert.Equal(t, "user-1", decoded.Subject)

	_, err = token.ParseUnverified("garbage")
	assert.ErrorIs(t, err, serviceerr.ErrMalformedSession)
}
