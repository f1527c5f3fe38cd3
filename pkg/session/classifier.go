package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-edge/internal/serviceerr"
	"github.com/openkcm/session-edge/pkg/cookie"
	"github.com/openkcm/session-edge/pkg/token"
)

// DefaultRefreshMargin is how long before expiry a token is refreshed.
const DefaultRefreshMargin = 5 * time.Minute

type Classification struct {
	State State
	// Session is set for StateValid and StateExpired. For StateExpired its
	// Decoded token is the expired one.
	Session *VerifiedSession
	// Err explains StateMalformed.
	Err error
}

type Classifier struct {
	codec    *cookie.Codec
	verifier *token.Verifier
	margin   time.Duration
}

func NewClassifier(codec *cookie.Codec, verifier *token.Verifier, margin time.Duration) *Classifier {
	return &Classifier{
		codec:    codec,
		verifier: verifier,
		margin:   margin,
	}
}

// Classify decodes and verifies the session cookies. It only returns an error
// when a token has to be verified without the referer that domain restriction
// requires, or when ctx is canceled. Every other problem is reported as
// StateMalformed.
func (c *Classifier) Classify(ctx context.Context, cookies []*http.Cookie, referer string) (Classification, error) {
	data, err := c.codec.Decode(cookies)
	if err != nil {
		if errors.Is(err, serviceerr.ErrMissingSession) {
			return Classification{State: StateAbsent}, nil
		}
		return malformed(ctx, err), nil
	}

	sess, err := DecodeSession(data)
	if err != nil {
		return malformed(ctx, err), nil
	}

	decoded, err := c.verifier.Verify(ctx, sess.IDToken, token.VerifyOptions{Referer: referer})
	switch {
	case err == nil:
	case errors.Is(err, serviceerr.ErrTokenExpired):
		sess.Decoded = decoded
		return Classification{State: StateExpired, Session: &sess}, nil
	case errors.Is(err, serviceerr.ErrRefererRequired):
		return Classification{}, err
	case ctx.Err() != nil:
		return Classification{}, fmt.Errorf("verifying session: %w", ctx.Err())
	default:
		if unverified, perr := token.ParseUnverified(sess.IDToken); perr == nil {
			ctx = slogctx.With(ctx, "unverifiedSubject", unverified.Subject)
		}
		return malformed(ctx, err), nil
	}

	sess.Decoded = decoded
	if decoded.ExpiresAt.Sub(c.verifier.Now()) <= c.margin {
		return Classification{State: StateExpired, Session: &sess}, nil
	}

	return Classification{State: StateValid, Session: &sess}, nil
}

func malformed(ctx context.Context, err error) Classification {
	slogctx.Debug(ctx, "Session cookie is malformed",
		"code", serviceerr.CodeOf(err), "reason", serviceerr.ReasonOf(err), "error", err)

	return Classification{State: StateMalformed, Err: err}
}
