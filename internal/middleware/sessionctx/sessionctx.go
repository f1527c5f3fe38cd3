// Package sessionctx establishes the session of every request and injects it
// into the request context for later handlers.
package sessionctx

import (
	"context"
	"errors"
	"net/http"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-edge/internal/serviceerr"
	"github.com/openkcm/session-edge/pkg/referer"
	"github.com/openkcm/session-edge/pkg/session"
)

// Using an unexported type prevents key collisions from other packages.
type contextKey string

// ResultKey is the context key used to store the session result of a request.
const ResultKey contextKey = "session-result"

// Establisher is implemented by *session.Manager.
type Establisher interface {
	Establish(ctx context.Context, cookies []*http.Cookie, header http.Header, opts session.Options) (session.Result, error)
}

// Middleware establishes the session of the request before calling next.
// Cookies set by a refresh or a logout are written to the response, and the
// request header is replaced by the patched one, so next reads the same
// session the client will send on its following request.
func Middleware(manager Establisher) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			ref, err := referer.FromHTTPRequest(r)
			if err != nil {
				slogctx.Warn(ctx, "Failed to resolve referer", "error", err)
			}

			res, err := manager.Establish(ctx, r.Cookies(), r.Header, session.Options{Referer: ref})
			if err != nil {
				if errors.Is(err, context.Canceled) {
					slogctx.Debug(ctx, "Request canceled while establishing session")
					return
				}

				slogctx.Error(ctx, "Failed to establish session", "error", err)
				if werr := serviceerr.WriteJSON(w, err); werr != nil {
					slogctx.Warn(ctx, "Failed to write response", "error", werr)
				}

				return
			}

			for _, c := range res.Cookies {
				http.SetCookie(w, c)
			}

			ctx = slogctx.With(ctx, "sessionState", res.State.String())
			if res.Diagnostic != nil {
				slogctx.Debug(ctx, "Session not established",
					"code", serviceerr.CodeOf(res.Diagnostic), "reason", serviceerr.ReasonOf(res.Diagnostic))
			}

			r = r.WithContext(WithResult(ctx, res))
			r.Header = res.Header
			next.ServeHTTP(w, r)
		})
	}
}

func WithResult(ctx context.Context, res session.Result) context.Context {
	return context.WithValue(ctx, ResultKey, res)
}

// ResultFromContext returns the session result stored by Middleware.
func ResultFromContext(ctx context.Context) (session.Result, error) {
	res, ok := ctx.Value(ResultKey).(session.Result)
	if !ok {
		return session.Result{}, errors.New("session result not found in context")
	}
	return res, nil
}

// FromContext returns the verified session of the request, if there is one.
func FromContext(ctx context.Context) (*session.VerifiedSession, bool) {
	res, err := ResultFromContext(ctx)
	if err != nil || res.Session == nil {
		return nil, false
	}
	return res.Session, true
}
