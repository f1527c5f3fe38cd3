package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/samber/oops"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-edge/internal/middleware/sessionctx"
	"github.com/openkcm/session-edge/internal/serviceerr"
	"github.com/openkcm/session-edge/pkg/referer"
	"github.com/openkcm/session-edge/pkg/session"
	"github.com/openkcm/session-edge/pkg/token"
)

// RefreshTokenHeader carries the refresh token on bearer exchanges.
const RefreshTokenHeader = "X-Refresh-Token"

type sessionResponse struct {
	Subject     string       `json:"subject"`
	Email       string       `json:"email,omitempty"`
	Issuer      string       `json:"issuer"`
	Audience    []string     `json:"audience"`
	ExpiresAt   time.Time    `json:"expiresAt"`
	Claims      token.Claims `json:"claims"`
	CustomToken string       `json:"customToken,omitempty"`
	Refreshed   bool         `json:"refreshed"`
}

type errorResponse = serviceerr.Response

type sessionHandler struct {
	manager *session.Manager
}

func newSessionHandler(manager *session.Manager) *sessionHandler {
	return &sessionHandler{manager: manager}
}

// getSession renders the session established by the session middleware.
func (h *sessionHandler) getSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	res, err := sessionctx.ResultFromContext(ctx)
	if err != nil {
		writeError(w, r, oops.In("HTTP Server").WithContext(ctx).Wrapf(err, "Session middleware not installed"))
		return
	}

	recordSession(ctx, res)

	if res.Session == nil {
		writeUnauthenticated(w, r, res.Diagnostic)
		return
	}

	writeSession(w, r, res.Session, res.Refreshed)
}

// refreshSession forces a refresh of the current session.
func (h *sessionHandler) refreshSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sess, ok := sessionctx.FromContext(ctx)
	if !ok {
		res, _ := sessionctx.ResultFromContext(ctx)
		writeUnauthenticated(w, r, res.Diagnostic)
		return
	}

	ref, _ := referer.ExtractReferer(ctx)

	res, err := h.manager.Refresh(ctx, *sess, r.Header, session.Options{Referer: ref})
	if err != nil {
		recordRefresh(ctx, string(serviceerr.ReasonOf(err)))

		if errors.Is(err, serviceerr.ErrInvalidRefreshToken) {
			for _, c := range h.manager.Clear(nil, r.Header).Cookies {
				http.SetCookie(w, c)
			}
		}
		writeError(w, r, err)

		return
	}

	recordRefresh(ctx, "success")
	setCookies(w, res.Cookies)
	writeSession(w, r, res.Session, true)
}

// exchangeBearer turns a bearer token and a refresh token into session cookies.
func (h *sessionHandler) exchangeBearer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ref, _ := referer.ExtractReferer(ctx)

	res, err := h.manager.FromBearer(ctx, r.Header, r.Header.Get(RefreshTokenHeader), session.Options{Referer: ref})
	if err != nil {
		writeError(w, r, err)
		return
	}

	slogctx.Info(ctx, "Exchanged bearer token for session cookies", "subject", res.Session.Decoded.Subject)

	setCookies(w, res.Cookies)
	writeSession(w, r, res.Session, false)
}

// logout expires every session cookie of the request.
func (h *sessionHandler) logout(w http.ResponseWriter, r *http.Request) {
	res := h.manager.Clear(nil, r.Header)
	setCookies(w, res.Cookies)

	slogctx.Info(r.Context(), "Cleared session", "cookies", len(res.Cookies))

	w.WriteHeader(http.StatusNoContent)
}

func setCookies(w http.ResponseWriter, cookies []*http.Cookie) {
	for _, c := range cookies {
		http.SetCookie(w, c)
	}
}

func writeSession(w http.ResponseWriter, r *http.Request, sess *session.VerifiedSession, refreshed bool) {
	writeJSON(w, r, http.StatusOK, sessionResponse{
		Subject:     sess.Decoded.Subject,
		Email:       sess.Decoded.Claims.GetString("email"),
		Issuer:      sess.Decoded.Issuer,
		Audience:    sess.Decoded.Audience,
		ExpiresAt:   sess.Decoded.ExpiresAt,
		Claims:      sess.Decoded.Claims,
		CustomToken: sess.CustomToken,
		Refreshed:   refreshed,
	})
}

// writeUnauthenticated renders a request without a session. The diagnostic
// only adds detail, the status is always 401.
func writeUnauthenticated(w http.ResponseWriter, r *http.Request, diagnostic error) {
	if diagnostic == nil {
		diagnostic = serviceerr.ErrMissingSession
	}

	if err := serviceerr.WriteJSONStatus(w, http.StatusUnauthorized, diagnostic); err != nil {
		slogctx.Warn(r.Context(), "Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := serviceerr.StatusOf(err)
	if status >= http.StatusInternalServerError {
		slogctx.Error(r.Context(), "Failed to handle session request", "error", err)
	} else {
		slogctx.Debug(r.Context(), "Rejected session request", "error", err)
	}

	if err := serviceerr.WriteJSONStatus(w, status, err); err != nil {
		slogctx.Warn(r.Context(), "Failed to write response", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		slogctx.Warn(r.Context(), "Failed to write response", "error", err)
	}
}
