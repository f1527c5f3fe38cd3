package serviceerr

import (
	"errors"
	"net/http"
)

type Code string

const (
	CodeUnknown            Code = "unknown"
	CodeMissingSession     Code = "missing_session"
	CodeMalformedSession   Code = "malformed_session"
	CodeTokenExpired       Code = "token_expired"
	CodeVerificationFailed Code = "verification_failed"
	CodeRefreshFailed      Code = "refresh_failed"
	CodeConfiguration      Code = "configuration_error"
)

// Reason narrows a verification or refresh failure down to the rule that failed.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonBadSignature        Reason = "bad_signature"
	ReasonBadIssuer           Reason = "bad_issuer"
	ReasonBadAudience         Reason = "bad_audience"
	ReasonBadIssuedAt         Reason = "bad_issued_at"
	ReasonRefererMismatch     Reason = "referer_mismatch"
	ReasonInvalidRefreshToken Reason = "invalid_refresh_token"
	ReasonNetworkError        Reason = "network_error"
	ReasonRateLimited         Reason = "rate_limited"
)

var (
	ErrUnknown          = &Error{Err: CodeUnknown, Description: "unknown error"}
	ErrMissingSession   = &Error{Err: CodeMissingSession, Description: "no session cookie or bearer token"}
	ErrMalformedSession = &Error{Err: CodeMalformedSession, Description: "session cookie could not be decoded"}
	ErrTokenExpired     = &Error{Err: CodeTokenExpired, Description: "identity token expired"}

	ErrBadSignature    = &Error{Err: CodeVerificationFailed, Reason: ReasonBadSignature, Description: "identity token signature is invalid"}
	ErrBadIssuer       = &Error{Err: CodeVerificationFailed, Reason: ReasonBadIssuer, Description: "identity token issuer does not match"}
	ErrBadAudience     = &Error{Err: CodeVerificationFailed, Reason: ReasonBadAudience, Description: "identity token audience does not match"}
	ErrBadIssuedAt     = &Error{Err: CodeVerificationFailed, Reason: ReasonBadIssuedAt, Description: "identity token issued in the future"}
	ErrRefererMismatch = &Error{Err: CodeVerificationFailed, Reason: ReasonRefererMismatch, Description: "referer is not an authorized domain"}
	// ErrRefererRequired is raised when domain restriction is enabled but the
	// caller did not pass a referer. It is a programming error on the caller side.
	ErrRefererRequired = &Error{Err: CodeConfiguration, Reason: ReasonRefererMismatch, Description: "referer is required when domain restriction is enabled"}

	ErrInvalidRefreshToken = &Error{Err: CodeRefreshFailed, Reason: ReasonInvalidRefreshToken, Description: "refresh token is invalid or revoked"}
	ErrRefreshNetwork      = &Error{Err: CodeRefreshFailed, Reason: ReasonNetworkError, Description: "refresh endpoint unreachable"}
	ErrRateLimited         = &Error{Err: CodeRefreshFailed, Reason: ReasonRateLimited, Description: "refresh endpoint rate limited the request"}
)

type Error struct {
	Err         Code
	Reason      Reason
	Description string
}

func (e *Error) Error() string {
	msg := string(e.Err)
	if e.Reason != ReasonNone {
		msg += "(" + string(e.Reason) + ")"
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}

	return msg
}

// Is matches on the code, and on the reason when the target carries one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Err != t.Err {
		return false
	}

	return t.Reason == ReasonNone || e.Reason == t.Reason
}

// Retryable reports whether a later request may succeed without the client
// re-authenticating.
func (e *Error) Retryable() bool {
	return e.Err == CodeRefreshFailed &&
		(e.Reason == ReasonNetworkError || e.Reason == ReasonRateLimited)
}

func (e *Error) HTTPStatus() int {
	switch e.Err {
	case CodeMissingSession, CodeMalformedSession, CodeTokenExpired, CodeVerificationFailed:
		return http.StatusUnauthorized
	case CodeRefreshFailed:
		switch e.Reason {
		case ReasonRateLimited:
			return http.StatusTooManyRequests
		case ReasonNetworkError:
			return http.StatusServiceUnavailable
		default:
			return http.StatusUnauthorized
		}
	default:
		return http.StatusInternalServerError
	}
}

// ReasonOf returns the reason of the first *Error in the chain.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}

	return ReasonNone
}

// CodeOf returns the code of the first *Error in the chain, or CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Err
	}

	return CodeUnknown
}

// IsRetryable reports whether err carries a retryable *Error.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}

	return false
}

// StatusOf maps err to an HTTP status code. Errors without a *Error in the
// chain map to 500.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}

	return http.StatusInternalServerError
}
