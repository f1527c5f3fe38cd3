package serviceerr

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Response is the JSON body of every error reply.
type Response struct {
	Error       Code   `json:"error"`
	Reason      Reason `json:"reason,omitempty"`
	Description string `json:"description,omitempty"`
	Retryable   bool   `json:"retryable,omitempty"`
}

// ResponseOf describes the first *Error in the chain of err.
func ResponseOf(err error) Response {
	var e *Error
	if !errors.As(err, &e) {
		return Response{Error: CodeUnknown}
	}

	return Response{
		Error:       e.Err,
		Reason:      e.Reason,
		Description: e.Description,
		Retryable:   e.Retryable(),
	}
}

// WriteJSON replies with the status and JSON body of err.
func WriteJSON(w http.ResponseWriter, err error) error {
	return WriteJSONStatus(w, StatusOf(err), err)
}

// WriteJSONStatus is WriteJSON with an explicit status.
func WriteJSONStatus(w http.ResponseWriter, status int, err error) error {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)

	return json.NewEncoder(w).Encode(ResponseOf(err))
}
