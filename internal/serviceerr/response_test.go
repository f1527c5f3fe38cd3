package serviceerr_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/session-edge/internal/serviceerr"
)

func TestResponseOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want serviceerr.Response
	}{
		{
			name: "wrapped sentinel",
			err:  fmt.Errorf("refreshing: %w", errors.Join(serviceerr.ErrRateLimited, errors.New("429"))),
			want: serviceerr.Response{
				Error:       serviceerr.CodeRefreshFailed,
				Reason:      serviceerr.ReasonRateLimited,
				Description: serviceerr.ErrRateLimited.Description,
				Retryable:   true,
			},
		},
		{
			name: "plain error",
			err:  errors.New("boom"),
			want: serviceerr.Response{Error: serviceerr.CodeUnknown},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, serviceerr.ResponseOf(tt.err))
		})
	}
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	require.NoError(t, serviceerr.WriteJSON(rec, serviceerr.ErrRefererRequired))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "configuration_error", body["error"])
	assert.Equal(t, "referer_mismatch", body["reason"])

	rec = httptest.NewRecorder()
	require.NoError(t, serviceerr.WriteJSONStatus(rec, http.StatusUnauthorized, serviceerr.ErrMalformedSession))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
