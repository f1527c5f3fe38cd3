package refresh

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
)

// idTokenTransport lets oauth2 accept token responses that carry only an
// id_token by copying it into access_token.
type idTokenTransport struct {
	Base http.RoundTripper
}

func (t *idTokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	resp, err := base.RoundTrip(req)
	if err != nil || resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, err
	}

	// oauth2 decodes form bodies itself and never needs this
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt == "application/x-www-form-urlencoded" || mt == "text/plain" {
		return resp, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
	if err != nil {
		return nil, err
	}

	body = withAccessToken(body)
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))

	return resp, nil
}

func withAccessToken(body []byte) []byte {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return body
	}

	if at, ok := fields["access_token"]; ok && !bytes.Equal(at, []byte(`""`)) && !bytes.Equal(at, []byte("null")) {
		return body
	}
	idToken, ok := fields["id_token"]
	if !ok {
		return body
	}

	fields["access_token"] = idToken
	rewritten, err := json.Marshal(fields)
	if err != nil {
		return body
	}

	return rewritten
}
