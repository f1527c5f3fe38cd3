// Package referer derives the calling page from a request and checks it
// against the domains a token may be used from.
package referer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"

	slogctx "github.com/veqryn/slog-context"
)

var headerKeys = []string{"Referer", "Origin"}

type ctxKey string

const refererKey ctxKey = "referer"

// FromHTTPRequest returns the Referer header, falling back to Origin.
func FromHTTPRequest(r *http.Request) (string, error) {
	if r == nil {
		return "", errors.New("http request is nil")
	}

	for _, key := range headerKeys {
		if val := r.Header.Get(key); val != "" {
			slogctx.Debug(r.Context(), "Resolved referer", "header", key)
			return val, nil
		}
	}

	return "", nil
}

func RefererCtxMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ref, _ := FromHTTPRequest(r)
		next.ServeHTTP(w, r.WithContext(WithReferer(r.Context(), ref)))
	})
}

func WithReferer(ctx context.Context, referer string) context.Context {
	return context.WithValue(ctx, refererKey, referer)
}

func ExtractReferer(ctx context.Context) (string, error) {
	ref, ok := ctx.Value(refererKey).(string)
	if !ok {
		return "", errors.New("no referer in ctx")
	}
	return ref, nil
}

// Host returns the lower-cased host name of a referer URL without the port.
func Host(referer string) (string, error) {
	u, err := url.Parse(referer)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", errors.New("referer has no host")
	}

	host := u.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	return strings.ToLower(host), nil
}

// Allowed reports whether host matches one of the domains. A domain starting
// with "*." matches any of its subdomains but not the domain itself.
func Allowed(host string, domains []string) bool {
	host = strings.ToLower(host)
	for _, domain := range domains {
		domain = strings.ToLower(domain)
		if suffix, ok := strings.CutPrefix(domain, "*"); ok {
			if strings.HasSuffix(host, suffix) && len(host) > len(suffix) {
				return true
			}
			continue
		}
		if host == domain {
			return true
		}
	}

	return false
}

// Transport sets a fixed Referer header on every outgoing request that does
// not carry one already.
type Transport struct {
	Referer string
	Base    http.RoundTripper
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	if t.Referer == "" || req.Header.Get("Referer") != "" {
		return base.RoundTrip(req)
	}

	req = req.Clone(req.Context())
	req.Header.Set("Referer", t.Referer)

	return base.RoundTrip(req)
}
