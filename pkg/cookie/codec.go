// Package cookie signs session values into cookies and splits values that
// do not fit into a single cookie across numbered fragments.
//
// A value that fits is stored as
//
//	<name>=<payload>.<mac>
//
// and an oversized one as
//
//	<name>.0=<total>.<part>.<mac> ... <name>.<total-1>=<total>.<part>.<mac>
//
// where payload is the base64url encoded value, part is a slice of it and
// every mac is computed by the key ring over the cookie name, the fragment
// index and total, and the part. A fragment set is accepted only as a whole.
package cookie

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-edge/internal/config"
	"github.com/openkcm/session-edge/internal/serviceerr"
	"github.com/openkcm/session-edge/pkg/keyring"
)

// DefaultMaxSize bounds len(name)+len(value) of every emitted cookie. It
// leaves room for attributes under the common 4096 byte browser limit.
const DefaultMaxSize = 3800

const (
	macLen     = 43 // base64url, unpadded, of a SHA-256 HMAC
	separator  = "."
	maxSegment = 1000
)

var b64 = base64.RawURLEncoding

type Option func(*Codec)

// WithMaxSize overrides DefaultMaxSize. Non-positive values are ignored.
func WithMaxSize(n int) Option {
	return func(c *Codec) {
		if n > 0 {
			c.maxSize = n
		}
	}
}

type Codec struct {
	ring     *keyring.KeyRing
	template config.CookieTemplate
	maxSize  int
}

func NewCodec(ring *keyring.KeyRing, template config.CookieTemplate, opts ...Option) (*Codec, error) {
	if ring == nil {
		return nil, errors.New("cookie codec requires a key ring")
	}

	c := &Codec{
		ring:     ring,
		template: template,
		maxSize:  DefaultMaxSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	sample := template.ToCookie("x")
	if err := sample.Valid(); err != nil {
		return nil, fmt.Errorf("invalid cookie template: %w", err)
	}

	// the smallest fragment must still carry one payload byte
	if c.partSize(maxSegment) < 1 {
		return nil, fmt.Errorf("cookie max size %d too small for name %q", c.maxSize, template.Name)
	}

	return c, nil
}

func (c *Codec) Name() string {
	return c.template.Name
}

// Encode signs value and returns the cookies to set, one or more fragments.
// Encoding is deterministic for a given value and key ring.
func (c *Codec) Encode(value []byte) ([]*http.Cookie, error) {
	payload := b64.EncodeToString(value)
	name := c.template.Name

	single := payload + separator + b64.EncodeToString(c.ring.Sign([]byte(name), []byte(payload)))
	if len(name)+len(single) <= c.maxSize {
		return []*http.Cookie{c.template.ToCookie(single)}, nil
	}

	size := c.partSize(len(payload))
	total := (len(payload) + size - 1) / size
	if total > maxSegment {
		return nil, fmt.Errorf("value of %d bytes needs %d cookie fragments, limit is %d", len(value), total, maxSegment)
	}

	totalStr := strconv.Itoa(total)
	cookies := make([]*http.Cookie, 0, total)
	for i := range total {
		part := payload[i*size : min((i+1)*size, len(payload))]
		index := strconv.Itoa(i)
		sig := c.ring.Sign([]byte(name), []byte(index), []byte(totalStr), []byte(part))

		ck := c.template.ToCookie(totalStr + separator + part + separator + b64.EncodeToString(sig))
		ck.Name = fragmentName(name, i)
		cookies = append(cookies, ck)
	}

	return cookies, nil
}

// Decode reassembles and verifies the session value from the request cookies.
// It returns an error matching serviceerr.ErrMissingSession when no session
// cookie is present and serviceerr.ErrMalformedSession for anything else that
// is wrong, never a partial value.
func (c *Codec) Decode(cookies []*http.Cookie) ([]byte, error) {
	name := c.template.Name

	for _, ck := range cookies {
		if ck.Name == name {
			return c.decodeSingle(ck.Value)
		}
	}

	fragments := make(map[int]string)
	for _, ck := range cookies {
		index, ok := fragmentIndex(name, ck.Name)
		if !ok {
			continue
		}
		if _, dup := fragments[index]; dup {
			return nil, malformed("duplicate fragment %d", index)
		}
		fragments[index] = ck.Value
	}

	if len(fragments) == 0 {
		return nil, serviceerr.ErrMissingSession
	}

	return c.decodeFragments(fragments)
}

func (c *Codec) decodeSingle(value string) ([]byte, error) {
	payload, sigStr, ok := cutLast(value)
	if !ok {
		return nil, malformed("missing signature")
	}

	sig, err := b64.DecodeString(sigStr)
	if err != nil {
		return nil, malformed("decoding signature: %v", err)
	}

	if !c.ring.Verify(sig, []byte(c.template.Name), []byte(payload)) {
		return nil, malformed("signature mismatch")
	}

	decoded, err := b64.DecodeString(payload)
	if err != nil {
		return nil, malformed("decoding payload: %v", err)
	}

	return decoded, nil
}

func (c *Codec) decodeFragments(fragments map[int]string) ([]byte, error) {
	name := c.template.Name
	total := len(fragments)
	totalStr := strconv.Itoa(total)

	var payload strings.Builder
	for i := range total {
		value, ok := fragments[i]
		if !ok {
			return nil, malformed("missing fragment %d of %d", i, total)
		}

		parts := strings.Split(value, separator)
		if len(parts) != 3 {
			return nil, malformed("fragment %d has %d segments", i, len(parts))
		}

		// a removed trailing fragment shows up here as a total mismatch
		if parts[0] != totalStr {
			return nil, malformed("fragment %d claims total %q, have %d", i, parts[0], total)
		}

		sig, err := b64.DecodeString(parts[2])
		if err != nil {
			return nil, malformed("decoding fragment %d signature: %v", i, err)
		}

		if !c.ring.Verify(sig, []byte(name), []byte(strconv.Itoa(i)), []byte(totalStr), []byte(parts[1])) {
			return nil, malformed("fragment %d signature mismatch", i)
		}

		payload.WriteString(parts[1])
	}

	decoded, err := b64.DecodeString(payload.String())
	if err != nil {
		return nil, malformed("decoding payload: %v", err)
	}

	return decoded, nil
}

// Replace encodes value and additionally expires every session cookie of the
// jar that the new encoding does not overwrite, so that a stale single cookie
// cannot shadow new fragments and stale fragments do not linger.
func (c *Codec) Replace(jar []*http.Cookie, value []byte) ([]*http.Cookie, error) {
	cookies, err := c.Encode(value)
	if err != nil {
		return nil, err
	}

	written := make(map[string]struct{}, len(cookies))
	for _, ck := range cookies {
		written[ck.Name] = struct{}{}
	}

	for _, name := range c.names(jar) {
		if _, ok := written[name]; !ok {
			cookies = append(cookies, c.template.ToExpiredCookie(name))
		}
	}

	return cookies, nil
}

// Expire returns deletion cookies for every session cookie in the jar.
func (c *Codec) Expire(jar []*http.Cookie) []*http.Cookie {
	names := c.names(jar)
	cookies := make([]*http.Cookie, 0, len(names))
	for _, name := range names {
		cookies = append(cookies, c.template.ToExpiredCookie(name))
	}

	return cookies
}

// Strip returns the jar without any session cookie.
func (c *Codec) Strip(jar []*http.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(jar))
	for _, ck := range jar {
		if !c.IsSessionCookie(ck.Name) {
			out = append(out, ck)
		}
	}

	return out
}

func (c *Codec) IsSessionCookie(name string) bool {
	if name == c.template.Name {
		return true
	}
	_, ok := fragmentIndex(c.template.Name, name)

	return ok
}

// LogTemplateWarnings reports cookie attributes that are unsafe in production.
func (c *Codec) LogTemplateWarnings(ctx context.Context) {
	ck := c.template.ToCookie("")
	if !strings.HasPrefix(ck.Name, "__Host-") {
		slogctx.Warn(ctx, "Session cookie name does not start with __Host-; this is not recommended in production environments")
	}
	if !ck.Secure {
		slogctx.Warn(ctx, "Session cookie is not marked as Secure; this is not recommended in production environments")
	}
	if !ck.HttpOnly {
		slogctx.Warn(ctx, "Session cookie is not marked as HttpOnly; this is not recommended in production environments")
	}
	if ck.SameSite == http.SameSiteNoneMode {
		slogctx.Warn(ctx, "Session cookie is marked as SameSite=None; this is not recommended in production environments")
	}
}

// partSize is the payload capacity of one fragment when the fragment count
// is at most bound.
func (c *Codec) partSize(bound int) int {
	digits := len(strconv.Itoa(bound))
	overhead := len(c.template.Name) + len(separator) + digits + // name.<index>
		digits + len(separator) + len(separator) + macLen // <total>.<part>.<mac>

	return c.maxSize - overhead
}

func (c *Codec) names(jar []*http.Cookie) []string {
	seen := make(map[string]struct{})
	for _, ck := range jar {
		if c.IsSessionCookie(ck.Name) {
			seen[ck.Name] = struct{}{}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

func fragmentName(name string, index int) string {
	return name + separator + strconv.Itoa(index)
}

// fragmentIndex parses the index out of "<name>.<index>". Leading zeros and
// signs are rejected so that every index has exactly one spelling.
func fragmentIndex(name, cookieName string) (int, bool) {
	suffix, ok := strings.CutPrefix(cookieName, name+separator)
	if !ok || suffix == "" || len(suffix) > len(strconv.Itoa(maxSegment)) {
		return 0, false
	}
	if len(suffix) > 1 && suffix[0] == '0' {
		return 0, false
	}
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return 0, false
		}
	}

	index, err := strconv.Atoi(suffix)
	if err != nil {
		return 0, false
	}

	return index, true
}

func cutLast(s string) (before, after string, ok bool) {
	i := strings.LastIndex(s, separator)
	if i < 0 {
		return "", "", false
	}

	return s[:i], s[i+1:], true
}

func malformed(format string, args ...any) error {
	return errors.Join(serviceerr.ErrMalformedSession, fmt.Errorf(format, args...))
}
