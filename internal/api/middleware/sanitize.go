package middleware

import (
	"net/http"
	"strings"

	"github.com/Wikid82/warden/internal/util"
)

const (
	redacted      = "<redacted>"
	maxLogValueLn = 200
)

// Credential and client-identity headers that never reach a log line.
var baseRedacted = []string{
	"Authorization",
	"Proxy-Authorization",
	"Cookie",
	"Set-Cookie",
	"X-API-Key",
	"X-Forwarded-For",
	"X-Real-IP",
	"Forwarded",
	"CF-Connecting-IP",
}

// HeaderRedactor masks a fixed set of headers and sanitizes the rest for
// logging. The zero value redacts only the built-in set.
type HeaderRedactor struct {
	names map[string]struct{}
}

// NewHeaderRedactor builds a redactor over the built-in set plus extra
// header names, typically the configured API key and country headers.
// Empty names are ignored; matching is case-insensitive.
func NewHeaderRedactor(extra ...string) HeaderRedactor {
	names := make(map[string]struct{}, len(baseRedacted)+len(extra))
	for _, n := range append(append([]string{}, baseRedacted...), extra...) {
		if n = strings.TrimSpace(n); n != "" {
			names[http.CanonicalHeaderKey(n)] = struct{}{}
		}
	}
	return HeaderRedactor{names: names}
}

func (r HeaderRedactor) redacts(key string) bool {
	if r.names == nil {
		r = NewHeaderRedactor()
	}
	_, ok := r.names[http.CanonicalHeaderKey(key)]
	return ok
}

// Headers returns a log-safe copy of h.
func (r HeaderRedactor) Headers(h http.Header) map[string][]string {
	if h == nil {
		return nil
	}
	out := make(map[string][]string, len(h))
	for k, vals := range h {
		if r.redacts(k) {
			out[k] = []string{redacted}
			continue
		}
		clean := make([]string, 0, len(vals))
		for _, v := range vals {
			clean = append(clean, truncate(util.SanitizeForLog(v)))
		}
		out[k] = clean
	}
	return out
}

// SanitizeHeaders redacts the built-in set plus extra names.
func SanitizeHeaders(h http.Header, extra ...string) map[string][]string {
	return NewHeaderRedactor(extra...).Headers(h)
}

// SanitizePath strips the query string and control characters from a
// request path and truncates it.
func SanitizePath(p string) string {
	if i := strings.IndexByte(p, '?'); i != -1 {
		p = p[:i]
	}
	return truncate(util.SanitizeForLog(p))
}

func truncate(s string) string {
	if len(s) > maxLogValueLn {
		return s[:maxLogValueLn]
	}
	return s
}
