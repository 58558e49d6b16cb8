package admission

import (
	"net"
	"net/http"
	"strings"

	"github.com/nhalm/admission/identity"
)

// keyNamespace prefixes every rate-limit key so quota state can never collide
// with unrelated keys in a shared store.
const keyNamespace = "rate:"

// KeyFunc derives the rate-limit partition key for a request. It must be a
// pure function of the request: no I/O, stable for the lifetime of the
// caller's session or IP.
type KeyFunc func(*http.Request) string

// DefaultKey keys by resolved identity when one is attached to the request
// context (rate:user:<id>), falling back to the client IP (rate:ip:<ip>).
func DefaultKey() KeyFunc {
	return func(r *http.Request) string {
		if id, ok := identity.FromContext(r.Context()); ok {
			return keyNamespace + "user:" + id
		}
		return keyNamespace + "ip:" + ClientIP(r)
	}
}

// CustomKey wraps a caller-supplied generator, prefixing its result with the
// rate-limit namespace.
func CustomKey(fn func(*http.Request) string) KeyFunc {
	return func(r *http.Request) string {
		return keyNamespace + fn(r)
	}
}

// ClientIP resolves the client address: first X-Forwarded-For entry, then
// X-Real-IP, then the transport peer address. When nothing identifies the
// client it returns "unknown", deliberately pooling all unidentifiable
// clients into one shared bucket rather than giving each request a fresh
// quota.
//
// SECURITY: the forwarding headers are client-controllable; trust them only
// behind a reverse proxy that overwrites them.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return strings.TrimSpace(realIP)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
