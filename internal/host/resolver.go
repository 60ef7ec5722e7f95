// Package host decides which relying-party host platform credentials are
// bound to.
package host

import (
	"net"
	"net/url"
	"strings"
)

// Resolve maps the configured relying-party host to the host that should be
// handed to the authenticator. ok is false when the platform default (the
// current host) must be used instead: nothing configured, the request comes
// from a loopback host, or the configured host is the current one.
func Resolve(configured, current string) (string, bool) {
	cfg := Normalize(configured)
	cur := Normalize(current)

	if cfg == "" {
		return "", false
	}
	if cur != "" && IsLoopback(cur) {
		return "", false
	}
	if cfg == cur {
		return "", false
	}
	return cfg, true
}

// Effective is Resolve with the fallback applied.
func Effective(configured, current string) string {
	if h, ok := Resolve(configured, current); ok {
		return h
	}
	if cur := Normalize(current); cur != "" {
		return cur
	}
	if cfg := Normalize(configured); cfg != "" {
		return cfg
	}
	return "localhost"
}

// IsLoopback reports whether host is localhost, a *.localhost name or a
// loopback IP.
func IsLoopback(host string) bool {
	h := Normalize(host)
	if h == "" {
		return false
	}
	if h == "localhost" || strings.HasSuffix(h, ".localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

// Normalize reduces an origin, URL or host[:port] to a lowercase host name.
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" || s == "null" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
	}
	if h, _, err := net.SplitHostPort(s); err == nil {
		s = h
	}
	s = strings.TrimSuffix(strings.Trim(s, "[]"), ".")
	return strings.ToLower(s)
}
