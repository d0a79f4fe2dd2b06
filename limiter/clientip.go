package limiter

import "strings"

// HeaderGetter is anything that can look a header up by name, such as http.Header.
type HeaderGetter interface {
	Get(key string) string
}

// HeaderFunc adapts a plain function to HeaderGetter.
type HeaderFunc func(key string) string

// Get implements HeaderGetter.
func (f HeaderFunc) Get(key string) string { return f(key) }

// ClientIP extracts the caller's address from proxy headers.
// Precedence: cf-connecting-ip, first hop of x-forwarded-for, x-real-ip, then "unknown".
func ClientIP(h HeaderGetter) string {
	if h == nil {
		return UnknownIdentifier
	}
	if v := strings.TrimSpace(h.Get(HeaderConnectingIP)); v != "" {
		return v
	}
	if xff := h.Get(HeaderForwardedFor); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if v := strings.TrimSpace(h.Get(HeaderRealIP)); v != "" {
		return v
	}
	return UnknownIdentifier
}
