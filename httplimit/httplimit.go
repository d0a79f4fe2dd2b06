// Package httplimit renders limiter decisions as HTTP responses and provides
// a chi compatible middleware that applies one policy to a route.
package httplimit

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/iradwatkins/stepperslife-events-sub003/limiter"
)

// Response headers.
const (
	HeaderRetryAfter = "Retry-After"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
)

// RejectionBody is the JSON document sent with a 429.
type RejectionBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter"`
}

// Rejection is a fully rendered 429 response.
type Rejection struct {
	StatusCode int
	Header     http.Header
	Body       RejectionBody
}

// NewRejection renders a denied decision.
func NewRejection(d limiter.Decision) Rejection {
	n := d.RetryAfterSeconds
	if n < 1 {
		n = 1
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set(HeaderRetryAfter, strconv.Itoa(n))
	h.Set(HeaderRemaining, "0")
	return Rejection{
		StatusCode: http.StatusTooManyRequests,
		Header:     h,
		Body: RejectionBody{
			Error:      "Too many requests",
			Message:    fmt.Sprintf("Please try again in %d seconds", n),
			RetryAfter: n,
		},
	}
}

// Write sends the rejection on w.
func (r Rejection) Write(w http.ResponseWriter) error {
	for k, vals := range r.Header {
		for _, v := range vals {
			w.Header().Set(k, v)
		}
	}
	w.WriteHeader(r.StatusCode)
	return json.NewEncoder(w).Encode(r.Body)
}

// SetHeaders adds the informational headers for an allowed decision.
func SetHeaders(h http.Header, d limiter.Decision) {
	h.Set(HeaderRemaining, strconv.Itoa(d.Remaining))
	h.Set(HeaderReset, strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// KeyFunc extracts the identifier a request is counted under.
type KeyFunc func(r *http.Request) string

// ClientIP identifies a request by its proxy headers only.
func ClientIP(r *http.Request) string {
	return limiter.ClientIP(r.Header)
}

// ClientIPOrRemoteAddr is ClientIP, falling back to the peer address when no
// proxy header is present. Use it when the server is reached directly.
func ClientIPOrRemoteAddr(r *http.Request) string {
	if ip := limiter.ClientIP(r.Header); ip != limiter.UnknownIdentifier {
		return ip
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return limiter.UnknownIdentifier
}

type decisionKey struct{}

// DecisionFromContext returns the decision the middleware made for this request.
func DecisionFromContext(ctx context.Context) (limiter.Decision, bool) {
	d, ok := ctx.Value(decisionKey{}).(limiter.Decision)
	return d, ok
}

type middleware struct {
	keyFn KeyFunc
}

// Option configures Middleware.
type Option func(*middleware)

// WithKeyFunc replaces the default ClientIP key function.
func WithKeyFunc(fn KeyFunc) Option {
	return func(m *middleware) {
		if fn != nil {
			m.keyFn = fn
		}
	}
}

// Middleware applies policy to every request passing through it.
// Allowed requests carry the success headers and reach next; denied ones get a 429.
func Middleware(gate *limiter.Gate, policy limiter.Policy, opts ...Option) func(http.Handler) http.Handler {
	m := &middleware{keyFn: ClientIP}
	for _, opt := range opts {
		opt(m)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if gate == nil {
				next.ServeHTTP(w, r)
				return
			}

			d := gate.Check(r.Context(), m.keyFn(r), policy)
			if !d.Allowed {
				if err := NewRejection(d).Write(w); err != nil {
					log.Debug().Err(err).Str("path", r.URL.Path).Msg("failed to write rejection body")
				}
				return
			}

			SetHeaders(w.Header(), d)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), decisionKey{}, d)))
		})
	}
}
