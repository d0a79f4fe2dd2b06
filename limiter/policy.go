package limiter

import (
	"fmt"
	"time"
)

// Policy is a named limit shared by every identifier checked under that name.
type Policy struct {
	Name        string
	Window      time.Duration // length of one counting window
	MaxRequests int           // calls allowed per window
}

// WindowMs returns the window length in milliseconds.
func (p Policy) WindowMs() int64 {
	return p.Window.Milliseconds()
}

// Validate reports a policy that could never admit or reset correctly.
// It is meant for startup checks; Check does not call it.
func (p Policy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("policy has empty name")
	}
	if p.Window <= 0 {
		return fmt.Errorf("policy '%s' has invalid window: %s, must be positive", p.Name, p.Window)
	}
	if p.MaxRequests <= 0 {
		return fmt.Errorf("policy '%s' has invalid max requests: %d, must be positive", p.Name, p.MaxRequests)
	}
	return nil
}

// Catalog policies.
var (
	PolicyAuth          = Policy{Name: "auth", Window: 60 * time.Second, MaxRequests: 5}
	PolicyPasswordReset = Policy{Name: "passwordReset", Window: 15 * time.Minute, MaxRequests: 3}
	PolicyMagicLink     = Policy{Name: "magicLink", Window: 10 * time.Minute, MaxRequests: 3}
	PolicyAPI           = Policy{Name: "api", Window: 60 * time.Second, MaxRequests: 100}
	PolicyStrict        = Policy{Name: "strict", Window: 60 * time.Second, MaxRequests: 10}
	PolicyVerification  = Policy{Name: "verification", Window: 60 * time.Second, MaxRequests: 10}
)

var catalog = map[string]Policy{
	PolicyAuth.Name:          PolicyAuth,
	PolicyPasswordReset.Name: PolicyPasswordReset,
	PolicyMagicLink.Name:     PolicyMagicLink,
	PolicyAPI.Name:           PolicyAPI,
	PolicyStrict.Name:        PolicyStrict,
	PolicyVerification.Name:  PolicyVerification,
}

// Lookup returns the catalog policy registered under name.
func Lookup(name string) (Policy, bool) {
	p, ok := catalog[name]
	return p, ok
}

// Policies returns a copy of the catalog keyed by name.
func Policies() map[string]Policy {
	out := make(map[string]Policy, len(catalog))
	for k, v := range catalog {
		out[k] = v
	}
	return out
}
