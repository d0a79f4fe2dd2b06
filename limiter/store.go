package limiter

import (
	"context"
	"time"
)

// Store defines the interface for counting calls per key within a fixed window.
type Store interface {
	// Check records one call for key under policy and returns the resulting decision.
	// The read-modify-write on the key's entry must be atomic.
	// An error means the store could not answer; the decision is then meaningless.
	Check(ctx context.Context, key string, policy Policy) (Decision, error)
}

// Decision is the outcome of a single check.
type Decision struct {
	Allowed           bool
	Remaining         int       // calls left in the current window
	ResetAt           time.Time // end of the current window
	RetryAfterSeconds int       // set only when Allowed is false
}

// Entry is the state of one key within its current window.
type Entry struct {
	Count       int
	WindowStart time.Time
}

// Clock returns the current time. Stores take one so tests can move time.
type Clock func() time.Time

// expired reports whether the window anchored at e.WindowStart has elapsed at now.
// Crossing the boundary exactly counts as elapsed.
func (e Entry) expired(now time.Time, window time.Duration) bool {
	return now.Sub(e.WindowStart) >= window
}

// decide builds the decision for an entry that has already been updated for this call.
// counted is false when the call was rejected without incrementing.
func decide(e Entry, counted bool, policy Policy, now time.Time) Decision {
	resetAt := e.WindowStart.Add(policy.Window)
	if counted {
		remaining := policy.MaxRequests - e.Count
		if remaining < 0 {
			remaining = 0
		}
		return Decision{Allowed: true, Remaining: remaining, ResetAt: resetAt}
	}
	return Decision{
		Allowed:           false,
		Remaining:         0,
		ResetAt:           resetAt,
		RetryAfterSeconds: retryAfterSeconds(resetAt.Sub(now)),
	}
}

// retryAfterSeconds rounds a wait up to whole seconds, never below one.
func retryAfterSeconds(wait time.Duration) int {
	secs := int((wait + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
