package limiter

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Gate is the entry point every caller uses to ask whether an identifier may proceed.
type Gate struct {
	store Store
	now   Clock
}

// NewGate creates a Gate over store. Pass a *Selector to get redis with memory fallback.
func NewGate(store Store) *Gate {
	if store == nil {
		store = NewSelector(nil, nil)
	}
	return &Gate{store: store, now: time.Now}
}

// NewLocalGate creates a Gate backed only by a fresh memory store.
func NewLocalGate(opts ...MemoryOption) *Gate {
	return NewGate(NewSelector(NewMemoryStore(opts...), nil))
}

// Check records one call by identifier under policy and returns the decision.
// It never fails: store errors are absorbed and the call is allowed.
func (g *Gate) Check(ctx context.Context, identifier string, policy Policy) Decision {
	key := generateStoreKey(policy, identifier)

	d, err := g.store.Check(ctx, key, policy)
	if err != nil {
		// only reachable with a store that is not a Selector
		log.Error().Err(err).Str("key", key).Msg("rate limit check failed, allowing request")
		return g.failOpen(policy)
	}

	if !d.Allowed {
		log.Warn().Str("key", key).Str("policy", policy.Name).Int("max_requests", policy.MaxRequests).Dur("window", policy.Window).Int("retry_after", d.RetryAfterSeconds).Msg("rate limit exceeded for identifier")
	}
	return d
}

// CheckNamed is Check with the policy looked up in the catalog.
// An unknown name is a configuration error; the call is logged and allowed,
// reported against the api policy's window without counting anything.
func (g *Gate) CheckNamed(ctx context.Context, identifier, policyName string) Decision {
	policy, ok := Lookup(policyName)
	if !ok {
		log.Error().Str("policy", policyName).Msg("unknown rate limit policy, allowing request")
		return g.failOpen(PolicyAPI)
	}
	return g.Check(ctx, identifier, policy)
}

// failOpen is the decision returned when a call is allowed without being counted.
// It reports a full, freshly opened window of policy.
func (g *Gate) failOpen(policy Policy) Decision {
	return Decision{Allowed: true, Remaining: policy.MaxRequests, ResetAt: g.now().Add(policy.Window)}
}

// Reset clears identifier's counter under policy, when the store supports it.
func (g *Gate) Reset(ctx context.Context, identifier string, policy Policy) error {
	r, ok := g.store.(interface {
		Reset(ctx context.Context, key string) error
	})
	if !ok {
		return nil
	}
	return r.Reset(ctx, generateStoreKey(policy, identifier))
}

// Store returns the store the gate checks against.
func (g *Gate) Store() Store { return g.store }

// generateStoreKey scopes identifier to policy.
// Format: <policy name>:<identifier>
func generateStoreKey(policy Policy, identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		identifier = UnknownIdentifier
	}
	return policy.Name + ":" + identifier
}
