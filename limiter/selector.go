package limiter

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Selector routes each check to redis when it is usable and to the memory store otherwise.
// It is the only place that looks at the redis store's health.
type Selector struct {
	local  *MemoryStore
	remote *RedisStore // nil in local-only mode

	probe        *rate.Limiter // throttles reconnect probes while remote is unhealthy
	probeTimeout time.Duration
	probing      chan struct{} // holds one token while a probe is in flight
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithProbeInterval sets the minimum gap between reconnect probes.
func WithProbeInterval(d time.Duration) SelectorOption {
	return func(s *Selector) {
		if d > 0 {
			s.probe = rate.NewLimiter(rate.Every(d), 1)
		}
	}
}

// NewSelector creates a selector. remote may be nil for local-only operation.
func NewSelector(local *MemoryStore, remote *RedisStore, opts ...SelectorOption) *Selector {
	if local == nil {
		local = NewMemoryStore()
	}
	s := &Selector{
		local:        local,
		remote:       remote,
		probe:        rate.NewLimiter(rate.Every(DefaultProbeInterval), 1),
		probeTimeout: 5 * time.Second,
		probing:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Local returns the memory store used for fallback.
func (s *Selector) Local() *MemoryStore { return s.local }

// Remote returns the redis store, or nil in local-only mode.
func (s *Selector) Remote() *RedisStore { return s.remote }

// Distributed reports whether the next check would go to redis.
func (s *Selector) Distributed() bool {
	return s.remote != nil && s.remote.Healthy()
}

// Check implements Store. It never returns an error: redis failures fall back to memory.
func (s *Selector) Check(ctx context.Context, key string, policy Policy) (Decision, error) {
	if s.useRemote(ctx) {
		d, err := s.remote.Check(ctx, key, policy)
		if err == nil {
			return d, nil
		}
		s.remote.MarkUnhealthy(err)
		log.Warn().Err(err).Str("key", key).Str("policy", policy.Name).Msg("redis check failed, falling back to memory store")
	}
	return s.local.Check(ctx, key, policy)
}

// Reset clears key in every configured store. Redis errors are logged, not returned.
func (s *Selector) Reset(ctx context.Context, key string) error {
	if s.remote != nil && s.remote.Healthy() {
		if err := s.remote.Reset(ctx, key); err != nil {
			s.remote.MarkUnhealthy(err)
			log.Warn().Err(err).Str("key", key).Msg("redis reset failed")
		}
	}
	return s.local.Reset(ctx, key)
}

// useRemote decides whether this call goes to redis, connecting lazily on first use.
// The first connect and later reconnect probes share one in-flight token, so
// callers arriving while a connect is running are served from memory.
func (s *Selector) useRemote(ctx context.Context) bool {
	if s.remote == nil {
		return false
	}
	if s.remote.Healthy() {
		return true
	}
	if !s.remote.Dialed() {
		return s.connectFirst(ctx)
	}
	s.maybeProbe()
	return false
}

func (s *Selector) connectFirst(ctx context.Context) bool {
	select {
	case s.probing <- struct{}{}:
	default:
		return false
	}
	defer func() { <-s.probing }()

	// the first connect counts as a probe, so a failure is not retried at once
	s.probe.Allow()
	if s.remote.Dialed() {
		return s.remote.Healthy()
	}
	if err := s.remote.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("initial redis connect failed, using memory store")
		return false
	}
	return true
}

// maybeProbe starts a background reconnect attempt when the probe limiter allows it.
// At most one connect runs at a time.
func (s *Selector) maybeProbe() {
	select {
	case s.probing <- struct{}{}:
	default:
		return
	}
	if !s.probe.Allow() {
		<-s.probing
		return
	}
	go func() {
		defer func() { <-s.probing }()
		ctx, cancel := context.WithTimeout(context.Background(), s.probeTimeout)
		defer cancel()
		if err := s.remote.Connect(ctx); err != nil {
			log.Debug().Err(err).Msg("redis reconnect probe failed")
			return
		}
		log.Info().Msg("redis reconnect probe succeeded, resuming distributed counting")
	}()
}

var _ Store = (*Selector)(nil)
