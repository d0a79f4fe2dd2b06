package limiter

import (
	"context"
	_ "embed" // needed for go:embed
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

//go:embed limiter.lua
var redisLimiterScript string

var redisScript = redis.NewScript(redisLimiterScript)

const (
	// maxConnectAttempts caps the PING attempts made by one connect.
	maxConnectAttempts = 3
	// connectBackoff is the first delay between connect attempts; it doubles up to maxConnectBackoff.
	connectBackoff    = 100 * time.Millisecond
	maxConnectBackoff = 2 * time.Second
)

var (
	// ErrStoreClosed is returned after Close.
	ErrStoreClosed = errors.New("limiter: redis store is closed")
	// ErrNotConnected is returned when the store could not reach redis.
	ErrNotConnected = errors.New("limiter: redis store not connected")
)

// Dialer builds a redis client. It is called lazily, at most once per successful connect.
type Dialer func() (redis.UniversalClient, error)

// RedisStore implements Store on a redis server shared by every process.
// The client is built on first use and the store tracks whether redis is usable.
type RedisStore struct {
	id      string
	dial    Dialer
	prefix  string
	timeout time.Duration
	now     Clock

	mu     sync.Mutex // guards client and closed
	client redis.UniversalClient
	closed bool

	healthy atomic.Bool
	dialed  atomic.Bool // true once a connect has been attempted
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the namespace prepended to every key.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithCommandTimeout bounds every redis round trip made by Check.
func WithCommandTimeout(d time.Duration) RedisOption {
	return func(s *RedisStore) {
		if d > 0 {
			s.timeout = d
		} else {
			log.Warn().Dur("invalid_timeout", d).Msg("ignoring non-positive command timeout option")
		}
	}
}

// WithRedisClock replaces time.Now as the source of window timestamps.
func WithRedisClock(c Clock) RedisOption {
	return func(s *RedisStore) {
		if c != nil {
			s.now = c
		}
	}
}

// NewRedisStore creates a store that dials lazily through dial.
func NewRedisStore(dial Dialer, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		id:      uuid.NewString(),
		dial:    dial,
		prefix:  DefaultKeyPrefix,
		timeout: DefaultCommandTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRedisStoreFromURL creates a store for a redis:// or rediss:// url.
// The url is parsed up front; nothing touches the network until the first check.
func NewRedisStoreFromURL(rawURL string, opts ...RedisOption) (*RedisStore, error) {
	ropts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	var s *RedisStore
	dial := func() (redis.UniversalClient, error) {
		o := *ropts
		o.MaxRetries = 1
		o.MinRetryBackoff = connectBackoff
		o.MaxRetryBackoff = maxConnectBackoff
		// without this go-redis ignores the per-call context deadline
		o.ContextTimeoutEnabled = true
		o.DialTimeout = s.timeout
		o.ReadTimeout = s.timeout
		o.WriteTimeout = s.timeout
		o.OnConnect = func(ctx context.Context, cn *redis.Conn) error {
			// a fresh pool connection means redis is reachable again
			if !s.healthy.Swap(true) {
				log.Info().Str("store_id", s.id).Msg("redis connection established")
			}
			return nil
		}
		return redis.NewClient(&o), nil
	}
	s = NewRedisStore(dial, opts...)
	return s, nil
}

// NewRedisStoreFromClient wraps an existing client. Close will close it.
// The client must have ContextTimeoutEnabled set, otherwise the command
// timeout is not enforced and a stalled server blocks for the client's own
// read timeout.
func NewRedisStoreFromClient(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	if c, ok := client.(*redis.Client); ok && !c.Options().ContextTimeoutEnabled {
		log.Warn().Msg("redis client has context timeouts disabled, command timeout will not be enforced")
	}
	return NewRedisStore(func() (redis.UniversalClient, error) { return client, nil }, opts...)
}

// Name identifies the store as a lifecycle component.
func (s *RedisStore) Name() string { return "redis-store" }

// Start is a no-op; the connection is made on first use.
func (s *RedisStore) Start() error { return nil }

// Stop closes the store.
func (s *RedisStore) Stop() error { return s.Close() }

// Healthy reports whether the last interaction with redis succeeded.
func (s *RedisStore) Healthy() bool { return s.healthy.Load() }

// Dialed reports whether a connect has been attempted.
func (s *RedisStore) Dialed() bool { return s.dialed.Load() }

// MarkUnhealthy clears the health flag after a failure observed by the caller.
func (s *RedisStore) MarkUnhealthy(err error) {
	if s.healthy.Swap(false) {
		log.Warn().Err(err).Str("store_id", s.id).Msg("redis store marked unhealthy")
	}
}

// Connect ensures a client exists and answers PING, retrying with capped
// exponential backoff. Success sets the health flag.
func (s *RedisStore) Connect(ctx context.Context) error {
	s.dialed.Store(true)
	client, err := s.getClient()
	if err != nil {
		s.MarkUnhealthy(err)
		return err
	}

	delay := connectBackoff
	var lastErr error
	for attempt := 1; attempt <= maxConnectAttempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, s.timeout)
		lastErr = client.Ping(pingCtx).Err()
		cancel()
		if lastErr == nil {
			if !s.healthy.Swap(true) {
				log.Info().Str("store_id", s.id).Int("attempt", attempt).Msg("redis store connected")
			}
			return nil
		}
		log.Warn().Err(lastErr).Str("store_id", s.id).Int("attempt", attempt).Int("max_attempts", maxConnectAttempts).Msg("redis ping failed")
		if attempt == maxConnectAttempts {
			break
		}

		select {
		case <-ctx.Done():
			s.MarkUnhealthy(ctx.Err())
			return fmt.Errorf("%w: %w", ErrNotConnected, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxConnectBackoff {
			delay = maxConnectBackoff
		}
	}

	s.healthy.Store(false)
	log.Error().Err(lastErr).Str("store_id", s.id).Msg("redis store unreachable, giving up")
	return fmt.Errorf("%w: %w", ErrNotConnected, lastErr)
}

// getClient returns the client, dialing it on first use.
func (s *RedisStore) getClient() (redis.UniversalClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if s.client != nil {
		return s.client, nil
	}
	if s.dial == nil {
		return nil, fmt.Errorf("%w: no dialer configured", ErrNotConnected)
	}
	client, err := s.dial()
	if err != nil {
		return nil, fmt.Errorf("failed to create redis client: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("%w: dialer returned nil client", ErrNotConnected)
	}
	s.client = client
	log.Debug().Str("store_id", s.id).Msg("redis client created")
	return client, nil
}

func (s *RedisStore) key(key string) string {
	return s.prefix + key
}

// Check implements Store with one atomic script run per call.
func (s *RedisStore) Check(ctx context.Context, key string, policy Policy) (Decision, error) {
	client, err := s.getClient()
	if err != nil {
		return Decision{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	now := s.now()
	ttl := policy.Window + expirySlack
	keys := []string{s.key(key)}
	args := []any{
		now.UnixMilli(),    // ARGV[1]: now
		policy.WindowMs(),  // ARGV[2]: window
		policy.MaxRequests, // ARGV[3]: max requests
		ttl.Milliseconds(), // ARGV[4]: ttl
	}

	result, err := redisScript.Run(ctx, client, keys, args...).Int64Slice()
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("redis limiter script execution failed")
		return Decision{}, fmt.Errorf("redis command failed for key %s: %w", key, err)
	}
	if len(result) != 3 {
		return Decision{}, fmt.Errorf("unexpected result length from redis script for key %s: %d", key, len(result))
	}

	s.healthy.Store(true)

	entry := Entry{Count: int(result[0]), WindowStart: time.UnixMilli(result[1])}
	allowed := result[2] == 1
	if !allowed {
		log.Debug().Str("key", key).Str("policy", policy.Name).Int("count", entry.Count).Msg("redis rate limit exceeded")
	}
	return decide(entry, allowed, policy, now), nil
}

// Reset deletes key's counter.
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	client, err := s.getClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := client.Del(ctx, s.key(key)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to reset key %s: %w", key, err)
	}
	return nil
}

// Close closes the client, if one was created. Further checks return ErrStoreClosed.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.healthy.Store(false)
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	log.Info().Str("store_id", s.id).Msg("redis store closed")
	return err
}

var _ Store = (*RedisStore)(nil)
