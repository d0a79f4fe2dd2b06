package limiter

import "time"

// Storage modes
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

// UnknownIdentifier is used when a caller cannot supply an identifier.
// All such callers share one counter.
const UnknownIdentifier = "unknown"

// Client IP headers, in precedence order.
const (
	HeaderConnectingIP = "Cf-Connecting-Ip"
	HeaderForwardedFor = "X-Forwarded-For"
	HeaderRealIP       = "X-Real-Ip"
)

const (
	// DefaultKeyPrefix namespaces every key this package writes to redis.
	DefaultKeyPrefix = "ratelimit:"
	// DefaultSweepInterval is how often the memory store drops expired entries.
	DefaultSweepInterval = 5 * time.Minute
	// DefaultCommandTimeout bounds a single redis round trip.
	DefaultCommandTimeout = 500 * time.Millisecond
	// DefaultProbeInterval is the minimum gap between reconnect probes of an unhealthy redis store.
	DefaultProbeInterval = 30 * time.Second

	// expirySlack is added to the window when setting a redis key's ttl.
	expirySlack = time.Second
	// shardCount is the number of independently locked partitions in the memory store.
	shardCount = 32
)
