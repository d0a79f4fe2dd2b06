package limiter

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Environment variables read by ConfigFromEnv.
const (
	EnvRedisURL       = "REDIS_URL"
	EnvKeyPrefix      = "RATELIMIT_KEY_PREFIX"
	EnvSweepInterval  = "RATELIMIT_SWEEP_INTERVAL"
	EnvCommandTimeout = "RATELIMIT_REDIS_TIMEOUT"
	EnvProbeInterval  = "RATELIMIT_PROBE_INTERVAL"
)

// Config holds the process-wide limiter settings. It is read once at startup.
type Config struct {
	RedisURL       string        // empty means local-only for the life of the process
	KeyPrefix      string        // namespace for redis keys
	SweepInterval  time.Duration // memory store garbage collection period
	CommandTimeout time.Duration // per redis round trip
	ProbeInterval  time.Duration // minimum gap between reconnect probes

	// internal fields
	storageType string
}

// StorageType returns StorageRedis or StorageMemory. Valid after ValidateAndPrepare.
func (c *Config) StorageType() string { return c.storageType }

// ConfigFromEnv reads the limiter settings from the environment.
func ConfigFromEnv() (*Config, error) {
	cfg := &Config{
		RedisURL:  strings.TrimSpace(os.Getenv(EnvRedisURL)),
		KeyPrefix: os.Getenv(EnvKeyPrefix),
	}

	var err error
	if cfg.SweepInterval, err = durationEnv(EnvSweepInterval); err != nil {
		return nil, err
	}
	if cfg.CommandTimeout, err = durationEnv(EnvCommandTimeout); err != nil {
		return nil, err
	}
	if cfg.ProbeInterval, err = durationEnv(EnvProbeInterval); err != nil {
		return nil, err
	}

	if err := cfg.ValidateAndPrepare(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func durationEnv(key string) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// ValidateAndPrepare fills defaults, validates values and checks the policy catalog.
func (c *Config) ValidateAndPrepare() error {
	if c.KeyPrefix == "" {
		c.KeyPrefix = DefaultKeyPrefix
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = DefaultProbeInterval
	}

	if c.SweepInterval < 0 {
		return fmt.Errorf("invalid sweep interval: %s, must be positive", c.SweepInterval)
	}
	if c.CommandTimeout < 0 {
		return fmt.Errorf("invalid redis command timeout: %s, must be positive", c.CommandTimeout)
	}
	if c.ProbeInterval < 0 {
		return fmt.Errorf("invalid probe interval: %s, must be positive", c.ProbeInterval)
	}

	for _, p := range catalog {
		if err := p.Validate(); err != nil {
			return err
		}
	}

	if c.RedisURL == "" {
		c.storageType = StorageMemory
		log.Info().Msg("no redis url configured, rate limiting is local-only")
		return nil
	}
	if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
		return fmt.Errorf("invalid redis url: must start with redis:// or rediss://")
	}
	c.storageType = StorageRedis
	return nil
}

// Build constructs the stores and gate described by c.
// The returned selector owns both stores; register them with a lifecycle manager.
func (c *Config) Build(clock Clock) (*Gate, *Selector, error) {
	local := NewMemoryStore(WithClock(clock), WithSweepInterval(c.SweepInterval))

	var remote *RedisStore
	if c.storageType == StorageRedis {
		var err error
		remote, err = NewRedisStoreFromURL(c.RedisURL,
			WithKeyPrefix(c.KeyPrefix),
			WithCommandTimeout(c.CommandTimeout),
			WithRedisClock(clock),
		)
		if err != nil {
			return nil, nil, err
		}
	}

	sel := NewSelector(local, remote, WithProbeInterval(c.ProbeInterval))
	return NewGate(sel), sel, nil
}
