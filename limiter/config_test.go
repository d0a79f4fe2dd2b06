package limiter

import (
	"context"
	"testing"
	"time"
)

func TestConfigFromEnv_Defaults(t *testing.T) {
	t.Setenv(EnvRedisURL, "")
	t.Setenv(EnvKeyPrefix, "")
	t.Setenv(EnvSweepInterval, "")
	t.Setenv(EnvCommandTimeout, "")
	t.Setenv(EnvProbeInterval, "")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.StorageType() != StorageMemory {
		t.Fatalf("expected memory storage without a redis url, got %s", cfg.StorageType())
	}
	if cfg.KeyPrefix != DefaultKeyPrefix || cfg.SweepInterval != DefaultSweepInterval ||
		cfg.CommandTimeout != DefaultCommandTimeout || cfg.ProbeInterval != DefaultProbeInterval {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestConfigFromEnv_Redis(t *testing.T) {
	t.Setenv(EnvRedisURL, " redis://localhost:6379/0 ")
	t.Setenv(EnvKeyPrefix, "events:")
	t.Setenv(EnvSweepInterval, "1m")
	t.Setenv(EnvCommandTimeout, "250ms")
	t.Setenv(EnvProbeInterval, "10s")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.StorageType() != StorageRedis {
		t.Fatalf("expected redis storage, got %s", cfg.StorageType())
	}
	if cfg.RedisURL != "redis://localhost:6379/0" {
		t.Fatalf("expected trimmed url, got %q", cfg.RedisURL)
	}
	if cfg.KeyPrefix != "events:" || cfg.SweepInterval != time.Minute ||
		cfg.CommandTimeout != 250*time.Millisecond || cfg.ProbeInterval != 10*time.Second {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestConfigFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"bad duration", EnvSweepInterval, "soon"},
		{"negative timeout", EnvCommandTimeout, "-1s"},
		{"negative probe", EnvProbeInterval, "-5s"},
		{"wrong scheme", EnvRedisURL, "http://localhost:6379"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvRedisURL, "")
			t.Setenv(EnvSweepInterval, "")
			t.Setenv(EnvCommandTimeout, "")
			t.Setenv(EnvProbeInterval, "")
			t.Setenv(tt.key, tt.val)

			if _, err := ConfigFromEnv(); err == nil {
				t.Fatalf("expected error for %s=%q", tt.key, tt.val)
			}
		})
	}
}

func TestConfig_BuildLocal(t *testing.T) {
	cfg := &Config{}
	if err := cfg.ValidateAndPrepare(); err != nil {
		t.Fatal(err)
	}
	clock := newFakeClock()
	gate, sel, err := cfg.Build(clock.Now)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if sel.Remote() != nil {
		t.Fatalf("expected no redis store in local mode")
	}
	if d := gate.Check(context.Background(), "1.2.3.4", PolicyAuth); !d.Allowed {
		t.Fatalf("expected first call allowed")
	}
}

func TestConfig_BuildRedis(t *testing.T) {
	mr, _ := newTestRedis(t)
	cfg := &Config{RedisURL: "redis://" + mr.Addr(), KeyPrefix: "built:"}
	if err := cfg.ValidateAndPrepare(); err != nil {
		t.Fatal(err)
	}
	gate, sel, err := cfg.Build(newFakeClock().Now)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer sel.Remote().Close()

	if d := gate.Check(context.Background(), "1.2.3.4", PolicyAuth); !d.Allowed {
		t.Fatalf("expected first call allowed")
	}
	if !sel.Distributed() || !mr.Exists("built:auth:1.2.3.4") {
		t.Fatalf("expected the check to land in redis, keys=%v", mr.Keys())
	}
}
