package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
)

// memoryEntry is an Entry plus the window it was opened under, so the sweeper
// can tell whether it has elapsed without knowing the policy.
type memoryEntry struct {
	Entry
	window time.Duration
}

type memoryShard struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

// MemoryStore implements Store with an in-process table. It never fails.
// The table is split into shards so a sweep only ever holds one shard's lock.
type MemoryStore struct {
	shards        [shardCount]*memoryShard
	now           Clock
	sweepInterval time.Duration

	mu     sync.Mutex // guards stop
	stop   chan struct{}
	doneWg sync.WaitGroup
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now as the store's time source.
func WithClock(c Clock) MemoryOption {
	return func(s *MemoryStore) {
		if c != nil {
			s.now = c
		}
	}
}

// WithSweepInterval sets how often Start's background sweep runs.
// Non-positive values keep the default.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

// NewMemoryStore creates an empty in-memory store. Call Start to run the sweeper.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		now:           time.Now,
		sweepInterval: DefaultSweepInterval,
	}
	for i := range s.shards {
		s.shards[i] = &memoryShard{entries: make(map[string]memoryEntry)}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) shard(key string) *memoryShard {
	return s.shards[xxhash.Sum64String(key)%shardCount]
}

// Check implements Store. This is the local-only path: it never consults redis.
func (s *MemoryStore) Check(_ context.Context, key string, policy Policy) (Decision, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	cur, exists := sh.entries[key]

	if !exists || cur.expired(now, policy.Window) {
		cur = memoryEntry{Entry: Entry{Count: 1, WindowStart: now}, window: policy.Window}
		sh.entries[key] = cur
		log.Debug().Str("key", key).Str("policy", policy.Name).Msg("new window opened")
		return decide(cur.Entry, true, policy, now), nil
	}

	if cur.Count < policy.MaxRequests {
		cur.Count++
		sh.entries[key] = cur
		return decide(cur.Entry, true, policy, now), nil
	}

	log.Debug().Str("key", key).Str("policy", policy.Name).Int("count", cur.Count).Msg("memory rate limit exceeded")
	return decide(cur.Entry, false, policy, now), nil
}

// Reset forgets key so its next call opens a fresh window.
func (s *MemoryStore) Reset(_ context.Context, key string) error {
	sh := s.shard(key)
	sh.mu.Lock()
	delete(sh.entries, key)
	sh.mu.Unlock()
	return nil
}

// Len returns the number of tracked keys, expired or not.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// Sweep removes every entry whose window has elapsed and returns how many went.
func (s *MemoryStore) Sweep() int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		now := s.now()
		for k, e := range sh.entries {
			if e.expired(now, e.window) {
				delete(sh.entries, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Name identifies the store as a lifecycle component.
func (s *MemoryStore) Name() string { return "memory-store" }

// Start launches the background sweeper. Calling it twice is a no-op.
func (s *MemoryStore) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return nil
	}
	s.stop = make(chan struct{})
	s.doneWg.Add(1)
	go s.sweepLoop(s.stop)
	log.Info().Dur("interval", s.sweepInterval).Msg("memory store sweeper started")
	return nil
}

// Stop halts the sweeper and waits for it to exit. Stored entries are kept.
func (s *MemoryStore) Stop() error {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	s.doneWg.Wait()
	log.Info().Msg("memory store sweeper stopped")
	return nil
}

func (s *MemoryStore) sweepLoop(stop <-chan struct{}) {
	defer s.doneWg.Done()
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				log.Debug().Int("removed", n).Int("remaining", s.Len()).Msg("swept expired entries")
			}
		}
	}
}

var _ Store = (*MemoryStore)(nil)
