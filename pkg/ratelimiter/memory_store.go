package ratelimiter

import (
	"context"
	"sync"
	"time"
)

type bucket struct {
	tokens     int
	lastRefill time.Time
	lastAccess time.Time
}

// MemoryStore keeps buckets in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	stale   time.Duration
}

// NewMemoryStore creates an empty store. Buckets idle for longer than stale
// are dropped by Cleanup; zero means one hour.
func NewMemoryStore(stale time.Duration) *MemoryStore {
	if stale <= 0 {
		stale = time.Hour
	}
	return &MemoryStore{buckets: make(map[string]*bucket), stale: stale}
}

// ConsumeTokens implements Store.
func (ms *MemoryStore) ConsumeTokens(_ context.Context, key string, tokens int, cfg Config, now time.Time) (int, time.Time, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	b, ok := ms.buckets[key]
	if !ok {
		b = &bucket{tokens: cfg.Capacity, lastRefill: now}
		ms.buckets[key] = b
	}
	refill(&b.tokens, &b.lastRefill, cfg, now)

	b.tokens -= tokens
	b.lastAccess = now
	return b.tokens, b.lastRefill.Add(cfg.RefillInterval), nil
}

// refill adds the tokens of every whole interval elapsed since last.
func refill(tokens *int, last *time.Time, cfg Config, now time.Time) {
	// bounded so a long idle bucket cannot overflow
	maxIntervals := int64(cfg.Capacity/cfg.RefillRate + 1)
	intervals := int(min(int64(now.Sub(*last)/cfg.RefillInterval), maxIntervals))
	if intervals > 0 {
		*tokens = min(*tokens+intervals*cfg.RefillRate, cfg.Capacity)
		*last = now
	}
}

// Reset implements Store.
func (ms *MemoryStore) Reset(_ context.Context, key string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.buckets, key)
	return nil
}

// Cleanup drops idle buckets and returns how many were removed.
func (ms *MemoryStore) Cleanup(now time.Time) int {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	n := 0
	for key, b := range ms.buckets {
		if now.Sub(b.lastAccess) > ms.stale {
			delete(ms.buckets, key)
			n++
		}
	}
	return n
}

// Len returns the number of tracked buckets.
func (ms *MemoryStore) Len() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return len(ms.buckets)
}
