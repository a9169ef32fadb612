package cache

import (
	"bytes"
	"context"
	"time"
)

// Memory is an in-process Cache backed by LRU.
type Memory struct {
	lru *LRU[string, []byte]
}

// NewMemory creates an in-process cache holding at most capacity keys.
func NewMemory(capacity int) *Memory {
	return &Memory{lru: NewLRU[string, []byte](capacity)}
}

// SetClock overrides the time source used for expiry.
func (m *Memory) SetClock(now func() time.Time) {
	m.lru.SetClock(now)
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := m.lru.Get(key)
	if !ok {
		return nil, ErrCacheMiss
	}
	return bytes.Clone(v), nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.lru.Put(key, bytes.Clone(value), ttl)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.lru.Remove(key)
	return nil
}
