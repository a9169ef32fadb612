package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Memory implements Locker for single-process deployments and tests.
type Memory struct {
	mu    sync.Mutex
	locks map[string]*slot
}

// slot is dropped once no holder or waiter references it.
type slot struct {
	ch   chan struct{}
	refs int
}

// NewMemory creates an in-process locker.
func NewMemory() *Memory {
	return &Memory{locks: make(map[string]*slot)}
}

// Len reports how many keys are held or awaited.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *Memory) join(key string) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.locks[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		m.locks[key] = s
	}
	s.refs++
	return s
}

func (m *Memory) leave(key string, s *slot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s.refs--
	if s.refs == 0 {
		delete(m.locks, key)
	}
}

// Acquire implements Locker.
func (m *Memory) Acquire(ctx context.Context, key string, wait time.Duration) (func(), error) {
	s := m.join(key)
	release := releaseOnce(func() {
		<-s.ch
		m.leave(key, s)
	})

	select {
	case s.ch <- struct{}{}:
		return release, nil
	default:
	}
	if wait <= 0 {
		m.leave(key, s)
		return nil, ErrLockTimeout
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case s.ch <- struct{}{}:
		return release, nil
	case <-timer.C:
		m.leave(key, s)
		return nil, ErrLockTimeout
	case <-ctx.Done():
		m.leave(key, s)
		return nil, errors.Join(ErrLockFailed, ctx.Err())
	}
}

func releaseOnce(fn func()) func() {
	var once sync.Once
	return func() { once.Do(fn) }
}
