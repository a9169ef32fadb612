package lock_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/quotakit/pkg/lock"
	"github.com/dmitrymomot/quotakit/pkg/retry"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func lockers(t *testing.T) map[string]lock.Locker {
	t.Helper()
	_, client := newRedis(t)
	return map[string]lock.Locker{
		"memory": lock.NewMemory(),
		"redis":  lock.NewRedis(client, lock.WithBackoff(retry.Fixed(2*time.Millisecond))),
	}
}

func TestLocker_Contract(t *testing.T) {
	t.Parallel()

	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			release, err := l.Acquire(ctx, "user-1", time.Second)
			require.NoError(t, err)

			_, err = l.Acquire(ctx, "user-1", 20*time.Millisecond)
			assert.ErrorIs(t, err, lock.ErrLockTimeout)

			_, err = l.Acquire(ctx, "user-1", 0)
			assert.ErrorIs(t, err, lock.ErrLockTimeout)

			other, err := l.Acquire(ctx, "user-2", 0)
			require.NoError(t, err, "keys are independent")
			other()

			release()
			release()

			again, err := l.Acquire(ctx, "user-1", 0)
			require.NoError(t, err)
			again()
		})
	}
}

func TestLocker_WaitsForRelease(t *testing.T) {
	t.Parallel()

	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			release, err := l.Acquire(ctx, "k", time.Second)
			require.NoError(t, err)
			go func() {
				time.Sleep(30 * time.Millisecond)
				release()
			}()

			second, err := l.Acquire(ctx, "k", 2*time.Second)
			require.NoError(t, err)
			second()
		})
	}
}

func TestLocker_MutualExclusion(t *testing.T) {
	t.Parallel()

	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			var inside, maxInside atomic.Int32
			var wg sync.WaitGroup
			for range 8 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := lock.With(context.Background(), l, "shared", 5*time.Second, func(context.Context) error {
						n := inside.Add(1)
						if n > maxInside.Load() {
							maxInside.Store(n)
						}
						time.Sleep(2 * time.Millisecond)
						inside.Add(-1)
						return nil
					})
					assert.NoError(t, err)
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), maxInside.Load())
		})
	}
}

func TestMemory_ContextCancelled(t *testing.T) {
	t.Parallel()

	l := lock.NewMemory()
	release, err := l.Acquire(context.Background(), "k", 0)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Acquire(ctx, "k", time.Second)
	assert.ErrorIs(t, err, lock.ErrLockFailed)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRedis_ExpiredLeaseIsNotReleasedByOldHolder(t *testing.T) {
	t.Parallel()

	mr, client := newRedis(t)
	l := lock.NewRedis(client, lock.WithLeaseTTL(time.Second), lock.WithPrefix("test:"))
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "k", 0)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	fresh, err := l.Acquire(ctx, "k", 0)
	require.NoError(t, err)

	stale()
	assert.True(t, mr.Exists("test:k"), "stale release must keep the new lease")

	fresh()
	assert.False(t, mr.Exists("test:k"))
}

func TestMemory_ForgetsReleasedKeys(t *testing.T) {
	t.Parallel()

	l := lock.NewMemory()
	ctx := context.Background()

	release, err := l.Acquire(ctx, "k1", 0)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		waiter, err := l.Acquire(ctx, "k1", time.Second)
		if assert.NoError(t, err) {
			waiter()
		}
	}()

	_, err = l.Acquire(ctx, "k2", 0)
	require.NoError(t, err)
	_, err = l.Acquire(ctx, "k2", 0)
	require.ErrorIs(t, err, lock.ErrLockTimeout)

	release()
	<-done
	assert.Equal(t, 1, l.Len(), "only the still held key remains")

	for i := range 100 {
		r, err := l.Acquire(ctx, fmt.Sprintf("user-%d", i), 0)
		require.NoError(t, err)
		r()
	}
	assert.Equal(t, 1, l.Len())
}

func TestRedis_LeaseOutlivesTTLWhileHeld(t *testing.T) {
	t.Parallel()

	mr, client := newRedis(t)
	l := lock.NewRedis(client, lock.WithLeaseTTL(300*time.Millisecond), lock.WithPrefix("test:"))

	release, err := l.Acquire(context.Background(), "k", 0)
	require.NoError(t, err)

	mr.FastForward(250 * time.Millisecond)
	require.Eventually(t, func() bool {
		return mr.TTL("test:k") > 200*time.Millisecond
	}, time.Second, 10*time.Millisecond, "held lease is renewed")

	release()
	assert.False(t, mr.Exists("test:k"))

	_, err = l.Acquire(context.Background(), "k", 0)
	require.NoError(t, err)
}
