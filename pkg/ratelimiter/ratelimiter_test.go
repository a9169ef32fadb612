package ratelimiter_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/quotakit/pkg/ratelimiter"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func stores(t *testing.T) map[string]ratelimiter.Store {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]ratelimiter.Store{
		"memory": ratelimiter.NewMemoryStore(0),
		"redis":  ratelimiter.NewRedisStore(client, "test:rl:"),
	}
}

func TestNewBucket_InvalidConfig(t *testing.T) {
	t.Parallel()

	store := ratelimiter.NewMemoryStore(0)
	tests := []ratelimiter.Config{
		{Capacity: 0, RefillRate: 1, RefillInterval: time.Second},
		{Capacity: 1, RefillRate: 0, RefillInterval: time.Second},
		{Capacity: 1, RefillRate: 1, RefillInterval: 0},
	}
	for _, cfg := range tests {
		_, err := ratelimiter.NewBucket(store, cfg)
		assert.ErrorIs(t, err, ratelimiter.ErrInvalidConfig)
	}
	assert.Panics(t, func() { _, _ = ratelimiter.NewBucket(nil, tests[0]) })
}

func TestBucket(t *testing.T) {
	t.Parallel()

	cfg := ratelimiter.Config{Capacity: 3, RefillRate: 1, RefillInterval: time.Second}

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			c := &clock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
			b, err := ratelimiter.NewBucket(store, cfg, ratelimiter.WithClock(c.Now))
			require.NoError(t, err)

			for i := 2; i >= 0; i-- {
				res, err := b.Allow(ctx, "user")
				require.NoError(t, err)
				assert.True(t, res.Allowed())
				assert.Equal(t, i, res.Remaining)
				assert.Equal(t, 3, res.Limit)
			}

			res, err := b.Allow(ctx, "user")
			require.NoError(t, err)
			assert.False(t, res.Allowed())
			assert.Equal(t, time.Second, res.RetryAfter(c.now))

			other, err := b.Allow(ctx, "other")
			require.NoError(t, err)
			assert.True(t, other.Allowed(), "buckets are per key")

			// two intervals refill two tokens on top of the -1 balance
			c.now = c.now.Add(2 * time.Second)
			res, err = b.Status(ctx, "user")
			require.NoError(t, err)
			assert.Equal(t, 1, res.Remaining)

			// refill never exceeds capacity
			c.now = c.now.Add(time.Hour)
			res, err = b.Status(ctx, "user")
			require.NoError(t, err)
			assert.Equal(t, 3, res.Remaining)

			_, err = b.AllowN(ctx, "user", 3)
			require.NoError(t, err)
			require.NoError(t, b.Reset(ctx, "user"))
			res, err = b.Status(ctx, "user")
			require.NoError(t, err)
			assert.Equal(t, 3, res.Remaining)

			_, err = b.AllowN(ctx, "user", 0)
			assert.ErrorIs(t, err, ratelimiter.ErrInvalidTokenCount)
		})
	}
}

func TestMemoryStore_Cleanup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := ratelimiter.Config{Capacity: 1, RefillRate: 1, RefillInterval: time.Second}
	store := ratelimiter.NewMemoryStore(time.Minute)
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	_, _, err := store.ConsumeTokens(ctx, "a", 1, cfg, start)
	require.NoError(t, err)
	_, _, err = store.ConsumeTokens(ctx, "b", 1, cfg, start.Add(50*time.Second))
	require.NoError(t, err)

	assert.Equal(t, 1, store.Cleanup(start.Add(90*time.Second)))
	assert.Equal(t, 1, store.Len())
}

func TestRedisStore_Unavailable(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	b, err := ratelimiter.NewBucket(ratelimiter.NewRedisStore(client, ""), ratelimiter.Config{Capacity: 1, RefillRate: 1, RefillInterval: time.Second})
	require.NoError(t, err)
	_, err = b.Allow(context.Background(), "k")
	assert.ErrorIs(t, err, ratelimiter.ErrStoreUnavailable)
}
