package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/quotakit/pkg/cache"
)

func TestCache_Contract(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	backends := map[string]cache.Cache{
		"memory": cache.NewMemory(16),
		"redis":  cache.NewRedis(client, "test:"),
	}

	for name, c := range backends {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			key := name + "-key"

			_, err := c.Get(ctx, key)
			assert.ErrorIs(t, err, cache.ErrCacheMiss)

			require.NoError(t, c.Set(ctx, key, []byte(`{"calls":10}`), time.Minute))
			got, err := c.Get(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, `{"calls":10}`, string(got))

			require.NoError(t, c.Delete(ctx, key))
			_, err = c.Get(ctx, key)
			assert.ErrorIs(t, err, cache.ErrCacheMiss)

			require.NoError(t, c.Delete(ctx, "never-set"))
		})
	}
}

func TestRedis_Expiry(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c := cache.NewRedis(client, "p:")
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Second))
	assert.True(t, mr.Exists("p:k"))

	mr.FastForward(2 * time.Second)
	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)
}

func TestMemory_ReturnsCopies(t *testing.T) {
	t.Parallel()

	c := cache.NewMemory(4)
	ctx := context.Background()

	buf := []byte("abc")
	require.NoError(t, c.Set(ctx, "k", buf, 0))
	buf[0] = 'x'

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}
