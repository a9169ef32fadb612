package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Cache shared across processes.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis creates a Redis backed cache. Keys are stored under prefix.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if client == nil {
		panic("cache: redis client is required")
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, errors.Join(ErrCacheFailed, err)
	}
	return val, nil
}

// Set stores value. A non-positive ttl never expires.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.prefix+key, value, max(ttl, 0)).Err(); err != nil {
		return errors.Join(ErrCacheFailed, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return errors.Join(ErrCacheFailed, err)
	}
	return nil
}
