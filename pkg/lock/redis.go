package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/quotakit/pkg/retry"
)

// compare-and-delete so an expired holder never releases a newer lease
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis implements Locker with SET NX leases. A held lease is renewed every
// third of its TTL until released, so the TTL only bounds how long a crashed
// holder blocks the key.
type Redis struct {
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	backoff retry.Backoff
}

// RedisOption configures a Redis locker.
type RedisOption func(*Redis)

// WithPrefix sets the key prefix. Default is "lock:".
func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

// WithLeaseTTL bounds how long a crashed holder keeps the lock. Default 30s.
func WithLeaseTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithBackoff sets the delay between acquisition attempts.
func WithBackoff(b retry.Backoff) RedisOption {
	return func(r *Redis) {
		if b != nil {
			r.backoff = b
		}
	}
}

// NewRedis creates a lease based locker.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	if client == nil {
		panic("lock: redis client is required")
	}
	r := &Redis{
		client: client,
		prefix: "lock:",
		ttl:    30 * time.Second,
		backoff: retry.Exponential{
			Initial: 10 * time.Millisecond,
			Max:     250 * time.Millisecond,
			Jitter:  0.2,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Acquire implements Locker.
func (r *Redis) Acquire(ctx context.Context, key string, wait time.Duration) (func(), error) {
	key = r.prefix + key
	token := uuid.NewString()

	err := retry.Poll(ctx, wait, r.backoff, func(ctx context.Context) (bool, error) {
		return r.client.SetNX(ctx, key, token, r.ttl).Result()
	})
	switch {
	case err == nil:
	case errors.Is(err, retry.ErrTimeout):
		return nil, ErrLockTimeout
	default:
		return nil, errors.Join(ErrLockFailed, err)
	}

	stop := make(chan struct{})
	go r.keepAlive(key, token, stop)

	return releaseOnce(func() {
		close(stop)
		_ = releaseScript.Run(context.Background(), r.client, []string{key}, token).Err()
	}), nil
}

// keepAlive renews the lease until stop is closed or the lease is lost.
func (r *Redis) keepAlive(key, token string, stop <-chan struct{}) {
	every := max(r.ttl/3, time.Millisecond)
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), every)
		renewed, err := extendScript.Run(ctx, r.client, []string{key}, token, r.ttl.Milliseconds()).Int()
		cancel()
		if err == nil && renewed == 0 {
			return
		}
	}
}
