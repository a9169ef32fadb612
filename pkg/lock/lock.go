package lock

import (
	"context"
	"time"
)

// Locker provides exclusive locks shared by every process of a deployment.
type Locker interface {
	// Acquire obtains the lock for key, waiting at most wait for a
	// concurrent holder. It returns ErrLockTimeout when the wait elapses.
	// The returned release function is idempotent and must be called on
	// every path.
	Acquire(ctx context.Context, key string, wait time.Duration) (release func(), err error)
}

// With runs fn while holding the lock for key.
func With(ctx context.Context, l Locker, key string, wait time.Duration, fn func(ctx context.Context) error) error {
	release, err := l.Acquire(ctx, key, wait)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}
