// Package lock provides exclusive locks with a bounded wait.
//
// Three Locker implementations share one contract: Acquire either returns a
// release function or fails with ErrLockTimeout once the wait elapses.
//
//   - Memory: per-key channel semaphore for a single process and tests.
//   - Postgres: pg_advisory_xact_lock inside a dedicated transaction; the
//     wait is enforced with lock_timeout and the key is hashed with FNV-1a.
//   - Redis: SET NX PX lease polled with backoff and released through a
//     compare-and-delete script.
//
// Usage:
//
//	locker := lock.NewRedis(client)
//	err := lock.With(ctx, locker, "limits.use."+userID.String(), 5*time.Second, func(ctx context.Context) error {
//		return consume(ctx)
//	})
//	if errors.Is(err, lock.ErrLockTimeout) {
//		// contended
//	}
package lock
