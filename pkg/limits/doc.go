// Package limits accounts resource consumption against the quota chunks
// granted by a user's subscriptions.
//
// Balances are derived, never stored: the service takes the subscriptions
// covering the moment without a gap, expands their quota chunks through
// subscription.Timeline and replays persisted usage through quota.Ledger.
//
// Consumption is a scoped acquisition. Use takes a per-user lock.Locker
// lock, checks and decrements the balance, records the usage and runs the
// caller's function with the remaining amount before releasing the lock.
// The lock is released on every path. A failure of the caller's function
// does not restore the consumed amount; compensate explicitly if needed.
//
//	svc := limits.NewService(store, lock.NewPostgres(pool),
//		limits.WithCache(cache.NewRedis(client, "quotakit:")),
//		limits.WithMetrics(m),
//	)
//	err := svc.Use(ctx, userID, "api_calls", 1, func(ctx context.Context, remains int64) error {
//		return callUpstream(ctx)
//	})
//	if errors.Is(err, quota.ErrQuotaLimitExceeded) {
//		// reject
//	}
//
// Remaining may be served from cache for display. It is invalidated after
// every successful Use.
package limits
