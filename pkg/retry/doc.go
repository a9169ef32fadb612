// Package retry provides backoff strategies, a context-aware retry loop,
// a bounded polling helper and a circuit breaker.
//
// Outbound provider calls are wrapped with Do; distributed locks wait on
// contention with Poll. The circuit breaker lets callers fail fast while a
// dependency is down:
//
//	cb := retry.NewCircuitBreaker(5, 2, 30*time.Second)
//	if !cb.Allow() {
//		return retry.ErrCircuitOpen
//	}
//	err := retry.Do(ctx, 3, retry.Default(), isTransient, call)
//	if err != nil {
//		cb.Failure()
//	} else {
//		cb.Success()
//	}
package retry
