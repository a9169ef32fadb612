package retry

import (
	"context"
	"errors"
	"time"
)

// Do calls fn until it succeeds, attempts are exhausted, retryable reports
// false or ctx is done. A nil retryable retries every error. The last error
// is returned, joined with ErrAttemptsExhausted when attempts ran out.
func Do(ctx context.Context, attempts int, backoff Backoff, retryable func(error) bool, fn func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	if backoff == nil {
		backoff = Default()
	}

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt >= attempts {
			return errors.Join(ErrAttemptsExhausted, err)
		}

		timer := time.NewTimer(backoff.Next(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(ctx.Err(), err)
		case <-timer.C:
		}
	}
}

// Poll calls fn until it reports done, ctx is done or wait elapses.
// It is used to wait on contended resources with backoff between attempts.
func Poll(ctx context.Context, wait time.Duration, backoff Backoff, fn func(ctx context.Context) (bool, error)) error {
	if backoff == nil {
		backoff = Default()
	}
	deadline := time.Now().Add(wait)

	for attempt := 1; ; attempt++ {
		done, err := fn(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrTimeout
		}

		timer := time.NewTimer(min(backoff.Next(attempt), remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
