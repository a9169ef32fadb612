package provider

import (
	"context"
	"errors"
	"time"

	"github.com/dmitrymomot/quotakit/pkg/retry"
)

// RetryOption configures WithRetry.
type RetryOption func(*retryCharger)

// RetryAttempts sets the number of attempts per charge. Default 3.
func RetryAttempts(n int) RetryOption {
	return func(c *retryCharger) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// RetryBackoff sets the delay strategy between attempts.
func RetryBackoff(b retry.Backoff) RetryOption {
	return func(c *retryCharger) {
		if b != nil {
			c.backoff = b
		}
	}
}

// RetryBreaker fails fast while the provider keeps failing.
func RetryBreaker(cb *retry.CircuitBreaker) RetryOption {
	return func(c *retryCharger) {
		c.breaker = cb
	}
}

type retryCharger struct {
	Charger
	attempts int
	backoff  retry.Backoff
	breaker  *retry.CircuitBreaker
}

// WithRetry retries charges that failed with ErrProviderUnreachable.
// Declines are returned as is.
func WithRetry(c Charger, opts ...RetryOption) Charger {
	rc := &retryCharger{
		Charger:  c,
		attempts: 3,
		backoff:  retry.Default(),
		breaker:  retry.NewCircuitBreaker(5, 2, 30*time.Second),
	}
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

func (c *retryCharger) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if c.breaker != nil && !c.breaker.Allow() {
		return nil, errors.Join(ErrProviderUnreachable, retry.ErrCircuitOpen)
	}

	var res *ChargeResult
	err := retry.Do(ctx, c.attempts, c.backoff, isTransient, func(ctx context.Context) error {
		var err error
		res, err = c.Charger.Charge(ctx, req)
		return err
	})

	if c.breaker != nil {
		if isTransient(err) {
			c.breaker.Failure()
		} else {
			c.breaker.Success()
		}
	}
	if err != nil {
		if isTransient(err) && !errors.Is(err, ErrProviderUnreachable) {
			err = errors.Join(ErrProviderUnreachable, err)
		}
		return nil, err
	}
	return res, nil
}

func isTransient(err error) bool {
	return errors.Is(err, ErrProviderUnreachable) ||
		errors.Is(err, context.DeadlineExceeded)
}
