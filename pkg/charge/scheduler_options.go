package charge

import (
	"log/slog"
	"time"

	"github.com/dmitrymomot/quotakit/pkg/metrics"
	"github.com/dmitrymomot/quotakit/pkg/retry"
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records charge attempts.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithBackoff sets the delay between provider retries of one attempt.
func WithBackoff(b retry.Backoff) Option {
	return func(s *Scheduler) {
		if b != nil {
			s.backoff = b
		}
	}
}

// WithTransitions replaces the lifecycle table.
func WithTransitions(transitions ...Transition) Option {
	return func(s *Scheduler) {
		s.transitions = transitions
	}
}
