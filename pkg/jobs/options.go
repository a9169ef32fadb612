package jobs

import (
	"log/slog"
	"time"
)

// Option configures a Runner.
type Option func(*Runner)

// WithCheckInterval sets how often the runner looks for due jobs.
func WithCheckInterval(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// WithKeyPrefix sets the prefix of the lock keys guarding jobs.
func WithKeyPrefix(prefix string) Option {
	return func(r *Runner) {
		r.prefix = prefix
	}
}
