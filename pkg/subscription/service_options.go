package subscription

import (
	"log/slog"
	"time"

	"github.com/dmitrymomot/quotakit/pkg/period"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*service)

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDefaultPlan wires the default plan holder. The service re-derives
// default subscriptions whenever the holder changes.
func WithDefaultPlan(d *DefaultPlan) ServiceOption {
	return func(s *service) {
		s.defaults = d
	}
}

// WithTrialPeriod sets the trial granted to eligible users.
func WithTrialPeriod(trial period.Duration) ServiceOption {
	return func(s *service) {
		s.trial = trial
	}
}

// WithValidators replaces DefaultValidators.
func WithValidators(validators ...Validator) ServiceOption {
	return func(s *service) {
		s.validators = validators
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *service) {
		if now != nil {
			s.now = now
		}
	}
}
