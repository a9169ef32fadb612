package reconcile

import (
	"log/slog"
	"time"

	"github.com/dmitrymomot/quotakit/pkg/metrics"
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

// WithConfig applies environment driven settings.
func WithConfig(cfg Config) ServiceOption {
	return func(s *service) {
		if cfg.LockWait > 0 {
			s.lockWait = cfg.LockWait
		}
	}
}

// WithMetrics records processed events.
func WithMetrics(m *metrics.Collector) ServiceOption {
	return func(s *service) {
		s.metrics = m
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
