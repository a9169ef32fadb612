package limits

import (
	"log/slog"
	"time"

	"github.com/dmitrymomot/quotakit/pkg/cache"
	"github.com/dmitrymomot/quotakit/pkg/metrics"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
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
		if cfg.CacheTTL > 0 {
			s.cacheTTL = cfg.CacheTTL
		}
		if cfg.CachePrefix != "" {
			s.cachePrefix = cfg.CachePrefix
		}
	}
}

// WithCache enables the read-through cache for Remaining.
func WithCache(c cache.Cache) ServiceOption {
	return func(s *service) {
		s.cache = c
	}
}

// WithTiers sets the tiers used to resolve features.
func WithTiers(tiers []subscription.Tier) ServiceOption {
	return func(s *service) {
		s.tiers = tiers
	}
}

// WithMetrics records consumption results.
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
