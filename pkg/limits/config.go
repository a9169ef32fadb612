package limits

import "time"

// Config holds accounting settings loaded from the environment.
type Config struct {
	LockWait    time.Duration `env:"LIMITS_LOCK_WAIT" envDefault:"5s"`  // LockWait bounds waiting for a concurrent consumer of the same user.
	CacheTTL    time.Duration `env:"LIMITS_CACHE_TTL" envDefault:"10s"` // CacheTTL is the lifetime of cached display balances.
	CachePrefix string        `env:"LIMITS_CACHE_PREFIX" envDefault:"limits.remaining."`
}
