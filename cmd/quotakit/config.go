package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/dmitrymomot/quotakit/pkg/charge"
	"github.com/dmitrymomot/quotakit/pkg/period"
	"github.com/dmitrymomot/quotakit/pkg/pg"
)

// appConfig holds the settings of the quotakit binary itself.
type appConfig struct {
	PlansFile   string          `env:"PLANS_FILE" envDefault:"plans.yaml"`
	DefaultPlan string          `env:"DEFAULT_PLAN"`
	TrialPeriod period.Duration `env:"TRIAL_PERIOD" envDefault:"PT0S"`
	// Providers lists the enabled payment providers by codename.
	Providers []string `env:"PROVIDERS" envSeparator:"," envDefault:"stripe"`
	// LockBackend is postgres or redis.
	LockBackend string `env:"LOCK_BACKEND" envDefault:"postgres"`
	// LockMaxConns sizes the separate pool holding postgres advisory locks.
	LockMaxConns int32 `env:"LOCK_PG_MAX_CONNS" envDefault:"24"`
	CacheSize    int   `env:"CACHE_SIZE" envDefault:"10000"`
	// DisableRedis serves the display cache from memory and forbids the
	// redis lock backend.
	DisableRedis bool `env:"REDIS_DISABLED" envDefault:"false"`

	ChargeEvery      time.Duration `env:"JOB_CHARGE_EVERY" envDefault:"5m"`
	ChargeTimeout    time.Duration `env:"JOB_CHARGE_TIMEOUT" envDefault:"30m"`
	ReconcileEvery   time.Duration `env:"JOB_RECONCILE_EVERY" envDefault:"15m"`
	ReportDailyAt    int           `env:"JOB_REPORT_HOUR" envDefault:"3"`
	JobCheckInterval time.Duration `env:"JOB_CHECK_INTERVAL" envDefault:"30s"`
	MetricsNamespace string        `env:"METRICS_NAMESPACE" envDefault:"quotakit"`
}

// Connections kept for webhooks and jobs on top of the charge workers.
const poolHeadroom = 2

var errPoolTooSmall = errors.New("connection pool too small")

// checkPools rejects pool sizes that charge workers can exhaust. A worker
// holds the subscription lock and the transaction lock at once, and every
// postgres advisory lock pins a connection until released.
func checkPools(app appConfig, db pg.Config, cfg charge.Config) error {
	workers := int32(max(cfg.Workers, 1))
	if db.MaxOpenConns < workers+poolHeadroom {
		return fmt.Errorf("%w: PG_MAX_OPEN_CONNS=%d, need at least %d for %d charge workers",
			errPoolTooSmall, db.MaxOpenConns, workers+poolHeadroom, workers)
	}
	if app.LockBackend == "postgres" && app.LockMaxConns < workers*2+poolHeadroom {
		return fmt.Errorf("%w: LOCK_PG_MAX_CONNS=%d, need at least %d for %d charge workers",
			errPoolTooSmall, app.LockMaxConns, workers*2+poolHeadroom, workers)
	}
	return nil
}
