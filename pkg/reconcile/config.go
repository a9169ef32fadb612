package reconcile

import "time"

// Config holds reconciliation settings loaded from the environment.
type Config struct {
	LockWait         time.Duration `env:"RECONCILE_LOCK_WAIT" envDefault:"10s"`
	UnfinishedWithin time.Duration `env:"RECONCILE_UNFINISHED_WITHIN" envDefault:"12h"`
	StuckAfter       time.Duration `env:"RECONCILE_STUCK_AFTER" envDefault:"24h"`
}
