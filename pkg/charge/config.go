package charge

import (
	"time"

	"github.com/dmitrymomot/quotakit/pkg/period"
)

// Config holds scheduler settings loaded from the environment.
type Config struct {
	// Schedule lists signed offsets from the due date at which charges are
	// attempted, e.g. "-P1D,PT0S,P1D".
	Schedule []period.Duration `env:"CHARGE_SCHEDULE" envSeparator:"," envDefault:"-P3D,-P2D,-P1D,-PT12H,-PT3H,-PT1H,PT0S"`

	// GracePeriod keeps entitlement after the schedule is exhausted.
	// Zero skips the grace state.
	GracePeriod time.Duration `env:"CHARGE_GRACE_PERIOD" envDefault:"72h"`
	// HoldPeriod suspends entitlement while charges are still retried.
	// Zero skips the hold state.
	HoldPeriod time.Duration `env:"CHARGE_HOLD_PERIOD" envDefault:"168h"`
	// RetryInterval is the minimum distance between attempts in grace and hold.
	RetryInterval time.Duration `env:"CHARGE_RETRY_INTERVAL" envDefault:"24h"`

	AttemptTimeout  time.Duration `env:"CHARGE_ATTEMPT_TIMEOUT" envDefault:"30s"`
	Workers         int           `env:"CHARGE_WORKERS" envDefault:"8"`
	LockWait        time.Duration `env:"CHARGE_LOCK_WAIT" envDefault:"1s"`
	ProviderRetries int           `env:"CHARGE_PROVIDER_RETRIES" envDefault:"3"`

	// DefaultProvider charges subscriptions that have no completed payment yet.
	DefaultProvider string `env:"CHARGE_DEFAULT_PROVIDER"`
}

// DefaultConfig returns the settings used when no environment is loaded.
func DefaultConfig() Config {
	return Config{
		Schedule:        DefaultSchedule,
		GracePeriod:     72 * time.Hour,
		HoldPeriod:      7 * 24 * time.Hour,
		RetryInterval:   24 * time.Hour,
		AttemptTimeout:  30 * time.Second,
		Workers:         8,
		LockWait:        time.Second,
		ProviderRetries: 3,
	}
}
