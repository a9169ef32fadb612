package subscription

import (
	"github.com/dmitrymomot/quotakit/pkg/period"
)

// TrialPeriod returns the trial offset for a new subscription of plan.
// Only paid recurring plans get a trial, and only for users that never had
// a completed payment or a recurring subscription.
func TrialPeriod(trial period.Duration, plan Plan, plans map[string]Plan, history []Subscription, payments []Payment) period.Duration {
	plan = plan.Normalize()
	if trial.IsZero() || trial.IsInfinite() || plan.IsFree() || !plan.IsRecurring() {
		return period.Duration{}
	}
	for _, p := range payments {
		if p.IsCompleted() {
			return period.Duration{}
		}
	}
	if countRecurring(history, plans) > 0 {
		return period.Duration{}
	}
	return trial
}
