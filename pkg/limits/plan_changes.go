package limits

import (
	"context"
	"time"

	"github.com/dmitrymomot/quotakit/pkg/subscription"
)

// PlanSubscriptions lists the subscriptions of a plan.
type PlanSubscriptions interface {
	ListPlanSubscriptions(ctx context.Context, planID string, endsAfter time.Time) ([]subscription.Subscription, error)
}

// InvalidateOnPlanChange returns a plan change subscriber that drops the
// cached balances of every user holding a live subscription to a plan whose
// quotas or tier changed.
func InvalidateOnPlanChange(store PlanSubscriptions, svc Service, now func() time.Time) subscription.PlanChangeSubscriber {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return func(ctx context.Context, change subscription.PlanChange) error {
		if !change.Has("quotas") && !change.Has("tier") {
			return nil
		}
		subs, err := store.ListPlanSubscriptions(ctx, change.PlanID, now())
		if err != nil {
			return err
		}
		for _, sub := range subs {
			svc.Invalidate(ctx, sub.UserID)
		}
		return nil
	}
}
