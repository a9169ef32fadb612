package subscription

import (
	"context"
	"maps"
	"slices"

	"github.com/dmitrymomot/quotakit/pkg/period"
)

// PlanChange is the diff between two versions of a plan.
// Stores compute it on update and hand it to subscribers after commit.
type PlanChange struct {
	PlanID  string
	Old     Plan
	New     Plan
	Changed []string // names of changed fields
}

// Has reports whether the named field changed.
func (c PlanChange) Has(field string) bool {
	return slices.Contains(c.Changed, field)
}

// ChargeTermsChanged reports whether the change touches charge amount or period.
func (c PlanChange) ChargeTermsChanged() bool {
	return c.Has("charge_amount") || c.Has("charge_period")
}

// Empty reports whether nothing changed.
func (c PlanChange) Empty() bool {
	return len(c.Changed) == 0
}

// PlanChangeSubscriber receives plan changes. Errors are logged by the
// publisher and never roll the change back.
type PlanChangeSubscriber func(ctx context.Context, change PlanChange) error

// DiffPlans computes the explicit change event between two plan versions.
func DiffPlans(old, updated Plan) PlanChange {
	change := PlanChange{PlanID: updated.ID, Old: old, New: updated}

	add := func(field string, changed bool) {
		if changed {
			change.Changed = append(change.Changed, field)
		}
	}

	add("codename", old.Codename != updated.Codename)
	add("name", old.Name != updated.Name)
	add("charge_amount", !moneyEqual(old.ChargeAmount, updated.ChargeAmount))
	add("charge_period", !period.Equal(old.ChargePeriod, updated.ChargePeriod))
	add("max_duration", !period.Equal(old.MaxDuration, updated.MaxDuration))
	add("quotas", !slices.Equal(old.Quotas, updated.Quotas))
	add("tier", old.Tier != updated.Tier)
	add("enabled", old.Enabled != updated.Enabled)
	add("provider_products", !maps.Equal(old.ProviderProducts, updated.ProviderProducts))
	add("metadata", !maps.Equal(old.Metadata, updated.Metadata))

	return change
}

// ValidatePlanChange rejects charge term changes on a plan that is already
// referenced by a subscription or payment.
func ValidatePlanChange(old, updated Plan, referenced bool) error {
	if err := updated.Validate(); err != nil {
		return err
	}
	if !referenced {
		return nil
	}
	if DiffPlans(old, updated).ChargeTermsChanged() {
		return ErrPlanImmutable
	}
	return nil
}

func moneyEqual(a, b *Money) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
