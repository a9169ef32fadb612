package subscription

// Validator decides whether a user holding the active subscriptions may
// subscribe to plan. plans resolves the plans of active subscriptions.
type Validator func(active []Subscription, plans map[string]Plan, plan Plan) error

// DefaultValidators is the validator set applied when none is configured.
var DefaultValidators = []Validator{
	OnlyEnabledPlans,
	AtLeastOneRecurring,
	SingleRecurring,
}

// OnlyEnabledPlans rejects disabled plans.
func OnlyEnabledPlans(_ []Subscription, _ map[string]Plan, plan Plan) error {
	if !plan.Enabled {
		return ErrPlanDisabled
	}
	return nil
}

// AtLeastOneRecurring allows one-time plans only as add-ons to a recurring
// subscription.
func AtLeastOneRecurring(active []Subscription, plans map[string]Plan, plan Plan) error {
	if plan.Normalize().IsRecurring() {
		return nil
	}
	if countRecurring(active, plans) == 0 {
		return ErrRecurringRequired
	}
	return nil
}

// SingleRecurring allows at most one recurring subscription at a time.
func SingleRecurring(active []Subscription, plans map[string]Plan, plan Plan) error {
	if !plan.Normalize().IsRecurring() {
		return nil
	}
	if countRecurring(active, plans) > 0 {
		return ErrTooManyRecurring
	}
	return nil
}

// Validate runs validators in order and returns the first failure.
func Validate(active []Subscription, plans map[string]Plan, plan Plan, validators ...Validator) error {
	for _, v := range validators {
		if err := v(active, plans, plan); err != nil {
			return err
		}
	}
	return nil
}

func countRecurring(subs []Subscription, plans map[string]Plan) int {
	n := 0
	for _, s := range subs {
		if p, ok := plans[s.PlanID]; ok && p.Normalize().IsRecurring() {
			n++
		}
	}
	return n
}
