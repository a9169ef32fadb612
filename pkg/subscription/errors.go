package subscription

import "errors"

var (
	ErrPlanNotFound             = errors.New("subscription plan not found")
	ErrInvalidPlanConfiguration = errors.New("invalid subscription plan configuration")
	ErrPlanImmutable            = errors.New("charge terms of a referenced plan cannot change")
	ErrPlanDisabled             = errors.New("requested plan is disabled")
	ErrRecurringRequired        = errors.New("need any recurring subscription first")
	ErrTooManyRecurring         = errors.New("too many recurring subscriptions")

	ErrSubscriptionNotFound   = errors.New("subscription not found")
	ErrPaymentNotFound        = errors.New("payment not found")
	ErrProlongationImpossible = errors.New("subscription prolongation impossible")
	ErrNoDefaultPlan          = errors.New("default plan is not configured")

	ErrDuplicateTransaction = errors.New("provider transaction already recorded")
	ErrVersionConflict      = errors.New("record was modified concurrently")

	ErrFailedToLoadPlans  = errors.New("failed to load subscription plans")
	ErrUserIDNotInContext = errors.New("user ID not found in context")
)
