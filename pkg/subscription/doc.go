// Package subscription models plans, subscriptions and payments, and derives
// their timelines: charge dates, expiry and quota chunk grants.
//
// # Architecture
//
//   - Plan: charge terms (amount, calendar charge period, max duration) and
//     Quota templates. Charge terms of a plan referenced by any subscription
//     or payment are immutable; see ValidatePlanChange and DiffPlans.
//   - Subscription: a user's entitlement to a plan on [Start, End), with a
//     charge offset used for trials and the charge lifecycle status driven by
//     package charge.
//   - Timeline: a pure function of (plan, subscription) producing lazy,
//     restartable sequences of charge dates and quota chunks.
//   - Service: plan catalog sync, subscription creation with validators and
//     trials, cancellation and the default plan lifecycle.
//   - Store: persistence interfaces implemented by package store/memory and
//     store/postgres.
//
// # Calendar arithmetic
//
// Charge and recharge periods are period.Duration values. The i-th charge
// date is start + offset + period*i, computed from the base date every time,
// so a monthly subscription started on Nov 30 charges on Dec 30, Jan 30,
// Feb 28 and Mar 30.
//
// # Quick Start
//
//	svc := subscription.NewService(store,
//		subscription.WithDefaultPlan(subscription.NewDefaultPlan("free")),
//		subscription.WithTrialPeriod(period.Days(7)),
//	)
//	if err := svc.SyncPlans(ctx, subscription.NewYAMLSource("plans.yaml")); err != nil {
//		return err
//	}
//
//	sub, err := svc.Subscribe(ctx, userID, "free", 1)
//
//	tl := subscription.NewTimeline(plan, sub)
//	for d := range tl.ChargeDates(time.Time{}, until) {
//		fmt.Println(d)
//	}
//
// # Default plan
//
// DefaultPlan holds the default plan ID as injected configuration. Changing
// it notifies hooks; Service registers one that moves existing default
// subscriptions to the new plan. EnsureDefault fills the gap after a user's
// last subscription with an unbounded default subscription.
package subscription
