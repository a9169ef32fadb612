// Package charge implements the recurring charge scheduler.
//
// Each invocation looks at auto-prolonging subscriptions whose due date is
// near and attempts at most one charge per subscription. The schedule is a
// list of signed offsets from the due date; the periods between consecutive
// offsets each allow one attempt, and the last period is open-ended:
//
//	schedule := charge.Schedule{period.Days(-1), {}, period.Days(1)}
//	report := scheduler.ChargeRecurring(ctx, subs, schedule)
//
// Outcomes move the subscription through a small lifecycle:
//
//	current ──declined──▶ retry_pending ──exhausted──▶ grace ──elapsed──▶ hold ──elapsed──▶ expired
//	   ▲                        │                        │                  │
//	   └────────charged─────────┴────────────────────────┴──────────────────┘
//
// Grace keeps entitlement until the grace period ends; hold suspends it
// while charges are retried every RetryInterval. Zero GracePeriod or
// HoldPeriod skips the state. Expired subscriptions stop prolonging and
// keep their end date.
//
// Charges go through self-hosted providers only. Subscriptions paid through
// an external provider renew on the provider side and are prolonged by
// package reconcile when the notification arrives.
//
// Run loads candidates from the store and is safe to call from several
// processes concurrently; every subscription is charged under a lock.
package charge
