// Package reconcile applies payment provider events to payments and
// subscriptions.
//
// Events arrive from three places: receipts confirmed by an authenticated
// user (ConfirmPurchase), signed server notifications (HandleNotification)
// and synchronous charge results of the scheduler (RecordCharge). Each is
// normalized to a provider.Event and applied under a lock keyed by
// (provider, transaction id), so concurrent and repeated deliveries produce
// exactly one payment.
//
// Renewals are matched to their chain through the original transaction id.
// A renewal for a different plan ends the current subscription and starts a
// new one. Refunds end the subscription at the revocation moment.
//
// Maintenance:
//
//   - CheckUnfinishedPayments polls providers for pending payments.
//   - FindDuplicatedPayments reports periods a user paid for twice.
//   - StuckPendingPayments reports renewal payments pending for too long.
package reconcile
