package reconcile

import (
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/quotakit/pkg/subscription"
)

// Outcome describes what reconciliation did with an event.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"   // first payment of a chain, subscription started
	OutcomeProlonged Outcome = "prolonged" // subscription extended
	OutcomeSwitched  Outcome = "switched"  // previous subscription ended, new plan started
	OutcomeRefunded  Outcome = "refunded"
	OutcomeExpired   Outcome = "expired"
	OutcomeDeclined  Outcome = "declined"
	OutcomePending   Outcome = "pending" // charge awaits a provider decision
	OutcomeFailed    Outcome = "failed"
	// OutcomeDuplicate means the transaction was already processed. The
	// stored payment is returned and nothing changes.
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	// OutcomeDiscarded means a notification could not be matched and was
	// dropped after logging.
	OutcomeDiscarded Outcome = "discarded"
)

// Result of processing one event.
type Result struct {
	Outcome      Outcome
	Payment      *subscription.Payment
	Subscription *subscription.Subscription
}

// DuplicateKey identifies the period a user paid for on a plan.
type DuplicateKey struct {
	UserID    uuid.UUID
	PlanID    string
	PaidSince time.Time
	PaidUntil time.Time
}
