package subscription

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PlanStore persists plans.
type PlanStore interface {
	// GetPlan returns ErrPlanNotFound if no plan exists.
	GetPlan(ctx context.Context, id string) (Plan, error)
	ListPlans(ctx context.Context) ([]Plan, error)

	// SavePlan creates or updates a plan. Updates changing the charge terms of
	// a plan referenced by any subscription or payment fail with
	// ErrPlanImmutable. Successful updates are published to subscribers as a
	// PlanChange after commit.
	SavePlan(ctx context.Context, plan Plan) error
	SubscribePlanChanges(fn PlanChangeSubscriber)
}

// SubscriptionStore persists subscriptions.
// Updates use optimistic concurrency: the stored Version must match, otherwise
// ErrVersionConflict is returned. A successful update increments Version.
type SubscriptionStore interface {
	// GetSubscription returns ErrSubscriptionNotFound if no subscription exists.
	GetSubscription(ctx context.Context, id uuid.UUID) (Subscription, error)
	// ListUserSubscriptions returns all subscriptions of a user, including ended ones.
	ListUserSubscriptions(ctx context.Context, userID uuid.UUID) ([]Subscription, error)
	// ListDueForCharge returns auto-prolonging subscriptions with a due date
	// no later than until and no earlier than since, and those in grace or
	// hold whose StatusUntil is no later than until regardless of due date.
	ListDueForCharge(ctx context.Context, since, until time.Time) ([]Subscription, error)
	// ListPlanSubscriptions returns subscriptions of a plan ending after the moment.
	ListPlanSubscriptions(ctx context.Context, planID string, endsAfter time.Time) ([]Subscription, error)
	CreateSubscription(ctx context.Context, sub *Subscription) error
	UpdateSubscription(ctx context.Context, sub *Subscription) error
}

// PaymentFilter narrows ListPayments. Zero fields do not filter.
type PaymentFilter struct {
	UserID         uuid.UUID
	SubscriptionID uuid.UUID
	Provider       string
	Statuses       []PaymentStatus
	CreatedAfter   time.Time
	CreatedBefore  time.Time
}

// PaymentStore persists payments and refunds.
type PaymentStore interface {
	// GetPayment returns ErrPaymentNotFound if no payment exists.
	GetPayment(ctx context.Context, id uuid.UUID) (Payment, error)
	// FindPayment looks a payment up by its provider transaction.
	FindPayment(ctx context.Context, provider, transactionID string) (Payment, error)
	// FindChainHead returns the first payment of a renewal chain.
	FindChainHead(ctx context.Context, provider, originalTransactionID string) (Payment, error)
	// ListPayments returns matching payments ordered by creation time.
	ListPayments(ctx context.Context, filter PaymentFilter) ([]Payment, error)
	// CreatePayment fails with ErrDuplicateTransaction when the
	// (provider, transaction id) pair is already recorded.
	CreatePayment(ctx context.Context, p *Payment) error
	UpdatePayment(ctx context.Context, p *Payment) error
	CreateRefund(ctx context.Context, r *Refund) error
	ListRefunds(ctx context.Context, paymentID uuid.UUID) ([]Refund, error)
}

// UsageStore persists consumption records.
type UsageStore interface {
	// ListUsages returns usages of a user within [since, until] ordered by time.
	ListUsages(ctx context.Context, userID uuid.UUID, since, until time.Time) ([]Usage, error)
	CreateUsage(ctx context.Context, u *Usage) error
}

// TxStore runs several writes atomically.
type TxStore interface {
	// InTx calls fn with a store bound to one transaction. The transaction
	// commits when fn returns nil and rolls back otherwise. Plan changes
	// saved inside fn are published after commit.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}

// Store aggregates all persistence capabilities.
type Store interface {
	PlanStore
	SubscriptionStore
	PaymentStore
	UsageStore
	TxStore
}

// PlansSource defines how plans are loaded into services.
type PlansSource interface {
	Load(ctx context.Context) (map[string]Plan, error)
}
