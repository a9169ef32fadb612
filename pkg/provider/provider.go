package provider

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/quotakit/pkg/subscription"
)

// Provider identifies a payment provider.
type Provider interface {
	// Codename is the stable identifier persisted with every payment.
	Codename() string
	// External reports whether the provider initiates charges itself and
	// reports them through receipts and notifications.
	External() bool
}

// Charger executes charges initiated by the backend.
type Charger interface {
	Provider
	// Charge attempts the charge described by req. A declined charge is a
	// result, not an error. Transport and provider failures are returned
	// wrapped in ErrProviderUnreachable.
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
}

// PurchaseValidator verifies a receipt or token submitted by an
// authenticated user.
type PurchaseValidator interface {
	Provider
	ValidatePurchase(ctx context.Context, userID uuid.UUID, payload []byte) (*Event, error)
}

// NotificationParser verifies and normalizes a server notification.
type NotificationParser interface {
	Provider
	ParseNotification(ctx context.Context, payload []byte, header http.Header) (*Event, error)
}

// PaymentChecker asks the provider for the current state of a payment.
type PaymentChecker interface {
	Provider
	CheckPayment(ctx context.Context, payment subscription.Payment) (subscription.PaymentStatus, error)
}

// ChargeRequest describes a recurring charge.
type ChargeRequest struct {
	Subscription subscription.Subscription
	Plan         subscription.Plan
	Amount       *subscription.Money
	// Reference is the last completed payment of the subscription; it
	// carries provider specific data such as the stored payment method.
	Reference *subscription.Payment
	// IdempotencyKey is stable for a subscription and charge date.
	IdempotencyKey string
	PaidSince      time.Time
	PaidUntil      time.Time
}

// Outcome is the result of a charge attempt.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeDeclined  Outcome = "declined"
	// OutcomePending marks a charge the provider has not decided yet. It is
	// recorded as a pending payment and settled by status checks.
	OutcomePending Outcome = "pending"
	// OutcomeError marks an attempt that never reached a decision, such as
	// an unreachable provider. It is recorded, never returned by Charge.
	OutcomeError Outcome = "error"
)

// ChargeResult is the synchronous result of Charge.
type ChargeResult struct {
	Outcome       Outcome
	TransactionID string
	Amount        *subscription.Money
	Reason        string
	Metadata      map[string]string
}

// EventKind classifies normalized provider events.
type EventKind string

const (
	EventPurchase  EventKind = "purchase"
	EventRenewal   EventKind = "renewal"
	EventUpgrade   EventKind = "upgrade"
	EventDowngrade EventKind = "downgrade"
	EventRefund    EventKind = "refund"
	EventExpired   EventKind = "expired"
	EventIgnored   EventKind = "ignored"
)

// Event is a provider receipt or notification normalized for reconciliation.
type Event struct {
	Kind EventKind
	// TransactionID identifies this money movement at the provider.
	TransactionID string
	// OriginalTransactionID identifies the renewal chain.
	OriginalTransactionID string
	// LinkedTransactionID is the chain replaced by an upgrade, if any.
	LinkedTransactionID string
	// RefundID is the provider id of the refund itself.
	RefundID    string
	ProductID   string
	UserID      uuid.UUID // uuid.Nil when the provider does not know the user
	Quantity    int
	Amount      *subscription.Money
	PurchasedAt time.Time
	ExpiresAt   time.Time
	RevokedAt   time.Time
	// Type is the provider's own event name, kept for logs.
	Type     string
	Metadata map[string]string
}
