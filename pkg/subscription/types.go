package subscription

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Resource represents a metered resource type (API calls, storage, minutes).
type Resource struct {
	Codename string `yaml:"codename" json:"codename"`
	Units    string `yaml:"units,omitempty" json:"units,omitempty"`
}

// Money represents a monetary amount in the smallest currency unit.
// For example, $10.99 USD would be Amount: 1099, Currency: "USD".
type Money struct {
	Amount   int64  `yaml:"amount" json:"amount"`     // Amount in smallest currency unit (cents for USD)
	Currency string `yaml:"currency" json:"currency"` // ISO 4217 currency code
}

// IsZero reports whether m is nil or has no amount.
func (m *Money) IsZero() bool {
	return m == nil || m.Amount == 0
}

func (m Money) String() string {
	return fmt.Sprintf("%d %s", m.Amount, m.Currency)
}

// Feature is a capability granted by a tier.
// Negative features (e.g. "show_ads") are removed unless every active tier has them.
type Feature struct {
	Codename string `yaml:"codename" json:"codename"`
	Negative bool   `yaml:"negative,omitempty" json:"negative,omitempty"`
}

// Tier groups features connected to plans.
type Tier struct {
	Codename string    `yaml:"codename" json:"codename"`
	Default  bool      `yaml:"default,omitempty" json:"default,omitempty"`
	Level    int       `yaml:"level,omitempty" json:"level,omitempty"`
	Features []Feature `yaml:"features,omitempty" json:"features,omitempty"`
}

// Status is the charge lifecycle state of a subscription.
type Status string

const (
	StatusCurrent      Status = "current"       // within a paid period
	StatusRetryPending Status = "retry_pending" // declined, more schedule offsets remain
	StatusGrace        Status = "grace"         // offsets exhausted, entitlement retained
	StatusHold         Status = "hold"          // entitlement suspended, still retryable
	StatusExpired      Status = "expired"       // terminal
)

// PaymentStatus is the state of a subscription payment.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentPreauth   PaymentStatus = "preauth"
	PaymentCompleted PaymentStatus = "completed"
	PaymentDeclined  PaymentStatus = "declined"
	PaymentCancelled PaymentStatus = "cancelled"
	PaymentRefunded  PaymentStatus = "refunded"
	PaymentError     PaymentStatus = "error"
)

// Payment is a single money movement attached to a plan and, once completed,
// to the subscription it created or prolonged.
//
// (ProviderCodename, ProviderTransactionID) is unique across all payments.
type Payment struct {
	ID                    uuid.UUID
	UserID                uuid.UUID
	PlanID                string
	SubscriptionID        uuid.UUID // uuid.Nil until the payment is attached
	Quantity              int
	Status                PaymentStatus
	Amount                *Money // nil when the provider does not disclose it
	ProviderCodename      string
	ProviderTransactionID string
	OriginalTransactionID string // first transaction of a renewal chain
	PaidSince             time.Time
	PaidUntil             time.Time
	Metadata              map[string]string
	CreatedAt             time.Time
	UpdatedAt             time.Time
	Version               int64
}

// IsCompleted returns true if money was received.
func (p *Payment) IsCompleted() bool {
	return p.Status == PaymentCompleted
}

// Clone returns a deep copy of the payment.
func (p Payment) Clone() Payment {
	if p.Amount != nil {
		amount := *p.Amount
		p.Amount = &amount
	}
	p.Metadata = maps.Clone(p.Metadata)
	return p
}

// Refund records money returned for a payment.
type Refund struct {
	ID                    uuid.UUID
	PaymentID             uuid.UUID
	ProviderCodename      string
	ProviderTransactionID string
	Amount                *Money
	CreatedAt             time.Time
}

// Usage is a persisted consumption record.
type Usage struct {
	ID       uuid.UUID
	UserID   uuid.UUID
	Resource string
	Amount   int64
	At       time.Time
}
