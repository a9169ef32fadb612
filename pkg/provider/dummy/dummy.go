// Package dummy provides a deterministic self-hosted provider. Charges
// follow a script of outcomes; once the script is exhausted every charge
// completes.
package dummy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/quotakit/pkg/provider"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
)

// Codename of the dummy provider.
const Codename = "dummy"

// Step is a scripted charge outcome.
type Step int

const (
	Complete Step = iota
	Decline
	Unreachable
	// Pending leaves the charge undecided until SetStatus settles it.
	Pending
	// Misconfigured fails with a non-transient error.
	Misconfigured
)

// Provider is safe for concurrent use.
type Provider struct {
	mu       sync.Mutex
	script   []Step
	requests []provider.ChargeRequest
	statuses map[string]subscription.PaymentStatus
	seq      int
}

var (
	_ provider.Charger            = (*Provider)(nil)
	_ provider.PaymentChecker     = (*Provider)(nil)
	_ provider.NotificationParser = (*Provider)(nil)
	_ provider.PurchaseValidator  = (*Provider)(nil)
)

func New(steps ...Step) *Provider {
	return &Provider{
		script:   steps,
		statuses: make(map[string]subscription.PaymentStatus),
	}
}

func (p *Provider) Codename() string { return Codename }
func (p *Provider) External() bool   { return false }

// Script appends outcomes for the next charges.
func (p *Provider) Script(steps ...Step) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, steps...)
}

// Requests returns every charge request received so far.
func (p *Provider) Requests() []provider.ChargeRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]provider.ChargeRequest(nil), p.requests...)
}

// SetStatus sets what CheckPayment reports for a transaction.
func (p *Provider) SetStatus(transactionID string, status subscription.PaymentStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses[transactionID] = status
}

func (p *Provider) Charge(ctx context.Context, req provider.ChargeRequest) (*provider.ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Join(provider.ErrProviderUnreachable, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests = append(p.requests, req)
	step := Complete
	if len(p.script) > 0 {
		step, p.script = p.script[0], p.script[1:]
	}

	p.seq++
	txID := fmt.Sprintf("%s-%d", Codename, p.seq)

	switch step {
	case Decline:
		p.statuses[txID] = subscription.PaymentDeclined
		return &provider.ChargeResult{
			Outcome:       provider.OutcomeDeclined,
			TransactionID: txID,
			Amount:        req.Amount,
			Reason:        "scripted decline",
		}, nil
	case Unreachable:
		return nil, errors.Join(provider.ErrProviderUnreachable, errors.New("scripted outage"))
	case Pending:
		p.statuses[txID] = subscription.PaymentPending
		return &provider.ChargeResult{
			Outcome:       provider.OutcomePending,
			TransactionID: txID,
			Amount:        req.Amount,
		}, nil
	case Misconfigured:
		return nil, fmt.Errorf("%w: scripted missing payment method", provider.ErrInvalidPayload)
	default:
		p.statuses[txID] = subscription.PaymentCompleted
		return &provider.ChargeResult{
			Outcome:       provider.OutcomeCompleted,
			TransactionID: txID,
			Amount:        req.Amount,
		}, nil
	}
}

func (p *Provider) CheckPayment(_ context.Context, payment subscription.Payment) (subscription.PaymentStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if status, ok := p.statuses[payment.ProviderTransactionID]; ok {
		return status, nil
	}
	return payment.Status, nil
}

// Notification is the JSON body accepted by ParseNotification.
type Notification struct {
	Kind                  provider.EventKind `json:"kind"`
	TransactionID         string             `json:"transaction_id"`
	OriginalTransactionID string             `json:"original_transaction_id,omitempty"`
	ProductID             string             `json:"product_id,omitempty"`
	UserID                uuid.UUID          `json:"user_id,omitempty"`
	ExpiresAt             time.Time          `json:"expires_at,omitzero"`
	RevokedAt             time.Time          `json:"revoked_at,omitzero"`
}

// ParseNotification accepts unsigned JSON notifications.
func (p *Provider) ParseNotification(_ context.Context, payload []byte, _ http.Header) (*provider.Event, error) {
	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, errors.Join(provider.ErrInvalidPayload, err)
	}
	if n.TransactionID == "" || n.Kind == "" {
		return nil, fmt.Errorf("%w: kind and transaction_id are required", provider.ErrInvalidPayload)
	}
	return &provider.Event{
		Kind:                  n.Kind,
		TransactionID:         n.TransactionID,
		OriginalTransactionID: n.OriginalTransactionID,
		ProductID:             n.ProductID,
		UserID:                n.UserID,
		Quantity:              1,
		ExpiresAt:             n.ExpiresAt,
		RevokedAt:             n.RevokedAt,
		Type:                  string(n.Kind),
	}, nil
}

// ValidatePurchase accepts a Notification as the receipt. The kind defaults
// to purchase; a receipt naming another user is rejected.
func (p *Provider) ValidatePurchase(ctx context.Context, userID uuid.UUID, payload []byte) (*provider.Event, error) {
	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, errors.Join(provider.ErrInvalidPayload, err)
	}
	if n.UserID != uuid.Nil && n.UserID != userID {
		return nil, provider.ErrUserMismatch
	}
	if n.Kind == "" {
		n.Kind = provider.EventPurchase
	}
	n.UserID = userID
	raw, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	return p.ParseNotification(ctx, raw, nil)
}
