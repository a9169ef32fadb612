// Package paddle implements a webhook-driven provider for Paddle Billing.
// Paddle charges subscribers itself and reports every completed
// transaction through a signed webhook; the Paddle subscription id links
// renewals to the first transaction.
package paddle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	paddlesdk "github.com/PaddleHQ/paddle-go-sdk/v4"
	"github.com/google/uuid"

	"github.com/dmitrymomot/quotakit/pkg/provider"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
)

// Codename of the Paddle provider.
const Codename = "paddle"

// Transactions is the subset of the Paddle API the provider calls.
type Transactions interface {
	GetTransaction(ctx context.Context, req *paddlesdk.GetTransactionRequest) (*paddlesdk.Transaction, error)
}

// Option configures a Provider.
type Option func(*Provider)

// WithTransactions replaces the Paddle API client. Intended for tests.
func WithTransactions(t Transactions) Option {
	return func(p *Provider) {
		if t != nil {
			p.transactions = t
		}
	}
}

type Provider struct {
	transactions Transactions
	verifier     *paddlesdk.WebhookVerifier
}

var (
	_ provider.NotificationParser = (*Provider)(nil)
	_ provider.PaymentChecker     = (*Provider)(nil)
)

// New creates a Paddle provider for the configured environment.
func New(cfg Config, opts ...Option) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("paddle API key is required")
	}
	if cfg.WebhookSecret == "" {
		return nil, errors.New("paddle webhook secret is required")
	}

	var client *paddlesdk.SDK
	var err error

	switch strings.ToLower(cfg.Environment) {
	case "sandbox":
		client, err = paddlesdk.NewSandbox(cfg.APIKey)
	case "production", "":
		client, err = paddlesdk.New(cfg.APIKey)
	default:
		return nil, fmt.Errorf("invalid paddle environment: %s", cfg.Environment)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle client: %w", err)
	}

	p := &Provider{
		transactions: client.TransactionsClient,
		verifier:     paddlesdk.NewWebhookVerifier(cfg.WebhookSecret),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Provider) Codename() string { return Codename }
func (p *Provider) External() bool   { return true }

type notification struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

type transaction struct {
	ID             string            `json:"id"`
	Status         string            `json:"status"`
	Origin         string            `json:"origin"`
	SubscriptionID string            `json:"subscription_id"`
	CustomData     map[string]any    `json:"custom_data"`
	BilledAt       time.Time         `json:"billed_at"`
	BillingPeriod  *timePeriod       `json:"billing_period"`
	Items          []transactionItem `json:"items"`
	Details        struct {
		Totals struct {
			GrandTotal   string `json:"grand_total"`
			CurrencyCode string `json:"currency_code"`
		} `json:"totals"`
	} `json:"details"`
}

type transactionItem struct {
	Price struct {
		ID string `json:"id"`
	} `json:"price"`
	Quantity int `json:"quantity"`
}

type timePeriod struct {
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
}

type adjustment struct {
	ID            string    `json:"id"`
	Action        string    `json:"action"`
	Status        string    `json:"status"`
	TransactionID string    `json:"transaction_id"`
	CreatedAt     time.Time `json:"created_at"`
	Totals        struct {
		Total        string `json:"total"`
		CurrencyCode string `json:"currency_code"`
	} `json:"totals"`
}

type paddleSubscription struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	CanceledAt time.Time `json:"canceled_at"`
}

// ParseNotification verifies the Paddle-Signature header and normalizes
// transaction, adjustment and subscription events.
func (p *Provider) ParseNotification(ctx context.Context, payload []byte, header http.Header) (*provider.Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/webhook", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request for verification: %w", err)
	}
	req.Header.Set("Paddle-Signature", header.Get("Paddle-Signature"))

	valid, err := p.verifier.Verify(req)
	if err != nil {
		return nil, errors.Join(provider.ErrInvalidSignature, err)
	}
	if !valid {
		return nil, provider.ErrInvalidSignature
	}

	var n notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, errors.Join(provider.ErrInvalidPayload, err)
	}

	switch n.EventType {
	case "transaction.completed":
		var tx transaction
		if err := json.Unmarshal(n.Data, &tx); err != nil {
			return nil, errors.Join(provider.ErrInvalidPayload, err)
		}
		return transactionEvent(n, tx)

	case "adjustment.created", "adjustment.updated":
		var adj adjustment
		if err := json.Unmarshal(n.Data, &adj); err != nil {
			return nil, errors.Join(provider.ErrInvalidPayload, err)
		}
		if adj.Action != "refund" || adj.Status != "approved" {
			return &provider.Event{Kind: provider.EventIgnored, Type: n.EventType}, nil
		}
		amount, err := money(adj.Totals.Total, adj.Totals.CurrencyCode)
		if err != nil {
			return nil, err
		}
		return &provider.Event{
			Kind:          provider.EventRefund,
			TransactionID: adj.TransactionID,
			RefundID:      adj.ID,
			Amount:        amount,
			RevokedAt:     adj.CreatedAt,
			Type:          n.EventType,
		}, nil

	case "subscription.canceled":
		var sub paddleSubscription
		if err := json.Unmarshal(n.Data, &sub); err != nil {
			return nil, errors.Join(provider.ErrInvalidPayload, err)
		}
		expires := sub.CanceledAt
		if expires.IsZero() {
			expires = n.OccurredAt
		}
		return &provider.Event{
			Kind:                  provider.EventExpired,
			OriginalTransactionID: sub.ID,
			ExpiresAt:             expires,
			Type:                  n.EventType,
		}, nil

	default:
		return &provider.Event{Kind: provider.EventIgnored, Type: n.EventType}, nil
	}
}

func transactionEvent(n notification, tx transaction) (*provider.Event, error) {
	if tx.ID == "" || len(tx.Items) == 0 {
		return nil, fmt.Errorf("%w: transaction without id or items", provider.ErrInvalidPayload)
	}

	ev := &provider.Event{
		Kind:                  provider.EventPurchase,
		TransactionID:         tx.ID,
		OriginalTransactionID: tx.SubscriptionID,
		ProductID:             tx.Items[0].Price.ID,
		Quantity:              max(tx.Items[0].Quantity, 1),
		PurchasedAt:           tx.BilledAt,
		Type:                  n.EventType,
	}
	if ev.OriginalTransactionID == "" {
		ev.OriginalTransactionID = tx.ID
	}
	if ev.PurchasedAt.IsZero() {
		ev.PurchasedAt = n.OccurredAt
	}
	if tx.BillingPeriod != nil {
		ev.ExpiresAt = tx.BillingPeriod.EndsAt
	}

	switch tx.Origin {
	case "subscription_recurring":
		ev.Kind = provider.EventRenewal
	case "subscription_update":
		ev.Kind = provider.EventUpgrade
		ev.LinkedTransactionID = tx.SubscriptionID
	}

	if raw, ok := tx.CustomData["user_id"].(string); ok {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: custom_data.user_id: %w", provider.ErrInvalidPayload, err)
		}
		ev.UserID = id
	}

	amount, err := money(tx.Details.Totals.GrandTotal, tx.Details.Totals.CurrencyCode)
	if err != nil {
		return nil, err
	}
	ev.Amount = amount
	return ev, nil
}

// money parses Paddle's string amounts in the lowest denomination.
func money(amount, currency string) (*subscription.Money, error) {
	if amount == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(amount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: amount %q", provider.ErrInvalidPayload, amount)
	}
	return &subscription.Money{Amount: v, Currency: currency}, nil
}

// CheckPayment fetches the transaction status from the Paddle API.
func (p *Provider) CheckPayment(ctx context.Context, payment subscription.Payment) (subscription.PaymentStatus, error) {
	tx, err := p.transactions.GetTransaction(ctx, &paddlesdk.GetTransactionRequest{
		TransactionID: payment.ProviderTransactionID,
	})
	if err != nil {
		return "", errors.Join(provider.ErrProviderUnreachable, err)
	}

	switch string(tx.Status) {
	case "completed", "paid":
		return subscription.PaymentCompleted, nil
	case "canceled":
		return subscription.PaymentCancelled, nil
	case "past_due":
		return subscription.PaymentDeclined, nil
	default:
		return subscription.PaymentPending, nil
	}
}
