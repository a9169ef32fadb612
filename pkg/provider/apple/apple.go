// Package apple implements a webhook-driven provider for App Store
// subscriptions. It validates StoreKit 2 signed transactions submitted by
// the app and App Store Server Notifications V2.
package apple

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dmitrymomot/quotakit/pkg/provider"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
)

// Codename of the App Store provider.
const Codename = "apple_in_app"

// Option configures a Provider.
type Option func(*Provider)

// WithRootCAs replaces the roots loaded from Config.RootCertFile.
func WithRootCAs(pool *x509.CertPool) Option {
	return func(p *Provider) {
		p.verifier.roots = pool
	}
}

// WithClock overrides the time used for certificate validation.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		if now != nil {
			p.verifier.now = now
		}
	}
}

type Provider struct {
	bundleID string
	verifier verifier
}

var (
	_ provider.PurchaseValidator  = (*Provider)(nil)
	_ provider.NotificationParser = (*Provider)(nil)
)

// New loads the trusted root and returns the provider.
func New(cfg Config, opts ...Option) (*Provider, error) {
	p := &Provider{
		bundleID: cfg.BundleID,
		verifier: verifier{now: time.Now},
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.verifier.roots == nil {
		pem, err := os.ReadFile(cfg.RootCertFile)
		if err != nil {
			return nil, fmt.Errorf("read apple root certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("apple root certificate file has no certificates")
		}
		p.verifier.roots = pool
	}
	return p, nil
}

func (p *Provider) Codename() string { return Codename }
func (p *Provider) External() bool   { return true }

type notificationClaims struct {
	NotificationType string `json:"notificationType"`
	Subtype          string `json:"subtype"`
	NotificationUUID string `json:"notificationUUID"`
	Data             struct {
		BundleID              string `json:"bundleId"`
		Environment           string `json:"environment"`
		SignedTransactionInfo string `json:"signedTransactionInfo"`
	} `json:"data"`
	jwt.RegisteredClaims
}

type transactionClaims struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	BundleID              string `json:"bundleId"`
	ProductID             string `json:"productId"`
	PurchaseDate          int64  `json:"purchaseDate"`
	ExpiresDate           int64  `json:"expiresDate"`
	RevocationDate        int64  `json:"revocationDate"`
	Quantity              int    `json:"quantity"`
	AppAccountToken       string `json:"appAccountToken"`
	Price                 int64  `json:"price"`
	Currency              string `json:"currency"`
	jwt.RegisteredClaims
}

// PurchaseRequest is the body the app submits after a purchase.
type PurchaseRequest struct {
	SignedTransaction string `json:"signed_transaction"`
}

// ValidatePurchase verifies a StoreKit signed transaction. A transaction
// bound to another app account token is rejected.
func (p *Provider) ValidatePurchase(_ context.Context, userID uuid.UUID, payload []byte) (*provider.Event, error) {
	var req PurchaseRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, errors.Join(provider.ErrInvalidPayload, err)
	}
	if req.SignedTransaction == "" {
		return nil, fmt.Errorf("%w: signed_transaction is required", provider.ErrInvalidPayload)
	}

	tx, err := p.transaction(req.SignedTransaction)
	if err != nil {
		return nil, err
	}

	ev := p.event(tx, "purchase")
	if ev.UserID != uuid.Nil && ev.UserID != userID {
		return nil, provider.ErrUserMismatch
	}
	ev.UserID = userID
	if tx.TransactionID != tx.OriginalTransactionID {
		ev.Kind = provider.EventRenewal
	}
	return ev, nil
}

// ParseNotification verifies an App Store Server Notification V2.
func (p *Provider) ParseNotification(_ context.Context, payload []byte, _ http.Header) (*provider.Event, error) {
	var body struct {
		SignedPayload string `json:"signedPayload"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, errors.Join(provider.ErrInvalidPayload, err)
	}

	var n notificationClaims
	if err := p.verifier.parse(body.SignedPayload, &n); err != nil {
		return nil, err
	}
	if p.bundleID != "" && n.Data.BundleID != p.bundleID {
		return nil, fmt.Errorf("%w: bundle %q", provider.ErrInvalidPayload, n.Data.BundleID)
	}

	kind := notificationKind(n.NotificationType, n.Subtype)
	if kind == provider.EventIgnored || n.Data.SignedTransactionInfo == "" {
		return &provider.Event{Kind: provider.EventIgnored, Type: n.NotificationType}, nil
	}

	tx, err := p.transaction(n.Data.SignedTransactionInfo)
	if err != nil {
		return nil, err
	}

	ev := p.event(tx, n.NotificationType)
	ev.Kind = kind
	if kind == provider.EventExpired && ev.ExpiresAt.IsZero() {
		ev.ExpiresAt = ev.PurchasedAt
	}
	return ev, nil
}

func notificationKind(notificationType, subtype string) provider.EventKind {
	switch notificationType {
	case "SUBSCRIBED":
		return provider.EventPurchase
	case "DID_RENEW":
		return provider.EventRenewal
	case "DID_CHANGE_RENEWAL_PREF":
		switch subtype {
		case "UPGRADE":
			return provider.EventUpgrade
		case "DOWNGRADE":
			return provider.EventDowngrade
		}
	case "REFUND", "REVOKE":
		return provider.EventRefund
	case "EXPIRED", "GRACE_PERIOD_EXPIRED":
		return provider.EventExpired
	}
	return provider.EventIgnored
}

func (p *Provider) transaction(signed string) (transactionClaims, error) {
	var tx transactionClaims
	if err := p.verifier.parse(signed, &tx); err != nil {
		return tx, err
	}
	if p.bundleID != "" && tx.BundleID != p.bundleID {
		return tx, fmt.Errorf("%w: bundle %q", provider.ErrInvalidPayload, tx.BundleID)
	}
	if tx.TransactionID == "" {
		return tx, fmt.Errorf("%w: transactionId is required", provider.ErrInvalidPayload)
	}
	return tx, nil
}

func (p *Provider) event(tx transactionClaims, typ string) *provider.Event {
	ev := &provider.Event{
		TransactionID:         tx.TransactionID,
		OriginalTransactionID: tx.OriginalTransactionID,
		ProductID:             tx.ProductID,
		Quantity:              max(tx.Quantity, 1),
		PurchasedAt:           fromMillis(tx.PurchaseDate),
		ExpiresAt:             fromMillis(tx.ExpiresDate),
		RevokedAt:             fromMillis(tx.RevocationDate),
		Type:                  typ,
	}
	if ev.OriginalTransactionID == "" {
		ev.OriginalTransactionID = tx.TransactionID
	}
	if id, err := uuid.Parse(tx.AppAccountToken); err == nil {
		ev.UserID = id
	}
	// App Store prices are in milliunits.
	if tx.Currency != "" {
		ev.Amount = &subscription.Money{Amount: tx.Price / 10, Currency: tx.Currency}
	}
	return ev
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
