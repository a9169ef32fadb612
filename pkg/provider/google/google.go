// Package google implements a webhook-driven provider for Google Play
// subscriptions. Real-time developer notifications arrive as Pub/Sub push
// messages; every notification is resolved against the Play Developer API.
//
// The purchase token identifies the renewal chain and the latest order id
// identifies the individual charge.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/api/androidpublisher/v3"

	"github.com/dmitrymomot/quotakit/pkg/provider"
)

// Codename of the Google Play provider.
const Codename = "google_in_app"

// Subscription notification types.
const (
	notificationRecovered  = 1
	notificationRenewed    = 2
	notificationCanceled   = 3
	notificationPurchased  = 4
	notificationOnHold     = 5
	notificationRestarted  = 7
	notificationPaused     = 10
	notificationRevoked    = 12
	notificationExpired    = 13
	acknowledgementPending = "ACKNOWLEDGEMENT_STATE_PENDING"
)

// Option configures a Provider.
type Option func(*Provider)

// WithPurchases replaces the Play Developer API client.
func WithPurchases(p Purchases) Option {
	return func(g *Provider) {
		if p != nil {
			g.purchases = p
		}
	}
}

// WithTokenValidator replaces OIDC validation of push requests.
func WithTokenValidator(v TokenValidator) Option {
	return func(g *Provider) {
		if v != nil {
			g.validateToken = v
		}
	}
}

type Provider struct {
	packageName   string
	audience      string
	purchases     Purchases
	validateToken TokenValidator
}

var (
	_ provider.PurchaseValidator  = (*Provider)(nil)
	_ provider.NotificationParser = (*Provider)(nil)
)

// New returns the provider. Without WithPurchases it builds an
// androidpublisher client from the configured credentials.
func New(ctx context.Context, cfg Config, opts ...Option) (*Provider, error) {
	if cfg.PackageName == "" {
		return nil, errors.New("google package name is required")
	}
	p := &Provider{
		packageName:   cfg.PackageName,
		audience:      cfg.PushAudience,
		validateToken: validateIDToken,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.purchases == nil {
		api, err := newPublisherAPI(ctx, cfg)
		if err != nil {
			return nil, err
		}
		p.purchases = api
	}
	return p, nil
}

func (p *Provider) Codename() string { return Codename }
func (p *Provider) External() bool   { return true }

// PurchaseRequest is the body the app submits after a purchase.
type PurchaseRequest struct {
	PurchaseToken string `json:"purchase_token"`
}

// ValidatePurchase resolves a purchase token and acknowledges the
// purchase when Google still waits for it.
func (p *Provider) ValidatePurchase(ctx context.Context, userID uuid.UUID, payload []byte) (*provider.Event, error) {
	var req PurchaseRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, errors.Join(provider.ErrInvalidPayload, err)
	}
	if req.PurchaseToken == "" {
		return nil, fmt.Errorf("%w: purchase_token is required", provider.ErrInvalidPayload)
	}

	purchase, err := p.purchases.GetSubscription(ctx, p.packageName, req.PurchaseToken)
	if err != nil {
		return nil, errors.Join(provider.ErrProviderUnreachable, err)
	}

	ev, err := purchaseEvent(req.PurchaseToken, purchase)
	if err != nil {
		return nil, err
	}
	if ev.UserID != uuid.Nil && ev.UserID != userID {
		return nil, provider.ErrUserMismatch
	}
	ev.UserID = userID
	ev.Kind = provider.EventPurchase
	if purchase.LinkedPurchaseToken != "" {
		ev.Kind = provider.EventUpgrade
	}
	ev.Type = "app_purchase"

	if purchase.AcknowledgementState == acknowledgementPending {
		if err := p.purchases.Acknowledge(ctx, p.packageName, ev.ProductID, req.PurchaseToken); err != nil {
			return nil, errors.Join(provider.ErrProviderUnreachable, err)
		}
	}
	return ev, nil
}

type pushMessage struct {
	Message struct {
		Data      []byte `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type developerNotification struct {
	PackageName              string `json:"packageName"`
	EventTimeMillis          string `json:"eventTimeMillis"`
	SubscriptionNotification *struct {
		NotificationType int    `json:"notificationType"`
		PurchaseToken    string `json:"purchaseToken"`
		SubscriptionID   string `json:"subscriptionId"`
	} `json:"subscriptionNotification"`
	VoidedPurchaseNotification *struct {
		PurchaseToken string `json:"purchaseToken"`
		OrderID       string `json:"orderId"`
	} `json:"voidedPurchaseNotification"`
	TestNotification *struct {
		Version string `json:"version"`
	} `json:"testNotification"`
}

// ParseNotification decodes a Pub/Sub push message carrying a real-time
// developer notification.
func (p *Provider) ParseNotification(ctx context.Context, payload []byte, header http.Header) (*provider.Event, error) {
	if p.audience != "" {
		token, ok := strings.CutPrefix(header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			return nil, fmt.Errorf("%w: missing bearer token", provider.ErrInvalidSignature)
		}
		if err := p.validateToken(ctx, token, p.audience); err != nil {
			return nil, errors.Join(provider.ErrInvalidSignature, err)
		}
	}

	var msg pushMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, errors.Join(provider.ErrInvalidPayload, err)
	}
	var n developerNotification
	if err := json.Unmarshal(msg.Message.Data, &n); err != nil {
		return nil, errors.Join(provider.ErrInvalidPayload, err)
	}
	if n.PackageName != p.packageName {
		return nil, fmt.Errorf("%w: package %q", provider.ErrInvalidPayload, n.PackageName)
	}

	eventTime := time.Time{}
	if ms, err := strconv.ParseInt(n.EventTimeMillis, 10, 64); err == nil {
		eventTime = time.UnixMilli(ms).UTC()
	}

	switch {
	case n.TestNotification != nil:
		return &provider.Event{Kind: provider.EventIgnored, Type: "test"}, nil

	case n.VoidedPurchaseNotification != nil:
		return &provider.Event{
			Kind:                  provider.EventRefund,
			TransactionID:         n.VoidedPurchaseNotification.OrderID,
			OriginalTransactionID: n.VoidedPurchaseNotification.PurchaseToken,
			RefundID:              n.VoidedPurchaseNotification.OrderID,
			RevokedAt:             eventTime,
			Type:                  "voided_purchase",
		}, nil

	case n.SubscriptionNotification != nil:
	default:
		return &provider.Event{Kind: provider.EventIgnored, Type: "unknown"}, nil
	}

	sn := n.SubscriptionNotification
	typ := "subscription_" + strconv.Itoa(sn.NotificationType)
	kind := subscriptionKind(sn.NotificationType)
	if kind == provider.EventIgnored {
		return &provider.Event{Kind: kind, Type: typ}, nil
	}

	purchase, err := p.purchases.GetSubscription(ctx, p.packageName, sn.PurchaseToken)
	if err != nil {
		return nil, errors.Join(provider.ErrProviderUnreachable, err)
	}
	ev, err := purchaseEvent(sn.PurchaseToken, purchase)
	if err != nil {
		return nil, err
	}
	ev.Kind = kind
	ev.Type = typ
	ev.PurchasedAt = eventTime

	switch sn.NotificationType {
	case notificationPurchased:
		if purchase.LinkedPurchaseToken != "" {
			ev.Kind = provider.EventUpgrade
		}
	case notificationOnHold, notificationPaused:
		ev.ExpiresAt = eventTime
	case notificationRevoked:
		ev.RevokedAt = eventTime
	}
	return ev, nil
}

func subscriptionKind(notificationType int) provider.EventKind {
	switch notificationType {
	case notificationPurchased:
		return provider.EventPurchase
	case notificationRecovered, notificationRenewed, notificationRestarted:
		return provider.EventRenewal
	case notificationCanceled, notificationOnHold, notificationPaused, notificationExpired:
		return provider.EventExpired
	case notificationRevoked:
		return provider.EventRefund
	default:
		return provider.EventIgnored
	}
}

func purchaseEvent(token string, purchase *androidpublisher.SubscriptionPurchaseV2) (*provider.Event, error) {
	if purchase == nil || len(purchase.LineItems) == 0 || purchase.LatestOrderId == "" {
		return nil, fmt.Errorf("%w: subscription purchase without line items or order", provider.ErrInvalidPayload)
	}
	item := purchase.LineItems[0]

	ev := &provider.Event{
		TransactionID:         purchase.LatestOrderId,
		OriginalTransactionID: token,
		LinkedTransactionID:   purchase.LinkedPurchaseToken,
		ProductID:             item.ProductId,
		Quantity:              1,
	}
	if item.ExpiryTime != "" {
		expires, err := time.Parse(time.RFC3339Nano, item.ExpiryTime)
		if err != nil {
			return nil, fmt.Errorf("%w: expiryTime: %w", provider.ErrInvalidPayload, err)
		}
		ev.ExpiresAt = expires.UTC()
	}
	if purchase.StartTime != "" {
		if start, err := time.Parse(time.RFC3339Nano, purchase.StartTime); err == nil {
			ev.PurchasedAt = start.UTC()
		}
	}
	if ids := purchase.ExternalAccountIdentifiers; ids != nil {
		if id, err := uuid.Parse(ids.ObfuscatedExternalAccountId); err == nil {
			ev.UserID = id
		}
	}
	return ev, nil
}
