// Package stripe implements a self-hosted provider on top of Stripe
// PaymentIntents. Recurring charges are confirmed off-session with the
// customer and payment method stored on the reference payment.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	stripeapi "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dmitrymomot/quotakit/pkg/provider"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
)

const (
	// Codename of the Stripe provider.
	Codename = "stripe"

	// Metadata keys persisted on payments.
	MetaCustomer      = "stripe_customer"
	MetaPaymentMethod = "stripe_payment_method"
	MetaPaymentIntent = "stripe_payment_intent"
)

// Intents is the subset of the PaymentIntent API the provider calls.
type Intents interface {
	New(params *stripeapi.PaymentIntentParams) (*stripeapi.PaymentIntent, error)
	Get(id string, params *stripeapi.PaymentIntentParams) (*stripeapi.PaymentIntent, error)
}

type apiIntents struct{}

func (apiIntents) New(params *stripeapi.PaymentIntentParams) (*stripeapi.PaymentIntent, error) {
	return paymentintent.New(params)
}

func (apiIntents) Get(id string, params *stripeapi.PaymentIntentParams) (*stripeapi.PaymentIntent, error) {
	return paymentintent.Get(id, params)
}

// Option configures a Provider.
type Option func(*Provider)

// WithIntents replaces the Stripe API client. Intended for tests.
func WithIntents(i Intents) Option {
	return func(p *Provider) {
		if i != nil {
			p.intents = i
		}
	}
}

type Provider struct {
	intents       Intents
	webhookSecret string
}

var (
	_ provider.Charger            = (*Provider)(nil)
	_ provider.PaymentChecker     = (*Provider)(nil)
	_ provider.NotificationParser = (*Provider)(nil)
)

// New returns the provider. Unless WithIntents replaces the client, it sets
// the global Stripe key.
func New(cfg Config, opts ...Option) *Provider {
	p := &Provider{
		intents:       apiIntents{},
		webhookSecret: cfg.WebhookSecret,
	}
	for _, opt := range opts {
		opt(p)
	}
	if _, ok := p.intents.(apiIntents); ok {
		stripeapi.Key = cfg.SecretKey
	}
	return p
}

func (p *Provider) Codename() string { return Codename }
func (p *Provider) External() bool   { return false }

// Charge confirms an off-session PaymentIntent for the request amount.
func (p *Provider) Charge(ctx context.Context, req provider.ChargeRequest) (*provider.ChargeResult, error) {
	if req.Amount.IsZero() {
		return nil, fmt.Errorf("%w: amount is required", provider.ErrInvalidPayload)
	}
	if req.Reference == nil {
		return nil, fmt.Errorf("%w: reference payment is required", provider.ErrInvalidPayload)
	}
	customer := req.Reference.Metadata[MetaCustomer]
	method := req.Reference.Metadata[MetaPaymentMethod]
	if customer == "" || method == "" {
		return nil, fmt.Errorf("%w: reference payment has no stored payment method", provider.ErrInvalidPayload)
	}

	params := &stripeapi.PaymentIntentParams{
		Amount:        stripeapi.Int64(req.Amount.Amount),
		Currency:      stripeapi.String(strings.ToLower(req.Amount.Currency)),
		Customer:      stripeapi.String(customer),
		PaymentMethod: stripeapi.String(method),
		OffSession:    stripeapi.Bool(true),
		Confirm:       stripeapi.Bool(true),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("subscription_id", req.Subscription.ID.String())
	params.AddMetadata("plan_id", req.Plan.ID)

	metadata := map[string]string{
		MetaCustomer:      customer,
		MetaPaymentMethod: method,
	}

	pi, err := p.intents.New(params)
	if err != nil {
		var serr *stripeapi.Error
		if errors.As(err, &serr) && serr.Type == stripeapi.ErrorTypeCard {
			res := &provider.ChargeResult{
				Outcome:  provider.OutcomeDeclined,
				Amount:   req.Amount,
				Reason:   declineReason(serr),
				Metadata: metadata,
			}
			if serr.PaymentIntent != nil {
				res.TransactionID = serr.PaymentIntent.ID
			}
			return res, nil
		}
		return nil, errors.Join(provider.ErrProviderUnreachable, err)
	}

	metadata[MetaPaymentIntent] = pi.ID
	res := &provider.ChargeResult{
		Outcome:       provider.OutcomeCompleted,
		TransactionID: pi.ID,
		Amount: &subscription.Money{
			Amount:   pi.Amount,
			Currency: strings.ToUpper(string(pi.Currency)),
		},
		Metadata: metadata,
	}
	switch paymentStatus(pi.Status) {
	case subscription.PaymentCompleted:
	case subscription.PaymentPending, subscription.PaymentPreauth:
		// Settled later by CheckPayment.
		res.Outcome = provider.OutcomePending
		res.Reason = string(pi.Status)
	default:
		res.Outcome = provider.OutcomeDeclined
		res.Reason = string(pi.Status)
	}
	return res, nil
}

func declineReason(serr *stripeapi.Error) string {
	if serr.DeclineCode != "" {
		return string(serr.DeclineCode)
	}
	if serr.Code != "" {
		return string(serr.Code)
	}
	return serr.Msg
}

// CheckPayment maps the PaymentIntent status to a payment status.
func (p *Provider) CheckPayment(ctx context.Context, payment subscription.Payment) (subscription.PaymentStatus, error) {
	params := &stripeapi.PaymentIntentParams{}
	params.Context = ctx
	pi, err := p.intents.Get(payment.ProviderTransactionID, params)
	if err != nil {
		return "", errors.Join(provider.ErrProviderUnreachable, err)
	}
	return paymentStatus(pi.Status), nil
}

func paymentStatus(s stripeapi.PaymentIntentStatus) subscription.PaymentStatus {
	switch s {
	case stripeapi.PaymentIntentStatusSucceeded:
		return subscription.PaymentCompleted
	case stripeapi.PaymentIntentStatusCanceled:
		return subscription.PaymentCancelled
	case stripeapi.PaymentIntentStatusRequiresCapture:
		return subscription.PaymentPreauth
	case stripeapi.PaymentIntentStatusRequiresPaymentMethod:
		return subscription.PaymentDeclined
	default:
		return subscription.PaymentPending
	}
}

// ParseNotification verifies the Stripe-Signature header and normalizes
// refund events. Other event types are ignored since charges are recorded
// synchronously.
func (p *Provider) ParseNotification(_ context.Context, payload []byte, header http.Header) (*provider.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, header.Get("Stripe-Signature"), p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true},
	)
	if err != nil {
		return nil, errors.Join(provider.ErrInvalidSignature, err)
	}

	ev := &provider.Event{
		Kind: provider.EventIgnored,
		Type: string(event.Type),
	}
	if event.Type != "charge.refunded" {
		return ev, nil
	}

	var charge stripeapi.Charge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		return nil, errors.Join(provider.ErrInvalidPayload, err)
	}
	if charge.PaymentIntent == nil || charge.PaymentIntent.ID == "" {
		return nil, fmt.Errorf("%w: charge %s has no payment intent", provider.ErrInvalidPayload, charge.ID)
	}

	ev.Kind = provider.EventRefund
	ev.TransactionID = charge.PaymentIntent.ID
	ev.RefundID = event.ID
	ev.RevokedAt = time.Unix(event.Created, 0).UTC()
	ev.Amount = &subscription.Money{
		Amount:   charge.AmountRefunded,
		Currency: strings.ToUpper(string(charge.Currency)),
	}
	return ev, nil
}
