package stripe_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripeapi "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dmitrymomot/quotakit/pkg/provider"
	"github.com/dmitrymomot/quotakit/pkg/provider/stripe"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
)

type fakeIntents struct {
	params *stripeapi.PaymentIntentParams
	pi     *stripeapi.PaymentIntent
	err    error
}

func (f *fakeIntents) New(params *stripeapi.PaymentIntentParams) (*stripeapi.PaymentIntent, error) {
	f.params = params
	return f.pi, f.err
}

func (f *fakeIntents) Get(string, *stripeapi.PaymentIntentParams) (*stripeapi.PaymentIntent, error) {
	return f.pi, f.err
}

func chargeRequest() provider.ChargeRequest {
	return provider.ChargeRequest{
		Subscription: subscription.Subscription{ID: uuid.New()},
		Plan:         subscription.Plan{ID: "pro"},
		Amount:       &subscription.Money{Amount: 990, Currency: "USD"},
		Reference: &subscription.Payment{Metadata: map[string]string{
			stripe.MetaCustomer:      "cus_1",
			stripe.MetaPaymentMethod: "pm_1",
		}},
		IdempotencyKey: "sub-2025-02-01",
	}
}

func TestProvider_Charge(t *testing.T) {
	t.Parallel()

	t.Run("succeeded", func(t *testing.T) {
		t.Parallel()
		intents := &fakeIntents{pi: &stripeapi.PaymentIntent{
			ID:       "pi_1",
			Amount:   990,
			Currency: stripeapi.CurrencyUSD,
			Status:   stripeapi.PaymentIntentStatusSucceeded,
		}}
		p := stripe.New(stripe.Config{SecretKey: "sk_test"}, stripe.WithIntents(intents))

		res, err := p.Charge(context.Background(), chargeRequest())
		require.NoError(t, err)
		assert.Equal(t, provider.OutcomeCompleted, res.Outcome)
		assert.Equal(t, "pi_1", res.TransactionID)
		assert.Equal(t, "USD", res.Amount.Currency)
		assert.Equal(t, "cus_1", res.Metadata[stripe.MetaCustomer])

		require.NotNil(t, intents.params)
		assert.Equal(t, "usd", *intents.params.Currency)
		assert.True(t, *intents.params.OffSession)
		assert.Equal(t, "sub-2025-02-01", *intents.params.IdempotencyKey)
	})

	t.Run("unsettled intent is pending", func(t *testing.T) {
		t.Parallel()
		for _, status := range []stripeapi.PaymentIntentStatus{
			stripeapi.PaymentIntentStatusProcessing,
			stripeapi.PaymentIntentStatusRequiresCapture,
			stripeapi.PaymentIntentStatusRequiresAction,
		} {
			intents := &fakeIntents{pi: &stripeapi.PaymentIntent{
				ID:       "pi_3",
				Amount:   990,
				Currency: stripeapi.CurrencyUSD,
				Status:   status,
			}}
			p := stripe.New(stripe.Config{SecretKey: "sk_test"}, stripe.WithIntents(intents))

			res, err := p.Charge(context.Background(), chargeRequest())
			require.NoError(t, err)
			assert.Equal(t, provider.OutcomePending, res.Outcome, status)
			assert.Equal(t, "pi_3", res.TransactionID)
		}
	})

	t.Run("intent without payment method is a decline", func(t *testing.T) {
		t.Parallel()
		intents := &fakeIntents{pi: &stripeapi.PaymentIntent{
			ID:     "pi_4",
			Status: stripeapi.PaymentIntentStatusRequiresPaymentMethod,
		}}
		p := stripe.New(stripe.Config{SecretKey: "sk_test"}, stripe.WithIntents(intents))

		res, err := p.Charge(context.Background(), chargeRequest())
		require.NoError(t, err)
		assert.Equal(t, provider.OutcomeDeclined, res.Outcome)
		assert.Equal(t, "requires_payment_method", res.Reason)
	})

	t.Run("card error is a decline", func(t *testing.T) {
		t.Parallel()
		intents := &fakeIntents{err: &stripeapi.Error{
			Type:          stripeapi.ErrorTypeCard,
			DeclineCode:   stripeapi.DeclineCodeInsufficientFunds,
			PaymentIntent: &stripeapi.PaymentIntent{ID: "pi_2"},
		}}
		p := stripe.New(stripe.Config{SecretKey: "sk_test"}, stripe.WithIntents(intents))

		res, err := p.Charge(context.Background(), chargeRequest())
		require.NoError(t, err)
		assert.Equal(t, provider.OutcomeDeclined, res.Outcome)
		assert.Equal(t, "insufficient_funds", res.Reason)
		assert.Equal(t, "pi_2", res.TransactionID)
	})

	t.Run("api error is unreachable", func(t *testing.T) {
		t.Parallel()
		intents := &fakeIntents{err: errors.New("connection reset")}
		p := stripe.New(stripe.Config{SecretKey: "sk_test"}, stripe.WithIntents(intents))

		_, err := p.Charge(context.Background(), chargeRequest())
		assert.ErrorIs(t, err, provider.ErrProviderUnreachable)
	})

	t.Run("missing payment method", func(t *testing.T) {
		t.Parallel()
		p := stripe.New(stripe.Config{SecretKey: "sk_test"}, stripe.WithIntents(&fakeIntents{}))
		req := chargeRequest()
		req.Reference = &subscription.Payment{}

		_, err := p.Charge(context.Background(), req)
		assert.ErrorIs(t, err, provider.ErrInvalidPayload)
	})
}

func TestProvider_CheckPayment(t *testing.T) {
	t.Parallel()

	intents := &fakeIntents{pi: &stripeapi.PaymentIntent{ID: "pi_1", Status: stripeapi.PaymentIntentStatusCanceled}}
	p := stripe.New(stripe.Config{SecretKey: "sk_test"}, stripe.WithIntents(intents))

	status, err := p.CheckPayment(context.Background(), subscription.Payment{ProviderTransactionID: "pi_1"})
	require.NoError(t, err)
	assert.Equal(t, subscription.PaymentCancelled, status)
}

func TestProvider_ParseNotification(t *testing.T) {
	t.Parallel()

	const secret = "whsec_test"
	p := stripe.New(stripe.Config{SecretKey: "sk_test", WebhookSecret: secret}, stripe.WithIntents(&fakeIntents{}))

	body, err := json.Marshal(map[string]any{
		"id":      "evt_1",
		"object":  "event",
		"type":    "charge.refunded",
		"created": 1735689600,
		"data": map[string]any{"object": map[string]any{
			"id":              "ch_1",
			"object":          "charge",
			"payment_intent":  "pi_1",
			"amount_refunded": 990,
			"currency":        "usd",
		}},
	})
	require.NoError(t, err)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	header := http.Header{}
	header.Set("Stripe-Signature", signed.Header)

	ev, err := p.ParseNotification(context.Background(), body, header)
	require.NoError(t, err)
	assert.Equal(t, provider.EventRefund, ev.Kind)
	assert.Equal(t, "pi_1", ev.TransactionID)
	assert.Equal(t, "evt_1", ev.RefundID)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), ev.RevokedAt)
	assert.Equal(t, int64(990), ev.Amount.Amount)

	header.Set("Stripe-Signature", "t=1,v1=bad")
	_, err = p.ParseNotification(context.Background(), body, header)
	assert.ErrorIs(t, err, provider.ErrInvalidSignature)
}
