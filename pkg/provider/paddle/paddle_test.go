package paddle_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"testing"
	"time"

	paddlesdk "github.com/PaddleHQ/paddle-go-sdk/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/quotakit/pkg/provider"
	"github.com/dmitrymomot/quotakit/pkg/provider/paddle"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
)

const secret = "pdl_ntfset_test"

type fakeTransactions struct {
	tx  *paddlesdk.Transaction
	err error
}

func (f fakeTransactions) GetTransaction(context.Context, *paddlesdk.GetTransactionRequest) (*paddlesdk.Transaction, error) {
	return f.tx, f.err
}

func newProvider(t *testing.T, tx fakeTransactions) *paddle.Provider {
	t.Helper()
	p, err := paddle.New(paddle.Config{APIKey: "key", WebhookSecret: secret, Environment: "sandbox"},
		paddle.WithTransactions(tx),
	)
	require.NoError(t, err)
	return p
}

func sign(body string) http.Header {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + ":" + body))
	h := http.Header{}
	h.Set("Paddle-Signature", fmt.Sprintf("ts=%s;h1=%s", ts, hex.EncodeToString(mac.Sum(nil))))
	return h
}

func TestNew(t *testing.T) {
	t.Parallel()

	_, err := paddle.New(paddle.Config{WebhookSecret: secret})
	assert.Error(t, err)
	_, err = paddle.New(paddle.Config{APIKey: "key", WebhookSecret: secret, Environment: "staging"})
	assert.Error(t, err)
}

func TestProvider_ParseNotification(t *testing.T) {
	t.Parallel()

	p := newProvider(t, fakeTransactions{})
	userID := uuid.New()

	t.Run("first transaction", func(t *testing.T) {
		t.Parallel()
		body := fmt.Sprintf(`{
			"event_id": "evt_1",
			"event_type": "transaction.completed",
			"occurred_at": "2025-01-01T10:00:00Z",
			"data": {
				"id": "txn_1",
				"status": "completed",
				"origin": "web",
				"subscription_id": "sub_1",
				"custom_data": {"user_id": %q},
				"billing_period": {"starts_at": "2025-01-01T10:00:00Z", "ends_at": "2025-02-01T10:00:00Z"},
				"items": [{"price": {"id": "pri_pro"}, "quantity": 1}],
				"details": {"totals": {"grand_total": "990", "currency_code": "USD"}}
			}
		}`, userID)

		ev, err := p.ParseNotification(context.Background(), []byte(body), sign(body))
		require.NoError(t, err)
		assert.Equal(t, provider.EventPurchase, ev.Kind)
		assert.Equal(t, "txn_1", ev.TransactionID)
		assert.Equal(t, "sub_1", ev.OriginalTransactionID)
		assert.Equal(t, "pri_pro", ev.ProductID)
		assert.Equal(t, userID, ev.UserID)
		assert.Equal(t, int64(990), ev.Amount.Amount)
		assert.Equal(t, time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC), ev.ExpiresAt)
	})

	t.Run("recurring transaction", func(t *testing.T) {
		t.Parallel()
		body := `{"event_id":"evt_2","event_type":"transaction.completed","occurred_at":"2025-02-01T10:00:00Z",
			"data":{"id":"txn_2","origin":"subscription_recurring","subscription_id":"sub_1",
			"items":[{"price":{"id":"pri_pro"},"quantity":1}]}}`

		ev, err := p.ParseNotification(context.Background(), []byte(body), sign(body))
		require.NoError(t, err)
		assert.Equal(t, provider.EventRenewal, ev.Kind)
		assert.Equal(t, "sub_1", ev.OriginalTransactionID)
		assert.Nil(t, ev.Amount)
	})

	t.Run("approved refund", func(t *testing.T) {
		t.Parallel()
		body := `{"event_id":"evt_3","event_type":"adjustment.updated","occurred_at":"2025-01-05T00:00:00Z",
			"data":{"id":"adj_1","action":"refund","status":"approved","transaction_id":"txn_1",
			"created_at":"2025-01-05T00:00:00Z","totals":{"total":"990","currency_code":"USD"}}}`

		ev, err := p.ParseNotification(context.Background(), []byte(body), sign(body))
		require.NoError(t, err)
		assert.Equal(t, provider.EventRefund, ev.Kind)
		assert.Equal(t, "txn_1", ev.TransactionID)
		assert.Equal(t, "adj_1", ev.RefundID)
	})

	t.Run("unrelated event", func(t *testing.T) {
		t.Parallel()
		body := `{"event_id":"evt_4","event_type":"customer.updated","data":{}}`
		ev, err := p.ParseNotification(context.Background(), []byte(body), sign(body))
		require.NoError(t, err)
		assert.Equal(t, provider.EventIgnored, ev.Kind)
	})

	t.Run("bad signature", func(t *testing.T) {
		t.Parallel()
		body := `{"event_type":"transaction.completed"}`
		h := sign(`{}`)
		_, err := p.ParseNotification(context.Background(), []byte(body), h)
		assert.ErrorIs(t, err, provider.ErrInvalidSignature)
	})
}

func TestProvider_CheckPayment(t *testing.T) {
	t.Parallel()

	p := newProvider(t, fakeTransactions{tx: &paddlesdk.Transaction{ID: "txn_1", Status: "completed"}})
	status, err := p.CheckPayment(context.Background(), subscription.Payment{ProviderTransactionID: "txn_1"})
	require.NoError(t, err)
	assert.Equal(t, subscription.PaymentCompleted, status)

	p = newProvider(t, fakeTransactions{err: errors.New("503")})
	_, err = p.CheckPayment(context.Background(), subscription.Payment{ProviderTransactionID: "txn_1"})
	assert.ErrorIs(t, err, provider.ErrProviderUnreachable)
}
