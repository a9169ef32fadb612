package webhook_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/quotakit/pkg/cache"
	"github.com/dmitrymomot/quotakit/pkg/limits"
	"github.com/dmitrymomot/quotakit/pkg/lock"
	"github.com/dmitrymomot/quotakit/pkg/metrics"
	"github.com/dmitrymomot/quotakit/pkg/period"
	"github.com/dmitrymomot/quotakit/pkg/provider"
	"github.com/dmitrymomot/quotakit/pkg/provider/dummy"
	"github.com/dmitrymomot/quotakit/pkg/ratelimiter"
	"github.com/dmitrymomot/quotakit/pkg/reconcile"
	"github.com/dmitrymomot/quotakit/pkg/store/memory"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
	"github.com/dmitrymomot/quotakit/svc/webhook"
)

const userHeader = "X-User-ID"

func headerUser(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(r.Header.Get(userHeader))
}

func newServer(t *testing.T, opts ...webhook.Option) http.Handler {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	store := memory.New(memory.WithClock(clock))
	require.NoError(t, store.SavePlan(ctx, subscription.Plan{
		ID:               "pro-monthly",
		ChargeAmount:     &subscription.Money{Amount: 990, Currency: "USD"},
		ChargePeriod:     period.Months(1),
		Enabled:          true,
		ProviderProducts: map[string]string{dummy.Codename: "pro"},
		Quotas:           []subscription.Quota{{Resource: "api_calls", Limit: 100}},
	}.Normalize()))

	locker := lock.NewMemory()
	subs := subscription.NewService(store, subscription.WithClock(clock))
	rec := reconcile.NewService(store, subs, provider.MustRegistry(dummy.New()), locker, reconcile.WithClock(clock))
	lim := limits.NewService(store, locker, limits.WithClock(clock), limits.WithCache(cache.NewMemory(16)))

	opts = append([]webhook.Option{webhook.WithUserResolver(headerUser)}, opts...)
	return webhook.NewHandler(rec, lim, opts...).Routes()
}

func do(t *testing.T, h http.Handler, method, path string, user uuid.UUID, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != uuid.Nil {
		req.Header.Set(userHeader, user.String())
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHandler_PurchaseAndQuota(t *testing.T) {
	t.Parallel()

	h := newServer(t)
	user := uuid.New()
	receipt := dummy.Notification{TransactionID: "t1", ProductID: "pro"}

	rec := do(t, h, http.MethodPost, "/purchases/dummy", user, receipt)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[webhook.ResultResponse](t, rec)
	assert.Equal(t, reconcile.OutcomeCreated, created.Outcome)
	assert.Equal(t, "pro-monthly", created.PlanID)
	require.NotNil(t, created.SubscriptionID)

	t.Run("duplicate receipt", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/purchases/dummy", user, receipt)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, reconcile.OutcomeDuplicate, decode[webhook.ResultResponse](t, rec).Outcome)
	})

	t.Run("quota", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/quota", user, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		q := decode[webhook.QuotaResponse](t, rec)
		assert.Equal(t, map[string]int64{"api_calls": 100}, q.Remaining)
	})

	t.Run("usage", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/usage/api_calls", user, webhook.UseRequest{Amount: 30})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, int64(70), decode[webhook.UseResponse](t, rec).Remaining)

		rec = do(t, h, http.MethodPost, "/usage/api_calls", user, webhook.UseRequest{Amount: 71})
		assert.Equal(t, http.StatusPaymentRequired, rec.Code)

		rec = do(t, h, http.MethodPost, "/usage/api_calls", user, webhook.UseRequest{Amount: 0})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = do(t, h, http.MethodGet, "/quota", user, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, int64(70), decode[webhook.QuotaResponse](t, rec).Remaining["api_calls"])
	})
}

func TestHandler_Notifications(t *testing.T) {
	t.Parallel()

	h := newServer(t)
	user := uuid.New()

	rec := do(t, h, http.MethodPost, "/webhooks/dummy", uuid.Nil, dummy.Notification{
		Kind: provider.EventPurchase, TransactionID: "t1", ProductID: "pro", UserID: user,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, reconcile.OutcomeCreated, decode[webhook.ResultResponse](t, rec).Outcome)

	rec = do(t, h, http.MethodPost, "/webhooks/dummy", uuid.Nil, dummy.Notification{
		Kind: provider.EventRenewal, TransactionID: "t9", OriginalTransactionID: "unknown",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, reconcile.OutcomeDiscarded, decode[webhook.ResultResponse](t, rec).Outcome)

	rec = do(t, h, http.MethodPost, "/webhooks/dummy", uuid.Nil, map[string]string{"kind": "renewal"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/webhooks/nope", uuid.Nil, map[string]string{})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEmpty(t, decode[map[string]string](t, rec)["request_id"])
}

func TestHandler_Errors(t *testing.T) {
	t.Parallel()

	h := newServer(t, webhook.WithMaxBodySize(64))

	t.Run("unauthenticated", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/quota", uuid.Nil, nil).Code)
		assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/purchases/dummy", uuid.Nil, nil).Code)
	})

	t.Run("receipt of another user", func(t *testing.T) {
		t.Parallel()
		rec := do(t, h, http.MethodPost, "/purchases/dummy", uuid.New(), dummy.Notification{TransactionID: "x", UserID: uuid.New()})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("payload too large", func(t *testing.T) {
		t.Parallel()
		rec := do(t, h, http.MethodPost, "/webhooks/dummy", uuid.Nil, map[string]string{"kind": strings.Repeat("x", 100)})
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})

	t.Run("invalid usage body", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodPost, "/usage/api_calls", strings.NewReader("{"))
		req.Header.Set(userHeader, uuid.NewString())
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandler_HealthChecks(t *testing.T) {
	t.Parallel()

	ready := true
	h := newServer(t,
		webhook.WithMetrics(metrics.New("quotakit_test")),
		webhook.WithReadinessChecks(func(context.Context) error {
			if !ready {
				return errors.New("db down")
			}
			return nil
		}),
	)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", uuid.Nil, nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/readyz", uuid.Nil, nil).Code)
	ready = false
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/readyz", uuid.Nil, nil).Code)

	rec := do(t, h, http.MethodGet, "/metrics", uuid.Nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestHandler_RateLimit(t *testing.T) {
	t.Parallel()

	bucket, err := ratelimiter.NewBucket(ratelimiter.NewMemoryStore(0),
		ratelimiter.Config{Capacity: 2, RefillRate: 1, RefillInterval: time.Hour})
	require.NoError(t, err)
	h := newServer(t, webhook.WithRateLimit(bucket, ratelimiter.ByHeader(userHeader)))
	user := uuid.New()

	for range 2 {
		assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/quota", user, nil).Code)
	}
	rec := do(t, h, http.MethodGet, "/quota", user, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/quota", uuid.New(), nil).Code, "other users keep their budget")
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", user, nil).Code, "health checks are not throttled")
}

func TestHandler_DefaultPlan(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	store := memory.New(memory.WithClock(clock))
	require.NoError(t, store.SavePlan(ctx, subscription.Plan{
		ID:      "free",
		Enabled: true,
		Quotas:  []subscription.Quota{{Resource: "api_calls", Limit: 10}},
	}.Normalize()))

	locker := lock.NewMemory()
	subs := subscription.NewService(store,
		subscription.WithClock(clock),
		subscription.WithDefaultPlan(subscription.NewDefaultPlan("free")),
	)
	rec := reconcile.NewService(store, subs, provider.MustRegistry(dummy.New()), locker, reconcile.WithClock(clock))
	lim := limits.NewService(store, locker, limits.WithClock(clock), limits.WithCache(cache.NewMemory(16)))
	h := webhook.NewHandler(rec, lim,
		webhook.WithUserResolver(headerUser),
		webhook.WithDefaultPlan(subs, locker),
		webhook.WithClock(clock),
	).Routes()

	user := uuid.New()
	for range 2 {
		res := do(t, h, http.MethodGet, "/quota", user, nil)
		require.Equal(t, http.StatusOK, res.Code, res.Body.String())
		assert.Equal(t, map[string]int64{"api_calls": 10}, decode[webhook.QuotaResponse](t, res).Remaining)
	}

	res := do(t, h, http.MethodPost, "/usage/api_calls", user, webhook.UseRequest{Amount: 4})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	assert.Equal(t, int64(6), decode[webhook.UseResponse](t, res).Remaining)

	list, err := store.ListUserSubscriptions(ctx, user)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "free", list[0].PlanID)

	assert.Panics(t, func() { webhook.NewHandler(rec, lim, webhook.WithDefaultPlan(subs, nil)) })
}
