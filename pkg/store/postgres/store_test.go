package postgres_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/quotakit/pkg/period"
	"github.com/dmitrymomot/quotakit/pkg/store/postgres"
	"github.com/dmitrymomot/quotakit/pkg/store/postgres/pgtest"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// newTestStore returns a migrated store with the "pro" plan.
// The test is skipped when PG_URL is not set.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	ctx := context.Background()

	s := pgtest.NewStore(t, postgres.WithClock(func() time.Time { return date(2025, 1, 1) }))
	require.NoError(t, s.SavePlan(ctx, subscription.Plan{
		ID:           "pro",
		ChargeAmount: &subscription.Money{Amount: 990, Currency: "USD"},
		ChargePeriod: period.Months(1),
		Enabled:      true,
	}))
	return s
}

func TestStore_PaymentTransactionUnique(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	first := &subscription.Payment{
		UserID: uuid.New(), PlanID: "pro", Status: subscription.PaymentCompleted,
		ProviderCodename: "apple", ProviderTransactionID: "tx-1",
		Amount:   &subscription.Money{Amount: 990, Currency: "USD"},
		Metadata: map[string]string{"reason": "initial"},
	}
	require.NoError(t, s.CreatePayment(ctx, first))

	dup := &subscription.Payment{UserID: uuid.New(), PlanID: "pro", ProviderCodename: "apple", ProviderTransactionID: "tx-1"}
	assert.ErrorIs(t, s.CreatePayment(ctx, dup), subscription.ErrDuplicateTransaction)

	other := &subscription.Payment{UserID: uuid.New(), PlanID: "pro", ProviderCodename: "google", ProviderTransactionID: "tx-1"}
	require.NoError(t, s.CreatePayment(ctx, other))

	// Charges without a transaction id never collide.
	for range 2 {
		require.NoError(t, s.CreatePayment(ctx, &subscription.Payment{UserID: uuid.New(), PlanID: "pro", ProviderCodename: "stripe"}))
	}

	found, err := s.FindPayment(ctx, "apple", "tx-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)
	assert.Equal(t, &subscription.Money{Amount: 990, Currency: "USD"}, found.Amount)
	assert.Equal(t, "initial", found.Metadata["reason"])
	assert.Equal(t, uuid.Nil, found.SubscriptionID)

	_, err = s.FindPayment(ctx, "apple", "missing")
	assert.ErrorIs(t, err, subscription.ErrPaymentNotFound)
}

func TestStore_OptimisticVersion(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	sub := &subscription.Subscription{
		PlanID: "pro", UserID: uuid.New(), Start: date(2025, 1, 1), End: date(2025, 2, 1),
		ChargeOffset: period.Days(7), Quantity: 1,
	}
	require.NoError(t, s.CreateSubscription(ctx, sub))
	assert.Equal(t, int64(1), sub.Version)

	a, err := s.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, period.Days(7), a.ChargeOffset)
	assert.Equal(t, subscription.StatusCurrent, a.Status)
	assert.True(t, a.DueAt.IsZero())
	b := a

	a.AutoProlong = true
	a.DueAt = date(2025, 2, 2)
	require.NoError(t, s.UpdateSubscription(ctx, &a))
	assert.Equal(t, int64(2), a.Version)

	b.End = date(2025, 3, 1)
	assert.ErrorIs(t, s.UpdateSubscription(ctx, &b), subscription.ErrVersionConflict)

	missing := subscription.Subscription{ID: uuid.New(), PlanID: "pro"}
	assert.ErrorIs(t, s.UpdateSubscription(ctx, &missing), subscription.ErrSubscriptionNotFound)

	unknownPlan := &subscription.Subscription{PlanID: "nope", UserID: uuid.New(), Start: date(2025, 1, 1), End: date(2025, 2, 1)}
	assert.ErrorIs(t, s.CreateSubscription(ctx, unknownPlan), subscription.ErrPlanNotFound)
}

func TestStore_PaymentsAndRefunds(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	userID := uuid.New()

	head := &subscription.Payment{
		UserID: userID, PlanID: "pro", Status: subscription.PaymentCompleted,
		ProviderCodename: "apple", ProviderTransactionID: "1000", OriginalTransactionID: "1000",
		CreatedAt: date(2025, 1, 1),
	}
	renewal := &subscription.Payment{
		UserID: userID, PlanID: "pro", Status: subscription.PaymentPending,
		ProviderCodename: "apple", ProviderTransactionID: "1001", OriginalTransactionID: "1000",
		CreatedAt: date(2025, 2, 1),
	}
	require.NoError(t, s.CreatePayment(ctx, renewal))
	require.NoError(t, s.CreatePayment(ctx, head))

	got, err := s.FindChainHead(ctx, "apple", "1000")
	require.NoError(t, err)
	assert.Equal(t, head.ID, got.ID)

	pending, err := s.ListPayments(ctx, subscription.PaymentFilter{
		UserID:   userID,
		Statuses: []subscription.PaymentStatus{subscription.PaymentPending},
	})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, renewal.ID, pending[0].ID)

	recent, err := s.ListPayments(ctx, subscription.PaymentFilter{Provider: "apple", CreatedAfter: date(2025, 1, 1)})
	require.NoError(t, err)
	require.Len(t, recent, 1)

	renewal.Status = subscription.PaymentCompleted
	require.NoError(t, s.UpdatePayment(ctx, renewal))
	assert.Equal(t, int64(2), renewal.Version)

	require.NoError(t, s.CreateRefund(ctx, &subscription.Refund{
		PaymentID: head.ID, ProviderCodename: "apple", ProviderTransactionID: "1000",
		Amount: &subscription.Money{Amount: 990, Currency: "USD"},
	}))
	assert.ErrorIs(t, s.CreateRefund(ctx, &subscription.Refund{PaymentID: uuid.New()}), subscription.ErrPaymentNotFound)

	refunds, err := s.ListRefunds(ctx, head.ID)
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	assert.Equal(t, int64(990), refunds[0].Amount.Amount)
}

func TestStore_ListDueForCharge(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	due := &subscription.Subscription{PlanID: "pro", UserID: uuid.New(), Start: date(2025, 1, 1), End: date(2025, 2, 1), AutoProlong: true}
	cancelled := &subscription.Subscription{PlanID: "pro", UserID: uuid.New(), Start: date(2025, 1, 1), End: date(2025, 2, 1)}
	later := &subscription.Subscription{PlanID: "pro", UserID: uuid.New(), Start: date(2025, 1, 1), End: date(2025, 5, 1), AutoProlong: true}
	retrying := &subscription.Subscription{
		PlanID: "pro", UserID: uuid.New(), Start: date(2024, 12, 1), End: date(2025, 3, 1), AutoProlong: true,
		DueAt: date(2025, 2, 2), Status: subscription.StatusRetryPending,
	}
	overdueHold := &subscription.Subscription{
		PlanID: "pro", UserID: uuid.New(), Start: date(2024, 10, 1), End: date(2024, 11, 1), AutoProlong: true,
		DueAt: date(2024, 11, 1), Status: subscription.StatusHold, StatusUntil: date(2024, 11, 8),
	}
	for _, sub := range []*subscription.Subscription{due, cancelled, later, retrying, overdueHold} {
		require.NoError(t, s.CreateSubscription(ctx, sub))
	}

	got, err := s.ListDueForCharge(ctx, date(2025, 1, 25), date(2025, 2, 5))
	require.NoError(t, err)

	ids := make([]uuid.UUID, 0, len(got))
	for _, sub := range got {
		ids = append(ids, sub.ID)
	}
	assert.ElementsMatch(t, []uuid.UUID{due.ID, retrying.ID, overdueHold.ID}, ids)
}

func TestStore_PlanChanges(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	var got []subscription.PlanChange
	s.SubscribePlanChanges(func(_ context.Context, c subscription.PlanChange) error {
		got = append(got, c)
		return fmt.Errorf("subscriber errors are logged, not returned")
	})

	plan, err := s.GetPlan(ctx, "pro")
	require.NoError(t, err)
	assert.Equal(t, int64(1), plan.Version)

	plan.ChargeAmount.Amount = 1990
	require.NoError(t, s.SavePlan(ctx, plan), "unreferenced plan may change charge terms")

	require.NoError(t, s.CreatePayment(ctx, &subscription.Payment{UserID: uuid.New(), PlanID: "pro", ProviderCodename: "stripe"}))
	plan.ChargeAmount.Amount = 2990
	assert.ErrorIs(t, s.SavePlan(ctx, plan), subscription.ErrPlanImmutable)

	plan.ChargeAmount.Amount = 1990
	require.NoError(t, s.SavePlan(ctx, plan), "saving stored terms again is a no-op")
	require.Len(t, got, 1)

	stored, err := s.GetPlan(ctx, "pro")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Version)
	assert.Equal(t, int64(1990), stored.ChargeAmount.Amount)
}

func TestStore_Usages(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	userID := uuid.New()

	for d := 3; d >= 1; d-- {
		require.NoError(t, s.CreateUsage(ctx, &subscription.Usage{UserID: userID, Resource: "api", Amount: int64(d), At: date(2025, 1, d)}))
	}

	all, err := s.ListUsages(ctx, userID, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, int64(1), all[0].Amount)

	window, err := s.ListUsages(ctx, userID, date(2025, 1, 2), date(2025, 1, 3))
	require.NoError(t, err)
	assert.Len(t, window, 2)
}
