package reconcile_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/quotakit/pkg/provider"
	"github.com/dmitrymomot/quotakit/pkg/provider/dummy"
	"github.com/dmitrymomot/quotakit/pkg/reconcile"
	"github.com/dmitrymomot/quotakit/pkg/store/postgres"
	"github.com/dmitrymomot/quotakit/pkg/store/postgres/pgtest"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
)

func TestService_OnPostgres(t *testing.T) {
	t.Parallel()

	clk := newClock()
	f := newFixtureOn(t, clk, pgtest.NewStore(t, postgres.WithClock(clk.Now)))
	ctx := context.Background()

	first := f.purchase(t, "t1")
	assert.Equal(t, first.Subscription.ID, first.Payment.SubscriptionID)

	again := f.notify(t, dummy.Notification{
		Kind:          provider.EventPurchase,
		TransactionID: "t1",
		ProductID:     "pro",
		UserID:        f.user,
	})
	assert.Equal(t, reconcile.OutcomeDuplicate, again.Outcome)

	renewed := f.notify(t, dummy.Notification{
		Kind:                  provider.EventRenewal,
		TransactionID:         "t2",
		OriginalTransactionID: "t1",
		ProductID:             "pro",
	})
	require.Equal(t, reconcile.OutcomeProlonged, renewed.Outcome)
	assert.True(t, first.Subscription.End.AddDate(0, 1, 0).Equal(renewed.Subscription.End))

	switched := f.notify(t, dummy.Notification{
		Kind:                  provider.EventRenewal,
		TransactionID:         "t3",
		OriginalTransactionID: "t1",
		ProductID:             "max",
	})
	require.Equal(t, reconcile.OutcomeSwitched, switched.Outcome)

	refunded := f.notify(t, dummy.Notification{Kind: provider.EventRefund, TransactionID: "t3"})
	require.Equal(t, reconcile.OutcomeRefunded, refunded.Outcome)

	subs, err := f.store.ListUserSubscriptions(ctx, f.user)
	require.NoError(t, err)
	assert.Len(t, subs, 2)

	payments, err := f.store.ListPayments(ctx, subscription.PaymentFilter{})
	require.NoError(t, err)
	assert.Len(t, payments, 3)
	for _, p := range payments {
		assert.NotEqual(t, uuid.Nil, p.SubscriptionID, "payment %s lost its subscription", p.ProviderTransactionID)
	}
}
