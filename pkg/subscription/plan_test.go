package subscription_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/quotakit/pkg/period"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
)

func TestPlan_Normalize(t *testing.T) {
	t.Parallel()

	plan := subscription.Plan{
		ID:           "basic",
		ChargePeriod: period.Months(1),
		Quotas: []subscription.Quota{
			{Resource: "calls", Limit: 10},
			{Resource: "minutes", Limit: 60, RechargePeriod: period.Days(1), BurnsIn: period.Days(3)},
		},
	}.Normalize()

	assert.True(t, plan.MaxDuration.IsInfinite())
	assert.Equal(t, period.Months(1), plan.Quotas[0].RechargePeriod)
	assert.Equal(t, period.Months(1), plan.Quotas[0].BurnsIn)
	assert.Equal(t, period.Days(3), plan.Quotas[1].BurnsIn)

	oneTime := subscription.Plan{ID: "credits"}.Normalize()
	assert.True(t, oneTime.ChargePeriod.IsInfinite())
	assert.False(t, oneTime.IsRecurring())
}

func TestPlan_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		plan subscription.Plan
	}{
		{"missing id", subscription.Plan{}},
		{"negative period", subscription.Plan{ID: "x", ChargePeriod: period.Days(-1)}},
		{"negative amount", subscription.Plan{ID: "x", ChargeAmount: &subscription.Money{Amount: -1}}},
		{"duplicated quota", subscription.Plan{ID: "x", Quotas: []subscription.Quota{{Resource: "a"}, {Resource: "a"}}}},
		{"negative limit", subscription.Plan{ID: "x", Quotas: []subscription.Quota{{Resource: "a", Limit: -1}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.ErrorIs(t, tt.plan.Validate(), subscription.ErrInvalidPlanConfiguration)
		})
	}

	assert.NoError(t, monthlyPlan().Validate())
}

func TestValidatePlanChange(t *testing.T) {
	t.Parallel()

	old := monthlyPlan()

	t.Run("charge amount on referenced plan", func(t *testing.T) {
		t.Parallel()
		updated := old.Clone()
		updated.ChargeAmount.Amount = 1990
		assert.ErrorIs(t, subscription.ValidatePlanChange(old, updated, true), subscription.ErrPlanImmutable)
		assert.Equal(t, int64(990), old.ChargeAmount.Amount, "clone must not alias")
	})

	t.Run("charge period on referenced plan", func(t *testing.T) {
		t.Parallel()
		updated := old.Clone()
		updated.ChargePeriod = period.Years(1)
		assert.ErrorIs(t, subscription.ValidatePlanChange(old, updated, true), subscription.ErrPlanImmutable)
	})

	t.Run("unrelated field", func(t *testing.T) {
		t.Parallel()
		updated := old.Clone()
		updated.Name = "Pro+"
		updated.Enabled = false
		assert.NoError(t, subscription.ValidatePlanChange(old, updated, true))
	})

	t.Run("unreferenced plan", func(t *testing.T) {
		t.Parallel()
		updated := old.Clone()
		updated.ChargeAmount.Amount = 1990
		assert.NoError(t, subscription.ValidatePlanChange(old, updated, false))
	})
}

func TestDiffPlans(t *testing.T) {
	t.Parallel()

	old := monthlyPlan()
	updated := old.Clone()
	updated.Name = "Pro+"
	updated.Quotas[0].Limit = 200

	change := subscription.DiffPlans(old, updated)
	assert.Equal(t, []string{"name", "quotas"}, change.Changed)
	assert.False(t, change.ChargeTermsChanged())
	assert.True(t, subscription.DiffPlans(old, old).Empty())
}

func TestValidators(t *testing.T) {
	t.Parallel()

	recurring := monthlyPlan()
	oneTime := subscription.Plan{ID: "credits", Enabled: true}.Normalize()
	disabled := monthlyPlan()
	disabled.Enabled = false
	plans := map[string]subscription.Plan{recurring.ID: recurring, oneTime.ID: oneTime}

	active := []subscription.Subscription{{ID: uuid.New(), PlanID: recurring.ID}}

	validate := func(active []subscription.Subscription, plan subscription.Plan) error {
		return subscription.Validate(active, plans, plan, subscription.DefaultValidators...)
	}

	assert.ErrorIs(t, validate(nil, disabled), subscription.ErrPlanDisabled)
	assert.ErrorIs(t, validate(nil, oneTime), subscription.ErrRecurringRequired)
	assert.NoError(t, validate(active, oneTime))
	assert.NoError(t, validate(nil, recurring))
	assert.ErrorIs(t, validate(active, recurring), subscription.ErrTooManyRecurring)
}

func TestTrialPeriod(t *testing.T) {
	t.Parallel()

	trial := period.Days(7)
	plan := monthlyPlan()
	plans := map[string]subscription.Plan{plan.ID: plan}

	assert.Equal(t, trial, subscription.TrialPeriod(trial, plan, plans, nil, nil))

	free := plan.Clone()
	free.ChargeAmount = nil
	assert.True(t, subscription.TrialPeriod(trial, free, plans, nil, nil).IsZero())

	paid := []subscription.Payment{{Status: subscription.PaymentCompleted}}
	assert.True(t, subscription.TrialPeriod(trial, plan, plans, nil, paid).IsZero())

	history := []subscription.Subscription{{PlanID: plan.ID}}
	assert.True(t, subscription.TrialPeriod(trial, plan, plans, history, nil).IsZero())
}

func TestMergeFeatures(t *testing.T) {
	t.Parallel()

	ads := subscription.Feature{Codename: "show_ads", Negative: true}
	api := subscription.Feature{Codename: "api"}
	sso := subscription.Feature{Codename: "sso"}

	assert.Equal(t,
		[]subscription.Feature{api, sso},
		subscription.MergeFeatures([]subscription.Feature{ads, api}, []subscription.Feature{sso}),
	)
	assert.Equal(t,
		[]subscription.Feature{api, ads},
		subscription.MergeFeatures([]subscription.Feature{ads, api}, []subscription.Feature{ads}),
	)
	assert.Empty(t, subscription.MergeFeatures())
}

func TestInvolved(t *testing.T) {
	t.Parallel()

	at := date(2025, 3, 15)
	current := subscription.Subscription{ID: uuid.New(), Start: date(2025, 3, 1), End: date(2025, 4, 1)}
	previous := subscription.Subscription{ID: uuid.New(), Start: date(2025, 2, 1), End: date(2025, 3, 1)}
	gapped := subscription.Subscription{ID: uuid.New(), Start: date(2024, 1, 1), End: date(2024, 2, 1)}
	future := subscription.Subscription{ID: uuid.New(), Start: date(2025, 4, 1), End: date(2025, 5, 1)}

	got := subscription.Involved([]subscription.Subscription{gapped, previous, future, current}, at)
	require.Len(t, got, 2)
	assert.Equal(t, current.ID, got[0].ID)
	assert.Equal(t, previous.ID, got[1].ID)
}

func TestYAMLSource(t *testing.T) {
	t.Parallel()

	doc := []byte(`
tiers:
  - codename: basic
    default: true
    features:
      - codename: show_ads
        negative: true
plans:
  - id: pro-monthly
    name: Pro
    charge_amount: {amount: 990, currency: USD}
    charge_period: P1M
    enabled: true
    provider_products:
      apple: com.example.pro.monthly
    quotas:
      - resource: api_calls
        limit: 1000
        recharge_period: P1D
        burns_in: P3D
  - id: credits
    name: Credits pack
    enabled: true
    quotas:
      - resource: credits
        limit: 50
`)

	src := subscription.NewYAMLReaderSource(doc)
	plans, err := src.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, plans, 2)

	pro := plans["pro-monthly"]
	assert.Equal(t, period.Months(1), pro.ChargePeriod)
	assert.True(t, pro.MaxDuration.IsInfinite())
	assert.Equal(t, period.Days(3), pro.Quotas[0].BurnsIn)
	assert.Equal(t, int64(990), pro.ChargeAmount.Amount)

	credits := plans["credits"]
	assert.False(t, credits.IsRecurring())
	assert.True(t, credits.IsFree())

	found, err := subscription.FindPlanByProduct(plans, "apple", "com.example.pro.monthly")
	require.NoError(t, err)
	assert.Equal(t, "pro-monthly", found.ID)

	tiers, err := src.(subscription.TiersSource).LoadTiers(context.Background())
	require.NoError(t, err)
	require.Len(t, tiers, 1)
	assert.True(t, tiers[0].Features[0].Negative)
}

func TestDefaultPlan(t *testing.T) {
	t.Parallel()

	d := subscription.NewDefaultPlan("free")
	var calls [][2]string
	d.OnChange(func(_ context.Context, oldID, newID string) error {
		calls = append(calls, [2]string{oldID, newID})
		return nil
	})

	require.NoError(t, d.Set(context.Background(), "free"))
	require.NoError(t, d.Set(context.Background(), "basic"))
	assert.Equal(t, "basic", d.ID())
	assert.Equal(t, [][2]string{{"free", "basic"}}, calls)
}

func TestSubscription_Stop(t *testing.T) {
	t.Parallel()

	sub := subscription.Subscription{Start: date(2025, 1, 1), End: date(2025, 2, 1), AutoProlong: true}
	sub.Stop(date(2025, 1, 10))
	assert.Equal(t, date(2025, 1, 10), sub.End)
	assert.False(t, sub.AutoProlong)
	assert.True(t, sub.ActiveAt(date(2025, 1, 9)))
	assert.False(t, sub.ActiveAt(date(2025, 1, 10)))
}
