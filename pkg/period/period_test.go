package period_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/quotakit/pkg/period"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestDuration_AddTo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		d    period.Duration
		from time.Time
		want time.Time
	}{
		{"month from jan 31 clamps to feb 28", period.Months(1), date(2025, 1, 31), date(2025, 2, 28)},
		{"month from jan 31 clamps to feb 29 in leap year", period.Months(1), date(2024, 1, 31), date(2024, 2, 29)},
		{"year from feb 29 clamps", period.Years(1), date(2024, 2, 29), date(2025, 2, 28)},
		{"month across year boundary", period.Months(2), date(2025, 11, 30), date(2026, 1, 30)},
		{"negative month", period.Months(-1), date(2025, 3, 31), date(2025, 2, 28)},
		{"days", period.Days(7), date(2025, 12, 28), date(2026, 1, 4)},
		{"negative days", period.Days(-1), date(2025, 3, 1), date(2025, 2, 28)},
		{"zero", period.Duration{}, date(2025, 5, 5), date(2025, 5, 5)},
		{"infinite", period.Infinite, date(2025, 5, 5), period.MaxTime},
		{"clamps at max time", period.Years(100000), date(2025, 5, 5), period.MaxTime},
		{
			"months then clock",
			period.Duration{Months: 1, Hours: 12},
			date(2025, 1, 31),
			time.Date(2025, 2, 28, 12, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.d.AddTo(tt.from))
		})
	}
}

func TestDuration_MulIsNotIterative(t *testing.T) {
	t.Parallel()

	start := date(2025, 11, 30)
	monthly := period.Months(1)

	got := make([]time.Time, 0, 5)
	for i := range 5 {
		got = append(got, monthly.Mul(i).AddTo(start))
	}

	assert.Equal(t, []time.Time{
		date(2025, 11, 30),
		date(2025, 12, 30),
		date(2026, 1, 30),
		date(2026, 2, 28),
		date(2026, 3, 30),
	}, got)
}

func TestDuration_Infinite(t *testing.T) {
	t.Parallel()

	assert.True(t, period.Infinite.IsInfinite())
	assert.False(t, period.Infinite.IsZero())
	assert.True(t, period.Infinite.Mul(3).IsInfinite())
	assert.True(t, period.Infinite.Mul(0).IsZero())
	assert.Equal(t, period.MaxTime, period.Days(1).AddTo(period.MaxTime))
}

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want period.Duration
	}{
		{"P1M", period.Months(1)},
		{"P1Y2M10DT2H30M5S", period.Duration{Years: 1, Months: 2, Days: 10, Hours: 2, Minutes: 30, Seconds: 5}},
		{"-P1D", period.Days(-1)},
		{"P2W", period.Days(14)},
		{"PT12H", period.Hours(12)},
		{"36h", period.Hours(36)},
		{"-90m", period.Duration{Hours: -1, Minutes: -30}},
		{"infinite", period.Infinite},
		{"none", period.Infinite},
		{"", period.Infinite},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := period.Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("invalid", func(t *testing.T) {
		t.Parallel()
		_, err := period.Parse("one month")
		assert.ErrorIs(t, err, period.ErrInvalidDuration)
	})
}

func TestDuration_StringRoundTrip(t *testing.T) {
	t.Parallel()

	for _, d := range []period.Duration{
		period.Months(1),
		period.Days(-3),
		period.Duration{Years: 1, Days: 2, Hours: 3},
		period.Infinite,
		{},
	} {
		text, err := d.MarshalText()
		require.NoError(t, err)

		var parsed period.Duration
		require.NoError(t, parsed.UnmarshalText(text))
		assert.Equal(t, d, parsed, string(text))
	}
}

func TestBefore(t *testing.T) {
	t.Parallel()

	ref := date(2025, 2, 1)
	assert.True(t, period.Before(period.Days(-1), period.Duration{}, ref))
	assert.True(t, period.Before(period.Days(28), period.Months(1), date(2025, 1, 1)))
	assert.False(t, period.Before(period.Days(28), period.Months(1), ref))
}
