package charge

import (
	"slices"
	"time"

	"github.com/dmitrymomot/quotakit/pkg/period"
)

// Schedule is an ordered set of signed offsets relative to a due date.
type Schedule []period.Duration

// DefaultSchedule tries three days, two days, one day, twelve hours, three
// hours and one hour before the due date, and on the due date itself.
var DefaultSchedule = Schedule{
	period.Days(-3),
	period.Days(-2),
	period.Days(-1),
	period.Hours(-12),
	period.Hours(-3),
	period.Hours(-1),
	{},
}

// Dates anchors the schedule at due. Dates are sorted and unique.
func (s Schedule) Dates(due time.Time) []time.Time {
	dates := make([]time.Time, 0, len(s))
	for _, off := range s {
		dates = append(dates, off.AddTo(due))
	}
	slices.SortFunc(dates, time.Time.Compare)
	return slices.CompactFunc(dates, time.Time.Equal)
}

// window returns the charge period containing at: [dates[i], dates[i+1]),
// with the last period open-ended. It returns -1 before the first date.
func window(dates []time.Time, at time.Time) (idx int, from, to time.Time) {
	idx = -1
	for i, d := range dates {
		if d.After(at) {
			break
		}
		idx = i
	}
	if idx < 0 {
		return idx, time.Time{}, time.Time{}
	}
	from, to = dates[idx], period.MaxTime
	if idx+1 < len(dates) {
		to = dates[idx+1]
	}
	return idx, from, to
}
