package subscription

import (
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/quotakit/pkg/period"
)

// Subscription grants a user the quotas of a plan on [Start, End).
// Subscriptions are never deleted; ended ones stay for reporting.
type Subscription struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	PlanID       string
	Start        time.Time
	End          time.Time
	ChargeOffset period.Duration // shifts every charge date, used for trials
	AutoProlong  bool
	Quantity     int
	Status       Status
	DueAt        time.Time // charge date being attempted; zero means End
	StatusUntil  time.Time // end of grace or hold
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Version      int64
}

// ActiveAt reports whether the subscription grants entitlement at the moment.
func (s *Subscription) ActiveAt(at time.Time) bool {
	return !at.Before(s.Start) && at.Before(s.End)
}

// DueDate returns the charge date the scheduler works against.
func (s *Subscription) DueDate() time.Time {
	if s.DueAt.IsZero() {
		return s.End
	}
	return s.DueAt
}

// CurrentStatus returns the status, treating empty as current.
func (s *Subscription) CurrentStatus() Status {
	if s.Status == "" {
		return StatusCurrent
	}
	return s.Status
}

// IsExpired returns true if the subscription reached its terminal state.
func (s *Subscription) IsExpired() bool {
	return s.Status == StatusExpired
}

// Stop ends the subscription at the moment and disables prolongation.
func (s *Subscription) Stop(at time.Time) {
	if at.Before(s.End) {
		s.End = at
	}
	s.AutoProlong = false
}

// Cancel stops future charges. Already granted quota is kept.
func (s *Subscription) Cancel() {
	s.AutoProlong = false
}

// Units returns the quantity multiplier, at least one.
func (s *Subscription) Units() int64 {
	if s.Quantity <= 0 {
		return 1
	}
	return int64(s.Quantity)
}

// New builds a subscription of plan starting at start with an optional
// trial offset. End is the first charge date after start, capped at the
// plan's maximum duration.
func New(userID uuid.UUID, plan Plan, start time.Time, trial period.Duration, quantity int) Subscription {
	sub := Subscription{
		ID:           uuid.New(),
		UserID:       userID,
		PlanID:       plan.ID,
		Start:        start,
		ChargeOffset: trial,
		AutoProlong:  plan.IsRecurring(),
		Quantity:     max(quantity, 1),
		Status:       StatusCurrent,
		CreatedAt:    start,
		UpdatedAt:    start,
	}
	sub.End = NewTimeline(plan, sub).InitialEnd()
	return sub
}
