package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/quotakit/pkg/logger"
	"github.com/dmitrymomot/quotakit/pkg/period"
)

// Service defines the public interface for subscription management.
type Service interface {
	// Plans
	Plans(ctx context.Context) (map[string]Plan, error)
	GetPlan(ctx context.Context, planID string) (Plan, error)
	SyncPlans(ctx context.Context, src PlansSource) error
	UpdatePlan(ctx context.Context, plan Plan) error

	// Subscriptions
	UserSubscriptions(ctx context.Context, userID uuid.UUID) ([]Subscription, error)
	ActiveSubscriptions(ctx context.Context, userID uuid.UUID, at time.Time) ([]Subscription, error)
	CanSubscribe(ctx context.Context, userID uuid.UUID, planID string, at time.Time) error
	TrialFor(ctx context.Context, userID uuid.UUID, plan Plan) (period.Duration, error)
	Subscribe(ctx context.Context, userID uuid.UUID, planID string, quantity int) (Subscription, error)
	Create(ctx context.Context, sub *Subscription) error
	// CreateWith persists sub and runs fn in the same transaction, so writes
	// referencing the new subscription commit or roll back together with it.
	CreateWith(ctx context.Context, sub *Subscription, fn func(ctx context.Context, tx Store) error) error
	Cancel(ctx context.Context, subscriptionID uuid.UUID) error

	// Default plan
	EnsureDefault(ctx context.Context, userID uuid.UUID, at time.Time) (*Subscription, error)
	ReassignDefault(ctx context.Context, oldPlanID, newPlanID string, at time.Time) error
}

type service struct {
	store      Store
	defaults   *DefaultPlan
	trial      period.Duration
	validators []Validator
	logger     *slog.Logger
	now        func() time.Time
}

// NewService creates a new Service backed by store.
// Panics if store is nil to fail fast during initialization.
func NewService(store Store, opts ...ServiceOption) Service {
	if store == nil {
		panic("subscription: Store is required")
	}

	s := &service{
		store:      store,
		validators: DefaultValidators,
		logger:     slog.Default(),
		now:        func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.defaults != nil {
		s.defaults.OnChange(func(ctx context.Context, oldID, newID string) error {
			return s.ReassignDefault(ctx, oldID, newID, s.now())
		})
	}

	return s
}

// Plans returns all plans keyed by ID.
func (s *service) Plans(ctx context.Context) (map[string]Plan, error) {
	list, err := s.store.ListPlans(ctx)
	if err != nil {
		return nil, errors.Join(ErrFailedToLoadPlans, err)
	}
	plans := make(map[string]Plan, len(list))
	for _, p := range list {
		plans[p.ID] = p.Normalize()
	}
	return plans, nil
}

// GetPlan returns a normalized plan.
func (s *service) GetPlan(ctx context.Context, planID string) (Plan, error) {
	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return Plan{}, err
	}
	return plan.Normalize(), nil
}

// SyncPlans writes the plans of src into the store. Plans whose charge terms
// conflict with existing references are reported and skipped.
func (s *service) SyncPlans(ctx context.Context, src PlansSource) error {
	plans, err := src.Load(ctx)
	if err != nil {
		return errors.Join(ErrFailedToLoadPlans, err)
	}

	var errs []error
	for _, plan := range plans {
		if err := s.store.SavePlan(ctx, plan); err != nil {
			s.logger.ErrorContext(ctx, "failed to sync plan",
				logger.PlanID(plan.ID),
				logger.Error(err),
			)
			errs = append(errs, fmt.Errorf("plan %s: %w", plan.ID, err))
		}
	}
	return errors.Join(errs...)
}

// UpdatePlan saves a plan. Charge terms of referenced plans are immutable.
func (s *service) UpdatePlan(ctx context.Context, plan Plan) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	return s.store.SavePlan(ctx, plan)
}

func (s *service) UserSubscriptions(ctx context.Context, userID uuid.UUID) ([]Subscription, error) {
	return s.store.ListUserSubscriptions(ctx, userID)
}

func (s *service) ActiveSubscriptions(ctx context.Context, userID uuid.UUID, at time.Time) ([]Subscription, error) {
	subs, err := s.store.ListUserSubscriptions(ctx, userID)
	if err != nil {
		return nil, err
	}
	return Active(subs, at), nil
}

// CanSubscribe runs the configured validators against the user's active
// subscriptions. The default plan never counts as an active subscription.
func (s *service) CanSubscribe(ctx context.Context, userID uuid.UUID, planID string, at time.Time) error {
	plans, err := s.Plans(ctx)
	if err != nil {
		return err
	}
	plan, ok := plans[planID]
	if !ok {
		return ErrPlanNotFound
	}

	active, err := s.ActiveSubscriptions(ctx, userID, at)
	if err != nil {
		return err
	}
	defaultID := s.defaults.ID()
	filtered := active[:0]
	for _, sub := range active {
		if sub.PlanID != defaultID {
			filtered = append(filtered, sub)
		}
	}

	return Validate(filtered, plans, plan, s.validators...)
}

// TrialFor returns the trial offset the user is eligible for on plan.
func (s *service) TrialFor(ctx context.Context, userID uuid.UUID, plan Plan) (period.Duration, error) {
	if s.trial.IsZero() {
		return period.Duration{}, nil
	}
	plans, err := s.Plans(ctx)
	if err != nil {
		return period.Duration{}, err
	}
	history, err := s.store.ListUserSubscriptions(ctx, userID)
	if err != nil {
		return period.Duration{}, err
	}
	payments, err := s.store.ListPayments(ctx, PaymentFilter{
		UserID:   userID,
		Statuses: []PaymentStatus{PaymentCompleted},
	})
	if err != nil {
		return period.Duration{}, err
	}
	return TrialPeriod(s.trial, plan, plans, history, payments), nil
}

// Subscribe starts a subscription without a payment. Only free plans and
// eligible trials qualify; paid plans go through reconciliation.
func (s *service) Subscribe(ctx context.Context, userID uuid.UUID, planID string, quantity int) (Subscription, error) {
	now := s.now()
	if err := s.CanSubscribe(ctx, userID, planID, now); err != nil {
		return Subscription{}, err
	}
	plan, err := s.GetPlan(ctx, planID)
	if err != nil {
		return Subscription{}, err
	}

	trial, err := s.TrialFor(ctx, userID, plan)
	if err != nil {
		return Subscription{}, err
	}
	if !plan.IsFree() && trial.IsZero() {
		return Subscription{}, fmt.Errorf("plan %s requires a payment: %w", planID, ErrInvalidPlanConfiguration)
	}

	sub := New(userID, plan, now, trial, quantity)
	if err := s.Create(ctx, &sub); err != nil {
		return Subscription{}, err
	}
	return sub, nil
}

// Create persists a new subscription and pushes overlapping default
// subscriptions out of its period.
func (s *service) Create(ctx context.Context, sub *Subscription) error {
	return s.CreateWith(ctx, sub, nil)
}

func (s *service) CreateWith(ctx context.Context, sub *Subscription, fn func(ctx context.Context, tx Store) error) error {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	if sub.Status == "" {
		sub.Status = StatusCurrent
	}
	now := s.now()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now

	err := s.store.InTx(ctx, func(ctx context.Context, tx Store) error {
		if err := tx.CreateSubscription(ctx, sub); err != nil {
			return fmt.Errorf("failed to create subscription: %w", err)
		}
		if fn != nil {
			if err := fn(ctx, tx); err != nil {
				return err
			}
		}
		return s.adjustDefault(ctx, tx, *sub)
	})
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "subscription created",
		logger.UserID(sub.UserID),
		logger.SubscriptionID(sub.ID),
		logger.PlanID(sub.PlanID),
		slog.Time("start", sub.Start),
		slog.Time("end", sub.End),
	)
	return nil
}

// Cancel stops future charges. The current period and its quota remain.
func (s *service) Cancel(ctx context.Context, subscriptionID uuid.UUID) error {
	sub, err := s.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if !sub.AutoProlong {
		return nil
	}
	sub.Cancel()
	sub.UpdatedAt = s.now()
	if err := s.store.UpdateSubscription(ctx, &sub); err != nil {
		return fmt.Errorf("failed to cancel subscription: %w", err)
	}
	return nil
}

// EnsureDefault gives the user an unbounded default subscription after
// their last subscription, unless that one already is on the default plan.
func (s *service) EnsureDefault(ctx context.Context, userID uuid.UUID, at time.Time) (*Subscription, error) {
	defaultID := s.defaults.ID()
	if defaultID == "" {
		return nil, ErrNoDefaultPlan
	}
	plan, err := s.GetPlan(ctx, defaultID)
	if err != nil {
		return nil, err
	}

	subs, err := s.store.ListUserSubscriptions(ctx, userID)
	if err != nil {
		return nil, err
	}

	start := at
	if len(subs) > 0 {
		last := subs[0]
		for _, sub := range subs[1:] {
			if sub.End.After(last.End) {
				last = sub
			}
		}
		if last.PlanID == defaultID {
			return nil, nil
		}
		if last.End.After(start) {
			start = last.End
		}
	}

	sub := defaultSubscription(userID, plan, start)
	if err := s.store.CreateSubscription(ctx, &sub); err != nil {
		return nil, fmt.Errorf("failed to create default subscription: %w", err)
	}
	s.logger.InfoContext(ctx, "default subscription created",
		logger.UserID(userID),
		logger.SubscriptionID(sub.ID),
		logger.PlanID(defaultID),
	)
	return &sub, nil
}

// ReassignDefault moves users from the old default plan to the new one.
// Future default subscriptions switch plan; current ones are split at the
// moment. An empty new ID ends them.
func (s *service) ReassignDefault(ctx context.Context, oldPlanID, newPlanID string, at time.Time) error {
	if oldPlanID == "" {
		return nil
	}
	if newPlanID != "" {
		if _, err := s.GetPlan(ctx, newPlanID); err != nil {
			return err
		}
	}

	subs, err := s.store.ListPlanSubscriptions(ctx, oldPlanID, at)
	if err != nil {
		return err
	}

	var errs []error
	for _, sub := range subs {
		err := s.store.InTx(ctx, func(ctx context.Context, tx Store) error {
			return reassign(ctx, tx, sub, newPlanID, at)
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func reassign(ctx context.Context, store Store, sub Subscription, newPlanID string, at time.Time) error {
	if sub.Start.After(at) {
		if newPlanID == "" {
			sub.End = sub.Start
		} else {
			sub.PlanID = newPlanID
		}
		sub.UpdatedAt = at
		return store.UpdateSubscription(ctx, &sub)
	}

	end := sub.End
	sub.End = at
	sub.UpdatedAt = at
	if err := store.UpdateSubscription(ctx, &sub); err != nil {
		return err
	}
	if newPlanID == "" {
		return nil
	}

	next := sub
	next.ID = uuid.New()
	next.PlanID = newPlanID
	next.Start = at
	next.End = end
	next.Version = 0
	next.CreatedAt = at
	return store.CreateSubscription(ctx, &next)
}

// adjustDefault pushes the user's default subscriptions out of the period of
// a newly created recurring subscription. Gaps left by shrinking a
// subscription later are not filled.
func (s *service) adjustDefault(ctx context.Context, store Store, sub Subscription) error {
	defaultID := s.defaults.ID()
	if defaultID == "" || sub.PlanID == defaultID {
		return nil
	}
	plan, err := store.GetPlan(ctx, sub.PlanID)
	if err != nil || !plan.Normalize().IsRecurring() {
		return err
	}

	subs, err := store.ListUserSubscriptions(ctx, sub.UserID)
	if err != nil {
		return err
	}

	for _, d := range subs {
		if d.PlanID != defaultID || !d.End.After(sub.Start) || !d.Start.Before(sub.End) {
			continue
		}

		if d.Start.Before(sub.Start) {
			end := d.End
			d.End = sub.Start
			d.UpdatedAt = s.now()
			if err := store.UpdateSubscription(ctx, &d); err != nil {
				return err
			}
			if !end.After(sub.End) {
				continue
			}
			tail := d
			tail.ID = uuid.New()
			tail.Start = sub.End
			tail.End = end
			tail.Version = 0
			tail.CreatedAt = d.UpdatedAt
			if err := store.CreateSubscription(ctx, &tail); err != nil {
				return err
			}
			continue
		}

		d.Start = sub.End
		if d.End.Before(d.Start) {
			d.End = d.Start
		}
		d.UpdatedAt = s.now()
		if err := store.UpdateSubscription(ctx, &d); err != nil {
			return err
		}
	}
	return nil
}

func defaultSubscription(userID uuid.UUID, plan Plan, start time.Time) Subscription {
	return Subscription{
		ID:          uuid.New(),
		UserID:      userID,
		PlanID:      plan.ID,
		Start:       start,
		End:         period.MaxTime,
		AutoProlong: false,
		Quantity:    1,
		Status:      StatusCurrent,
		CreatedAt:   start,
		UpdatedAt:   start,
	}
}
