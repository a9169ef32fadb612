package charge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/quotakit/pkg/lock"
	"github.com/dmitrymomot/quotakit/pkg/logger"
	"github.com/dmitrymomot/quotakit/pkg/metrics"
	"github.com/dmitrymomot/quotakit/pkg/provider"
	"github.com/dmitrymomot/quotakit/pkg/reconcile"
	"github.com/dmitrymomot/quotakit/pkg/retry"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
)

// Scheduler charges auto-prolonging subscriptions through self-hosted
// providers and walks declined ones through retry, grace, hold and expiry.
// It is safe to run from several processes: every subscription is charged
// under a lock.
type Scheduler struct {
	store       subscription.Store
	reconciler  reconcile.Service
	registry    *provider.Registry
	locker      lock.Locker
	cfg         Config
	lifecycle   *Lifecycle
	transitions []Transition
	backoff     retry.Backoff
	metrics     *metrics.Collector
	logger      *slog.Logger
	now         func() time.Time

	mu       sync.Mutex
	chargers map[string]provider.Charger
}

// NewScheduler creates a scheduler.
// Panics if any dependency is nil to fail fast during initialization.
func NewScheduler(store subscription.Store, reconciler reconcile.Service, registry *provider.Registry, locker lock.Locker, cfg Config, opts ...Option) *Scheduler {
	if store == nil {
		panic("charge: Store is required")
	}
	if reconciler == nil {
		panic("charge: reconcile Service is required")
	}
	if registry == nil {
		panic("charge: provider Registry is required")
	}
	if locker == nil {
		panic("charge: Locker is required")
	}

	defaults := DefaultConfig()
	if len(cfg.Schedule) == 0 {
		cfg.Schedule = defaults.Schedule
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaults.AttemptTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = defaults.LockWait
	}
	if cfg.ProviderRetries <= 0 {
		cfg.ProviderRetries = defaults.ProviderRetries
	}

	s := &Scheduler{
		store:      store,
		reconciler: reconciler,
		registry:   registry,
		locker:     locker,
		cfg:        cfg,
		backoff:    retry.Default(),
		logger:     slog.Default(),
		now:        func() time.Time { return time.Now().UTC() },
		chargers:   make(map[string]provider.Charger),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lifecycle = NewLifecycle(cfg, s.transitions...)
	return s
}

// LockKey is the lock held while a subscription is charged.
func LockKey(subscriptionID uuid.UUID) string {
	return "charge." + subscriptionID.String()
}

// Run charges every subscription due within the configured schedule and
// advances those in grace or hold.
func (s *Scheduler) Run(ctx context.Context) (Report, error) {
	schedule := Schedule(s.cfg.Schedule)
	now := s.now()
	dates := schedule.Dates(now)
	if len(dates) == 0 {
		return Report{}, ErrEmptySchedule
	}

	// A due date d is in range while now lies in [d+first, d+last+grace+hold+retry].
	until := now.Add(now.Sub(dates[0]))
	since := now.Add(-dates[len(dates)-1].Sub(now) - s.cfg.GracePeriod - s.cfg.HoldPeriod - s.cfg.RetryInterval)

	subs, err := s.store.ListDueForCharge(ctx, since, until)
	if err != nil {
		return Report{}, fmt.Errorf("failed to list subscriptions due for charge: %w", err)
	}
	if len(subs) == 0 {
		s.logger.DebugContext(ctx, "no subscriptions to charge")
		return Report{Results: map[uuid.UUID]Result{}}, nil
	}
	return s.ChargeRecurring(ctx, subs, schedule), nil
}

// ChargeRecurring attempts a charge for each subscription at most once.
// The current time is frozen for the whole invocation. Failures of one
// subscription never stop the others.
func (s *Scheduler) ChargeRecurring(ctx context.Context, subs []subscription.Subscription, schedule Schedule) Report {
	c := &collector{results: make(map[uuid.UUID]Result, len(subs))}
	now := s.now()

	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for _, sub := range subs {
		if !sub.AutoProlong {
			c.add(sub.ID, ResultSkipped, nil)
			continue
		}
		g.Go(func() error {
			res, err := s.chargeOne(ctx, sub.ID, schedule, now)
			if err != nil {
				s.logger.ErrorContext(ctx, "failed to charge subscription",
					logger.SubscriptionID(sub.ID),
					logger.UserID(sub.UserID),
					logger.Error(err),
				)
			}
			c.add(sub.ID, res, err)
			return nil
		})
	}
	_ = g.Wait()

	report := c.report()
	s.logger.InfoContext(ctx, "recurring charge finished",
		slog.Int("subscriptions", len(report.Results)),
		slog.Int("charged", report.Count(ResultCharged)),
		slog.Int("declined", report.Count(ResultDeclined)),
		slog.Int("pending", report.Count(ResultPending)),
		slog.Int("provider_unreachable", report.Count(ResultUnreachable)),
		slog.Int("expired", report.Count(ResultExpired)),
		slog.Int("failed", report.Count(ResultFailed)),
	)
	return report
}

func (s *Scheduler) chargeOne(ctx context.Context, id uuid.UUID, schedule Schedule, now time.Time) (Result, error) {
	res := ResultSkipped
	err := lock.With(ctx, s.locker, LockKey(id), s.cfg.LockWait, func(ctx context.Context) error {
		var err error
		res, err = s.attempt(ctx, id, schedule, now)
		return err
	})
	if errors.Is(err, lock.ErrLockTimeout) {
		s.logger.DebugContext(ctx, "subscription is being charged elsewhere",
			logger.SubscriptionID(id))
		return ResultSkipped, nil
	}
	if err != nil {
		return ResultFailed, err
	}
	return res, nil
}

// attempt runs under the subscription lock on a fresh copy of the subscription.
func (s *Scheduler) attempt(ctx context.Context, id uuid.UUID, schedule Schedule, now time.Time) (Result, error) {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return ResultFailed, err
	}
	if !sub.AutoProlong || sub.IsExpired() {
		return ResultSkipped, nil
	}

	due := sub.DueDate()
	dates := schedule.Dates(due)
	if len(dates) == 0 {
		return ResultFailed, ErrEmptySchedule
	}

	payments, err := s.store.ListPayments(ctx, subscription.PaymentFilter{SubscriptionID: sub.ID})
	if err != nil {
		return ResultFailed, err
	}

	log := s.logger.With(
		logger.SubscriptionID(sub.ID),
		logger.UserID(sub.UserID),
		logger.PlanID(sub.PlanID),
	)

	status := sub.CurrentStatus()
	last := false
	key := ""

	switch status {
	case subscription.StatusGrace, subscription.StatusHold:
		if !now.Before(sub.StatusUntil) {
			to, err := s.transition(ctx, &sub, EventElapsed, dates, now)
			if err != nil {
				return ResultFailed, err
			}
			log.InfoContext(ctx, "charge lifecycle advanced",
				slog.String("from", string(status)),
				slog.String("to", string(to)),
			)
			if to == subscription.StatusExpired {
				return ResultExpired, nil
			}
			status = to
		}
		if s.cfg.RetryInterval <= 0 || attemptedWithin(payments, now.Add(-s.cfg.RetryInterval), now.Add(time.Nanosecond)) {
			return ResultSkipped, nil
		}
		slot := now.Unix() / max(int64(s.cfg.RetryInterval/time.Second), 1)
		key = fmt.Sprintf("%s:%d:r%d", sub.ID, due.Unix(), slot)

	default:
		idx, from, to := window(dates, now)
		if idx < 0 {
			return ResultSkipped, nil
		}
		if now.Before(sub.ChargeOffset.AddTo(sub.Start)) {
			log.DebugContext(ctx, "subscription is within its charge offset")
			return ResultSkipped, nil
		}
		if attemptedWithin(payments, from, to) {
			log.DebugContext(ctx, "charge already attempted in this period")
			return ResultSkipped, nil
		}
		if pendingSince(payments, dates[0]) {
			log.DebugContext(ctx, "pending charge attempt exists")
			return ResultSkipped, nil
		}
		last = idx == len(dates)-1
		key = fmt.Sprintf("%s:%d:%d", sub.ID, due.Unix(), from.Unix())
	}

	plan, err := s.store.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return ResultFailed, err
	}

	paidUntil, err := subscription.NewTimeline(plan, withEnd(sub, due)).Prolong()
	if errors.Is(err, subscription.ErrProlongationImpossible) {
		sub.AutoProlong = false
		sub.UpdatedAt = now
		if err := s.store.UpdateSubscription(ctx, &sub); err != nil {
			return ResultFailed, err
		}
		log.InfoContext(ctx, "auto-prolongation turned off, subscription cannot be prolonged")
		return ResultStopped, nil
	}
	if err != nil {
		return ResultFailed, err
	}

	if plan.IsFree() {
		if paidUntil.After(sub.End) {
			sub.End = paidUntil
		}
		sub.Status = subscription.StatusCurrent
		sub.DueAt, sub.StatusUntil = time.Time{}, time.Time{}
		sub.UpdatedAt = now
		if err := s.store.UpdateSubscription(ctx, &sub); err != nil {
			return ResultFailed, err
		}
		return ResultCharged, nil
	}

	ref := lastCompleted(payments)
	codename := s.cfg.DefaultProvider
	if ref != nil {
		codename = ref.ProviderCodename
	}
	if codename == "" {
		log.WarnContext(ctx, "subscription has no payment provider")
		return ResultSkipped, ErrNoProvider
	}
	p, err := s.registry.Get(codename)
	if err != nil {
		return ResultFailed, err
	}
	if p.External() {
		// External providers renew on their side and notify us.
		return ResultSkipped, nil
	}
	charger, err := s.charger(codename)
	if errors.Is(err, provider.ErrNotSupported) {
		return ResultSkipped, nil
	}
	if err != nil {
		return ResultFailed, err
	}

	req := provider.ChargeRequest{
		Subscription:   sub,
		Plan:           plan,
		Amount:         &subscription.Money{Amount: plan.ChargeAmount.Amount * sub.Units(), Currency: plan.ChargeAmount.Currency},
		Reference:      ref,
		IdempotencyKey: key,
		PaidSince:      due,
		PaidUntil:      paidUntil,
	}

	res, result := s.charge(ctx, charger, req)
	log = log.With(logger.Provider(codename))
	switch result {
	case ResultUnreachable:
		log.WarnContext(ctx, "provider_unreachable", slog.String("reason", res.Reason))
	case ResultFailed:
		log.ErrorContext(ctx, "charge rejected by provider integration", slog.String("reason", res.Reason))
	}

	if _, err := s.reconciler.RecordCharge(ctx, codename, req, res); err != nil {
		return ResultFailed, err
	}

	switch result {
	case ResultCharged:
		if !s.lifecycle.CanFire(status, EventCharged) {
			log.WarnContext(ctx, "charged subscription in unexpected state", slog.String("status", string(status)))
		}
		log.InfoContext(ctx, "subscription charged", slog.Time("paid_until", paidUntil))
		return result, nil
	case ResultPending:
		// Settled by the unfinished payments check; the pending payment
		// blocks further attempts meanwhile.
		log.InfoContext(ctx, "charge awaits provider decision", logger.TransactionID(res.TransactionID))
		return result, nil
	}

	// The decline was recorded without touching the subscription; reload
	// it to keep the version current.
	fresh, err := s.store.GetSubscription(ctx, sub.ID)
	if err != nil {
		return ResultFailed, err
	}
	ev := EventDeclined
	if last {
		ev = EventExhausted
	}
	to, err := s.transition(ctx, &fresh, ev, dates, now)
	if err != nil {
		return ResultFailed, err
	}
	log.InfoContext(ctx, "charge attempt failed",
		slog.String("result", string(result)),
		slog.String("status", string(to)),
		slog.String("reason", res.Reason),
	)
	if to == subscription.StatusExpired {
		return ResultExpired, nil
	}
	if result == ResultFailed {
		return result, fmt.Errorf("%w: %s", ErrChargeFailed, res.Reason)
	}
	return result, nil
}

// charge calls the provider within the attempt timeout and normalizes
// every failure into a result that can be recorded.
func (s *Scheduler) charge(ctx context.Context, charger provider.Charger, req provider.ChargeRequest) (provider.ChargeResult, Result) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
	defer cancel()

	started := time.Now()
	res, err := charger.Charge(ctx, req)

	var (
		out    provider.ChargeResult
		result Result
	)
	switch {
	case err == nil && res.Outcome == provider.OutcomeCompleted:
		out, result = *res, ResultCharged
	case err == nil && res.Outcome == provider.OutcomePending:
		out, result = *res, ResultPending
	case err == nil:
		out, result = *res, ResultDeclined
		out.Outcome = provider.OutcomeDeclined
	case errors.Is(err, provider.ErrChargeDeclined):
		out = provider.ChargeResult{Outcome: provider.OutcomeDeclined, Reason: err.Error()}
		result = ResultDeclined
	case errors.Is(err, provider.ErrProviderUnreachable), errors.Is(err, context.DeadlineExceeded):
		out = provider.ChargeResult{Outcome: provider.OutcomeError, Reason: err.Error()}
		result = ResultUnreachable
	default:
		// Permanent errors such as a reference payment without a stored
		// payment method.
		out = provider.ChargeResult{Outcome: provider.OutcomeError, Reason: err.Error()}
		result = ResultFailed
	}
	s.metrics.ChargeAttempted(string(result), time.Since(started))
	return out, result
}

// transition applies the lifecycle event to sub and persists it.
func (s *Scheduler) transition(ctx context.Context, sub *subscription.Subscription, ev Event, dates []time.Time, now time.Time) (subscription.Status, error) {
	from := sub.CurrentStatus()
	to, err := s.lifecycle.Next(from, ev)
	if err != nil {
		return from, err
	}

	due := sub.DueDate()
	lastDate := dates[len(dates)-1]

	switch to {
	case subscription.StatusRetryPending:
		sub.DueAt = due
		sub.StatusUntil = time.Time{}
	case subscription.StatusGrace:
		if from == subscription.StatusGrace {
			return to, nil
		}
		sub.DueAt = due
		sub.StatusUntil = lastDate.Add(s.cfg.GracePeriod)
		if sub.StatusUntil.After(sub.End) {
			sub.End = sub.StatusUntil
		}
	case subscription.StatusHold:
		if from == subscription.StatusHold {
			return to, nil
		}
		base := lastDate
		if from == subscription.StatusGrace {
			base = sub.StatusUntil
		}
		sub.DueAt = due
		sub.StatusUntil = base.Add(s.cfg.HoldPeriod)
	case subscription.StatusExpired:
		sub.AutoProlong = false
		sub.StatusUntil = time.Time{}
	}

	sub.Status = to
	sub.UpdatedAt = now
	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		return from, fmt.Errorf("failed to update charge status: %w", err)
	}
	return to, nil
}

// charger returns the provider's charger wrapped with retries. Wrappers are
// kept so circuit breaker state survives across invocations.
func (s *Scheduler) charger(codename string) (provider.Charger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.chargers[codename]; ok {
		return c, nil
	}
	c, err := s.registry.Charger(codename)
	if err != nil {
		return nil, err
	}
	c = provider.WithRetry(c,
		provider.RetryAttempts(s.cfg.ProviderRetries),
		provider.RetryBackoff(s.backoff),
	)
	s.chargers[codename] = c
	return c, nil
}

func withEnd(sub subscription.Subscription, end time.Time) subscription.Subscription {
	sub.End = end
	return sub
}

// attemptedWithin reports whether any payment was created in [from, to).
func attemptedWithin(payments []subscription.Payment, from, to time.Time) bool {
	for _, p := range payments {
		if !p.CreatedAt.Before(from) && p.CreatedAt.Before(to) {
			return true
		}
	}
	return false
}

func pendingSince(payments []subscription.Payment, since time.Time) bool {
	for _, p := range payments {
		if p.Status == subscription.PaymentPending && !p.CreatedAt.Before(since) {
			return true
		}
	}
	return false
}

// lastCompleted returns the latest completed payment. Payments are ordered
// by creation time.
func lastCompleted(payments []subscription.Payment) *subscription.Payment {
	for i := len(payments) - 1; i >= 0; i-- {
		if payments[i].IsCompleted() {
			p := payments[i]
			return &p
		}
	}
	return nil
}
