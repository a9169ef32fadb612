package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/quotakit/pkg/lock"
	"github.com/dmitrymomot/quotakit/pkg/logger"
	"github.com/dmitrymomot/quotakit/pkg/metrics"
	"github.com/dmitrymomot/quotakit/pkg/period"
	"github.com/dmitrymomot/quotakit/pkg/provider"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
)

// Service turns provider events into payment and subscription mutations.
// Every event is processed at most once per (provider, transaction id).
type Service interface {
	// ConfirmPurchase validates a receipt submitted by an authenticated user.
	ConfirmPurchase(ctx context.Context, codename string, userID uuid.UUID, payload []byte) (*Result, error)

	// HandleNotification verifies and applies an unauthenticated server
	// notification. Notifications that cannot be matched are logged and
	// discarded with OutcomeDiscarded.
	HandleNotification(ctx context.Context, codename string, payload []byte, header http.Header) (*Result, error)

	// RecordCharge persists the synchronous result of a self-hosted charge.
	// A completed charge extends the subscription to req.PaidUntil. A pending
	// charge is stored for CheckUnfinishedPayments to settle.
	RecordCharge(ctx context.Context, codename string, req provider.ChargeRequest, res provider.ChargeResult) (*Result, error)

	// Apply processes a normalized event.
	Apply(ctx context.Context, codename string, ev provider.Event) (*Result, error)

	// CheckUnfinishedPayments asks providers about pending payments created
	// within the window and applies status changes. It returns the number
	// of updated payments.
	CheckUnfinishedPayments(ctx context.Context, within time.Duration) (int, error)

	// FindDuplicatedPayments reports completed payments of one user and plan
	// that paid for the same period more than once.
	FindDuplicatedPayments(ctx context.Context) (map[DuplicateKey][]subscription.Payment, error)

	// StuckPendingPayments logs and returns renewal payments pending for
	// longer than olderThan.
	StuckPendingPayments(ctx context.Context, olderThan time.Duration) ([]subscription.Payment, error)
}

type service struct {
	store    subscription.Store
	subs     subscription.Service
	registry *provider.Registry
	locker   lock.Locker
	metrics  *metrics.Collector
	logger   *slog.Logger
	now      func() time.Time
	lockWait time.Duration
}

// NewService creates the reconciliation service.
// Panics if any dependency is nil to fail fast during initialization.
func NewService(store subscription.Store, subs subscription.Service, registry *provider.Registry, locker lock.Locker, opts ...ServiceOption) Service {
	if store == nil {
		panic("reconcile: Store is required")
	}
	if subs == nil {
		panic("reconcile: subscription Service is required")
	}
	if registry == nil {
		panic("reconcile: provider Registry is required")
	}
	if locker == nil {
		panic("reconcile: Locker is required")
	}

	s := &service{
		store:    store,
		subs:     subs,
		registry: registry,
		locker:   locker,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		lockWait: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LockKey is the lock serializing processing of one provider transaction.
func LockKey(codename, transactionID string) string {
	return "reconcile." + codename + "." + transactionID
}

func (s *service) ConfirmPurchase(ctx context.Context, codename string, userID uuid.UUID, payload []byte) (*Result, error) {
	v, err := s.registry.PurchaseValidator(codename)
	if err != nil {
		return nil, err
	}

	ev, err := v.ValidatePurchase(ctx, userID, payload)
	if err != nil {
		s.metrics.ReconcileEvent(codename, "purchase", "rejected")
		s.logger.WarnContext(ctx, "purchase rejected",
			logger.Provider(codename),
			logger.UserID(userID),
			logger.Error(err),
		)
		return nil, err
	}
	ev.UserID = userID

	return s.Apply(ctx, codename, *ev)
}

func (s *service) HandleNotification(ctx context.Context, codename string, payload []byte, header http.Header) (*Result, error) {
	p, err := s.registry.NotificationParser(codename)
	if err != nil {
		return nil, err
	}

	ev, err := p.ParseNotification(ctx, payload, header)
	if err != nil {
		s.metrics.ReconcileEvent(codename, "notification", "rejected")
		s.logger.WarnContext(ctx, "notification rejected",
			logger.Provider(codename),
			logger.Error(err),
		)
		return nil, err
	}

	res, err := s.Apply(ctx, codename, *ev)
	if isUnmatched(err) {
		s.metrics.ReconcileEvent(codename, string(ev.Kind), string(OutcomeDiscarded))
		s.logger.WarnContext(ctx, "notification discarded",
			logger.Provider(codename),
			logger.Kind(string(ev.Kind)),
			slog.String("type", ev.Type),
			logger.TransactionID(ev.TransactionID),
			slog.String("original_transaction_id", ev.OriginalTransactionID),
			logger.Error(err),
		)
		return &Result{Outcome: OutcomeDiscarded}, nil
	}
	return res, err
}

func isUnmatched(err error) bool {
	return errors.Is(err, ErrUnresolvableRenewal) ||
		errors.Is(err, ErrUnknownUser) ||
		errors.Is(err, ErrUnknownTransaction)
}

func (s *service) Apply(ctx context.Context, codename string, ev provider.Event) (*Result, error) {
	var (
		res *Result
		err error
	)

	switch ev.Kind {
	case provider.EventPurchase, provider.EventRenewal, provider.EventUpgrade:
		err = s.locked(ctx, codename, ev.TransactionID, func(ctx context.Context) error {
			res, err = s.applyPayment(ctx, codename, ev)
			return err
		})
	case provider.EventRefund:
		err = s.locked(ctx, codename, ev.TransactionID, func(ctx context.Context) error {
			res, err = s.applyRefund(ctx, codename, ev)
			return err
		})
	case provider.EventExpired:
		err = s.locked(ctx, codename, ev.OriginalTransactionID, func(ctx context.Context) error {
			res, err = s.applyExpiry(ctx, codename, ev)
			return err
		})
	default:
		res = &Result{Outcome: OutcomeIgnored}
	}

	if err != nil {
		if !isUnmatched(err) {
			s.metrics.ReconcileEvent(codename, string(ev.Kind), "error")
		}
		return nil, err
	}

	s.metrics.ReconcileEvent(codename, string(ev.Kind), string(res.Outcome))
	attrs := []any{
		logger.Provider(codename),
		logger.Kind(string(ev.Kind)),
		slog.String("type", ev.Type),
		logger.TransactionID(ev.TransactionID),
		slog.String("outcome", string(res.Outcome)),
	}
	if res.Subscription != nil {
		attrs = append(attrs,
			logger.UserID(res.Subscription.UserID),
			logger.SubscriptionID(res.Subscription.ID),
		)
	}
	s.logger.InfoContext(ctx, "provider event reconciled", attrs...)
	return res, nil
}

func (s *service) locked(ctx context.Context, codename, transactionID string, fn func(ctx context.Context) error) error {
	if transactionID == "" {
		return ErrInvalidEvent
	}
	return lock.With(ctx, s.locker, LockKey(codename, transactionID), s.lockWait, fn)
}

// duplicate returns the stored payment when the transaction is known.
func (s *service) duplicate(ctx context.Context, codename, transactionID string) (*Result, error) {
	if transactionID == "" {
		return nil, nil
	}
	existing, err := s.store.FindPayment(ctx, codename, transactionID)
	switch {
	case err == nil:
		return &Result{Outcome: OutcomeDuplicate, Payment: &existing}, nil
	case errors.Is(err, subscription.ErrPaymentNotFound):
		return nil, nil
	default:
		return nil, err
	}
}

// createPayment persists p, turning a lost uniqueness race into a
// duplicate result.
func (s *service) createPayment(ctx context.Context, p *subscription.Payment) (*Result, error) {
	err := s.store.CreatePayment(ctx, p)
	if errors.Is(err, subscription.ErrDuplicateTransaction) {
		return s.duplicate(ctx, p.ProviderCodename, p.ProviderTransactionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create payment: %w", err)
	}
	return nil, nil
}

func (s *service) applyPayment(ctx context.Context, codename string, ev provider.Event) (*Result, error) {
	if dup, err := s.duplicate(ctx, codename, ev.TransactionID); dup != nil || err != nil {
		return dup, err
	}

	plans, err := s.subs.Plans(ctx)
	if err != nil {
		return nil, err
	}
	plan, err := subscription.FindPlanByProduct(plans, codename, ev.ProductID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownProduct, codename, ev.ProductID)
	}

	switch ev.Kind {
	case provider.EventRenewal, provider.EventUpgrade:
		chainID := ev.OriginalTransactionID
		if ev.Kind == provider.EventUpgrade && ev.LinkedTransactionID != "" {
			chainID = ev.LinkedTransactionID
		}

		head, latest, err := s.chain(ctx, codename, chainID)
		if errors.Is(err, ErrUnresolvableRenewal) && ev.UserID != uuid.Nil {
			// A renewal confirmed by its owner starts a chain we never saw.
			return s.start(ctx, codename, ev, ev.UserID, plan, OutcomeCreated, nil)
		}
		if err != nil {
			return nil, err
		}
		if ev.UserID != uuid.Nil && ev.UserID != head.UserID {
			return nil, provider.ErrUserMismatch
		}

		sub, err := s.store.GetSubscription(ctx, latest.SubscriptionID)
		if err != nil {
			return nil, err
		}
		if ev.Kind == provider.EventUpgrade || sub.PlanID != plan.ID {
			return s.switchPlan(ctx, codename, ev, sub, plan)
		}
		return s.prolong(ctx, codename, ev, sub, plan)

	default:
		userID := ev.UserID
		if userID == uuid.Nil {
			head, _, err := s.chain(ctx, codename, ev.OriginalTransactionID)
			if err != nil {
				return nil, errors.Join(ErrUnknownUser, err)
			}
			userID = head.UserID
		}
		return s.start(ctx, codename, ev, userID, plan, OutcomeCreated, nil)
	}
}

// chain resolves an original transaction id to the first payment of the
// chain and to the latest payment attached to a subscription.
func (s *service) chain(ctx context.Context, codename, originalID string) (head, latest subscription.Payment, err error) {
	if originalID == "" {
		return head, latest, ErrUnresolvableRenewal
	}
	head, err = s.store.FindChainHead(ctx, codename, originalID)
	if errors.Is(err, subscription.ErrPaymentNotFound) {
		return head, latest, fmt.Errorf("%w: %s/%s", ErrUnresolvableRenewal, codename, originalID)
	}
	if err != nil {
		return head, latest, err
	}

	payments, err := s.store.ListPayments(ctx, subscription.PaymentFilter{
		UserID:   head.UserID,
		Provider: codename,
	})
	if err != nil {
		return head, latest, err
	}

	latest = head
	for _, p := range payments {
		if p.SubscriptionID == uuid.Nil || p.Status != subscription.PaymentCompleted {
			continue
		}
		if p.OriginalTransactionID == originalID || p.ProviderTransactionID == originalID {
			latest = p
		}
	}
	if latest.SubscriptionID == uuid.Nil {
		return head, latest, fmt.Errorf("%w: chain %s has no subscription", ErrUnresolvableRenewal, originalID)
	}
	return head, latest, nil
}

func (s *service) newPayment(codename string, ev provider.Event, userID uuid.UUID, plan subscription.Plan) subscription.Payment {
	original := ev.OriginalTransactionID
	if original == "" {
		original = ev.TransactionID
	}
	amount := ev.Amount
	if amount == nil && plan.ChargeAmount != nil {
		a := *plan.ChargeAmount
		amount = &a
	}
	return subscription.Payment{
		UserID:                userID,
		PlanID:                plan.ID,
		Quantity:              max(ev.Quantity, 1),
		Status:                subscription.PaymentCompleted,
		Amount:                amount,
		ProviderCodename:      codename,
		ProviderTransactionID: ev.TransactionID,
		OriginalTransactionID: original,
		Metadata:              ev.Metadata,
	}
}

// eventTime returns the provider timestamp unless it lies in the future.
func (s *service) eventTime(at time.Time) time.Time {
	now := s.now()
	if at.IsZero() || at.After(now) {
		return now
	}
	return at
}

// start records the first payment of a chain and starts a subscription.
// Both rows, and the writes of also, commit in one transaction.
func (s *service) start(ctx context.Context, codename string, ev provider.Event, userID uuid.UUID, plan subscription.Plan, outcome Outcome, also func(ctx context.Context, tx subscription.Store) error) (*Result, error) {
	start := s.eventTime(ev.PurchasedAt)
	sub := subscription.New(userID, plan, start, period.Duration{}, ev.Quantity)
	if ev.ExpiresAt.After(start) {
		sub.End = ev.ExpiresAt
	}

	payment := s.newPayment(codename, ev, userID, plan)
	payment.SubscriptionID = sub.ID
	payment.Quantity = sub.Quantity
	payment.PaidSince = sub.Start
	payment.PaidUntil = sub.End

	err := s.subs.CreateWith(ctx, &sub, func(ctx context.Context, tx subscription.Store) error {
		if err := tx.CreatePayment(ctx, &payment); err != nil {
			return fmt.Errorf("failed to create payment: %w", err)
		}
		if also != nil {
			return also(ctx, tx)
		}
		return nil
	})
	if errors.Is(err, subscription.ErrDuplicateTransaction) {
		return s.duplicate(ctx, codename, payment.ProviderTransactionID)
	}
	if err != nil {
		return nil, err
	}
	return &Result{Outcome: outcome, Payment: &payment, Subscription: &sub}, nil
}

// prolong records a renewal payment and extends the subscription to the
// provider's expiry or by one charge period.
func (s *service) prolong(ctx context.Context, codename string, ev provider.Event, sub subscription.Subscription, plan subscription.Plan) (*Result, error) {
	until := ev.ExpiresAt
	if until.IsZero() {
		var err error
		if until, err = subscription.NewTimeline(plan, sub).Prolong(); err != nil {
			return nil, err
		}
	}

	payment := s.newPayment(codename, ev, sub.UserID, plan)
	payment.SubscriptionID = sub.ID
	payment.PaidSince = sub.End
	payment.PaidUntil = until
	return s.record(ctx, payment, &sub, plan.IsRecurring())
}

// record stores a completed payment and extends its subscription to the
// paid date in one transaction.
func (s *service) record(ctx context.Context, payment subscription.Payment, sub *subscription.Subscription, autoProlong bool) (*Result, error) {
	err := s.store.InTx(ctx, func(ctx context.Context, tx subscription.Store) error {
		if err := tx.CreatePayment(ctx, &payment); err != nil {
			return fmt.Errorf("failed to create payment: %w", err)
		}
		return s.extend(ctx, tx, sub, payment.PaidUntil, autoProlong)
	})
	if errors.Is(err, subscription.ErrDuplicateTransaction) {
		return s.duplicate(ctx, payment.ProviderCodename, payment.ProviderTransactionID)
	}
	if err != nil {
		return nil, err
	}
	return &Result{Outcome: OutcomeProlonged, Payment: &payment, Subscription: sub}, nil
}

// extend moves End forward and resets the charge lifecycle.
func (s *service) extend(ctx context.Context, store subscription.Store, sub *subscription.Subscription, until time.Time, autoProlong bool) error {
	if until.After(sub.End) {
		sub.End = until
	}
	sub.AutoProlong = autoProlong
	sub.Status = subscription.StatusCurrent
	sub.DueAt = time.Time{}
	sub.StatusUntil = time.Time{}
	sub.UpdatedAt = s.now()
	if err := store.UpdateSubscription(ctx, sub); err != nil {
		return fmt.Errorf("failed to prolong subscription: %w", err)
	}
	return nil
}

// switchPlan ends the current subscription and starts one for plan.
func (s *service) switchPlan(ctx context.Context, codename string, ev provider.Event, current subscription.Subscription, plan subscription.Plan) (*Result, error) {
	at := s.eventTime(ev.PurchasedAt)
	if at.Before(current.Start) {
		at = current.Start
	}

	ev.PurchasedAt = at
	return s.start(ctx, codename, ev, current.UserID, plan, OutcomeSwitched, func(ctx context.Context, tx subscription.Store) error {
		current.Stop(at)
		current.UpdatedAt = s.now()
		if err := tx.UpdateSubscription(ctx, &current); err != nil {
			return fmt.Errorf("failed to end replaced subscription: %w", err)
		}
		return nil
	})
}

func (s *service) applyRefund(ctx context.Context, codename string, ev provider.Event) (*Result, error) {
	payment, err := s.store.FindPayment(ctx, codename, ev.TransactionID)
	if errors.Is(err, subscription.ErrPaymentNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownTransaction, codename, ev.TransactionID)
	}
	if err != nil {
		return nil, err
	}
	if payment.Status == subscription.PaymentRefunded {
		return &Result{Outcome: OutcomeDuplicate, Payment: &payment}, nil
	}

	refund := subscription.Refund{
		PaymentID:             payment.ID,
		ProviderCodename:      codename,
		ProviderTransactionID: ev.RefundID,
		Amount:                ev.Amount,
		CreatedAt:             s.now(),
	}
	if refund.Amount == nil {
		refund.Amount = payment.Amount
	}

	res := &Result{Outcome: OutcomeRefunded, Payment: &payment}
	err = s.store.InTx(ctx, func(ctx context.Context, tx subscription.Store) error {
		payment.Status = subscription.PaymentRefunded
		if err := tx.UpdatePayment(ctx, &payment); err != nil {
			return fmt.Errorf("failed to mark payment refunded: %w", err)
		}
		if err := tx.CreateRefund(ctx, &refund); err != nil {
			return fmt.Errorf("failed to record refund: %w", err)
		}
		if payment.SubscriptionID == uuid.Nil {
			return nil
		}

		sub, err := tx.GetSubscription(ctx, payment.SubscriptionID)
		if err != nil {
			return err
		}
		at := s.eventTime(ev.RevokedAt)
		if at.Before(sub.Start) {
			at = sub.Start
		}
		sub.Stop(at)
		sub.UpdatedAt = s.now()
		if err := tx.UpdateSubscription(ctx, &sub); err != nil {
			return fmt.Errorf("failed to end refunded subscription: %w", err)
		}
		res.Subscription = &sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *service) applyExpiry(ctx context.Context, codename string, ev provider.Event) (*Result, error) {
	_, latest, err := s.chain(ctx, codename, ev.OriginalTransactionID)
	if err != nil {
		return nil, err
	}
	sub, err := s.store.GetSubscription(ctx, latest.SubscriptionID)
	if err != nil {
		return nil, err
	}

	at := ev.ExpiresAt
	if at.IsZero() {
		at = s.now()
	}
	if at.Before(sub.Start) {
		at = sub.Start
	}
	if !sub.AutoProlong && !sub.End.After(at) {
		return &Result{Outcome: OutcomeDuplicate, Payment: &latest, Subscription: &sub}, nil
	}

	sub.Stop(at)
	sub.UpdatedAt = s.now()
	if err := s.store.UpdateSubscription(ctx, &sub); err != nil {
		return nil, fmt.Errorf("failed to expire subscription: %w", err)
	}
	return &Result{Outcome: OutcomeExpired, Payment: &latest, Subscription: &sub}, nil
}

func (s *service) RecordCharge(ctx context.Context, codename string, req provider.ChargeRequest, res provider.ChargeResult) (*Result, error) {
	sub := req.Subscription
	payment := subscription.Payment{
		UserID:                sub.UserID,
		PlanID:                req.Plan.ID,
		SubscriptionID:        sub.ID,
		Quantity:              int(sub.Units()),
		Amount:                res.Amount,
		ProviderCodename:      codename,
		ProviderTransactionID: res.TransactionID,
		OriginalTransactionID: res.TransactionID,
		PaidSince:             req.PaidSince,
		PaidUntil:             req.PaidUntil,
		Metadata:              res.Metadata,
	}
	if payment.Amount == nil {
		payment.Amount = req.Amount
	}
	if ref := req.Reference; ref != nil {
		payment.OriginalTransactionID = ref.OriginalTransactionID
	}

	var (
		result *Result
		err    error
	)
	switch res.Outcome {
	case provider.OutcomeCompleted:
		err = s.locked(ctx, codename, res.TransactionID, func(ctx context.Context) error {
			result, err = s.recordCompleted(ctx, payment)
			return err
		})

	case provider.OutcomePending, provider.OutcomeDeclined, provider.OutcomeError:
		payment.Status = subscription.PaymentDeclined
		outcome := OutcomeDeclined
		switch res.Outcome {
		case provider.OutcomePending:
			payment.Status = subscription.PaymentPending
			outcome = OutcomePending
		case provider.OutcomeError:
			payment.Status = subscription.PaymentError
			outcome = OutcomeFailed
		}
		if res.Reason != "" {
			payment.Metadata = withReason(payment.Metadata, res.Reason)
		}
		result = &Result{Outcome: outcome, Payment: &payment, Subscription: &sub}
		var dup *Result
		if dup, err = s.createPayment(ctx, &payment); dup != nil {
			result = dup
		}

	default:
		err = fmt.Errorf("unknown charge outcome %q", res.Outcome)
	}

	if err != nil {
		s.metrics.ReconcileEvent(codename, "charge", "error")
		return nil, err
	}
	s.metrics.ReconcileEvent(codename, "charge", string(result.Outcome))
	return result, nil
}

func (s *service) recordCompleted(ctx context.Context, payment subscription.Payment) (*Result, error) {
	if dup, err := s.duplicate(ctx, payment.ProviderCodename, payment.ProviderTransactionID); dup != nil || err != nil {
		return dup, err
	}

	sub, err := s.store.GetSubscription(ctx, payment.SubscriptionID)
	if err != nil {
		return nil, err
	}
	payment.Status = subscription.PaymentCompleted
	return s.record(ctx, payment, &sub, sub.AutoProlong)
}

func withReason(metadata map[string]string, reason string) map[string]string {
	out := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	out["reason"] = reason
	return out
}
