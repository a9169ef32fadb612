package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/quotakit/pkg/logger"
	"github.com/dmitrymomot/quotakit/pkg/provider"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
)

func (s *service) CheckUnfinishedPayments(ctx context.Context, within time.Duration) (int, error) {
	pending, err := s.store.ListPayments(ctx, subscription.PaymentFilter{
		Statuses:     []subscription.PaymentStatus{subscription.PaymentPending, subscription.PaymentPreauth},
		CreatedAfter: s.now().Add(-within),
	})
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		if p.ProviderTransactionID == "" {
			continue
		}

		checker, err := s.registry.PaymentChecker(p.ProviderCodename)
		if errors.Is(err, provider.ErrNotSupported) || errors.Is(err, provider.ErrUnknownProvider) {
			continue
		}
		if err != nil {
			return updated, err
		}

		status, err := checker.CheckPayment(ctx, p)
		if err != nil {
			s.logger.WarnContext(ctx, "failed to check payment status",
				logger.Provider(p.ProviderCodename),
				logger.TransactionID(p.ProviderTransactionID),
				logger.Error(err),
			)
			continue
		}
		if status == p.Status {
			continue
		}

		changed, err := s.settle(ctx, p, status)
		if err != nil {
			return updated, err
		}
		if changed {
			updated++
		}
	}
	return updated, nil
}

// settle applies a status reported by the provider to a pending payment.
// A completed payment extends its subscription in the same transaction.
func (s *service) settle(ctx context.Context, p subscription.Payment, status subscription.PaymentStatus) (bool, error) {
	changed := false
	err := s.locked(ctx, p.ProviderCodename, p.ProviderTransactionID, func(ctx context.Context) error {
		return s.store.InTx(ctx, func(ctx context.Context, tx subscription.Store) error {
			current, err := tx.GetPayment(ctx, p.ID)
			if err != nil {
				return err
			}
			if current.Status != p.Status {
				return nil
			}

			current.Status = status
			if err := tx.UpdatePayment(ctx, &current); err != nil {
				return err
			}
			if status == subscription.PaymentCompleted && current.SubscriptionID != uuid.Nil {
				sub, err := tx.GetSubscription(ctx, current.SubscriptionID)
				if err != nil {
					return err
				}
				if err := s.extend(ctx, tx, &sub, current.PaidUntil, sub.AutoProlong); err != nil {
					return err
				}
			}
			changed = true

			s.logger.InfoContext(ctx, "payment status updated",
				logger.Provider(current.ProviderCodename),
				logger.TransactionID(current.ProviderTransactionID),
				slog.String("status", string(status)),
			)
			return nil
		})
	})
	return changed, err
}

// FindDuplicatedPayments groups completed payments by user, plan and paid
// period. The same provider transaction cannot be stored twice, so a
// duplicate here is a double charge under distinct transactions.
func (s *service) FindDuplicatedPayments(ctx context.Context) (map[DuplicateKey][]subscription.Payment, error) {
	payments, err := s.store.ListPayments(ctx, subscription.PaymentFilter{
		Statuses: []subscription.PaymentStatus{subscription.PaymentCompleted},
	})
	if err != nil {
		return nil, err
	}

	groups := make(map[DuplicateKey][]subscription.Payment)
	for _, p := range payments {
		if p.PaidSince.IsZero() || p.PaidUntil.IsZero() {
			continue
		}
		key := DuplicateKey{
			UserID:    p.UserID,
			PlanID:    p.PlanID,
			PaidSince: p.PaidSince.UTC(),
			PaidUntil: p.PaidUntil.UTC(),
		}
		groups[key] = append(groups[key], p)
	}

	for key, group := range groups {
		if len(group) < 2 {
			delete(groups, key)
			continue
		}
		txIDs := make([]string, len(group))
		for i, p := range group {
			txIDs[i] = p.ProviderCodename + "/" + p.ProviderTransactionID
		}
		s.logger.ErrorContext(ctx, "duplicated payments found",
			logger.UserID(key.UserID),
			logger.PlanID(key.PlanID),
			slog.Time("paid_since", key.PaidSince),
			slog.Time("paid_until", key.PaidUntil),
			slog.Any("transactions", txIDs),
		)
	}
	return groups, nil
}

func (s *service) StuckPendingPayments(ctx context.Context, olderThan time.Duration) ([]subscription.Payment, error) {
	pending, err := s.store.ListPayments(ctx, subscription.PaymentFilter{
		Statuses:      []subscription.PaymentStatus{subscription.PaymentPending},
		CreatedBefore: s.now().Add(-olderThan),
	})
	if err != nil {
		return nil, err
	}

	var stuck []subscription.Payment
	for _, p := range pending {
		if p.SubscriptionID == uuid.Nil {
			continue
		}
		stuck = append(stuck, p)
		s.logger.ErrorContext(ctx, "payment pending for too long",
			logger.Provider(p.ProviderCodename),
			logger.TransactionID(p.ProviderTransactionID),
			logger.SubscriptionID(p.SubscriptionID),
			slog.Time("created_at", p.CreatedAt),
		)
	}
	return stuck, nil
}
