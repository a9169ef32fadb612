package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/quotakit/pkg/period"
	"github.com/dmitrymomot/quotakit/pkg/pg"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
)

const subscriptionColumns = `id, user_id, plan_id, start_at, end_at, charge_offset, auto_prolong,
	quantity, status, due_at, status_until, created_at, updated_at, version`

func (s *Store) GetSubscription(ctx context.Context, id uuid.UUID) (subscription.Subscription, error) {
	row := s.db.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if err != nil {
		return subscription.Subscription{}, notFound(err, subscription.ErrSubscriptionNotFound, "get subscription")
	}
	return sub, nil
}

func (s *Store) ListUserSubscriptions(ctx context.Context, userID uuid.UUID) ([]subscription.Subscription, error) {
	return s.listSubscriptions(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE user_id = $1 ORDER BY start_at, id`, userID)
}

func (s *Store) ListDueForCharge(ctx context.Context, since, until time.Time) ([]subscription.Subscription, error) {
	return s.listSubscriptions(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE auto_prolong AND status <> 'expired'
			AND (COALESCE(due_at, end_at) BETWEEN $1 AND $2
				OR (status IN ('grace', 'hold') AND status_until <= $2))
		ORDER BY start_at, id`, since, until)
}

func (s *Store) ListPlanSubscriptions(ctx context.Context, planID string, endsAfter time.Time) ([]subscription.Subscription, error) {
	return s.listSubscriptions(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE plan_id = $1 AND end_at > $2 ORDER BY start_at, id`, planID, endsAfter)
}

func (s *Store) listSubscriptions(ctx context.Context, query string, args ...any) ([]subscription.Subscription, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []subscription.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	now := s.now()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = now
	}

	_, err := s.db.Exec(ctx, `INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,1)`,
		sub.ID, sub.UserID, sub.PlanID, sub.Start, sub.End, sub.ChargeOffset.String(), sub.AutoProlong,
		sub.Quantity, string(sub.CurrentStatus()), nullTime(sub.DueAt), nullTime(sub.StatusUntil),
		sub.CreatedAt, sub.UpdatedAt)
	switch {
	case pg.IsForeignKeyViolationError(err):
		return subscription.ErrPlanNotFound
	case pg.IsDuplicateKeyError(err):
		return subscription.ErrVersionConflict
	case err != nil:
		return fmt.Errorf("insert subscription: %w", err)
	}
	sub.Version = 1
	return nil
}

// UpdateSubscription implements subscription.SubscriptionStore. The row is
// written only when its version still matches.
func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	sub.UpdatedAt = s.now()
	tag, err := s.db.Exec(ctx, `UPDATE subscriptions SET
			plan_id = $3, start_at = $4, end_at = $5, charge_offset = $6, auto_prolong = $7,
			quantity = $8, status = $9, due_at = $10, status_until = $11, updated_at = $12,
			version = version + 1
		WHERE id = $1 AND version = $2`,
		sub.ID, sub.Version, sub.PlanID, sub.Start, sub.End, sub.ChargeOffset.String(), sub.AutoProlong,
		sub.Quantity, string(sub.CurrentStatus()), nullTime(sub.DueAt), nullTime(sub.StatusUntil), sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrConflict(ctx, `SELECT EXISTS (SELECT 1 FROM subscriptions WHERE id = $1)`,
			sub.ID, subscription.ErrSubscriptionNotFound)
	}
	sub.Version++
	return nil
}

// missingOrConflict tells a missing row from a stale version.
func (s *Store) missingOrConflict(ctx context.Context, existsQuery string, id uuid.UUID, missing error) error {
	var exists bool
	if err := s.db.QueryRow(ctx, existsQuery, id).Scan(&exists); err != nil {
		return fmt.Errorf("check existence: %w", err)
	}
	if !exists {
		return missing
	}
	return subscription.ErrVersionConflict
}

func scanSubscription(row pgx.Row) (subscription.Subscription, error) {
	var (
		sub         subscription.Subscription
		offset      string
		status      string
		dueAt       *time.Time
		statusUntil *time.Time
	)
	err := row.Scan(&sub.ID, &sub.UserID, &sub.PlanID, &sub.Start, &sub.End, &offset, &sub.AutoProlong,
		&sub.Quantity, &status, &dueAt, &statusUntil, &sub.CreatedAt, &sub.UpdatedAt, &sub.Version)
	if err != nil {
		return subscription.Subscription{}, err
	}
	if sub.ChargeOffset, err = period.Parse(offset); err != nil {
		return subscription.Subscription{}, fmt.Errorf("parse charge offset of %s: %w", sub.ID, err)
	}
	sub.Status = subscription.Status(status)
	sub.DueAt = fromNullTime(dueAt)
	sub.StatusUntil = fromNullTime(statusUntil)
	sub.Start = sub.Start.UTC()
	sub.End = sub.End.UTC()
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	return sub, nil
}
