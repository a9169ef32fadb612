package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/quotakit/pkg/logger"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
)

func (s *Store) GetPlan(ctx context.Context, id string) (subscription.Plan, error) {
	return getPlan(ctx, s.db, id, false)
}

func getPlan(ctx context.Context, q querier, id string, forUpdate bool) (subscription.Plan, error) {
	query := `SELECT data, version FROM plans WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var (
		data    []byte
		version int64
	)
	if err := q.QueryRow(ctx, query, id).Scan(&data, &version); err != nil {
		return subscription.Plan{}, notFound(err, subscription.ErrPlanNotFound, "get plan")
	}
	return decodePlan(data, version)
}

func (s *Store) ListPlans(ctx context.Context) ([]subscription.Plan, error) {
	rows, err := s.db.Query(ctx, `SELECT data, version FROM plans ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var plans []subscription.Plan
	for rows.Next() {
		var (
			data    []byte
			version int64
		)
		if err := rows.Scan(&data, &version); err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		plan, err := decodePlan(data, version)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}

// SavePlan implements subscription.PlanStore. The stored row is locked for
// the duration of the check, so concurrent saves of one plan serialize.
func (s *Store) SavePlan(ctx context.Context, plan subscription.Plan) error {
	plan = plan.Clone()

	var change subscription.PlanChange
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		old, err := getPlan(ctx, tx, plan.ID, true)
		if errors.Is(err, subscription.ErrPlanNotFound) {
			if err := plan.Validate(); err != nil {
				return err
			}
			plan.Version = 1
			return insertPlan(ctx, tx, plan, s.now())
		}
		if err != nil {
			return err
		}

		referenced, err := planReferenced(ctx, tx, plan.ID)
		if err != nil {
			return err
		}
		if err := subscription.ValidatePlanChange(old, plan, referenced); err != nil {
			return err
		}
		plan.Version = old.Version
		change = subscription.DiffPlans(old, plan)
		if change.Empty() {
			return nil
		}
		plan.Version++
		change.New = plan.Clone()

		data, err := json.Marshal(plan)
		if err != nil {
			return fmt.Errorf("encode plan: %w", err)
		}
		_, err = tx.Exec(ctx, `UPDATE plans SET data = $2, version = $3, updated_at = $4 WHERE id = $1`,
			plan.ID, data, plan.Version, s.now())
		if err != nil {
			return fmt.Errorf("update plan: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	switch {
	case change.Empty():
	case s.pending != nil:
		*s.pending = append(*s.pending, change)
	default:
		s.publish(ctx, change)
	}
	return nil
}

func insertPlan(ctx context.Context, tx pgx.Tx, plan subscription.Plan, now time.Time) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	_, err = tx.Exec(ctx, `INSERT INTO plans (id, data, version, updated_at) VALUES ($1, $2, $3, $4)`,
		plan.ID, data, plan.Version, now)
	if err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}
	return nil
}

func planReferenced(ctx context.Context, q querier, planID string) (bool, error) {
	var referenced bool
	err := q.QueryRow(ctx, `SELECT
		EXISTS (SELECT 1 FROM subscriptions WHERE plan_id = $1) OR
		EXISTS (SELECT 1 FROM payments WHERE plan_id = $1)`, planID).Scan(&referenced)
	if err != nil {
		return false, fmt.Errorf("check plan references: %w", err)
	}
	return referenced, nil
}

func decodePlan(data []byte, version int64) (subscription.Plan, error) {
	var plan subscription.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return subscription.Plan{}, fmt.Errorf("decode plan: %w", err)
	}
	plan.Version = version
	return plan, nil
}

func (s *Store) SubscribePlanChanges(fn subscription.PlanChangeSubscriber) {
	if fn == nil {
		return
	}
	s.events.mu.Lock()
	defer s.events.mu.Unlock()
	s.events.subscribers = append(s.events.subscribers, fn)
}

func (s *Store) publish(ctx context.Context, change subscription.PlanChange) {
	s.events.mu.RLock()
	subscribers := slices.Clone(s.events.subscribers)
	s.events.mu.RUnlock()

	for _, fn := range subscribers {
		if err := fn(ctx, change); err != nil {
			s.logger.ErrorContext(ctx, "plan change subscriber failed",
				logger.PlanID(change.PlanID),
				slog.Any("changed", change.Changed),
				logger.Error(err),
			)
		}
	}
}
