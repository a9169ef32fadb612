package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/quotakit/pkg/subscription"
)

func (s *Store) ListUsages(ctx context.Context, userID uuid.UUID, since, until time.Time) ([]subscription.Usage, error) {
	rows, err := s.db.Query(ctx, `SELECT id, user_id, resource, amount, at FROM usages
		WHERE user_id = $1
			AND ($2::timestamptz IS NULL OR at >= $2)
			AND ($3::timestamptz IS NULL OR at <= $3)
		ORDER BY at`, userID, nullTime(since), nullTime(until))
	if err != nil {
		return nil, fmt.Errorf("list usages: %w", err)
	}
	defer rows.Close()

	var out []subscription.Usage
	for rows.Next() {
		var u subscription.Usage
		if err := rows.Scan(&u.ID, &u.UserID, &u.Resource, &u.Amount, &u.At); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		u.At = u.At.UTC()
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) CreateUsage(ctx context.Context, u *subscription.Usage) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.At.IsZero() {
		u.At = s.now()
	}
	_, err := s.db.Exec(ctx, `INSERT INTO usages (id, user_id, resource, amount, at) VALUES ($1,$2,$3,$4,$5)`,
		u.ID, u.UserID, u.Resource, u.Amount, u.At)
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}
