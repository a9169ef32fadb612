package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/quotakit/pkg/pg"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
)

const paymentColumns = `id, user_id, plan_id, subscription_id, quantity, status, amount, currency,
	provider_codename, provider_transaction_id, original_transaction_id, paid_since, paid_until,
	metadata, created_at, updated_at, version`

func (s *Store) GetPayment(ctx context.Context, id uuid.UUID) (subscription.Payment, error) {
	row := s.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	p, err := scanPayment(row)
	if err != nil {
		return subscription.Payment{}, notFound(err, subscription.ErrPaymentNotFound, "get payment")
	}
	return p, nil
}

func (s *Store) FindPayment(ctx context.Context, provider, transactionID string) (subscription.Payment, error) {
	row := s.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments
		WHERE provider_codename = $1 AND provider_transaction_id = $2`, provider, transactionID)
	p, err := scanPayment(row)
	if err != nil {
		return subscription.Payment{}, notFound(err, subscription.ErrPaymentNotFound, "find payment")
	}
	return p, nil
}

func (s *Store) FindChainHead(ctx context.Context, provider, originalTransactionID string) (subscription.Payment, error) {
	row := s.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments
		WHERE provider_codename = $1
			AND (original_transaction_id = $2 OR provider_transaction_id = $2)
		ORDER BY created_at, id::text LIMIT 1`, provider, originalTransactionID)
	p, err := scanPayment(row)
	if err != nil {
		return subscription.Payment{}, notFound(err, subscription.ErrPaymentNotFound, "find chain head")
	}
	return p, nil
}

func (s *Store) ListPayments(ctx context.Context, f subscription.PaymentFilter) ([]subscription.Payment, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != uuid.Nil {
		add("user_id = $%d", f.UserID)
	}
	if f.SubscriptionID != uuid.Nil {
		add("subscription_id = $%d", f.SubscriptionID)
	}
	if f.Provider != "" {
		add("provider_codename = $%d", f.Provider)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		add("status = ANY($%d)", statuses)
	}
	if !f.CreatedAfter.IsZero() {
		add("created_at > $%d", f.CreatedAfter)
	}
	if !f.CreatedBefore.IsZero() {
		add("created_at < $%d", f.CreatedBefore)
	}

	query := `SELECT ` + paymentColumns + ` FROM payments`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id::text`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var out []subscription.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreatePayment implements subscription.PaymentStore. The unique index on
// (provider_codename, provider_transaction_id) rejects duplicates.
func (s *Store) CreatePayment(ctx context.Context, p *subscription.Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := s.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	amount, currency := moneyColumns(p.Amount)
	_, err := s.db.Exec(ctx, `INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,1)`,
		p.ID, p.UserID, p.PlanID, nullUUID(p.SubscriptionID), p.Quantity, string(p.Status), amount, currency,
		p.ProviderCodename, nullString(p.ProviderTransactionID), p.OriginalTransactionID,
		nullTime(p.PaidSince), nullTime(p.PaidUntil), metadata(p.Metadata), p.CreatedAt, p.UpdatedAt)
	switch {
	case pg.IsDuplicateKeyError(err):
		return subscription.ErrDuplicateTransaction
	case pg.IsForeignKeyViolationError(err) && pg.ViolatedConstraint(err) == "payments_subscription_id_fkey":
		return fmt.Errorf("insert payment: %w: %w", subscription.ErrSubscriptionNotFound, err)
	case pg.IsForeignKeyViolationError(err):
		return fmt.Errorf("insert payment: %w: %w", subscription.ErrPlanNotFound, err)
	case err != nil:
		return fmt.Errorf("insert payment: %w", err)
	}
	p.Version = 1
	return nil
}

func (s *Store) UpdatePayment(ctx context.Context, p *subscription.Payment) error {
	p.UpdatedAt = s.now()
	amount, currency := moneyColumns(p.Amount)
	tag, err := s.db.Exec(ctx, `UPDATE payments SET
			plan_id = $3, subscription_id = $4, quantity = $5, status = $6, amount = $7, currency = $8,
			provider_codename = $9, provider_transaction_id = $10, original_transaction_id = $11,
			paid_since = $12, paid_until = $13, metadata = $14, updated_at = $15,
			version = version + 1
		WHERE id = $1 AND version = $2`,
		p.ID, p.Version, p.PlanID, nullUUID(p.SubscriptionID), p.Quantity, string(p.Status), amount, currency,
		p.ProviderCodename, nullString(p.ProviderTransactionID), p.OriginalTransactionID,
		nullTime(p.PaidSince), nullTime(p.PaidUntil), metadata(p.Metadata), p.UpdatedAt)
	if pg.IsDuplicateKeyError(err) {
		return subscription.ErrDuplicateTransaction
	}
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrConflict(ctx, `SELECT EXISTS (SELECT 1 FROM payments WHERE id = $1)`,
			p.ID, subscription.ErrPaymentNotFound)
	}
	p.Version++
	return nil
}

func (s *Store) CreateRefund(ctx context.Context, r *subscription.Refund) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	amount, currency := moneyColumns(r.Amount)
	_, err := s.db.Exec(ctx, `INSERT INTO refunds
		(id, payment_id, provider_codename, provider_transaction_id, amount, currency, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		r.ID, r.PaymentID, r.ProviderCodename, r.ProviderTransactionID, amount, currency, r.CreatedAt)
	if pg.IsForeignKeyViolationError(err) {
		return subscription.ErrPaymentNotFound
	}
	if err != nil {
		return fmt.Errorf("insert refund: %w", err)
	}
	return nil
}

func (s *Store) ListRefunds(ctx context.Context, paymentID uuid.UUID) ([]subscription.Refund, error) {
	rows, err := s.db.Query(ctx, `SELECT id, payment_id, provider_codename, provider_transaction_id,
			amount, currency, created_at
		FROM refunds WHERE payment_id = $1 ORDER BY created_at, id::text`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("list refunds: %w", err)
	}
	defer rows.Close()

	var out []subscription.Refund
	for rows.Next() {
		var (
			r        subscription.Refund
			amount   *int64
			currency *string
		)
		if err := rows.Scan(&r.ID, &r.PaymentID, &r.ProviderCodename, &r.ProviderTransactionID,
			&amount, &currency, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan refund: %w", err)
		}
		r.Amount = toMoney(amount, currency)
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanPayment(row pgx.Row) (subscription.Payment, error) {
	var (
		p         subscription.Payment
		subID     uuid.NullUUID
		status    string
		amount    *int64
		currency  *string
		txID      *string
		paidSince *time.Time
		paidUntil *time.Time
	)
	err := row.Scan(&p.ID, &p.UserID, &p.PlanID, &subID, &p.Quantity, &status, &amount, &currency,
		&p.ProviderCodename, &txID, &p.OriginalTransactionID, &paidSince, &paidUntil,
		&p.Metadata, &p.CreatedAt, &p.UpdatedAt, &p.Version)
	if err != nil {
		return subscription.Payment{}, err
	}
	if subID.Valid {
		p.SubscriptionID = subID.UUID
	}
	p.Status = subscription.PaymentStatus(status)
	p.Amount = toMoney(amount, currency)
	p.ProviderTransactionID = fromNullString(txID)
	p.PaidSince = fromNullTime(paidSince)
	p.PaidUntil = fromNullTime(paidUntil)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	if len(p.Metadata) == 0 {
		p.Metadata = nil
	}
	return p, nil
}

func moneyColumns(m *subscription.Money) (*int64, *string) {
	if m == nil {
		return nil, nil
	}
	amount, currency := m.Amount, m.Currency
	return &amount, &currency
}

func toMoney(amount *int64, currency *string) *subscription.Money {
	if amount == nil {
		return nil
	}
	return &subscription.Money{Amount: *amount, Currency: fromNullString(currency)}
}

func nullUUID(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: id != uuid.Nil}
}

// metadata keeps the NOT NULL column populated.
func metadata(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
