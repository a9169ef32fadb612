package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dmitrymomot/quotakit/pkg/logger"
	"github.com/dmitrymomot/quotakit/pkg/pg"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
)

// DB is the subset of *pgxpool.Pool used by the store.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// querier is satisfied by both DB and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements subscription.Store on PostgreSQL.
type Store struct {
	db     DB
	events *events
	// pending collects plan changes of a running InTx; nil outside of one.
	pending *[]subscription.PlanChange

	logger *slog.Logger
	now    func() time.Time
}

type events struct {
	mu          sync.RWMutex
	subscribers []subscription.PlanChangeSubscriber
}

var _ subscription.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used to report subscriber failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a store on top of db. The schema must be migrated with
// Migrations beforehand.
func New(db DB, opts ...Option) *Store {
	if db == nil {
		panic("postgres: db is required")
	}
	s := &Store{
		db:     db,
		events: &events{},
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InTx implements subscription.TxStore. Called on a store that is already
// bound to a transaction, fn runs in a savepoint.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx subscription.Store) error) error {
	if s.pending != nil {
		mark := len(*s.pending)
		err := s.inTx(ctx, func(tx pgx.Tx) error {
			return fn(ctx, s.bind(tx, s.pending))
		})
		if err != nil {
			*s.pending = (*s.pending)[:mark]
		}
		return err
	}

	var changes []subscription.PlanChange
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		return fn(ctx, s.bind(tx, &changes))
	})
	if err != nil {
		return err
	}
	for _, change := range changes {
		s.publish(ctx, change)
	}
	return nil
}

// bind returns a store issuing its queries on tx.
func (s *Store) bind(tx pgx.Tx, pending *[]subscription.PlanChange) *Store {
	return &Store{
		db:      tx,
		events:  s.events,
		pending: pending,
		logger:  s.logger,
		now:     s.now,
	}
}

// inTx runs fn in a transaction, committing when it returns nil.
func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			s.logger.ErrorContext(ctx, "failed to rollback transaction", logger.Error(err))
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// notFound maps pgx.ErrNoRows to the sentinel.
func notFound(err, sentinel error, op string) error {
	if pg.IsNotFoundError(err) {
		return sentinel
	}
	return fmt.Errorf("%s: %w", op, err)
}

// nullTime stores the zero time as NULL.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func fromNullTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func fromNullString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
