package lock

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// sqlstate lock_not_available
const lockNotAvailable = "55P03"

// TxBeginner is satisfied by *pgxpool.Pool and *pgx.Conn.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Postgres implements Locker with transaction-scoped advisory locks.
// Each held lock pins one pooled connection until released, so it is best
// given a pool separate from the one serving queries.
type Postgres struct {
	db TxBeginner
}

// NewPostgres creates an advisory locker on top of db.
func NewPostgres(db TxBeginner) *Postgres {
	if db == nil {
		panic("lock: postgres connection is required")
	}
	return &Postgres{db: db}
}

// Acquire implements Locker. The wait bound is enforced by the server
// through lock_timeout.
func (p *Postgres) Acquire(ctx context.Context, key string, wait time.Duration) (func(), error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return nil, errors.Join(ErrLockFailed, err)
	}
	rollback := func() { _ = tx.Rollback(context.Background()) }

	id := hashKey(key)
	if wait <= 0 {
		var acquired bool
		if err := tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1)", id).Scan(&acquired); err != nil {
			rollback()
			return nil, errors.Join(ErrLockFailed, err)
		}
		if !acquired {
			rollback()
			return nil, ErrLockTimeout
		}
		return releaseOnce(rollback), nil
	}

	timeout := fmt.Sprintf("%dms", max(wait.Milliseconds(), 1))
	if _, err := tx.Exec(ctx, "SELECT set_config('lock_timeout', $1, true)", timeout); err != nil {
		rollback()
		return nil, errors.Join(ErrLockFailed, err)
	}
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", id); err != nil {
		rollback()
		if isLockNotAvailable(err) {
			return nil, ErrLockTimeout
		}
		return nil, errors.Join(ErrLockFailed, err)
	}

	return releaseOnce(rollback), nil
}

func isLockNotAvailable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == lockNotAvailable
}

// hashKey maps a key onto the advisory lock id space with FNV-1a.
func hashKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64() & 0x7FFFFFFFFFFFFFFF)
}
