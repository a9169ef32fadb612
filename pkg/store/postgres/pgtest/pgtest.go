// Package pgtest provides a migrated Postgres store for tests of packages
// that persist through pkg/store/postgres.
package pgtest

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/quotakit/pkg/pg"
	"github.com/dmitrymomot/quotakit/pkg/store/postgres"
)

// goose keeps its settings in package state.
var migrateMu sync.Mutex

// NewStore migrates a fresh schema in the database at PG_URL and returns a
// store on it. The schema is dropped on cleanup. The test is skipped when
// PG_URL is not set.
func NewStore(t testing.TB, opts ...postgres.Option) *postgres.Store {
	t.Helper()
	pgURL := os.Getenv("PG_URL")
	if pgURL == "" {
		t.Skip("PG_URL not set")
	}
	ctx := context.Background()

	schema := "quotakit_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	admin, err := pgxpool.New(ctx, pgURL)
	require.NoError(t, err)
	t.Cleanup(admin.Close)
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
	})

	cfg, err := pgxpool.ParseConfig(pgURL)
	require.NoError(t, err)
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	migrateMu.Lock()
	err = pg.Migrate(ctx, pool, postgres.Migrations, postgres.MigrationsDir,
		pg.Config{MigrationsTable: "quotakit_migrations"}, slog.Default())
	migrateMu.Unlock()
	require.NoError(t, err)

	return postgres.New(pool, opts...)
}
