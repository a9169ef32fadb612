// Package pg bootstraps the PostgreSQL connection pool used by the durable
// store and the advisory lock.
//
// Connect opens a *pgxpool.Pool from Config, retrying while the database is
// unavailable. Migrate applies goose migrations from any fs.FS, typically the
// embedded set shipped with pkg/store/postgres. Healthcheck returns a check
// suitable for readiness endpoints.
//
//	var cfg pg.Config
//	if err := env.Parse(&cfg); err != nil {
//		return err
//	}
//	pool, err := pg.Connect(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer pool.Close()
//	if err := pg.Migrate(ctx, pool, postgres.Migrations, "migrations", cfg, logger); err != nil {
//		return err
//	}
//
// Error helpers classify driver errors: IsNotFoundError for pgx.ErrNoRows and
// IsDuplicateKeyError for unique violations.
package pg
