// Package postgres implements subscription.Store on PostgreSQL through pgx.
//
// The schema ships as embedded goose migrations (Migrations) applied with
// pg.Migrate. Invariants are enforced by the database where possible:
//
//   - a partial unique index on (provider_codename, provider_transaction_id)
//     makes CreatePayment fail with subscription.ErrDuplicateTransaction;
//   - subscriptions and payments carry a version column, and updates match
//     on it, returning subscription.ErrVersionConflict when stale;
//   - SavePlan locks the plan row, rejects charge term changes of referenced
//     plans and publishes the PlanChange after commit.
//
// Plans are stored as JSONB documents; subscriptions and payments as rows.
package postgres
