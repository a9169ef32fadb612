// Package memory implements subscription.Store in process memory.
//
// It enforces the same invariants as the Postgres store: unique provider
// transactions, references from payments to existing plans and
// subscriptions, immutable charge terms of referenced plans, optimistic
// versioning of subscriptions and payments, and plan change events
// published after the write. InTx serializes transactions and rolls them
// back from a snapshot. It backs tests, demos and single-process
// deployments.
package memory
