// Package quota implements the quota ledger: a pure, in-memory model of
// time-bounded resource grants (chunks) and their consumption.
//
// Grants are consumed earliest-expiring first so the amount that would burn
// soonest is used before longer-lived grants. Ties are broken by grant start
// and then by chunk ID, making consumption deterministic.
//
// # Usage
//
//	ledger := quota.NewLedger(chunks)
//	for _, u := range history {
//		ledger.Apply(u)
//	}
//	left, err := ledger.Decrement("api_calls", 3, time.Now())
//	if errors.Is(err, quota.ErrQuotaLimitExceeded) {
//		// nothing was consumed
//	}
//
// Ledger does no I/O and holds no locks. Persisting the usage and serializing
// concurrent decrements for the same user is left to the caller; see
// package limits.
package quota
