// Package period implements calendar-relative durations.
//
// Fixed time.Duration arithmetic cannot express "one month": months differ in
// length and a naive add from Jan 31 produces an invalid date. Duration keeps
// years, months and days as separate components and applies them the way a
// billing calendar expects:
//
//	start := time.Date(2025, 11, 30, 0, 0, 0, 0, time.UTC)
//	monthly := period.Months(1)
//	monthly.Mul(3).AddTo(start) // 2026-02-28, clamped to the last day of February
//
// Infinite stands for "never" (one-time charges, unbounded subscriptions) and
// always resolves to MaxTime.
//
// Durations parse from ISO-8601 ("P1M", "-P3D", "PT12H"), Go duration strings
// ("36h") and the words "none"/"infinite", and implement encoding.TextMarshaler
// so they load from YAML, JSON and environment variables.
package period
