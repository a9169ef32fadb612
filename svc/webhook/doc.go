// Package webhook is the HTTP surface of quotakit.
//
// Routes:
//
//	POST /webhooks/{provider}   unauthenticated provider notifications
//	POST /purchases/{provider}  receipts submitted by the authenticated user
//	GET  /quota                 remaining quota for display, served from cache
//	POST /usage/{resource}      consume quota, {"amount": n}
//	GET  /metrics               Prometheus exposition, when metrics are enabled
//	GET  /healthz, /readyz      health checks
//
// The handler decodes, delegates to reconcile.Service and limits.Service and
// maps errors to status codes. Duplicate deliveries answer 200 with outcome
// "duplicate", unmatched notifications answer 200 with outcome "discarded",
// so providers stop retrying them. Transient failures answer 5xx.
//
// The authenticated user comes from a UserResolver; by default it is read
// from the request context with subscription.UserIDContextResolver, which
// authentication middleware is expected to populate.
//
// WithRateLimit throttles the user routes (purchases, quota, usage) with a
// ratelimiter.Bucket; provider notifications and health checks are never throttled.
// WithDefaultPlan gives users without coverage the configured default plan
// before their quota is read or consumed.
package webhook
