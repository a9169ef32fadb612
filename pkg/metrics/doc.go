// Package metrics exposes Prometheus counters and histograms for resource
// consumption, recurring charges and provider reconciliation.
//
//	m := metrics.New("quotakit")
//	limitsSvc := limits.NewService(store, locker, limits.WithMetrics(m))
//	router.Handle("/metrics", m.Handler())
package metrics
