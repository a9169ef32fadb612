package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the Prometheus registry and the metric vectors of the
// accounting, charging and reconciliation services. A nil *Collector is
// valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	resourceUse     *prometheus.CounterVec
	chargeAttempts  *prometheus.CounterVec
	chargeDuration  prometheus.Histogram
	reconcileEvents *prometheus.CounterVec
}

// New creates a collector with its own registry. Go runtime and process
// collectors are registered alongside the domain metrics.
func New(namespace string) *Collector {
	if namespace == "" {
		namespace = "quotakit"
	}
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		resourceUse: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resource_use_total",
			Help:      "Resource consumption attempts by result",
		}, []string{"resource", "result"}),
		chargeAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "charge_attempts_total",
			Help:      "Recurring charge attempts by result",
		}, []string{"result"}),
		chargeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "charge_duration_seconds",
			Help:      "Duration of a single recurring charge attempt",
			Buckets:   prometheus.DefBuckets,
		}),
		reconcileEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_events_total",
			Help:      "Provider events processed by reconciliation",
		}, []string{"provider", "kind", "outcome"}),
	}

	reg.MustRegister(
		c.resourceUse,
		c.chargeAttempts,
		c.chargeDuration,
		c.reconcileEvents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the underlying registry for custom collectors and tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) ResourceUsed(resource, result string) {
	if c == nil {
		return
	}
	c.resourceUse.WithLabelValues(resource, result).Inc()
}

func (c *Collector) ChargeAttempted(result string, took time.Duration) {
	if c == nil {
		return
	}
	c.chargeAttempts.WithLabelValues(result).Inc()
	c.chargeDuration.Observe(took.Seconds())
}

func (c *Collector) ReconcileEvent(provider, kind, outcome string) {
	if c == nil {
		return
	}
	c.reconcileEvents.WithLabelValues(provider, kind, outcome).Inc()
}
