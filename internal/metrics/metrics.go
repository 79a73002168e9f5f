// Package metrics collects pipeline counters on a private Prometheus
// registry. A CLI run is short lived, so metrics are written to a node
// exporter textfile instead of being scraped.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "devmem"

// Collector holds all Prometheus metrics for the application.
type Collector struct {
	registry *prometheus.Registry

	RecordsTotal   *prometheus.CounterVec
	StoreOps       *prometheus.CounterVec
	StoreDuration  *prometheus.HistogramVec
	Rebuilds       *prometheus.CounterVec
	StoreAvailable *prometheus.GaugeVec
	Findings       *prometheus.GaugeVec
}

// NewCollector creates a collector with its own registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		RecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_total",
				Help:      "Imported records by source and outcome (processed, skipped, failed)",
			},
			[]string{"source", "outcome"},
		),
		StoreOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_operations_total",
				Help:      "Store operations by store, operation and status",
			},
			[]string{"store", "operation", "status"},
		),
		StoreDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "store_operation_duration_seconds",
				Help:      "Store operation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"store", "operation"},
		),
		Rebuilds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "graph_rebuilds_total",
				Help:      "Graph rebuilds by status (ok, conflict, error)",
			},
			[]string{"status"},
		),
		StoreAvailable: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "reconcile_store_available",
				Help:      "1 if the store answered the last reconciliation, else 0",
			},
			[]string{"store"},
		),
		Findings: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "reconcile_findings",
				Help:      "Findings of the last reconciliation by kind",
			},
			[]string{"kind"},
		),
	}
	c.registry.MustRegister(c.RecordsTotal, c.StoreOps, c.StoreDuration, c.Rebuilds, c.StoreAvailable, c.Findings)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveStore records one store operation that started at start.
func (c *Collector) ObserveStore(store, operation string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.StoreOps.WithLabelValues(store, operation, status).Inc()
	c.StoreDuration.WithLabelValues(store, operation).Observe(time.Since(start).Seconds())
}

// WriteTextfile writes every metric in text exposition format to path.
// The write is atomic (temp file + rename).
func (c *Collector) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, c.registry)
}
