// Package metrics provides optional Prometheus instrumentation for pools
// and workers.
//
// Collectors are created unregistered so a process hosting several pools
// can scope each to its own namespace and registry. A nil *Metrics
// disables instrumentation entirely.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors a pool and its workers update.
type Metrics struct {
	ItemsConsumed    prometheus.Counter
	ItemsProduced    prometheus.Counter
	ItemsFiltered    prometheus.Counter
	TransformErrors  prometheus.Counter
	WorkersAlive     prometheus.Gauge
	QueueDepth       prometheus.Gauge
	ScaleUps         prometheus.Counter
	ScaleDowns       prometheus.Counter
	TransformLatency prometheus.Histogram
}

// New creates a metrics collector set under the given namespace.
func New(namespace string) *Metrics {
	return &Metrics{
		ItemsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "items_consumed_total",
			Help:      "Total number of items dequeued by workers",
		}),
		ItemsProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "items_produced_total",
			Help:      "Total number of results distributed to output queues",
		}),
		ItemsFiltered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "items_filtered_total",
			Help:      "Total number of items dropped by inflight or postflight checks",
		}),
		TransformErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "transform_errors_total",
			Help:      "Total number of transform invocations that failed",
		}),
		WorkersAlive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "workers_alive",
			Help:      "Current number of live workers",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "input_queue_depth",
			Help:      "Current occupancy of the input queue",
		}),
		ScaleUps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "scale_ups_total",
			Help:      "Total number of workers added by the autoscaler",
		}),
		ScaleDowns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "scale_downs_total",
			Help:      "Total number of workers retired by the autoscaler",
		}),
		TransformLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "transform_duration_seconds",
			Help:      "Transform execution duration",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Collectors returns every collector for bulk registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ItemsConsumed,
		m.ItemsProduced,
		m.ItemsFiltered,
		m.TransformErrors,
		m.WorkersAlive,
		m.QueueDepth,
		m.ScaleUps,
		m.ScaleDowns,
		m.TransformLatency,
	}
}

// Register registers every collector with the given registerer.
func (m *Metrics) Register(r prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
