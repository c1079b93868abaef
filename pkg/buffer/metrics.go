package buffer

import (
	"github.com/c360/streambus/metric"
	"github.com/prometheus/client_golang/prometheus"
)

// bufferMetrics mirrors Statistics into Prometheus.
type bufferMetrics struct {
	writes    prometheus.Counter
	reads     prometheus.Counter
	overflows prometheus.Counter
	drops     prometheus.Counter

	size        prometheus.Gauge
	utilization prometheus.Gauge

	registry *metric.MetricsRegistry
	prefix   string
}

var bufferMetricNames = []string{
	"buffer_writes", "buffer_reads", "buffer_overflows",
	"buffer_drops", "buffer_size", "buffer_utilization",
}

// newBufferMetrics creates and registers buffer metrics with the provided registry.
func newBufferMetrics(registry *metric.MetricsRegistry, prefix string) (*bufferMetrics, error) {
	m := &bufferMetrics{
		registry: registry,
		prefix:   prefix,
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "streambus",
			Subsystem:   "buffer",
			Name:        "writes_total",
			ConstLabels: prometheus.Labels{"component": prefix},
			Help:        "Total number of buffer write operations",
		}),
		reads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "streambus",
			Subsystem:   "buffer",
			Name:        "reads_total",
			ConstLabels: prometheus.Labels{"component": prefix},
			Help:        "Total number of buffer read operations",
		}),
		overflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "streambus",
			Subsystem:   "buffer",
			Name:        "overflows_total",
			ConstLabels: prometheus.Labels{"component": prefix},
			Help:        "Total number of buffer overflow events",
		}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "streambus",
			Subsystem:   "buffer",
			Name:        "drops_total",
			ConstLabels: prometheus.Labels{"component": prefix},
			Help:        "Total number of items dropped due to overflow",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "streambus",
			Subsystem:   "buffer",
			Name:        "size",
			ConstLabels: prometheus.Labels{"component": prefix},
			Help:        "Current number of items in buffer",
		}),
		utilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "streambus",
			Subsystem:   "buffer",
			Name:        "utilization",
			ConstLabels: prometheus.Labels{"component": prefix},
			Help:        "Buffer utilization as a percentage (0.0 to 1.0)",
		}),
	}

	register := []func() error{
		func() error { return registry.RegisterCounter(prefix, bufferMetricNames[0], m.writes) },
		func() error { return registry.RegisterCounter(prefix, bufferMetricNames[1], m.reads) },
		func() error { return registry.RegisterCounter(prefix, bufferMetricNames[2], m.overflows) },
		func() error { return registry.RegisterCounter(prefix, bufferMetricNames[3], m.drops) },
		func() error { return registry.RegisterGauge(prefix, bufferMetricNames[4], m.size) },
		func() error { return registry.RegisterGauge(prefix, bufferMetricNames[5], m.utilization) },
	}
	for i, fn := range register {
		if err := fn(); err != nil {
			m.unregister(bufferMetricNames[:i])
			return nil, err
		}
	}

	return m, nil
}

// unregister releases names under the prefix so a later buffer can reuse it.
func (m *bufferMetrics) unregister(names []string) {
	for _, name := range names {
		m.registry.Unregister(m.prefix, name)
	}
}

// recordWrite increments the write counter and updates size/utilization.
func (m *bufferMetrics) recordWrite(size, capacity int) {
	m.writes.Inc()
	m.size.Set(float64(size))
	m.utilization.Set(float64(size) / float64(capacity))
}

// recordRead increments the read counter and updates size/utilization.
func (m *bufferMetrics) recordRead(size, capacity int) {
	m.reads.Inc()
	m.size.Set(float64(size))
	m.utilization.Set(float64(size) / float64(capacity))
}

// recordOverflow increments the overflow counter.
func (m *bufferMetrics) recordOverflow() {
	m.overflows.Inc()
}

// recordDrop increments the drop counter.
func (m *bufferMetrics) recordDrop() {
	m.drops.Inc()
}

// updateSize sets the current buffer size and utilization.
func (m *bufferMetrics) updateSize(size, capacity int) {
	m.size.Set(float64(size))
	m.utilization.Set(float64(size) / float64(capacity))
}
