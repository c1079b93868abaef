package cache

import (
	"github.com/c360/streambus/metric"
	"github.com/prometheus/client_golang/prometheus"
)

// cacheMetrics holds Prometheus metrics for cache operations.
type cacheMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	sets      prometheus.Counter
	deletes   prometheus.Counter
	evictions prometheus.Counter

	size prometheus.Gauge

	registry *metric.MetricsRegistry
	prefix   string
}

var cacheMetricNames = []string{
	"cache_hits", "cache_misses", "cache_sets",
	"cache_deletes", "cache_evictions", "cache_size",
}

// newCacheMetrics registers cache collectors under prefix.
func newCacheMetrics(registry *metric.MetricsRegistry, prefix string) (*cacheMetrics, error) {
	m := &cacheMetrics{
		registry: registry,
		prefix:   prefix,
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "streambus",
			Subsystem:   "cache",
			Name:        "hits_total",
			ConstLabels: prometheus.Labels{"component": prefix},
			Help:        "Total number of cache hits",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "streambus",
			Subsystem:   "cache",
			Name:        "misses_total",
			ConstLabels: prometheus.Labels{"component": prefix},
			Help:        "Total number of cache misses",
		}),
		sets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "streambus",
			Subsystem:   "cache",
			Name:        "sets_total",
			ConstLabels: prometheus.Labels{"component": prefix},
			Help:        "Total number of cache set operations",
		}),
		deletes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "streambus",
			Subsystem:   "cache",
			Name:        "deletes_total",
			ConstLabels: prometheus.Labels{"component": prefix},
			Help:        "Total number of cache delete operations",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "streambus",
			Subsystem:   "cache",
			Name:        "evictions_total",
			ConstLabels: prometheus.Labels{"component": prefix},
			Help:        "Total number of cache evictions",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "streambus",
			Subsystem:   "cache",
			Name:        "size",
			ConstLabels: prometheus.Labels{"component": prefix},
			Help:        "Current number of entries in cache",
		}),
	}

	register := []func() error{
		func() error { return registry.RegisterCounter(prefix, cacheMetricNames[0], m.hits) },
		func() error { return registry.RegisterCounter(prefix, cacheMetricNames[1], m.misses) },
		func() error { return registry.RegisterCounter(prefix, cacheMetricNames[2], m.sets) },
		func() error { return registry.RegisterCounter(prefix, cacheMetricNames[3], m.deletes) },
		func() error { return registry.RegisterCounter(prefix, cacheMetricNames[4], m.evictions) },
		func() error { return registry.RegisterGauge(prefix, cacheMetricNames[5], m.size) },
	}
	for i, fn := range register {
		if err := fn(); err != nil {
			m.unregister(cacheMetricNames[:i])
			return nil, err
		}
	}

	return m, nil
}

func (m *cacheMetrics) unregister(names []string) {
	if m == nil {
		return
	}
	for _, name := range names {
		m.registry.Unregister(m.prefix, name)
	}
}

// Record methods are nil-safe.

func (m *cacheMetrics) recordHit() {
	if m != nil {
		m.hits.Inc()
	}
}

func (m *cacheMetrics) recordMiss() {
	if m != nil {
		m.misses.Inc()
	}
}

func (m *cacheMetrics) recordSet() {
	if m != nil {
		m.sets.Inc()
	}
}

func (m *cacheMetrics) recordDelete() {
	if m != nil {
		m.deletes.Inc()
	}
}

func (m *cacheMetrics) recordEviction() {
	if m != nil {
		m.evictions.Inc()
	}
}

func (m *cacheMetrics) updateSize(size int) {
	if m != nil {
		m.size.Set(float64(size))
	}
}
