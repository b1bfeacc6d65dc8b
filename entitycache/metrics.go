package entitycache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/storesync/metric"
)

// cacheMetrics mirrors cache statistics as Prometheus metrics.
type cacheMetrics struct {
	hits     prometheus.Counter
	misses   prometheus.Counter
	writes   prometheus.Counter
	rejected prometheus.Counter
	evicted  prometheus.Counter
	refetch  prometheus.Counter
	size     prometheus.Gauge
}

func newCacheMetrics(registry *metric.Registry, component string) (*cacheMetrics, error) {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "cache",
			Name:        name,
			ConstLabels: prometheus.Labels{"component": component},
			Help:        help,
		})
	}

	m := &cacheMetrics{
		hits:     counter("hits_total", "Total number of cache read hits"),
		misses:   counter("misses_total", "Total number of cache read misses"),
		writes:   counter("writes_total", "Total number of accepted cache writes"),
		rejected: counter("rejected_writes_total", "Total number of writes rejected by the version guard"),
		evicted:  counter("evictions_total", "Total number of evicted entries"),
		refetch:  counter("refetches_total", "Total number of scheduled background refetches"),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "cache",
			Name:        "size",
			ConstLabels: prometheus.Labels{"component": component},
			Help:        "Current number of entries in the cache",
		}),
	}

	registrations := []struct {
		name string
		c    prometheus.Counter
	}{
		{"cache_hits", m.hits},
		{"cache_misses", m.misses},
		{"cache_writes", m.writes},
		{"cache_rejected_writes", m.rejected},
		{"cache_evictions", m.evicted},
		{"cache_refetches", m.refetch},
	}
	for _, reg := range registrations {
		if err := registry.RegisterCounter(component, reg.name, reg.c); err != nil {
			return nil, err
		}
	}
	if err := registry.RegisterGauge(component, "cache_size", m.size); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *cacheMetrics) updateSize(size int) {
	if m != nil {
		m.size.Set(float64(size))
	}
}
