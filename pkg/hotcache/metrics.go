package hotcache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/bookstream/metric"
)

// cacheMetrics holds the Prometheus collectors for one cache instance.
type cacheMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	sets      prometheus.Counter
	deletes   prometheus.Counter
	evictions prometheus.Counter
	size      prometheus.Gauge
}

func newCacheMetrics(registry *metric.MetricsRegistry, prefix string) (*cacheMetrics, error) {
	m := &cacheMetrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "bookstream",
			Subsystem:   "hotcache",
			Name:        "hits_total",
			Help:        "Total number of cache hits",
			ConstLabels: prometheus.Labels{"cache": prefix},
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "bookstream",
			Subsystem:   "hotcache",
			Name:        "misses_total",
			Help:        "Total number of cache misses",
			ConstLabels: prometheus.Labels{"cache": prefix},
		}),
		sets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "bookstream",
			Subsystem:   "hotcache",
			Name:        "sets_total",
			Help:        "Total number of cache set operations",
			ConstLabels: prometheus.Labels{"cache": prefix},
		}),
		deletes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "bookstream",
			Subsystem:   "hotcache",
			Name:        "deletes_total",
			Help:        "Total number of cache delete operations",
			ConstLabels: prometheus.Labels{"cache": prefix},
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "bookstream",
			Subsystem:   "hotcache",
			Name:        "evictions_total",
			Help:        "Total number of TTL evictions",
			ConstLabels: prometheus.Labels{"cache": prefix},
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "bookstream",
			Subsystem:   "hotcache",
			Name:        "entries",
			Help:        "Current number of cached entries",
			ConstLabels: prometheus.Labels{"cache": prefix},
		}),
	}

	counters := map[string]prometheus.Counter{
		"hits_total":      m.hits,
		"misses_total":    m.misses,
		"sets_total":      m.sets,
		"deletes_total":   m.deletes,
		"evictions_total": m.evictions,
	}
	for name, counter := range counters {
		if err := registry.RegisterCounter("hotcache_"+prefix, name, counter); err != nil {
			return nil, err
		}
	}
	if err := registry.RegisterGauge("hotcache_"+prefix, "entries", m.size); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *cacheMetrics) recordHit()      { m.hits.Inc() }
func (m *cacheMetrics) recordMiss()     { m.misses.Inc() }
func (m *cacheMetrics) recordSet()      { m.sets.Inc() }
func (m *cacheMetrics) recordDelete()   { m.deletes.Inc() }
func (m *cacheMetrics) recordEviction() { m.evictions.Inc() }
func (m *cacheMetrics) updateSize(n int) { m.size.Set(float64(n)) }
