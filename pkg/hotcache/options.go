package hotcache

import "github.com/c360/bookstream/metric"

// Option configures a Cache during construction.
type Option[V any] func(*options[V])

type options[V any] struct {
	metricsReg    *metric.MetricsRegistry
	metricsPrefix string
	evictCallback EvictCallback[V]
}

func applyOptions[V any](opts ...Option[V]) *options[V] {
	o := &options[V]{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithMetrics enables Prometheus metrics export under the given prefix.
// The prefix distinguishes multiple caches in the same process.
func WithMetrics[V any](registry *metric.MetricsRegistry, prefix string) Option[V] {
	return func(o *options[V]) {
		o.metricsReg = registry
		o.metricsPrefix = prefix
	}
}

// WithEvictionCallback registers a callback invoked whenever an entry is
// removed by expiry, Delete, or Clear. The callback runs outside the cache
// lock and must not call back into the cache.
func WithEvictionCallback[V any](fn EvictCallback[V]) Option[V] {
	return func(o *options[V]) {
		o.evictCallback = fn
	}
}
