package bufcache

import (
	metrics "github.com/rcrowley/go-metrics"
)

type cacheMetrics struct {
	registry    metrics.Registry
	hits        metrics.Counter
	misses      metrics.Counter
	expired     metrics.Counter
	evictions   metrics.Counter
	allocFailed metrics.Counter
	reclaims    metrics.Counter
}

func newCacheMetrics(r metrics.Registry, c *Cache) *cacheMetrics {
	m := &cacheMetrics{
		registry:    r,
		hits:        metrics.GetOrRegisterCounter("hits", r),
		misses:      metrics.GetOrRegisterCounter("misses", r),
		expired:     metrics.GetOrRegisterCounter("expired", r),
		evictions:   metrics.GetOrRegisterCounter("evictions", r),
		allocFailed: metrics.GetOrRegisterCounter("alloc.failed", r),
		reclaims:    metrics.GetOrRegisterCounter("reclaims", r),
	}
	gauge := func(name string, f func() int64) {
		r.Unregister(name)
		metrics.NewRegisteredFunctionalGauge(name, r, f)
	}
	gauge("entries", func() int64 { return int64(c.Len()) })
	gauge("pool.regions", func() int64 { return int64(c.pool.Stats().Regions) })
	gauge("pool.free", func() int64 { return int64(c.pool.Stats().FreeSlices) })
	gauge("pool.outstanding", func() int64 { return c.pool.Stats().Outstanding })
	return m
}

// Registry returns registry of cache metrics.
func (c *Cache) Registry() metrics.Registry { return c.metrics.registry }

// Snapshot returns current metric values by name.
func (c *Cache) Snapshot() map[string]int64 {
	res := map[string]int64{}
	c.metrics.registry.Each(func(name string, m interface{}) {
		switch m := m.(type) {
		case metrics.Counter:
			res[name] = m.Count()
		case metrics.Gauge:
			res[name] = m.Value()
		}
	})
	return res
}
