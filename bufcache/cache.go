// Package bufcache implements non-blocking cache of byte content, stored in
// pooled fixed size buffers. Entries are reference counted, so buffers are
// returned to pool exactly once, when the last holder releases entry.
//
// Cache tracks access order with sampled LRU: only every SampleInterval-th hit
// moves entry to queue tail. When entry buffers can't be allocated on hit,
// oldest entries are evicted until enough space is reclaimed.
package bufcache

import (
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/facebookgo/stackerr"
	metrics "github.com/rcrowley/go-metrics"

	"github.com/skipor/slabcache/internal/cmap"
	"github.com/skipor/slabcache/internal/deque"
	"github.com/skipor/slabcache/log"
	"github.com/skipor/slabcache/slab"
)

// SampleInterval is number of hits per access order bump.
const SampleInterval = 5

type Config struct {
	SliceSize       int
	SlicesPerRegion int
	// MaxMemory limits memory of all regions. Zero means unlimited.
	MaxMemory int64
	// MaxAge is default entry max age. Non positive means that entries never expire.
	MaxAge time.Duration
}

func (c Config) RegionSize() int { return c.SliceSize * c.SlicesPerRegion }

// MaxRegions returns pool regions limit.
func (c Config) MaxRegions() int { return int(c.MaxMemory / int64(c.RegionSize())) }

func (c Config) Validate() error {
	switch {
	case c.SliceSize <= 0:
		return stackerr.Newf("invalid slice size %v", c.SliceSize)
	case c.SlicesPerRegion <= 0:
		return stackerr.Newf("invalid slices per region %v", c.SlicesPerRegion)
	case c.MaxMemory < 0:
		return stackerr.Newf("invalid max memory %v", c.MaxMemory)
	case c.MaxMemory > 0 && c.MaxMemory < int64(c.RegionSize()):
		return stackerr.Newf("max memory %v is less than region size %v", c.MaxMemory, c.RegionSize())
	}
	return nil
}

type Cache struct {
	log     log.Logger
	pool    *slab.Pool
	maxAge  time.Duration
	entries *cmap.Map[string, *Entry]
	queue   *deque.Deque[Entry]
	now     func() time.Time
	metrics *cacheMetrics
}

type options struct {
	allocator slab.RegionAllocator
	registry  metrics.Registry
	now       func() time.Time
}

type Option func(*options)

// WithAllocator sets pool region allocator.
func WithAllocator(a slab.RegionAllocator) Option {
	return func(o *options) { o.allocator = a }
}

// WithRegistry sets registry for cache metrics.
func WithRegistry(r metrics.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithClock sets time source for entries expiration.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func New(l log.Logger, conf Config, opts ...Option) (*Cache, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	o := options{
		allocator: slab.HeapAllocator{},
		registry:  metrics.NewRegistry(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	pool := slab.NewPool(slab.Config{
		SliceSize:     conf.SliceSize,
		MaxRegionSize: conf.RegionSize(),
		MaxRegions:    conf.MaxRegions(),
	}, slab.WithAllocator(o.allocator), slab.WithLogger(l))
	c := &Cache{
		log:     l,
		pool:    pool,
		maxAge:  conf.MaxAge,
		entries: cmap.NewString[*Entry](),
		queue:   deque.New[Entry](),
		now:     o.now,
	}
	c.metrics = newCacheMetrics(o.registry, c)
	return c, nil
}

// Add returns entry for key, creating it with default max age, if absent.
func (c *Cache) Add(key string, size int) *Entry {
	e, _ := c.add(key, size, c.maxAge)
	return e
}

// AddWithMaxAge is like Add, but new entry gets given max age.
func (c *Cache) AddWithMaxAge(key string, size int, maxAge time.Duration) *Entry {
	e, _ := c.add(key, size, maxAge)
	return e
}

func (c *Cache) add(key string, size int, maxAge time.Duration) (e *Entry, created bool) {
	if e, ok := c.entries.Load(key); ok {
		return e, false
	}
	e = newEntry(c, key, size, maxAge)
	if actual, loaded := c.entries.LoadOrStore(key, e); loaded {
		return actual, false
	}
	deque.Bump(c.queue, &e.token, e)
	return e, true
}

// Get returns entry, or nil if key is absent or entry expired.
// Returned entry may be not allocated or not enabled yet: caller should check it
// after taking reference.
func (c *Cache) Get(key string) *Entry {
	e, ok := c.entries.Load(key)
	if !ok {
		c.metrics.misses.Inc(1)
		return nil
	}
	if e.expired(c.now()) {
		c.log.Debugf("Entry %q expired.", key)
		c.metrics.expired.Inc(1)
		c.metrics.misses.Inc(1)
		c.removeEntry(e)
		return nil
	}
	c.metrics.hits.Inc(1)
	if e.hit()%SampleInterval == 0 {
		deque.Bump(c.queue, &e.token, e)
		c.allocate(e)
	}
	return e
}

// Remove removes entry from cache, and releases cache reference of it.
// Returns false, if key is absent.
func (c *Cache) Remove(key string) bool {
	e, ok := c.entries.LoadAndDelete(key)
	if ok {
		c.release(e)
	}
	return ok
}

// AllKeys returns snapshot of cache keys.
func (c *Cache) AllKeys() mapset.Set[string] {
	keys := mapset.NewThreadUnsafeSetWithSize[string](c.entries.Len())
	c.entries.Range(func(k string, _ *Entry) bool {
		keys.Add(k)
		return true
	})
	return keys
}

// Len returns approximate number of cache entries.
func (c *Cache) Len() int { return c.entries.Len() }

func (c *Cache) Stats() slab.Stats { return c.pool.Stats() }

func (c *Cache) SliceSize() int { return c.pool.SliceSize() }

// Close removes all entries and releases pool memory.
// Cache and any buffer should not be used after Close.
func (c *Cache) Close() error {
	for _, e := range c.entries.Clear() {
		c.release(e)
	}
	c.queue.Clear()
	return c.pool.Close()
}

// removeEntry removes e from cache, if key is still mapped to it.
func (c *Cache) removeEntry(e *Entry) bool {
	if !c.entries.CompareAndDelete(e.key, e) {
		return false
	}
	c.release(e)
	return true
}

func (c *Cache) release(e *Entry) {
	deque.Unqueue(c.queue, &e.token)
	e.Dereference()
}

// allocate allocates entry buffers, reclaiming space from the oldest entries on failure.
func (c *Cache) allocate(e *Entry) bool {
	if e.Allocate() {
		return true
	}
	if e.isDestroyed() {
		// Removed concurrently. Space reclaim would be useless.
		return false
	}
	c.reclaim(e)
	if e.Allocate() {
		return true
	}
	c.metrics.allocFailed.Inc(1)
	return false
}

// reclaim evicts entries from the oldest, until evicted allocated entries
// size covers e size. Eviction is greedy and approximate: evicted entries
// may be still referenced, and their buffers will be freed later.
func (c *Cache) reclaim(e *Entry) {
	c.metrics.reclaims.Inc(1)
	need := e.size
	var evicted int
	for victim := range c.queue.All() {
		if victim == e {
			continue
		}
		if victim.Buffers() != nil {
			need -= victim.size
		}
		if c.removeEntry(victim) {
			evicted++
		} else {
			// Already removed from map, but was queued by concurrent bump.
			deque.Unqueue(c.queue, &victim.token)
		}
		if need <= 0 {
			break
		}
	}
	c.metrics.evictions.Inc(int64(evicted))
	c.log.Debugf("Reclaim for %q of %v bytes evicted %v entries.", e.key, e.size, evicted)
}

// allocateBuffers allocates n buffers, or returns nil.
func (c *Cache) allocateBuffers(n int) []*slab.Buffer {
	if !c.pool.CanAllocate(n) {
		return nil
	}
	buffers := make([]*slab.Buffer, 0, n)
	for i := 0; i < n; i++ {
		b := c.pool.Allocate()
		if b == nil {
			freeAll(buffers)
			return nil
		}
		buffers = append(buffers, b)
	}
	return buffers
}
