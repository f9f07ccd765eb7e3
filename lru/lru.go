// Package lru provides bounded concurrent key value cache with sampled LRU
// or FIFO eviction. Values are plain: evicted value is just dropped.
package lru

import (
	"sync/atomic"
	"time"

	"github.com/skipor/slabcache/internal/cmap"
	"github.com/skipor/slabcache/internal/deque"
)

// SampleInterval is number of hits per access order bump.
const SampleInterval = 5

const never int64 = -1

type Cache[K comparable, V any] struct {
	maxEntries int
	maxAge     time.Duration
	fifo       bool
	now        func() time.Time
	entries    *cmap.Map[K, *entry[K, V]]
	queue      *deque.Deque[entry[K, V]]
}

type entry[K comparable, V any] struct {
	key     K
	value   atomic.Pointer[V]
	expires int64
	hits    atomic.Int32
	token   deque.Slot[entry[K, V]]
}

func (e *entry[K, V]) expired(now time.Time) bool {
	return e.expires != never && now.UnixNano() >= e.expires
}

type Option func(*options)

type options struct {
	fifo bool
	now  func() time.Time
}

// WithFIFO makes cache evict in insertion order: access does not move entries.
func WithFIFO() Option {
	return func(o *options) { o.fifo = true }
}

// WithClock sets time source for expiration.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates cache, that holds approximately maxEntries.
// Entries expire after maxAge since insertion. Non positive maxAge means no expiration.
func New[K comparable, V any](maxEntries int, maxAge time.Duration, opts ...Option) *Cache[K, V] {
	if maxEntries <= 0 {
		panic("non positive max entries")
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[K, V]{
		maxEntries: maxEntries,
		maxAge:     maxAge,
		fifo:       o.fifo,
		now:        o.now,
		entries:    cmap.NewComparable[K, *entry[K, V]](),
		queue:      deque.New[entry[K, V]](),
	}
}

// Add sets key value. Value of existing entry is replaced, but entry keeps its
// expiration deadline and queue position.
func (c *Cache[K, V]) Add(key K, value V) {
	if e, ok := c.entries.Load(key); ok {
		e.value.Store(&value)
		return
	}
	e := &entry[K, V]{key: key, expires: never}
	if c.maxAge > 0 {
		e.expires = c.now().Add(c.maxAge).UnixNano()
	}
	e.value.Store(&value)
	e.hits.Store(1)
	if actual, loaded := c.entries.LoadOrStore(key, e); loaded {
		actual.value.Store(&value)
		return
	}
	deque.Bump(c.queue, &e.token, e)
	for c.entries.Len() > c.maxEntries {
		oldest := c.queue.PollFirst()
		if oldest == nil {
			return
		}
		if oldest == e {
			// Rest of entries are unqueued by concurrent removes. Queue e back,
			// so it stays evictable without access bumps.
			deque.Bump(c.queue, &e.token, e)
			return
		}
		c.removeEntry(oldest)
	}
}

// Get returns value, if key is present and not expired.
func (c *Cache[K, V]) Get(key K) (value V, ok bool) {
	e, ok := c.entries.Load(key)
	if !ok {
		return
	}
	if e.expired(c.now()) {
		c.removeEntry(e)
		return value, false
	}
	if !c.fifo && e.hits.Add(1)%SampleInterval == 0 {
		deque.Bump(c.queue, &e.token, e)
	}
	return *e.value.Load(), true
}

func (c *Cache[K, V]) Remove(key K) {
	if e, ok := c.entries.LoadAndDelete(key); ok {
		deque.Unqueue(c.queue, &e.token)
	}
}

// Clear removes all entries.
func (c *Cache[K, V]) Clear() {
	for _, e := range c.entries.Clear() {
		deque.Unqueue(c.queue, &e.token)
	}
	c.queue.Clear()
}

// Len returns approximate number of entries.
func (c *Cache[K, V]) Len() int { return c.entries.Len() }

// removeEntry removes e, if key is still mapped to it.
func (c *Cache[K, V]) removeEntry(e *entry[K, V]) {
	if c.entries.CompareAndDelete(e.key, e) {
		deque.Unqueue(c.queue, &e.token)
	}
}
