// Package cmap adapts xsync.MapOf to cache needs: values are compared on
// delete, and Clear returns removed values, so caller can release them.
// Loads are lock-free; writes lock only one map bucket.
package cmap

import (
	"github.com/cespare/xxhash/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

type Map[K comparable, V comparable] struct {
	m *xsync.MapOf[K, V]
}

// NewString creates map with string keys, hashed by xxhash.
func NewString[V comparable]() *Map[string, V] {
	return &Map[string, V]{m: xsync.NewMapOfWithHasher[string, V](hashString)}
}

// NewComparable creates map for any comparable key type.
func NewComparable[K comparable, V comparable]() *Map[K, V] {
	return &Map[K, V]{m: xsync.NewMapOf[K, V]()}
}

func hashString(k string, seed uint64) uint64 {
	return xxhash.Sum64String(k) ^ seed
}

func (m *Map[K, V]) Load(k K) (v V, ok bool) {
	return m.m.Load(k)
}

// LoadOrStore returns existing value, if key present. Otherwise stores and returns v.
// loaded is true if value was loaded.
func (m *Map[K, V]) LoadOrStore(k K, v V) (actual V, loaded bool) {
	return m.m.LoadOrStore(k, v)
}

// LoadAndDelete deletes key and returns previous value, if any.
func (m *Map[K, V]) LoadAndDelete(k K) (v V, loaded bool) {
	return m.m.LoadAndDelete(k)
}

// CompareAndDelete deletes key only if it is mapped to old.
func (m *Map[K, V]) CompareAndDelete(k K, old V) (deleted bool) {
	m.m.Compute(k, func(cur V, loaded bool) (V, bool) {
		if !loaded {
			// Delete flag keeps absent key absent.
			return cur, true
		}
		deleted = cur == old
		return cur, deleted
	})
	return
}

// Len returns approximate number of entries.
func (m *Map[K, V]) Len() int {
	return m.m.Size()
}

// Range calls f for entries, until f returns false. f may modify map.
// Entries added or removed during Range may be missed or visited.
func (m *Map[K, V]) Range(f func(K, V) bool) {
	m.m.Range(f)
}

// Clear deletes all entries and returns deleted values.
// Each value is returned by exactly one of concurrent Clear or delete calls.
func (m *Map[K, V]) Clear() (vals []V) {
	m.m.Range(func(k K, _ V) bool {
		if v, ok := m.m.LoadAndDelete(k); ok {
			vals = append(vals, v)
		}
		return true
	})
	return
}
