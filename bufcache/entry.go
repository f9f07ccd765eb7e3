package bufcache

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/skipor/slabcache/internal/deque"
	"github.com/skipor/slabcache/slab"
)

type stateKind int

const (
	stateUnallocated stateKind = iota
	stateAllocating
	stateAllocated
	stateDestroyed
)

var stateNames = [...]string{"unallocated", "allocating", "allocated", "destroyed"}

func (k stateKind) String() string { return stateNames[k] }

// bufferState is immutable. Every transition is CAS of state pointer.
// Allocated state is created per entry; others are shared markers.
type bufferState struct {
	kind    stateKind
	buffers []*slab.Buffer
}

var (
	unallocated = &bufferState{kind: stateUnallocated}
	allocating  = &bufferState{kind: stateAllocating}
	destroyed   = &bufferState{kind: stateDestroyed}
)

const (
	writeDisabled int32 = iota
	writeInProgress
	writeDone
)

const never int64 = -1

// Entry is cached item. Entry memory is reference counted: cache holds
// one reference, while entry is in cache, and every reader or writer should hold
// another one for the time of buffers access. Buffers are freed, when last reference released.
type Entry struct {
	key    string
	size   int
	cache  *Cache
	maxAge time.Duration

	state   atomic.Pointer[bufferState]
	refs    atomic.Int32
	hits    atomic.Int32
	token   deque.Slot[Entry]
	enabled atomic.Int32
	// expires is unix nanoseconds deadline, or never.
	expires atomic.Int64
}

func newEntry(c *Cache, key string, size int, maxAge time.Duration) *Entry {
	e := &Entry{key: key, size: size, cache: c, maxAge: maxAge}
	e.state.Store(unallocated)
	e.refs.Store(1)
	e.hits.Store(1)
	e.expires.Store(never)
	return e
}

func (e *Entry) Key() string { return e.key }
func (e *Entry) Size() int   { return e.size }

// Buffers returns entry buffers, or nil if they are not allocated.
// Buffers may be accessed only while caller holds reference.
func (e *Entry) Buffers() []*slab.Buffer {
	if s := e.state.Load(); s.kind == stateAllocated {
		return s.buffers
	}
	return nil
}

// Enabled returns true, if entry was completely written and can be served.
func (e *Entry) Enabled() bool { return e.enabled.Load() == writeDone }

// ClaimEnable makes caller the only writer of entry.
// Returns false, if entry is being written or already enabled.
func (e *Entry) ClaimEnable() bool {
	return e.enabled.CompareAndSwap(writeDisabled, writeInProgress)
}

// Enable marks entry ready to serve and starts its expiration countdown.
func (e *Entry) Enable() {
	if e.maxAge <= 0 {
		e.expires.Store(never)
	} else {
		e.expires.Store(e.cache.now().Add(e.maxAge).UnixNano())
	}
	e.enabled.Store(writeDone)
}

// Disable makes entry writable again.
func (e *Entry) Disable() { e.enabled.Store(writeDisabled) }

// Expires returns deadline of enabled entry. ok is false, if entry never expires.
func (e *Entry) Expires() (deadline time.Time, ok bool) {
	exp := e.expires.Load()
	if exp == never {
		return time.Time{}, false
	}
	return time.Unix(0, exp), true
}

func (e *Entry) expired(now time.Time) bool {
	exp := e.expires.Load()
	return exp != never && now.UnixNano() >= exp
}

// Reference acquires entry reference. Returns false if entry is destroyed,
// and should not be used anymore.
func (e *Entry) Reference() bool {
	for {
		refs := e.refs.Load()
		if refs < 1 {
			return false
		}
		if e.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

// Dereference releases entry reference. Last release frees entry buffers.
// Returns false, if entry is already destroyed.
func (e *Entry) Dereference() bool {
	for {
		refs := e.refs.Load()
		if refs < 1 {
			return false
		}
		if e.refs.CompareAndSwap(refs, refs-1) {
			if refs == 1 {
				e.destroy()
			}
			return true
		}
	}
}

func (e *Entry) hit() int32 { return e.hits.Add(1) }

func (e *Entry) slices() int {
	sliceSize := e.cache.pool.SliceSize()
	if e.size <= sliceSize {
		return 1
	}
	return (e.size + sliceSize - 1) / sliceSize
}

// Allocate allocates entry buffers, if they are not allocated yet.
// Allocation is all or nothing. Returns false, if there is no space in pool
// or entry is destroyed. Returns true, if buffers are allocated, or being
// allocated by concurrent caller.
func (e *Entry) Allocate() bool {
	for {
		s := e.state.Load()
		switch s.kind {
		case stateAllocated, stateAllocating:
			return true
		case stateDestroyed:
			return false
		}
		if e.state.CompareAndSwap(unallocated, allocating) {
			break
		}
	}
	buffers := e.cache.allocateBuffers(e.slices())
	if buffers == nil {
		// Entry could be destroyed meanwhile. Then destroyed state stays.
		e.state.CompareAndSwap(allocating, unallocated)
		return false
	}
	if !e.state.CompareAndSwap(allocating, &bufferState{kind: stateAllocated, buffers: buffers}) {
		// Destroyed during allocation.
		freeAll(buffers)
		return false
	}
	return true
}

// awaitAllocation waits until concurrent allocation of entry buffers is
// finished, and returns settled state.
func (e *Entry) awaitAllocation() *bufferState {
	for {
		s := e.state.Load()
		if s.kind != stateAllocating {
			return s
		}
		runtime.Gosched()
	}
}

func (e *Entry) isDestroyed() bool { return e.state.Load().kind == stateDestroyed }

func (e *Entry) destroy() {
	if old := e.state.Swap(destroyed); old.kind == stateAllocated {
		freeAll(old.buffers)
	}
}

func (e *Entry) GoString() string {
	return fmt.Sprintf("{key:%q, size:%v, refs:%v, hits:%v, state:%v, enabled:%v}",
		e.key, e.size, e.refs.Load(), e.hits.Load(), e.state.Load().kind, e.Enabled())
}

func freeAll(buffers []*slab.Buffer) {
	for _, b := range buffers {
		b.Free()
	}
}
