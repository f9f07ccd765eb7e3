// Package deque implements concurrent access order queue with O(1) removal of
// arbitrary element by token, returned on insertion.
//
// Queue is singly linked list with fake head node. Insertion is Michael-Scott
// queue append. Removal is logical: token item is swapped to nil, and dead
// token is unlinked later, when head passes it, or by compaction sweep,
// that runs when dead tokens outnumber live ones.
//
// Invariants:
// * every live token is reachable by next links from any token inserted before it.
// * token with nil next is never unlinked, because appends go after it.
// * only one sweep runs at a moment. Sweep is the only place where next link of
// non last token changes.
package deque

import (
	"iter"
	"sync/atomic"
)

// minSweepDead is number of dead tokens, that is always tolerated without compaction.
const minSweepDead = 64

type Deque[T any] struct {
	// head is fake node. Its item is always nil.
	head atomic.Pointer[Token[T]]
	// tail is last or almost last node.
	tail     atomic.Pointer[Token[T]]
	live     atomic.Int64
	dead     atomic.Int64
	sweeping atomic.Bool
}

// Token identifies position of element in queue.
type Token[T any] struct {
	item atomic.Pointer[T]
	next atomic.Pointer[Token[T]]
}

// Alive returns true if token item was not removed yet.
func (t *Token[T]) Alive() bool { return t.item.Load() != nil }

func New[T any]() *Deque[T] {
	d := &Deque[T]{}
	fake := &Token[T]{}
	d.head.Store(fake)
	d.tail.Store(fake)
	return d
}

// OfferLast appends item to queue tail and returns its token.
func (d *Deque[T]) OfferLast(item *T) *Token[T] {
	if item == nil {
		panic("nil item")
	}
	t := &Token[T]{}
	t.item.Store(item)
	d.live.Add(1)
	for {
		tail := d.tail.Load()
		next := tail.next.Load()
		if next != nil {
			// Tail is lagging. Help to move it.
			d.tail.CompareAndSwap(tail, next)
			continue
		}
		if tail.next.CompareAndSwap(nil, t) {
			d.tail.CompareAndSwap(tail, t)
			break
		}
	}
	d.maybeSweep()
	return t
}

// Remove removes token item from queue. Returns false if it was removed already.
func (d *Deque[T]) Remove(t *Token[T]) bool {
	if t == nil || t.item.Swap(nil) == nil {
		return false
	}
	d.live.Add(-1)
	d.dead.Add(1)
	return true
}

// PollFirst removes and returns the oldest item, or nil if queue is empty.
func (d *Deque[T]) PollFirst() *T {
	for {
		h := d.head.Load()
		p := h.next.Load()
		for ; p != nil; p = p.next.Load() {
			it := p.item.Load()
			if it == nil {
				continue
			}
			if !p.item.CompareAndSwap(it, nil) {
				// Removed concurrently. It is dead now, go further.
				continue
			}
			d.live.Add(-1)
			// All nodes before p are dead, and p is dead now. It can be new fake head.
			d.head.CompareAndSwap(h, p)
			return it
		}
		if d.head.Load() == h {
			return nil
		}
	}
}

// All iterates items from the oldest to the newest.
// Iteration is weakly consistent: it reflects some state of queue at or since creation.
func (d *Deque[T]) All() iter.Seq[*T] {
	return func(yield func(*T) bool) {
		for p := d.head.Load().next.Load(); p != nil; p = p.next.Load() {
			it := p.item.Load()
			if it == nil {
				continue
			}
			if !yield(it) {
				return
			}
		}
	}
}

// Len returns approximate number of items in queue.
func (d *Deque[T]) Len() int {
	if n := d.live.Load(); n > 0 {
		return int(n)
	}
	return 0
}

// Clear polls all items.
func (d *Deque[T]) Clear() {
	for d.PollFirst() != nil {
	}
}

func (d *Deque[T]) maybeSweep() {
	dead := d.dead.Load()
	if dead < minSweepDead || dead < d.live.Load() {
		return
	}
	if !d.sweeping.CompareAndSwap(false, true) {
		return
	}
	d.sweep()
	d.sweeping.Store(false)
}

// sweep unlinks dead tokens. Should be called only by sweeping flag owner.
func (d *Deque[T]) sweep() {
	d.dead.Store(0)
	p := d.head.Load()
	for {
		q := p.next.Load()
		if q == nil {
			return
		}
		if q.item.Load() != nil {
			p = q
			continue
		}
		r := q.next.Load()
		if r == nil {
			// Last node. Appends go after it.
			return
		}
		// Only sweeper changes next of non last node, and p.next is not nil, so CAS can't fail.
		p.next.CompareAndSwap(q, r)
	}
}
