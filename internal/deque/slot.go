package deque

import "sync/atomic"

// Slot holds element access token. Slot state is one of:
// * empty: nil, element is not queued.
// * claimed: pointer to slot own claimed marker, queue mutation in progress.
// * queued: pointer to real token.
// Marker is never offered to queue, so it can't be equal to real token.
type Slot[T any] struct {
	token   atomic.Pointer[Token[T]]
	claimed Token[T]
}

// Claim marks slot claimed and returns previous token, that may be nil.
// ok is false, if slot is already claimed by someone else. Caller should skip
// its queue mutation in such case: no retry avoids contention on hot elements.
func (s *Slot[T]) Claim() (prev *Token[T], ok bool) {
	for {
		cur := s.token.Load()
		if cur == &s.claimed {
			return nil, false
		}
		if s.token.CompareAndSwap(cur, &s.claimed) {
			return cur, true
		}
	}
}

// Set replaces claimed marker with token. Returns false if slot was cleared while claimed.
func (s *Slot[T]) Set(t *Token[T]) bool {
	return s.token.CompareAndSwap(&s.claimed, t)
}

// Clear empties slot and returns previous token.
// Claimed marker is returned as nil: claim owner will find slot cleared and clean up itself.
func (s *Slot[T]) Clear() *Token[T] {
	old := s.token.Swap(nil)
	if old == &s.claimed {
		return nil
	}
	return old
}

// Claimed returns true while queue mutation is in progress.
func (s *Slot[T]) Claimed() bool { return s.token.Load() == &s.claimed }

// Load returns current token, or nil if slot is empty or claimed.
func (s *Slot[T]) Load() *Token[T] {
	t := s.token.Load()
	if t == &s.claimed {
		return nil
	}
	return t
}

// Bump moves item to queue tail. Concurrent bumps of same item are deduplicated:
// only claim owner moves it, others return immediately.
func Bump[T any](d *Deque[T], s *Slot[T], item *T) {
	prev, ok := s.Claim()
	if !ok {
		return
	}
	if prev != nil {
		d.Remove(prev)
	}
	token := tryOfferLast(d, item)
	if !s.Set(token) && token != nil {
		// Slot was cleared concurrently. New token is orphan.
		d.Remove(token)
	}
}

// Unqueue empties slot and removes its token from queue.
func Unqueue[T any](d *Deque[T], s *Slot[T]) {
	if old := s.Clear(); old != nil {
		d.Remove(old)
	}
}

// tryOfferLast returns nil token instead of panic. Item left unqueued in
// such case, and will be queued on next bump.
func tryOfferLast[T any](d *Deque[T], item *T) (token *Token[T]) {
	defer func() {
		if r := recover(); r != nil {
			token = nil
		}
	}()
	return d.OfferLast(item)
}
