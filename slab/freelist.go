package slab

import "sync/atomic"

// stack is lock-free Treiber stack.
// Every push allocates new node, so popped node never returns into stack
// and there is no ABA problem while popper holds pointer to it.
type stack[T any] struct {
	head atomic.Pointer[stackNode[T]]
	size atomic.Int64
}

type stackNode[T any] struct {
	val  *T
	next *stackNode[T]
}

func (s *stack[T]) push(v *T) {
	n := &stackNode[T]{val: v}
	for {
		top := s.head.Load()
		n.next = top
		if s.head.CompareAndSwap(top, n) {
			s.size.Add(1)
			return
		}
	}
}

func (s *stack[T]) pop() *T {
	for {
		top := s.head.Load()
		if top == nil {
			return nil
		}
		if s.head.CompareAndSwap(top, top.next) {
			s.size.Add(-1)
			return top.val
		}
	}
}

// atLeast walks no more than n nodes from top.
func (s *stack[T]) atLeast(n int) bool {
	node := s.head.Load()
	for i := 0; i < n; i++ {
		if node == nil {
			return false
		}
		node = node.next
	}
	return true
}

func (s *stack[T]) len() int {
	if n := s.size.Load(); n > 0 {
		return int(n)
	}
	return 0
}

func (s *stack[T]) drain() (vals []*T) {
	for v := s.pop(); v != nil; v = s.pop() {
		vals = append(vals, v)
	}
	return
}

type freeList = stack[slice]

type regionList struct {
	stack[[]byte]
}

func (l *regionList) push(region []byte) { l.stack.push(&region) }

func (l *regionList) drain() (regions [][]byte) {
	for _, r := range l.stack.drain() {
		regions = append(regions, *r)
	}
	return
}
