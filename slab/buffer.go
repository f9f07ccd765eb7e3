package slab

import (
	"fmt"
	"sync/atomic"

	"github.com/skipor/slabcache/internal/tag"
)

// slice is fixed window into region. Immutable.
type slice struct {
	mem    []byte
	offset int
}

func newSlice(region []byte, off, size int) *slice {
	return &slice{
		mem:    region[off : off+size : off+size],
		offset: off,
	}
}

// Buffer is handle of pooled slice. Only one handle of slice is alive at a moment.
// Buffer contents must not be accessed after Free call: slice can be already
// given to another owner.
type Buffer struct {
	pool  *Pool
	slice *slice
	// view is nil after Free.
	view atomic.Pointer[[]byte]
}

func newBuffer(p *Pool, s *slice) *Buffer {
	b := &Buffer{pool: p, slice: s}
	view := s.mem
	b.view.Store(&view)
	return b
}

// Bytes returns buffer memory. Len is equal to pool slice size.
// Panics if buffer was freed.
func (b *Buffer) Bytes() []byte {
	view := b.view.Load()
	if view == nil {
		panic("access to freed buffer")
	}
	return *view
}

// Free returns buffer slice to pool. Repeated calls are no-op.
func (b *Buffer) Free() {
	if b.view.Swap(nil) == nil {
		return
	}
	if tag.Debug {
		for i := range b.slice.mem {
			b.slice.mem[i] = 0xde
		}
	}
	b.pool.recycle(b.slice)
}

func (b *Buffer) isFreed() bool {
	return b.view.Load() == nil
}

func (b *Buffer) GoString() string {
	return fmt.Sprintf("{offset:%v, len:%v, freed:%v}", b.slice.offset, len(b.slice.mem), b.isFreed())
}
