// Package slab contains fixed size buffer allocator, that slices large
// regions of memory into equal non-overlapping slices and recycles them
// through lock-free free list.
package slab

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/skipor/slabcache/log"
)

type Config struct {
	// SliceSize is size of every buffer returned by pool.
	SliceSize int
	// MaxRegionSize is max bytes in one backing region.
	// Region contains MaxRegionSize / SliceSize slices.
	MaxRegionSize int
	// MaxRegions limits number of allocated regions. Zero means unlimited.
	MaxRegions int
}

func (c Config) SlicesPerRegion() int { return c.MaxRegionSize / c.SliceSize }

// Pool hands out fixed size pooled buffers. All methods are safe for concurrent use,
// and never block on lock.
type Pool struct {
	sliceSize       int
	slicesPerRegion int
	maxRegions      int32

	regions   atomic.Int32
	allocator RegionAllocator
	free      freeList
	// outstanding is number of buffers allocated and not freed yet.
	outstanding atomic.Int64

	log          log.Logger
	leakCallback LeakCallback
	// regionMem holds allocated regions for Close.
	regionMem regionList
}

type Option func(*Pool)

// WithAllocator sets allocator of backing regions. HeapAllocator is used by default.
func WithAllocator(a RegionAllocator) Option {
	return func(p *Pool) { p.allocator = a }
}

func WithLogger(l log.Logger) Option {
	return func(p *Pool) { p.log = l }
}

// NewPool creates new pool. Panics on invalid configuration.
func NewPool(conf Config, opts ...Option) *Pool {
	if conf.SliceSize <= 0 {
		panic("non positive slice size")
	}
	if conf.MaxRegionSize < conf.SliceSize {
		panic("max region size should be greater or equal to slice size")
	}
	if conf.MaxRegions < 0 {
		panic("negative max regions")
	}
	p := &Pool{
		sliceSize:       conf.SliceSize,
		slicesPerRegion: conf.SlicesPerRegion(),
		maxRegions:      int32(conf.MaxRegions),
		allocator:       HeapAllocator{},
		log:             log.Nop(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Allocate returns new buffer, or nil if all regions are in use and region limit reached.
// Nil return is not an error: caller should free some buffers and try again later.
func (p *Pool) Allocate() *Buffer {
	if s := p.free.pop(); s != nil {
		return p.newBuffer(s)
	}
	for {
		count := p.regions.Load()
		if p.maxRegions != 0 && count >= p.maxRegions {
			return nil
		}
		if p.regions.CompareAndSwap(count, count+1) {
			break
		}
	}
	regionSize := p.slicesPerRegion * p.sliceSize
	region, err := p.allocator.AllocateRegion(regionSize)
	if err != nil {
		p.regions.Add(-1)
		p.log.Warnf("Region of %v bytes allocation failed: %v", regionSize, err)
		return nil
	}
	if len(region) < regionSize {
		p.regions.Add(-1)
		p.log.Panicf("Allocator returned region of %v bytes, but %v requested.", len(region), regionSize)
	}
	p.regionMem.push(region)
	// First slice is returned directly, others go to free list.
	for off := p.sliceSize; off+p.sliceSize <= regionSize; off += p.sliceSize {
		p.free.push(newSlice(region, off, p.sliceSize))
	}
	return p.newBuffer(newSlice(region, 0, p.sliceSize))
}

// CanAllocate makes fast check, that n buffers may be allocated now.
// Result is approximate: concurrent allocations and frees can change it at any moment.
func (p *Pool) CanAllocate(n int) bool {
	if p.maxRegions == 0 || p.regions.Load() < p.maxRegions {
		return true
	}
	return p.free.atLeast(n)
}

func (p *Pool) SliceSize() int       { return p.sliceSize }
func (p *Pool) SlicesPerRegion() int { return p.slicesPerRegion }
func (p *Pool) MaxRegions() int      { return int(p.maxRegions) }

type Stats struct {
	Regions     int
	FreeSlices  int
	Outstanding int64
}

// Stats returns approximate pool state.
func (p *Pool) Stats() Stats {
	return Stats{
		Regions:     int(p.regions.Load()),
		FreeSlices:  p.free.len(),
		Outstanding: p.outstanding.Load(),
	}
}

// Close releases all regions to allocator. Pool should not be used after Close,
// and no buffer should be accessed.
func (p *Pool) Close() error {
	var firstErr error
	for _, region := range p.regionMem.drain() {
		p.regions.Add(-1)
		if err := p.allocator.ReleaseRegion(region); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.free.drain()
	return firstErr
}

// SetLeakCallback sets callback, which is called before GC of not freed buffer.
// Note: this is for test and debug purpose only.
func (p *Pool) SetLeakCallback(cb LeakCallback) {
	p.leakCallback = cb
}

func (p *Pool) newBuffer(s *slice) *Buffer {
	b := newBuffer(p, s)
	p.outstanding.Add(1)
	if p.leakCallback != nil {
		runtime.SetFinalizer(b, checkLeakFinalizer(p.leakCallback))
	}
	return b
}

func (p *Pool) recycle(s *slice) {
	p.outstanding.Add(-1)
	p.free.push(s)
}

func (p *Pool) GoString() string {
	s := p.Stats()
	return fmt.Sprintf("{sliceSize:%v, slicesPerRegion:%v, maxRegions:%v, regions:%v, free:%v, outstanding:%v}",
		p.sliceSize, p.slicesPerRegion, p.maxRegions, s.Regions, s.FreeSlices, s.Outstanding)
}
