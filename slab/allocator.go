package slab

// RegionAllocator allocates large backing regions, that pool slices into buffers.
type RegionAllocator interface {
	// AllocateRegion returns region of exactly size bytes.
	AllocateRegion(size int) ([]byte, error)
	// ReleaseRegion is called on pool Close for every allocated region.
	ReleaseRegion(region []byte) error
}

// HeapAllocator allocates regions in Go heap. Regions are reclaimed by GC.
type HeapAllocator struct{}

var _ RegionAllocator = HeapAllocator{}

func (HeapAllocator) AllocateRegion(size int) ([]byte, error) { return make([]byte, size), nil }
func (HeapAllocator) ReleaseRegion([]byte) error             { return nil }
