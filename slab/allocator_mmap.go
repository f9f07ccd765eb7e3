//go:build unix

package slab

import (
	"github.com/facebookgo/stackerr"
	"golang.org/x/sys/unix"
)

// MmapAllocator allocates regions as anonymous private memory mappings.
// Such regions are out of Go heap, so GC doesn't scan them and they
// don't count into GOGC heap target.
type MmapAllocator struct{}

var _ RegionAllocator = MmapAllocator{}

func (MmapAllocator) AllocateRegion(size int) ([]byte, error) {
	region, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, stackerr.Wrap(err)
	}
	return region, nil
}

func (MmapAllocator) ReleaseRegion(region []byte) error {
	return stackerr.Wrap(unix.Munmap(region))
}
