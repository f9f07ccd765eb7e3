//go:build !unix

package slab

import "github.com/pkg/errors"

var errMmapUnsupported = errors.New("mmap regions are not supported on this platform")

type MmapAllocator struct{}

var _ RegionAllocator = MmapAllocator{}

func (MmapAllocator) AllocateRegion(int) ([]byte, error) { return nil, errMmapUnsupported }
func (MmapAllocator) ReleaseRegion([]byte) error         { return errMmapUnsupported }
