package bufcache

import (
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/skipor/slabcache/slab"
)

var (
	ErrNoSpace         = errors.New("no space for entry")
	ErrWriteInProgress = errors.New("entry write in progress")
	ErrAlreadyEnabled  = errors.New("entry already written")
	ErrEntryDestroyed  = errors.New("entry destroyed")
)

// Fill writes exactly e.Size() bytes from r into entry buffers and enables it.
// Only one writer may fill entry. On failure entry stays disabled, and may be filled again.
func (c *Cache) Fill(e *Entry, r io.Reader) error {
	if !e.Reference() {
		return ErrEntryDestroyed
	}
	defer e.Dereference()
	if !e.ClaimEnable() {
		if e.Enabled() {
			return ErrAlreadyEnabled
		}
		return ErrWriteInProgress
	}
	var buffers []*slab.Buffer
	for buffers == nil {
		if !c.allocate(e) {
			e.Disable()
			return ErrNoSpace
		}
		// Allocation could be started by concurrent hit.
		switch s := e.awaitAllocation(); s.kind {
		case stateAllocated:
			buffers = s.buffers
		case stateDestroyed:
			e.Disable()
			return ErrEntryDestroyed
		}
		// Concurrent allocation failed otherwise. Try again.
	}
	if err := e.write(buffers, r); err != nil {
		e.Disable()
		return err
	}
	e.Enable()
	return nil
}

func (e *Entry) write(buffers []*slab.Buffer, r io.Reader) error {
	left := e.size
	for _, b := range buffers {
		chunk := b.Bytes()
		if len(chunk) > left {
			chunk = chunk[:left]
		}
		if _, err := io.ReadFull(r, chunk); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return err
		}
		left -= len(chunk)
	}
	return nil
}

// Store replaces key entry with new one, filled from r.
// If fill fails, new entry is removed from cache.
func (c *Cache) Store(key string, size int, maxAge time.Duration, r io.Reader) error {
	c.Remove(key)
	e, created := c.add(key, size, maxAge)
	if !created {
		// Concurrent store of the same key won.
		return ErrWriteInProgress
	}
	err := c.Fill(e, r)
	if err != nil {
		c.removeEntry(e)
	}
	return err
}
