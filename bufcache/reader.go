package bufcache

import "io"

// Reader reads content of enabled entry. Reader holds entry reference until Close.
type Reader struct {
	entry      *Entry
	chunks     [][]byte
	chunkIndex int
	byteIndex  int
}

var _ interface {
	io.ReadCloser
	io.WriterTo
} = (*Reader)(nil)

// NewReader returns reader of entry content. ok is false, if entry
// is not enabled, or already destroyed.
func (e *Entry) NewReader() (r *Reader, ok bool) {
	if !e.Enabled() || !e.Reference() {
		return nil, false
	}
	buffers := e.Buffers()
	if !e.Enabled() || buffers == nil {
		e.Dereference()
		return nil, false
	}
	chunks := make([][]byte, 0, len(buffers))
	left := e.size
	for _, b := range buffers {
		chunk := b.Bytes()
		if len(chunk) > left {
			chunk = chunk[:left]
		}
		chunks = append(chunks, chunk)
		left -= len(chunk)
	}
	return &Reader{entry: e, chunks: chunks}, true
}

func (r *Reader) WriteTo(w io.Writer) (nn int64, err error) {
	for !r.eof() {
		var n int
		n, err = w.Write(r.chunk())
		r.readed(n)
		nn += int64(n)
		if err != nil {
			return
		}
	}
	return
}

func (r *Reader) Read(p []byte) (nn int, err error) {
	for nn < len(p) && !r.eof() {
		n := copy(p[nn:], r.chunk())
		r.readed(n)
		nn += n
	}
	if r.eof() {
		err = io.EOF
	}
	return
}

// Close releases entry reference. Repeated calls are no-op.
func (r *Reader) Close() error {
	if !r.isClosed() {
		r.entry.Dereference()
		r.entry = nil
		r.chunks = nil
	}
	return nil
}

// Len returns number of unread bytes.
func (r *Reader) Len() (n int) {
	for i := r.chunkIndex; i < len(r.chunks); i++ {
		n += len(r.chunks[i])
	}
	return n - r.byteIndex
}

func (r *Reader) isClosed() bool {
	return r.entry == nil
}

func (r *Reader) eof() bool {
	return r.chunkIndex >= len(r.chunks)
}

func (r *Reader) chunk() []byte {
	return r.chunks[r.chunkIndex][r.byteIndex:]
}

func (r *Reader) readed(n int) {
	if n < len(r.chunk()) {
		r.byteIndex += n
		return
	}
	r.chunkIndex++
	r.byteIndex = 0
}
