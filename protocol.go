package slabcache

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"strconv"
	"time"

	"github.com/facebookgo/stackerr"
	"github.com/pkg/errors"
)

const (
	MaxKeySize         = 250
	MaxItemSize        = 128 * (1 << 20) // 128 MB.
	DefaultMaxItemSize = 1 << 20
	MaxCommandSize     = 1 << 12

	MaxRelativeExptime = 60 * 60 * 24 * 30 // 30 days.

	Separator = "\r\n"

	SetCommand    = "set"
	GetCommand    = "get"
	GetsCommand   = "gets"
	DeleteCommand = "delete"
	StatsCommand  = "stats"

	NoReplyOption = "noreply"

	StoredResponse      = "STORED"
	NotStoredResponse   = "NOT_STORED"
	ValueResponse       = "VALUE"
	StatResponse        = "STAT"
	EndResponse         = "END"
	DeletedResponse     = "DELETED"
	NotFoundResponse    = "NOT_FOUND"
	ErrorResponse       = "ERROR"
	ClientErrorResponse = "CLIENT_ERROR"
	ServerErrorResponse = "SERVER_ERROR"

	OutOfMemoryMessage = "out of memory storing object"

	// Implementation specific consts.
	InBufferSize  = 16 * (1 << 10)
	OutBufferSize = 16 * (1 << 10)

	// flagsSize is size of item flags header, that is stored before item data.
	flagsSize = 4
)

var _ = func() (_ struct{}) {
	if MaxCommandSize > InBufferSize {
		panic("max command should fit in input buffer")
	}
	return
}()

var (
	ErrTooLargeKey          = errors.New("too large key")
	ErrTooLargeItem         = errors.New("too large item")
	ErrInvalidOption        = errors.New("invalid option")
	ErrTooManyFields        = errors.New("too many fields")
	ErrMoreFieldsRequired   = errors.New("more fields required")
	ErrTooLargeCommand      = errors.New("command length is too big")
	ErrEmptyCommand         = errors.New("empty command")
	ErrFieldsParseError     = errors.New("fields parse error")
	ErrInvalidLineSeparator = errors.New("invalid line separator")
	ErrInvalidCharInKey     = errors.New("key contains invalid characters")

	separatorBytes = []byte(Separator)
)

type itemMeta struct {
	key     string
	flags   uint32
	exptime int64
	bytes   int
}

// maxAge converts memcached exptime into cache entry max age.
// Zero exptime means no expiration. Exptime up to MaxRelativeExptime is
// number of seconds from now, larger is unix time.
// expired is true, if absolute exptime already passed.
func (m itemMeta) maxAge(now time.Time) (maxAge time.Duration, expired bool) {
	switch {
	case m.exptime == 0:
		return 0, false
	case m.exptime <= MaxRelativeExptime:
		return time.Duration(m.exptime) * time.Second, false
	}
	maxAge = time.Unix(m.exptime, 0).Sub(now)
	return maxAge, maxAge <= 0
}

func encodeFlags(flags uint32) []byte {
	var header [flagsSize]byte
	binary.BigEndian.PutUint32(header[:], flags)
	return header[:]
}

func decodeFlags(r io.Reader) (flags uint32, err error) {
	var header [flagsSize]byte
	_, err = io.ReadFull(r, header[:])
	return binary.BigEndian.Uint32(header[:]), err
}

func isInvalidFieldChar(b byte) bool {
	return b <= ' ' || b == 127
}

func checkKey(p []byte) error {
	if len(p) > MaxKeySize {
		return stackerr.Wrap(ErrTooLargeKey)
	}
	for _, b := range p {
		if isInvalidFieldChar(b) {
			return stackerr.Wrap(ErrInvalidCharInKey)
		}
	}
	return nil
}

func parseKey(p []byte) (key string, err error) {
	err = checkKey(p)
	if err != nil {
		return
	}
	key = string(p)
	return
}

func parseSetFields(fields [][]byte) (m itemMeta, noreply bool, err error) {
	const extraRequired = 3
	var key []byte
	var extra [][]byte
	key, extra, noreply, err = parseKeyFields(fields, extraRequired)
	if err != nil {
		return
	}
	m.key, err = parseKey(key)
	if err != nil {
		return
	}
	var parsed [extraRequired]uint64
	for i, f := range extra {
		parsed[i], err = strconv.ParseUint(string(f), 10, 32)
		if err != nil {
			err = stackerr.Newf("%s: %s", ErrFieldsParseError, err)
			return
		}
	}
	m.flags = uint32(parsed[0])
	m.exptime = int64(parsed[1])
	m.bytes = int(parsed[2])
	if m.bytes > MaxItemSize {
		err = stackerr.Wrap(ErrTooLargeItem)
	}
	return
}

func parseKeyFields(fields [][]byte, extraRequired int) (key []byte, extra [][]byte, noreply bool, err error) {
	if len(fields) < 1+extraRequired {
		err = stackerr.Wrap(ErrMoreFieldsRequired)
		return
	}
	key = fields[0]
	extra = fields[1:][:extraRequired]
	options := fields[1:][extraRequired:]
	const maxOptions = 1
	if len(options) > maxOptions {
		err = stackerr.Wrap(ErrTooManyFields)
		return
	}
	if len(options) != 0 {
		if string(options[0]) != NoReplyOption {
			err = stackerr.Wrap(ErrInvalidOption)
			return
		}
		noreply = true
	}
	return
}

type reader struct {
	*bufio.Reader
}

func newReader(r io.Reader) reader {
	return reader{bufio.NewReaderSize(r, InBufferSize)}
}

// WARN: retuned byte slices points into read buffed and invalidated after next read.
func (r reader) readCommand() (command []byte, fields [][]byte, clientErr, err error) {
	var lineWithSeparator []byte
	// We accept only "\r\n" separator, so can't use ReadLine here.
	lineWithSeparator, err = r.ReadSlice('\n')
	if err == bufio.ErrBufferFull || err == nil && len(lineWithSeparator) > MaxCommandSize {
		// Too big command.
		clientErr = stackerr.Wrap(ErrTooLargeCommand)
		err = nil
		if !bytes.HasSuffix(lineWithSeparator, separatorBytes) {
			err = r.discardCommand()
		}
		return
	}
	if err == io.EOF {
		if len(lineWithSeparator) != 0 {
			err = stackerr.Wrap(io.ErrUnexpectedEOF)
		}
		return
	}
	if err != nil {
		err = stackerr.Wrap(err)
		return
	}
	if !bytes.HasSuffix(lineWithSeparator, separatorBytes) {
		clientErr = stackerr.Wrap(ErrInvalidLineSeparator)
		return
	}
	line := bytes.TrimSuffix(lineWithSeparator, separatorBytes)
	split := bytes.Fields(line)
	if len(split) == 0 {
		clientErr = stackerr.Wrap(ErrEmptyCommand)
		return
	}
	command = split[0]
	fields = split[1:]
	return
}

// dataBlock returns reader of size bytes of data block.
// Read error of underlying connection is saved, to distinguish it from data consumer errors.
func (r reader) dataBlock(size int) *blockReader {
	br := &blockReader{}
	br.src = errRecorder{r: r.Reader, err: &br.err}
	br.Reader = io.LimitReader(br.src, int64(size))
	return br
}

// readSeparator reads data block separator. Block data should be read before.
func (r reader) readSeparator() (clientErr, err error) {
	var sep []byte
	sep, err = r.ReadSlice('\n')
	if err != nil {
		err = stackerr.Wrap(err)
		return
	}
	if !bytes.Equal(sep, separatorBytes) {
		clientErr = stackerr.Wrap(ErrInvalidLineSeparator)
	}
	return
}

// discardCommand discard all input untill next separator.
func (r reader) discardCommand() error {
	for {
		lineWithSeparator, err := r.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return err
		}
		if !bytes.HasSuffix(lineWithSeparator, separatorBytes) {
			continue
		}
		return nil
	}
}

type blockReader struct {
	io.Reader
	src errRecorder
	err error
}

// discard skips not consumed block data.
func (b *blockReader) discard() error {
	if _, err := io.Copy(io.Discard, b.Reader); err != nil {
		return stackerr.Wrap(err)
	}
	if b.err != nil {
		return stackerr.Wrap(b.err)
	}
	return nil
}

type errRecorder struct {
	r   io.Reader
	err *error
}

func (e errRecorder) Read(p []byte) (n int, err error) {
	n, err = e.r.Read(p)
	if err != nil && *e.err == nil {
		*e.err = err
	}
	return
}
