package slabcache

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"

	"github.com/facebookgo/stackerr"

	"github.com/skipor/slabcache/bufcache"
	"github.com/skipor/slabcache/log"
)

type conn struct {
	reader
	*bufio.Writer
	closer io.Closer
	*ConnMeta
	log log.Logger
}

func newConn(l log.Logger, m *ConnMeta, rwc io.ReadWriteCloser) *conn {
	return &conn{
		reader:   newReader(rwc),
		Writer:   bufio.NewWriterSize(rwc, OutBufferSize),
		closer:   rwc,
		ConnMeta: m,
		log:      l,
	}
}

func (c *conn) serve() {
	c.log.Debug("Serve connection.")
	defer func() {
		if r := recover(); r != nil {
			c.serverError(stackerr.Newf("Panic: %s", r))
			c.Close()
			panic(r)
		}
		c.Close()
		c.log.Debug("Connection closed.")
	}()

	err := c.loop()
	if err != nil {
		c.serverError(err)
	}
}

func (c *conn) Close() error {
	c.Flush()
	return c.closer.Close()
}

func (c *conn) loop() error {
	for {
		command, fields, clientErr, err := c.readCommand()
		if err != nil {
			if err == io.EOF {
				// Just client disconnect. Ok.
				return nil
			}
			if errors.Is(unwrap(err), net.ErrClosed) {
				c.log.Debug("Connection closed by server.")
				return nil
			}
			return stackerr.Wrap(err)
		}
		if clientErr == nil {
			c.log.Debugf("Command: %s.", command)
			switch string(command) { // No allocation.
			case GetCommand, GetsCommand:
				clientErr, err = c.get(fields)
			case SetCommand:
				clientErr, err = c.set(fields)
			case DeleteCommand:
				clientErr, err = c.delete(fields)
			case StatsCommand:
				err = c.stats()
			default:
				c.log.Errorf("Unexpected command: %s", command)
				err = c.sendResponse(ErrorResponse)
			}
		}
		if clientErr != nil && err == nil {
			err = c.sendClientError(clientErr)
		}
		if err != nil {
			return err
		}
	}
}

type itemView struct {
	key    string
	flags  uint32
	reader *bufcache.Reader
}

func (c *conn) get(fields [][]byte) (clientErr, err error) {
	if len(fields) == 0 {
		clientErr = stackerr.Wrap(ErrMoreFieldsRequired)
		return
	}
	for _, key := range fields {
		clientErr = checkKey(key)
		if clientErr != nil {
			return
		}
	}
	var views []itemView
	for _, key := range fields {
		if view, ok := c.view(string(key)); ok {
			views = append(views, view)
		}
	}
	err = c.sendGetResponse(views)
	return
}

func (c *conn) view(key string) (view itemView, ok bool) {
	e := c.Cache.Get(key)
	if e == nil {
		return
	}
	r, ok := e.NewReader()
	if !ok {
		return
	}
	flags, err := decodeFlags(r)
	if err != nil {
		c.log.Errorf("Entry %q has no flags header: %v", key, err)
		r.Close()
		return view, false
	}
	return itemView{key: key, flags: flags, reader: r}, true
}

func (c *conn) sendGetResponse(views []itemView) error {
	c.log.Debugf("Sending %v founded values.", len(views))
	var readerIndex int
	defer func() {
		// Close readers which was not successfully readed.
		for ; readerIndex < len(views); readerIndex++ {
			views[readerIndex].reader.Close()
		}
	}()
	for ; readerIndex < len(views); readerIndex++ {
		view := views[readerIndex]
		c.log.Debugf("Sending value %v. Key %s.", readerIndex, view.key)
		c.WriteString(ValueResponse)
		c.WriteByte(' ')
		c.WriteString(view.key)
		fmt.Fprintf(c, " %v %v"+Separator, view.flags, view.reader.Len())
		view.reader.WriteTo(c)
		_, err := c.WriteString(Separator)
		if err != nil {
			return stackerr.Wrap(err)
		}
		view.reader.Close()
	}
	return c.sendResponse(EndResponse)
}

func (c *conn) set(fields [][]byte) (clientErr, err error) {
	var m itemMeta
	var noreply bool
	m, noreply, clientErr = parseSetFields(fields)
	if clientErr != nil {
		err = c.discardCommand()
		return
	}
	if m.bytes > c.MaxItemSize {
		clientErr = stackerr.Wrap(ErrTooLargeItem)
		_, err = c.Discard(m.bytes + len(Separator))
		return
	}

	response := StoredResponse
	block := c.dataBlock(m.bytes)
	maxAge, expired := m.maxAge(c.now())
	if expired {
		c.log.Debugf("Item %q is already expired.", m.key)
		c.Cache.Remove(m.key)
	} else {
		storeErr := c.Cache.Store(m.key, flagsSize+m.bytes, maxAge, io.MultiReader(bytes.NewReader(encodeFlags(m.flags)), block))
		switch {
		case storeErr == nil:
		case block.err != nil:
			// Connection read failed. Handled below.
		case storeErr == bufcache.ErrNoSpace:
			response = ServerErrorResponse + " " + OutOfMemoryMessage
		case storeErr == bufcache.ErrWriteInProgress, storeErr == bufcache.ErrEntryDestroyed:
			// Concurrent set of the same key won.
			response = NotStoredResponse
		default:
			err = stackerr.Wrap(storeErr)
			return
		}
	}
	err = block.discard()
	if err != nil {
		return
	}
	clientErr, err = c.readSeparator()
	if err != nil || clientErr != nil {
		c.Cache.Remove(m.key)
		return
	}
	if noreply {
		err = c.Flush()
		return
	}
	err = c.sendResponse(response)
	return
}

func (c *conn) delete(fields [][]byte) (clientErr, err error) {
	const extraRequired = 0
	var key []byte
	var noreply bool
	key, _, noreply, clientErr = parseKeyFields(fields, extraRequired)
	if clientErr != nil {
		return
	}
	clientErr = checkKey(key)
	if clientErr != nil {
		return
	}

	deleted := c.Cache.Remove(string(key))

	if noreply {
		err = c.Flush()
		return
	}
	var response string
	if deleted {
		response = DeletedResponse
	} else {
		response = NotFoundResponse
	}
	err = c.sendResponse(response)
	return
}

func (c *conn) stats() error {
	stats := c.Cache.Snapshot()
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(c, "%s %s %v"+Separator, StatResponse, name, stats[name])
	}
	return c.sendResponse(EndResponse)
}

func (c *conn) serverError(err error) {
	c.log.Error("Server error: ", err)
	if unwrap(err) == io.ErrUnexpectedEOF {
		return
	}
	err = unwrap(err)
	c.sendResponse(fmt.Sprintf("%s %s", ServerErrorResponse, err))
}

func (c *conn) sendClientError(err error) error {
	c.log.Error("Client error: ", err)
	err = unwrap(err)
	return c.sendResponse(fmt.Sprintf("%s %s", ClientErrorResponse, err))
}

func (c *conn) sendResponse(res string) error {
	c.WriteString(res)
	c.WriteString(Separator)
	return c.Flush()
}

func (c *conn) Flush() error {
	return stackerr.Wrap(c.Writer.Flush())
}

func unwrap(err error) error {
	type hasUnderlying interface {
		Underlying() error
	}
	if eh, ok := err.(hasUnderlying); ok {
		return eh.Underlying()
	}
	return err
}
