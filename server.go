// Package slabcache is memcached text protocol server, that stores values
// in pooled fixed size buffers of direct buffer cache.
package slabcache

import (
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/skipor/slabcache/bufcache"
	"github.com/skipor/slabcache/log"
)

var ErrServerClosed = errors.New("slabcache: server closed")

// Cache is storage of server items.
type Cache interface {
	Get(key string) *bufcache.Entry
	Store(key string, size int, maxAge time.Duration, r io.Reader) error
	Remove(key string) bool
	Snapshot() map[string]int64
}

var _ Cache = (*bufcache.Cache)(nil)

type Config struct {
	Addr           string
	LogDestination io.Writer
	LogLevel       log.Level
	Cache          bufcache.Config
	MaxItemSize    int64
	// Mmap makes cache allocate memory regions out of Go heap.
	Mmap bool
}

type Server struct {
	Addr string
	ConnMeta
	Log log.Logger

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
	active    sync.WaitGroup
	closed    bool
}

// ConnMeta is data shared between connections.
type ConnMeta struct {
	Cache       Cache
	MaxItemSize int
	// Now is time source for item expiration. time.Now by default.
	Now func() time.Time
}

func (s *Server) ListenAndServe() error {
	if s.Addr == "" {
		s.Addr = ":11211"
	}
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

func (s *Server) Serve(l net.Listener) error {
	s.init()
	if !s.trackListener(l, true) {
		l.Close()
		return ErrServerClosed
	}
	defer s.trackListener(l, false)
	var tempDelay time.Duration // How long to sleep on accept failure.
	for {
		c, err := l.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			if ne, ok := err.(net.Error); !(ok && ne.Temporary()) {
				return err
			}
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if max := 1 * time.Second; tempDelay > max {
				tempDelay = max
			}
			s.Log.Errorf("slabcache: Accept error: %v; retrying in %v", err, tempDelay)
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0
		if !s.trackConn(c, true) {
			c.Close()
			return ErrServerClosed
		}
		go func() {
			defer s.trackConn(c, false)
			s.newConn(c).serve()
		}()
	}
}

// Close closes all listeners and active connections, and waits until
// connections are finished. Cache is not used by server after Close returns.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	var err error
	for l := range s.listeners {
		if cerr := l.Close(); cerr != nil && err == nil {
			err = cerr
		}
		delete(s.listeners, l)
	}
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	s.active.Wait()
	return err
}

func (s *Server) trackListener(l net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listeners == nil {
		s.listeners = map[net.Listener]struct{}{}
	}
	if add {
		if s.closed {
			return false
		}
		s.listeners[l] = struct{}{}
	} else {
		delete(s.listeners, l)
	}
	return true
}

func (s *Server) trackConn(c net.Conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		s.conns = map[net.Conn]struct{}{}
	}
	if add {
		if s.closed {
			return false
		}
		s.conns[c] = struct{}{}
		s.active.Add(1)
	} else {
		delete(s.conns, c)
		s.active.Done()
	}
	return true
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) newConn(c net.Conn) *conn {
	l := s.Log.WithFields(log.Fields{"conn": uuid.NewString(), "remote": c.RemoteAddr().String()})
	return newConn(l, &s.ConnMeta, c)
}

func (s *Server) init() {
	if s.Log == nil {
		s.Log = log.NewLogger(log.ErrorLevel, os.Stderr)
	}
	if s.Cache == nil {
		s.Log.Panic("Server cache is not set.")
	}
	s.ConnMeta.init()
}

func (m *ConnMeta) init() {
	if m.MaxItemSize == 0 {
		m.MaxItemSize = DefaultMaxItemSize
	}
	if m.Now == nil {
		m.Now = time.Now
	}
}

func (m *ConnMeta) now() time.Time { return m.Now() }
