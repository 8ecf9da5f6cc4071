package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/SridarDhandapani/onvifd/soap"
)

// connState tracks where a connection is in its lifecycle.
type connState int32

const (
	stateReadingHeaders connState = iota
	stateReadingBody
	stateProcessing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateReadingHeaders:
		return "reading_headers"
	case stateReadingBody:
		return "reading_body"
	case stateProcessing:
		return "processing"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// maxKeepAliveRequests bounds how many requests one connection may serve
// before the server forces a close, so a single client cannot pin a
// connection slot forever.
const maxKeepAliveRequests = 100

// connBufSize is the initial per-connection read buffer. Requests that do
// not fit grow the buffer up to maxConnBuf, at which point the request is
// over the parse ceiling and gets rejected.
const connBufSize = 64 << 10

// maxConnBuf caps buffer growth: the largest accepted body plus headroom
// for the request line and headers.
const maxConnBuf = soap.MaxRequestSize + 8<<10

// bufPool recycles initial-size connection buffers; embedded targets cannot
// afford an allocation per request. Grown buffers are not pooled.
var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, connBufSize)
		return &b
	},
}

// conn is the per-socket state. The buffer is checked out of the pool on
// first read and returned exactly once on close. Exactly one goroutine may
// own a connection at a time: workers and the idle sweeper claim ownership
// through the busy flag before touching the buffer or closing the socket.
type conn struct {
	fd     int
	buf    *[]byte
	offset int
	served int

	busy         atomic.Bool
	state        atomic.Int32
	lastActivity atomic.Int64

	req rawRequest
}

func (c *conn) setState(s connState) { c.state.Store(int32(s)) }
func (c *conn) getState() connState  { return connState(c.state.Load()) }

// touch records activity for the idle sweeper.
func (c *conn) touch() { c.lastActivity.Store(time.Now().UnixNano()) }

// acquire claims exclusive ownership of the connection.
func (c *conn) acquire() bool { return c.busy.CompareAndSwap(false, true) }
func (c *conn) release()      { c.busy.Store(false) }

func (c *conn) ensureBuf() {
	if c.buf == nil {
		c.buf = bufPool.Get().(*[]byte)
		c.offset = 0
	}
}

// grow doubles the read buffer toward maxConnBuf for requests larger than
// the pooled size. Returns false once the ceiling is reached.
func (c *conn) grow() bool {
	cur := len(*c.buf)
	if cur >= maxConnBuf {
		return false
	}
	next := cur * 2
	if next > maxConnBuf {
		next = maxConnBuf
	}
	nb := make([]byte, next)
	copy(nb, (*c.buf)[:c.offset])
	c.releaseBuf()
	c.buf = &nb
	return true
}

// releaseBuf returns the buffer to the pool. Grown buffers are dropped so
// the pool only ever holds connBufSize slabs. Safe to call more than once.
func (c *conn) releaseBuf() {
	if c.buf != nil {
		if len(*c.buf) == connBufSize {
			bufPool.Put(c.buf)
		}
		c.buf = nil
		c.offset = 0
	}
}

// connTable tracks live connections by descriptor.
type connTable struct {
	mu    sync.Mutex
	conns map[int]*conn
	max   int
}

func newConnTable(max int) *connTable {
	return &connTable{conns: make(map[int]*conn), max: max}
}

// add registers a new connection, refusing past the configured cap.
func (t *connTable) add(fd int) (*conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) >= t.max {
		return nil, false
	}
	c := &conn{fd: fd}
	c.touch()
	t.conns[fd] = c
	return c, true
}

func (t *connTable) get(fd int) *conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[fd]
}

// remove drops the connection and returns its buffer to the pool. The
// caller must own the connection.
func (t *connTable) remove(fd int) {
	t.mu.Lock()
	c := t.conns[fd]
	delete(t.conns, fd)
	t.mu.Unlock()
	if c != nil {
		c.setState(stateClosed)
		c.releaseBuf()
	}
}

func (t *connTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// stale returns descriptors idle longer than the timeout, for the sweeper.
// Connections currently owned by a worker are never candidates.
func (t *connTable) stale(timeout time.Duration) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var fds []int
	cutoff := time.Now().Add(-timeout).UnixNano()
	for fd, c := range t.conns {
		if c.busy.Load() || c.getState() == stateProcessing {
			continue
		}
		if c.lastActivity.Load() < cutoff {
			fds = append(fds, fd)
		}
	}
	return fds
}
