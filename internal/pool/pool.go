// Package pool implements the bounded per-upstream connection pool of §4.3.
// It is grounded on original_source/motorx-core/src/conn_pool.rs (biased
// idle/semaphore race, permit tied to connection lifetime) and reuses the
// teacher's bounded-channel-as-semaphore idiom from internal/proxy/queue.go
// (a pre-filled buffered chan struct{} instead of golang.org/x/sync/semaphore,
// which is not part of the teacher's or the pack's dependency stack).
//
// Unlike the Rust original's hyper client, this pool does not spawn a
// separate "driver task" to pump connection framing: a manual bufio-based
// HTTP/1.1 client performs its request write and response read synchronously
// on the leaseholder goroutine, so there is no independent IO loop to drive.
// The permit-tied-to-connection-lifetime invariant is instead enforced with
// a sync.Once release bound to connection teardown (dial failure, I/O error,
// or explicit discard), which has the same effect: a dead connection never
// holds a permit past its own lifetime, and returning a lease to the idle
// queue never releases one.
package pool

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"motorx/internal/metrics"
	"motorx/internal/perr"
)

// DialTimeout bounds how long dialing and the (trivial, no-handshake-body)
// HTTP/1.1 setup may take before counting as a transport error.
const DialTimeout = 5 * time.Second

// conn is one pooled, persistent client connection.
type conn struct {
	nc net.Conn
	br *bufio.Reader
	bw *bufio.Writer

	releaseOnce sync.Once
	release     func()
}

// ready performs the readiness check of §4.3 step 2: a read attempt with a
// short deadline distinguishes "closed" (io.EOF) from "open but idle"
// (timeout). The deadline must lie in the future: with an already-expired
// deadline net.Conn reports a timeout without reading at all.
func (c *conn) ready() bool {
	_ = c.nc.SetReadDeadline(time.Now().Add(time.Millisecond))
	_, err := c.br.Peek(1)
	_ = c.nc.SetReadDeadline(time.Time{})
	if err == nil {
		return true // unexpected buffered bytes; connection is alive
	}
	if errors.Is(err, io.EOF) {
		return false
	}
	return true // timeout or other transient error: still open
}

func (c *conn) discard() {
	_ = c.nc.Close()
	c.releaseOnce.Do(c.release)
}

// Pool is a bounded lease/return pool of keep-alive connections to one
// upstream authority (§3 ConnectionPool, §4.3).
type Pool struct {
	authority string
	sem       chan struct{}
	idle      chan *conn

	mu     sync.Mutex
	open   int // connections currently alive (leased + idle), for metrics only
}

// New creates a pool bounded at maxConnections for the given upstream authority.
func New(authority string, maxConnections int) *Pool {
	sem := make(chan struct{}, maxConnections)
	for i := 0; i < maxConnections; i++ {
		sem <- struct{}{}
	}
	return &Pool{
		authority: authority,
		sem:       sem,
		idle:      make(chan *conn, maxConnections),
	}
}

func (p *Pool) dial() (*conn, error) {
	nc, err := net.DialTimeout("tcp", p.authority, DialTimeout)
	if err != nil {
		metrics.PoolDialInc(p.authority, "error")
		return nil, err
	}
	metrics.PoolDialInc(p.authority, "ok")
	p.mu.Lock()
	p.open++
	metrics.PoolLeasedSet(p.authority, p.open)
	p.mu.Unlock()

	c := &conn{nc: nc, br: bufio.NewReader(nc), bw: bufio.NewWriter(nc)}
	c.release = func() {
		p.sem <- struct{}{}
		p.mu.Lock()
		p.open--
		metrics.PoolLeasedSet(p.authority, p.open)
		p.mu.Unlock()
	}
	return c, nil
}

// Lease acquires one usable connection, dialing a new one only when no idle
// connection is available and a semaphore permit can be taken (§4.3 step 1).
func (p *Pool) Lease(ctx context.Context) (*Lease, error) {
	for {
		select {
		case c := <-p.idle:
			metrics.PoolIdleSet(p.authority, len(p.idle))
			if !c.ready() {
				c.discard()
				continue
			}
			return &Lease{pool: p, c: c}, nil
		default:
		}

		select {
		case c := <-p.idle:
			metrics.PoolIdleSet(p.authority, len(p.idle))
			if !c.ready() {
				c.discard()
				continue
			}
			return &Lease{pool: p, c: c}, nil
		case <-p.sem:
			c, err := p.dial()
			if err != nil {
				p.sem <- struct{}{} // no connection was created; return the unused permit
				return nil, &perr.TransportError{Upstream: p.authority, Err: err}
			}
			return &Lease{pool: p, c: c}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Lease is an owned handle to one pool connection (§3 ConnectionLease).
type Lease struct {
	pool *Pool
	c    *conn
	done bool
}

// RoundTrip writes req and reads its response over the leased connection,
// preserving whatever header casing req.Header already carries (Go's
// net/http does not expose raw wire casing the way hyper's
// http1_title_case_headers does; this is the documented limit of the
// translation, see DESIGN.md).
func (l *Lease) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := req.Write(l.c.bw); err != nil {
		return nil, &perr.ProtocolError{Upstream: l.pool.authority, Err: err}
	}
	if err := l.c.bw.Flush(); err != nil {
		return nil, &perr.ProtocolError{Upstream: l.pool.authority, Err: err}
	}
	resp, err := http.ReadResponse(l.c.br, req)
	if err != nil {
		return nil, &perr.ProtocolError{Upstream: l.pool.authority, Err: err}
	}
	return resp, nil
}

// HijackRaw exposes the underlying connection for protocol-upgrade splicing
// (§4.5 step 4), along with a teardown func that closes the connection and
// returns its permit to the pool exactly once. The lease must not be
// Released or Discarded afterward; the caller must invoke the returned func
// when it is done with the connection (e.g. when the splice goroutine
// exits), or the permit leaks and the pool eventually wedges (§4.3).
func (l *Lease) HijackRaw() (net.Conn, *bufio.Reader, func()) {
	l.done = true
	return l.c.nc, l.c.br, l.c.discard
}

// Release returns the connection to the idle queue if it is still usable,
// otherwise discards it (§4.3, Lease destruction).
func (l *Lease) Release() {
	if l.done {
		return
	}
	l.done = true
	if !l.c.ready() {
		l.c.discard()
		return
	}
	select {
	case l.pool.idle <- l.c:
		metrics.PoolIdleSet(l.pool.authority, len(l.pool.idle))
	default:
		// Idle queue is at capacity (should not happen: capacity equals the
		// permit count), drop rather than block.
		l.c.discard()
	}
}

// Discard releases the connection's permit without returning it to the idle
// queue, for use after an I/O error the caller has already observed.
func (l *Lease) Discard() {
	if l.done {
		return
	}
	l.done = true
	l.c.discard()
}
