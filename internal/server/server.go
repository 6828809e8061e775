// Package server implements the connection-accept loop of §4.6: a
// server-wide admission semaphore bounding concurrently open connections,
// and HTTP/1.1 and HTTP/2 serving over the same listener. No single teacher
// file owns an accept loop (the teacher calls bare http.ListenAndServe /
// ListenAndServeTLS in cmd/server/tls.go); the admission-semaphore shape is
// grounded on internal/proxy/queue.go's bounded-channel admission pattern,
// generalized here from per-request (WithQueue wraps an http.Handler) to
// per-connection (this wraps a net.Listener).
package server

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	imetrics "motorx/internal/metrics"
	"motorx/internal/pool"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Registry is a concrete Pools implementation (structurally satisfies both
// auth.Pools and proxyhttp.Pools) backed by a dense slice of per-upstream
// connection pools indexed the same way as config.Config.UpstreamOrder.
type Registry struct {
	pools []*pool.Pool
}

// NewRegistry builds one pool.Pool per entry in addrs/maxConns, indexed
// identically to config.Config.UpstreamOrder.
func NewRegistry(addrs []string, maxConns []int) *Registry {
	pools := make([]*pool.Pool, len(addrs))
	for i, addr := range addrs {
		pools[i] = pool.New(addr, maxConns[i])
	}
	return &Registry{pools: pools}
}

// PoolAt returns the pool assigned to upstreamIndex.
func (r *Registry) PoolAt(upstreamIndex int) *pool.Pool { return r.pools[upstreamIndex] }

// admissionListener wraps a net.Listener with a counting semaphore (§4.6,
// §5): Accept blocks until a permit is available, and the permit is tied to
// the accepted connection's lifetime, released on Close via the same
// sync.Once idiom internal/pool uses for lease permits.
type admissionListener struct {
	net.Listener
	sem chan struct{}
}

// newAdmissionListener pre-fills sem with maxConnections permits, mirroring
// internal/pool's dial-time semaphore and the teacher's WithQueue
// buffered-channel-as-limiter idiom.
func newAdmissionListener(inner net.Listener, maxConnections int) *admissionListener {
	sem := make(chan struct{}, maxConnections)
	for i := 0; i < maxConnections; i++ {
		sem <- struct{}{}
	}
	return &admissionListener{Listener: inner, sem: sem}
}

func (l *admissionListener) Accept() (net.Conn, error) {
	<-l.sem
	imetrics.AdmissionInUseSet(cap(l.sem) - len(l.sem))

	c, err := l.Listener.Accept()
	if err != nil {
		l.sem <- struct{}{}
		imetrics.AdmissionInUseSet(cap(l.sem) - len(l.sem))
		imetrics.AdmissionAcceptErrorInc()
		return nil, err
	}
	return &admissionConn{Conn: c, release: l.releaseFunc()}, nil
}

func (l *admissionListener) releaseFunc() func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.sem <- struct{}{}
			imetrics.AdmissionInUseSet(cap(l.sem) - len(l.sem))
		})
	}
}

// admissionConn releases its admission permit exactly once, on Close,
// regardless of how many times Close is called or whether the stdlib's
// http.Server or a hijacking handler (the upgrade splice path) calls it.
type admissionConn struct {
	net.Conn
	release func()
}

func (c *admissionConn) Close() error {
	defer c.release()
	return c.Conn.Close()
}

// Server owns the listener and the two HTTP serving modes required by §4.6:
// plaintext HTTP/1.1 with h2c (prior-knowledge HTTP/2 cleartext) upgrade
// support, or TLS with ALPN-negotiated HTTP/2. golang.org/x/net/http2 and
// h2c are the idiomatic way to add HTTP/2 to net/http without replacing it.
type Server struct {
	Addr           string
	Handler        http.Handler
	MaxConnections int
	TLSConfig      *tls.Config // nil for plaintext

	httpSrv *http.Server
}

// ListenAndServe accepts connections through the admission semaphore and
// serves HTTP/1.1 or HTTP/2 depending on TLSConfig. It blocks until the
// server stops, returning http.ErrServerClosed after a call to Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	admitted := newAdmissionListener(ln, s.MaxConnections)

	s.httpSrv = &http.Server{
		Handler:      s.handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // upgraded connections (§4.5 step 4) may stream indefinitely
	}

	if s.TLSConfig == nil {
		return s.httpSrv.Serve(admitted)
	}

	s.httpSrv.TLSConfig = s.TLSConfig.Clone()
	if err := http2.ConfigureServer(s.httpSrv, &http2.Server{}); err != nil {
		return err
	}
	return s.httpSrv.Serve(tls.NewListener(admitted, s.httpSrv.TLSConfig))
}

// Shutdown gracefully drains in-flight requests, bounded by ctx, the way
// the supplemented graceful-shutdown feature in cmd/motorx requires; neither
// the teacher nor original_source/motorx-core/src/lib.rs's Server has an
// equivalent, since both simply run until the process is killed.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// handler wraps Handler with h2c support when serving plaintext, so a
// client that knows in advance the server speaks HTTP/2 (prior knowledge)
// can use it without TLS.
func (s *Server) handler() http.Handler {
	if s.TLSConfig != nil {
		return s.Handler
	}
	return h2c.NewHandler(s.Handler, &http2.Server{})
}
