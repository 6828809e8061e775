// Package auth implements the authentication sub-request of §4.4, grounded
// on original_source/motorx-core/src/handle/mod.rs's auth branch (the auth
// sub-request is dispatched before handle_match runs) and on
// original_source/motorx-core/src/config/authentication.rs for the
// exclude/source data shapes, which config.Authentication already models.
package auth

import (
	"context"
	"io"
	"net/http"

	"motorx/internal/config"
	"motorx/internal/headers"
	"motorx/internal/pool"
)

// Pools resolves a dense upstream index to its connection pool; the caller
// (internal/server, at startup) owns the concrete registry.
type Pools interface {
	PoolAt(upstreamIndex int) *pool.Pool
}

// Gate holds the shared config needed to authenticate requests against
// upstream auth endpoints.
type Gate struct {
	Config *config.Config
	Pools  Pools
}

// Check runs the §4.4 protocol for the upstream assigned to upstreamIndex.
// It returns (nil, nil) when authentication is not configured, the path is
// excluded, or the auth endpoint answered 2xx ("proceed"). It returns a
// non-nil *http.Response when the auth endpoint rejected the request: that
// response must be forwarded to the client verbatim instead of invoking the
// main handler.
func (g *Gate) Check(ctx context.Context, req *http.Request, peerAddr string, upstreamIndex int) (*http.Response, error) {
	up := g.Config.UpstreamAt(upstreamIndex)
	if up == nil || up.Auth == nil {
		return nil, nil
	}
	if up.Auth.Excluded(req.URL.Path) {
		return nil, nil
	}

	targetIndex := upstreamIndex
	path := up.Auth.Source.Path
	if up.Auth.Source.Kind == config.SourceNamedUpstream {
		targetIndex = up.Auth.Source.ResolvedIndex
	}
	target := g.Config.UpstreamAt(targetIndex)

	sub := buildSubRequest(req, path)
	headers.AddProxyHeaders(sub, peerAddr, target.Address)
	headers.RemoveHopByHop(sub.Header, false)

	p := g.Pools.PoolAt(targetIndex)
	lease, err := p.Lease(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := lease.RoundTrip(sub)
	if err != nil {
		lease.Discard()
		return nil, err // already a *perr.ProtocolError from RoundTrip
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		// Drain and discard before releasing: resp.Body aliases the pooled
		// connection's bufio.Reader, so the lease must not reach the idle
		// queue until the body is fully consumed (§4.4, §8.6), or a
		// concurrent Lease could interleave reads on the same reader.
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lease.Release()
		return nil, nil
	}

	// Rejected: resp is forwarded to the caller verbatim and its body read
	// there. Defer the release until that read completes by wrapping Body's
	// Close, rather than releasing now while the body is still unread.
	resp.Body = &releaseOnClose{ReadCloser: resp.Body, lease: lease}
	return resp, nil
}

// releaseOnClose returns the lease to the pool only once the wrapped body
// has been closed by its eventual reader (engine.go's forwardVerbatim),
// never before the connection's bufio.Reader has been fully drained.
type releaseOnClose struct {
	io.ReadCloser
	lease *pool.Lease
}

func (r *releaseOnClose) Close() error {
	err := r.ReadCloser.Close()
	r.lease.Release()
	return err
}

// buildSubRequest constructs the stripped copy described in §4.4: same
// method, proto, and headers, empty body, URI replaced by path.
func buildSubRequest(orig *http.Request, path string) *http.Request {
	sub := orig.Clone(orig.Context())
	sub.Body = http.NoBody
	sub.ContentLength = 0
	sub.TransferEncoding = nil

	u := *orig.URL
	u.Path = path
	u.RawQuery = ""
	sub.URL = &u
	sub.RequestURI = ""

	return sub
}
