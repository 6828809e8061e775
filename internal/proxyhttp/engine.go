package proxyhttp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"motorx/internal/auth"
	"motorx/internal/cache"
	"motorx/internal/config"
	"motorx/internal/headers"
	applog "motorx/internal/log"
	imetrics "motorx/internal/metrics"
	"motorx/internal/pool"
)

// Pools resolves a dense upstream index to its connection pool (§4.3, §4.1).
type Pools interface {
	PoolAt(upstreamIndex int) *pool.Pool
}

// Engine is the request handler pipeline of §4.5/§4.6: rule lookup, auth
// gate, single-flight cache, forward, optional protocol-upgrade splice.
// Grounded on the teacher's ReverseProxy.ServeHTTP/serveUpstream split
// (internal/proxy/proxy.go), generalized from balancer+http.Transport to
// motorx's rule/cache/pool/auth model.
type Engine struct {
	Config *config.Config
	Cache  *cache.Cache
	Auth   *auth.Gate
	Pools  Pools
}

// ServeHTTP implements handle_req (§4.5, first half of the data flow in §2).
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ensureRequestID(r)

	for _, rule := range e.Config.Rules {
		if rule.Matches(r.URL.Path, func(name string) (string, bool) {
			if v := r.Header.Get(name); v != "" {
				return v, true
			}
			return "", false
		}) {
			e.handleMatch(w, r, rule, start)
			return
		}
	}

	applog.LogProxyError(http.StatusNotFound, "BYPASS", "", r, fmt.Errorf("no matching rule"))
	imetrics.ObserveProxyResponse(r.Method, http.StatusNotFound, "BYPASS", time.Since(start))
	w.WriteHeader(http.StatusNotFound)
}

// handleMatch implements handle_match (§4.5).
func (e *Engine) handleMatch(w http.ResponseWriter, r *http.Request, rule *config.Rule, start time.Time) {
	if r.Method == http.MethodConnect {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	peerAddr := r.RemoteAddr
	upstream := e.Config.UpstreamAt(rule.UpstreamIndex)

	if reject, err := e.Auth.Check(r.Context(), r, peerAddr, rule.UpstreamIndex); err != nil {
		imetrics.AuthOutcomeInc("error")
		applog.LogProxyError(http.StatusBadGateway, "BYPASS", upstream.Address, r, err)
		imetrics.ObserveProxyResponse(r.Method, http.StatusBadGateway, "BYPASS", time.Since(start))
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	} else if reject != nil {
		imetrics.AuthOutcomeInc("reject")
		forwardVerbatim(w, reject)
		imetrics.ObserveProxyResponse(r.Method, reject.StatusCode, "BYPASS", time.Since(start))
		return
	}
	imetrics.AuthOutcomeInc("pass")

	upgrading := isUpgradeRequest(r)

	var producer *cache.Producer
	cacheKey := ""
	if rule.Cache != nil && rule.Cache.AllowsMethod(r.Method) && !upgrading {
		cacheKey = r.URL.RequestURI()
		result := e.Cache.Acquire(rule.CacheIndex, cacheKey, rule.Cache.MaxAge)
		if result.Response != nil {
			imetrics.CacheOutcomeInc("fresh")
			applog.LogProxyRequestCacheHit(r)
			writeBuffered(w, result.Response)
			applog.LogProxyResponseCacheHit(result.Response.StatusCode, len(result.Response.Body), time.Since(start), result.Response.Header, r, w, false, "")
			imetrics.ObserveProxyResponse(r.Method, result.Response.StatusCode, "HIT", time.Since(start))
			return
		}
		if result.Producer != nil {
			producer = result.Producer
		}
		// result.Bypass: fall through, forward without touching the cache.
	}

	applog.LogProxyRequest(r)

	outReq := r.Clone(r.Context())
	outReq.URL.Path = rule.RewritePath(r.URL.Path)
	outReq.RequestURI = ""
	headers.AddProxyHeaders(outReq, peerAddr, upstream.Address)
	headers.RemoveHopByHop(outReq.Header, upgrading)

	upstreamStart := time.Now()
	imetrics.IncProxyUpstreamInflight(upstream.Address)
	resp, lease, err := e.forward(r.Context(), rule, outReq)
	imetrics.DecProxyUpstreamInflight(upstream.Address)
	if err != nil {
		if producer != nil {
			imetrics.CacheOutcomeInc("produced_error")
			producer.Fail()
		}
		applog.LogProxyError(http.StatusBadGateway, cacheLabel(cacheKey, false), upstream.Address, r, err)
		imetrics.ObserveProxyResponse(r.Method, http.StatusBadGateway, cacheLabel(cacheKey, false), time.Since(start))
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	if upgrading && resp.StatusCode == http.StatusSwitchingProtocols {
		e.handleUpgrade(w, resp, lease)
		imetrics.ObserveProxyUpstreamResponse(upstream.Address, r.Method, resp.StatusCode, time.Since(upstreamStart))
		imetrics.ObserveProxyResponse(r.Method, resp.StatusCode, "BYPASS", time.Since(start))
		return
	}

	headers.RemoveHopByHop(resp.Header, false)
	imetrics.ObserveProxyUpstreamResponse(upstream.Address, r.Method, resp.StatusCode, time.Since(upstreamStart))

	if producer != nil {
		limit := int64(rule.Cache.MaxBodyBytes)
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, limit+1))
		if readErr != nil {
			resp.Body.Close()
			lease.Release()
			producer.Fail()
			applog.LogProxyError(http.StatusBadGateway, "MISS", upstream.Address, r, readErr)
			imetrics.ObserveProxyResponse(r.Method, http.StatusBadGateway, "MISS", time.Since(start))
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}

		if int64(len(body)) > limit {
			// Body exceeds the cache bound: forward the full response to the
			// client but skip the cache store (SPEC_FULL open-question #2).
			imetrics.CacheOutcomeInc("oversize")
			producer.Fail()
			headers.CopyHeader(w.Header(), resp.Header)
			w.WriteHeader(resp.StatusCode)
			w.Write(body)
			rest, _ := io.Copy(w, resp.Body)
			resp.Body.Close()
			lease.Release()
			applog.LogProxyResponseCacheHit(resp.StatusCode, len(body)+int(rest), time.Since(start), resp.Header, r, w, false, "")
			imetrics.ObserveProxyResponse(r.Method, resp.StatusCode, "MISS", time.Since(start))
			return
		}

		resp.Body.Close()
		lease.Release()
		buffered := &cache.BufferedResponse{StatusCode: resp.StatusCode, Proto: resp.Proto, Header: resp.Header.Clone(), Body: body}
		writeBuffered(w, buffered)
		if resp.StatusCode >= 400 {
			imetrics.CacheOutcomeInc("produced_error")
			producer.Fail()
		} else {
			imetrics.CacheOutcomeInc("produced")
			producer.Success(buffered)
		}
		applog.LogProxyResponseCacheHit(resp.StatusCode, len(body), time.Since(start), resp.Header, r, w, false, "")
		imetrics.ObserveProxyResponse(r.Method, resp.StatusCode, "MISS", time.Since(start))
		return
	}

	headers.CopyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	written, _ := io.Copy(w, resp.Body)
	resp.Body.Close()
	lease.Release()
	applog.LogProxyResponseCacheHit(resp.StatusCode, int(written), time.Since(start), resp.Header, r, w, false, "")
	imetrics.ObserveProxyResponse(r.Method, resp.StatusCode, "BYPASS", time.Since(start))
}

func cacheLabel(cacheKey string, hit bool) string {
	if cacheKey == "" {
		return "BYPASS"
	}
	if hit {
		return "HIT"
	}
	return "MISS"
}

// forward leases a connection and performs one request/response round trip.
// The pool is retried once on a lease/dial failure (§4.5 step 2); a failure
// once a connection is successfully leased is not retried, since the
// incoming request body may already be partially consumed.
func (e *Engine) forward(ctx context.Context, rule *config.Rule, outReq *http.Request) (*http.Response, *pool.Lease, error) {
	p := e.Pools.PoolAt(rule.UpstreamIndex)

	var lease *pool.Lease
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		lease, err = p.Lease(ctx)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, nil, err
	}

	resp, err := lease.RoundTrip(outReq)
	if err != nil {
		lease.Discard()
		return nil, nil, err
	}
	return resp, lease, nil
}

func writeBuffered(w http.ResponseWriter, resp *cache.BufferedResponse) {
	headers.CopyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

func forwardVerbatim(w http.ResponseWriter, resp *http.Response) {
	headers.CopyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
	resp.Body.Close()
}

func isUpgradeRequest(r *http.Request) bool {
	return r.Header.Get("Upgrade") != "" && headerContainsToken(r.Header.Get("Connection"), "upgrade")
}

func headerContainsToken(value, token string) bool {
	for _, part := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// handleUpgrade implements §4.5 step 4: hijack the client connection, write
// the upstream's 101 response line manually (resp.Body must not be touched —
// it aliases the same buffered reader used for splicing), then splice both
// directions until either side closes. Grounded on
// original_source/motorx-core/src/handle/upgrade.rs's spawned
// copy_bidirectional task.
func (e *Engine) handleUpgrade(w http.ResponseWriter, resp *http.Response, lease *pool.Lease) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		lease.Discard()
		http.Error(w, "upgrade not supported", http.StatusInternalServerError)
		return
	}
	clientConn, clientRW, err := hj.Hijack()
	if err != nil {
		lease.Discard()
		return
	}

	if err := writeUpgradeStatusLine(clientRW.Writer, resp); err != nil || clientRW.Writer.Flush() != nil {
		clientConn.Close()
		lease.Discard()
		return
	}

	upstreamConn, upstreamReader, releaseUpstream := lease.HijackRaw()

	imetrics.UpgradeSpliceStarted()
	go func() {
		outcome := "ok"
		defer func() { imetrics.UpgradeSpliceEnded(outcome) }()
		defer clientConn.Close()
		defer releaseUpstream()
		if err := splice(clientConn, clientRW.Reader, upstreamConn, upstreamReader); err != nil {
			outcome = "error"
		}
	}()
}

func writeUpgradeStatusLine(w *bufio.Writer, resp *http.Response) error {
	if _, err := fmt.Fprintf(w, "%s %d %s\r\n", resp.Proto, resp.StatusCode, http.StatusText(resp.StatusCode)); err != nil {
		return err
	}
	if err := resp.Header.Write(w); err != nil {
		return err
	}
	_, err := w.WriteString("\r\n")
	return err
}

// splice copies bytes bidirectionally until either side closes, replacing
// tokio::io::copy_bidirectional (§4.5 step 4, §8 round-trip property). When
// one direction ends, both connections are closed so the other copy stops
// too; the returned error is that of the direction that ended first.
func splice(clientConn net.Conn, clientReader *bufio.Reader, upstreamConn net.Conn, upstreamReader *bufio.Reader) error {
	var wg sync.WaitGroup
	var firstErr error
	var once sync.Once
	finish := func(err error) {
		once.Do(func() {
			firstErr = err
			clientConn.Close()
			upstreamConn.Close()
		})
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := io.Copy(upstreamConn, clientReader)
		finish(err)
	}()
	go func() {
		defer wg.Done()
		_, err := io.Copy(clientConn, upstreamReader)
		finish(err)
	}()
	wg.Wait()
	return firstErr
}
