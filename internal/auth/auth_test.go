package auth_test

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"motorx/internal/auth"
	"motorx/internal/config"
	"motorx/internal/pool"
)

// fixedUpstream answers every request on path with status/body, and records
// the last request it saw.
func fixedUpstream(t *testing.T, status int, body string) (addr string, lastPath *string, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var seen string
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				br := bufio.NewReader(c)
				for {
					req, err := http.ReadRequest(br)
					if err != nil {
						return
					}
					seen = req.URL.Path
					io.Copy(io.Discard, req.Body)
					req.Body.Close()
					resp := &http.Response{
						StatusCode: status,
						Proto:      "HTTP/1.1",
						ProtoMajor: 1,
						ProtoMinor: 1,
						Header:     http.Header{"Content-Length": {itoa(len(body))}},
						Body:       io.NopCloser(newStringReader(body)),
					}
					resp.Write(c)
				}
			}(c)
		}
	}()
	return ln.Addr().String(), &seen, func() { ln.Close() }
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

type stringReader struct {
	s   string
	pos int
}

func newStringReader(s string) *stringReader { return &stringReader{s: s} }

func (r *stringReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.s) {
		return 0, io.EOF
	}
	n := copy(p, r.s[r.pos:])
	r.pos += n
	return n, nil
}

type poolRegistry struct{ pools []*pool.Pool }

func (r *poolRegistry) PoolAt(i int) *pool.Pool { return r.pools[i] }

func TestGate_Check_PassesOnAuthSuccess(t *testing.T) {
	authAddr, authPath, closeAuth := fixedUpstream(t, 200, "")
	defer closeAuth()

	cfg := &config.Config{
		Upstreams: map[string]*config.Upstream{
			"a": {
				Address: authAddr,
				Auth:    &config.Authentication{Source: config.PathSource{Kind: config.SourceSamePath, Path: "/auth"}},
			},
		},
		UpstreamOrder: []string{"a"},
	}

	reg := &poolRegistry{pools: []*pool.Pool{pool.New(authAddr, 2)}}
	g := &auth.Gate{Config: cfg, Pools: reg}

	req := httptest.NewRequest(http.MethodGet, "http://client/whatever", nil)
	reject, err := g.Check(context.Background(), req, "10.0.0.1:1111", 0)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if reject != nil {
		t.Fatalf("expected nil reject on 2xx auth response, got %+v", reject)
	}
	if *authPath != "/auth" {
		t.Fatalf("want auth sub-request to /auth, got %q", *authPath)
	}
}

func TestGate_Check_RejectsVerbatimOnAuthFailure(t *testing.T) {
	authAddr, _, closeAuth := fixedUpstream(t, 403, "nope")
	defer closeAuth()

	cfg := &config.Config{
		Upstreams: map[string]*config.Upstream{
			"a": {
				Address: authAddr,
				Auth:    &config.Authentication{Source: config.PathSource{Kind: config.SourceSamePath, Path: "/auth"}},
			},
		},
		UpstreamOrder: []string{"a"},
	}
	reg := &poolRegistry{pools: []*pool.Pool{pool.New(authAddr, 2)}}
	g := &auth.Gate{Config: cfg, Pools: reg}

	req := httptest.NewRequest(http.MethodGet, "http://client/whatever", nil)
	reject, err := g.Check(context.Background(), req, "10.0.0.1:1111", 0)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if reject == nil || reject.StatusCode != 403 {
		t.Fatalf("expected 403 reject, got %+v", reject)
	}
	body, _ := io.ReadAll(reject.Body)
	if string(body) != "nope" {
		t.Fatalf("want body %q, got %q", "nope", body)
	}
}

// The connection leased for a rejected auth sub-request must not reach the
// idle queue until the caller closes the response body: releasing earlier
// would let a concurrent Lease interleave reads on the same bufio.Reader
// (§4.4, §8.6).
func TestGate_Check_RejectDoesNotReleaseConnectionUntilBodyClosed(t *testing.T) {
	authAddr, _, closeAuth := fixedUpstream(t, 403, "nope")
	defer closeAuth()

	cfg := &config.Config{
		Upstreams: map[string]*config.Upstream{
			"a": {
				Address: authAddr,
				Auth:    &config.Authentication{Source: config.PathSource{Kind: config.SourceSamePath, Path: "/auth"}},
			},
		},
		UpstreamOrder: []string{"a"},
	}
	p := pool.New(authAddr, 1)
	reg := &poolRegistry{pools: []*pool.Pool{p}}
	g := &auth.Gate{Config: cfg, Pools: reg}

	req := httptest.NewRequest(http.MethodGet, "http://client/whatever", nil)
	reject, err := g.Check(context.Background(), req, "10.0.0.1:1111", 0)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if reject == nil || reject.StatusCode != 403 {
		t.Fatalf("expected 403 reject, got %+v", reject)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Lease(ctx); err == nil {
		t.Fatal("expected lease to block: the auth connection's permit must still be held")
	}

	io.ReadAll(reject.Body)
	if err := reject.Body.Close(); err != nil {
		t.Fatalf("close reject body: %v", err)
	}

	l2, err := p.Lease(context.Background())
	if err != nil {
		t.Fatalf("lease after closing reject body: %v", err)
	}
	l2.Release()
}

func TestGate_Check_SkipsWhenPathExcluded(t *testing.T) {
	authAddr, authPath, closeAuth := fixedUpstream(t, 403, "nope")
	defer closeAuth()

	cfg := &config.Config{
		Upstreams: map[string]*config.Upstream{
			"a": {
				Address: authAddr,
				Auth: &config.Authentication{
					Exclude: []config.PathWithWildcard{mustWildcard(t, "/public/*")},
					Source:  config.PathSource{Kind: config.SourceSamePath, Path: "/auth"},
				},
			},
		},
		UpstreamOrder: []string{"a"},
	}
	reg := &poolRegistry{pools: []*pool.Pool{pool.New(authAddr, 2)}}
	g := &auth.Gate{Config: cfg, Pools: reg}

	req := httptest.NewRequest(http.MethodGet, "http://client/public/anything", nil)
	reject, err := g.Check(context.Background(), req, "10.0.0.1:1111", 0)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if reject != nil {
		t.Fatalf("expected excluded path to skip auth, got reject %+v", reject)
	}
	if *authPath == "/auth" {
		t.Fatal("auth endpoint should not have been called")
	}
}

func mustWildcard(t *testing.T, raw string) config.PathWithWildcard {
	t.Helper()
	w, err := config.NewPathWithWildcard(raw)
	if err != nil {
		t.Fatalf("NewPathWithWildcard: %v", err)
	}
	return w
}
