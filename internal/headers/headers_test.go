package headers_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"motorx/internal/headers"
)

func TestRemoveHopByHop_StripsConnectionUnlessUpgrading(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "keep-alive")
	h.Set("Upgrade", "websocket")
	h.Set("Trailer", "X-Foo")
	h.Set("Proxy-Authorization", "secret")

	headers.RemoveHopByHop(h, false)
	if h.Get("Connection") != "" || h.Get("Upgrade") != "" || h.Get("Trailer") != "" || h.Get("Proxy-Authorization") != "" {
		t.Fatalf("expected all hop headers stripped, got %+v", h)
	}

	h2 := http.Header{}
	h2.Set("Connection", "upgrade")
	h2.Set("Upgrade", "websocket")
	h2.Set("Trailer", "X-Foo")
	headers.RemoveHopByHop(h2, true)
	if h2.Get("Connection") == "" || h2.Get("Upgrade") == "" {
		t.Fatalf("expected Connection/Upgrade preserved during upgrade, got %+v", h2)
	}
	if h2.Get("Trailer") != "" {
		t.Fatalf("expected Trailer stripped regardless of upgrade, got %+v", h2)
	}
}

func TestAddProxyHeaders_SetsHostAndForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/foo", nil)
	req.Header.Set("Host", "example.com")

	headers.AddProxyHeaders(req, "192.0.2.1:5555", "upstream.internal:9000")

	if req.Host != "upstream.internal:9000" {
		t.Fatalf("want rewritten Host, got %q", req.Host)
	}
	if req.Header.Get("X-Forwarded-For") != "192.0.2.1:5555" {
		t.Fatalf("want X-Forwarded-For set, got %q", req.Header.Get("X-Forwarded-For"))
	}
	fwd := req.Header.Get("Forwarded")
	if !strings.Contains(fwd, "for=192.0.2.1:5555") || !strings.Contains(fwd, "host=example.com") || !strings.Contains(fwd, "proto=http") {
		t.Fatalf("unexpected Forwarded header: %q", fwd)
	}
}

func TestAddProxyHeaders_QuotesIPv6Peer(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/foo", nil)
	headers.AddProxyHeaders(req, "[2001:db8::1]:443", "upstream.internal:9000")

	fwd := req.Header.Get("Forwarded")
	if !strings.Contains(fwd, `for="[2001:db8::1]:443"`) {
		t.Fatalf("expected quoted IPv6 peer, got %q", fwd)
	}
}

func TestSingleJoiningSlash(t *testing.T) {
	cases := []struct{ a, b, want string }{
		{"/service/", "/x", "/service/x"},
		{"/service", "x", "/service/x"},
		{"/service", "/x", "/service/x"},
		{"/service", "", "/service"},
	}
	for _, c := range cases {
		if got := headers.SingleJoiningSlash(c.a, c.b); got != c.want {
			t.Fatalf("SingleJoiningSlash(%q,%q) = %q, want %q", c.a, c.b, got, c.want)
		}
	}
}
