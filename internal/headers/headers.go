// Package headers implements the hop-by-hop stripping and proxy-header
// injection rules of §4.5 step 1, grounded on
// original_source/motorx-core/src/handle/util.rs's add_proxy_headers and
// remove_hop_headers, and on the teacher's internal/proxy/headers.go for the
// equivalent Go helper shapes (copyHeader, schemeOf, singleJoiningSlash). It
// is a standalone leaf package, shared by internal/auth and internal/proxyhttp,
// so that internal/auth never needs to import internal/proxyhttp (which
// imports internal/auth for the auth gate).
package headers

import (
	"fmt"
	"net"
	"net/http"
)

// HopByHop lists headers that apply to a single transport hop and must never
// be forwarded (RFC 7230 §6.1).
var HopByHop = []string{
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
}

// connectionTokens are additionally stripped unless the request is an
// upgrade, in which case they must survive so the handshake succeeds (§4.5).
var connectionTokens = []string{"Connection", "Upgrade"}

// RemoveHopByHop deletes hop-by-hop headers in place. When upgrading is true,
// Connection and Upgrade are preserved.
func RemoveHopByHop(h http.Header, upgrading bool) {
	for _, k := range HopByHop {
		h.Del(k)
	}
	if !upgrading {
		for _, k := range connectionTokens {
			h.Del(k)
		}
	}
}

// AddProxyHeaders appends Forwarded and X-Forwarded-For, and replaces Host
// with the upstream's authority (§4.5 step 1, RFC 7239). req.Host is updated
// too since that is the field net/http actually serializes on the wire.
func AddProxyHeaders(req *http.Request, peerAddr, upstreamAuthority string) {
	scheme := SchemeOf(req)
	host := req.Header.Get("Host")
	if host == "" {
		host = req.Host
	}

	req.Header.Add("Forwarded", fmt.Sprintf("for=%s;host=%s;proto=%s", quoteForwardedFor(peerAddr), host, scheme))
	req.Header.Add("X-Forwarded-For", peerAddr)

	req.Header.Set("Host", upstreamAuthority)
	req.Host = upstreamAuthority
}

// SchemeOf reports the scheme the incoming request arrived over.
func SchemeOf(req *http.Request) string {
	if req.TLS != nil {
		return "https"
	}
	return "http"
}

// quoteForwardedFor formats a peer address per RFC 7239: IPv6 node
// identifiers must be quoted and bracketed.
func quoteForwardedFor(peerAddr string) string {
	host, _, err := net.SplitHostPort(peerAddr)
	if err != nil {
		return peerAddr
	}
	ip := net.ParseIP(host)
	if ip != nil && ip.To4() == nil {
		return fmt.Sprintf("%q", peerAddr)
	}
	return peerAddr
}

// CopyHeader appends every value of src into dst (used when buffering a
// response for both the client and the cache, §4.2/§4.5 step 3).
func CopyHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// SingleJoiningSlash joins a and b with exactly one slash between them,
// avoiding the doubled or missing separator a naive string concatenation
// produces.
func SingleJoiningSlash(a, b string) string {
	aSlash := len(a) > 0 && a[len(a)-1] == '/'
	bSlash := len(b) > 0 && b[0] == '/'
	switch {
	case aSlash && bSlash:
		return a + b[1:]
	case !aSlash && !bSlash && b != "":
		return a + "/" + b
	default:
		return a + b
	}
}
