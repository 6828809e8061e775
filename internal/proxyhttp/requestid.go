// Package proxyhttp implements the request handler pipeline of §4.5/§4.6:
// rule match, auth gate, single-flight cache, forwarding, and protocol
// upgrade splicing. Grounded on the teacher's internal/proxy/proxy.go
// ServeHTTP/serveUpstream structure and internal/proxy/requestId.go, adapted
// to motorx's rule/cache/pool/auth model instead of the teacher's
// balancer+queue+http.Transport pipeline (§4.5, §4.1-4.4).
package proxyhttp

import (
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

var requestCounter int64

// ensureRequestID sets X-Request-ID on req if missing and returns it.
func ensureRequestID(req *http.Request) string {
	id := strings.TrimSpace(req.Header.Get("X-Request-ID"))
	if id == "" {
		id = fmt.Sprintf("%d-%d", time.Now().UnixNano(), atomic.AddInt64(&requestCounter, 1))
		req.Header.Set("X-Request-ID", id)
	}
	return id
}
