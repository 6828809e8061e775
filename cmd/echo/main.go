// Command echo is a small test-fixture upstream used for manual runs and
// e2e exercises of motorx: it echoes the request body back, supports an
// artificial per-request delay for exercising single-flight coalescing
// (§4.2, §8), and counts hits per path so a caller can assert how many
// times it was actually invoked through the proxy. Adapted from the
// teacher's internal/upstream/server.go (listener setup with EADDRINUSE
// fallback, applog.WithRequestID/WithRequestLogging middleware chain,
// promhttp metrics endpoint) and
// original_source/motorx-core/src/e2e/utils.rs's TestUpstream /
// original_source/echo-server/src/main.rs's echo handler, trimmed of the
// teacher's in-memory CRUD demo routes (not spec-relevant).
package main

import (
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	applog "motorx/internal/log"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// hitCounter tracks how many times each path has been requested, so e2e
// tests can assert single-flight/cache coalescing actually happened.
type hitCounter struct {
	mu   sync.Mutex
	hits map[string]int64
}

func newHitCounter() *hitCounter { return &hitCounter{hits: make(map[string]int64)} }

func (h *hitCounter) record(path string) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hits[path]++
	return h.hits[path]
}

func (h *hitCounter) get(path string) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hits[path]
}

func main() {
	addr := ":8081"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}

	hits := newHitCounter()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// /hits/{path...} reports how many times a path has been requested,
	// for single-flight/cache assertions in e2e tests.
	mux.HandleFunc("/hits/", func(w http.ResponseWriter, r *http.Request) {
		target := "/" + r.URL.Path[len("/hits/"):]
		w.Write([]byte(strconv.FormatInt(hits.get(target), 10)))
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		n := hits.record(r.URL.Path)

		if delay := r.URL.Query().Get("delay_ms"); delay != "" {
			if ms, err := strconv.Atoi(delay); err == nil && ms > 0 {
				time.Sleep(time.Duration(ms) * time.Millisecond)
			}
		}

		w.Header().Set("X-Hit-Count", strconv.FormatInt(n, 10))
		if cc := r.URL.Query().Get("cache_control"); cc != "" {
			w.Header().Set("Cache-Control", cc)
		}

		status := http.StatusOK
		if s := r.URL.Query().Get("status"); s != "" {
			if code, err := strconv.Atoi(s); err == nil {
				status = code
			}
		}
		w.WriteHeader(status)
		io.Copy(w, r.Body)
	})

	listener, err := net.Listen("tcp", addr)
	if err != nil && errors.Is(err, syscall.EADDRINUSE) {
		fallback := addrWithPortZero(addr)
		log.Printf("address %q in use, retrying on %q", addr, fallback)
		listener, err = net.Listen("tcp", fallback)
	}
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("echo upstream listening on %s", listener.Addr().String())

	handler := applog.WithRequestID(applog.WithRequestLogging(mux))
	log.Fatal(http.Serve(listener, handler))
}

func addrWithPortZero(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return ":0"
	}
	return net.JoinHostPort(host, "0")
}
