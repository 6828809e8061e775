// Package cache implements the per-rule, single-flight response cache
// described in §4.2. It is grounded on original_source/motorx-core/src/cache.rs's
// CacheEntry/Weak<broadcast::Sender<_>> design, translated into Go using the
// standard library's weak.Pointer (Go 1.24+) in place of Rust's Weak<Arc<_>>,
// and a close-a-channel broadcast in place of tokio::broadcast (a closed
// channel delivers its zero value to every receiver exactly once, which is
// all a single producer/many-waiter broadcast needs here).
//
// Note on the weak-pointer translation: Go's garbage collector is tracing,
// not reference-counted, so weak.Pointer.Value() only reports a producer as
// gone once a collection has actually run — "eventually consistent" rather
// than the instantaneous drop semantics of Rust's Arc. Tests that exercise
// producer abandonment force this with runtime.GC().
package cache

import (
	"net/http"
	"sync"
	"time"
	"weak"
)

// BufferedResponse is a fully-buffered response: status, header list and
// collected body bytes (§3). Cheap to clone since clones share the body
// bytes, which are never modified after buffering.
type BufferedResponse struct {
	StatusCode int
	Proto      string
	Header     http.Header
	Body       []byte
}

// Clone returns a copy whose header map is independent and safe to mutate
// (e.g. before writing to a client that might further adjust headers); the
// body bytes are shared with r and must not be modified.
func (r *BufferedResponse) Clone() *BufferedResponse {
	if r == nil {
		return nil
	}
	h := make(http.Header, len(r.Header))
	for k, v := range r.Header {
		h[k] = append([]string(nil), v...)
	}
	return &BufferedResponse{
		StatusCode: r.StatusCode,
		Proto:      r.Proto,
		Header:     h,
		Body:       r.Body,
	}
}

// broadcaster is the Go translation of the Rust broadcast::Sender a producer
// holds strongly and the cache entry holds weakly. Closing done delivers the
// result to every waiter that has already received a handle to it.
type broadcaster struct {
	done   chan struct{}
	result *BufferedResponse // nil means "none" (error/transport failure)
}

func newBroadcaster() *broadcaster { return &broadcaster{done: make(chan struct{})} }

func (b *broadcaster) publish(resp *BufferedResponse) {
	b.result = resp
	close(b.done)
}

// entry is one cache slot, keyed by request URI within a rule's map (§3).
type entry struct {
	mu       sync.Mutex
	cachedAt time.Time
	value    *BufferedResponse
	inflight weak.Pointer[broadcaster]
}

func (e *entry) fresh(maxAge time.Duration) *BufferedResponse {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.value == nil || time.Since(e.cachedAt) > maxAge {
		return nil
	}
	return e.value.Clone()
}

func (e *entry) liveInflight() *broadcaster {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inflight.Value()
}

// becomeProducer elects the caller as producer iff no live producer already
// exists; returns nil if another goroutine is (still) producing.
func (e *entry) becomeProducer() *broadcaster {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b := e.inflight.Value(); b != nil {
		return nil
	}
	b := newBroadcaster()
	e.inflight = weak.Make(b)
	return b
}

func (e *entry) commitSuccess(resp *BufferedResponse) {
	e.mu.Lock()
	e.cachedAt = time.Now()
	e.value = resp
	e.inflight = weak.Pointer[broadcaster]{}
	e.mu.Unlock()
}

func (e *entry) commitFailure() {
	e.mu.Lock()
	e.inflight = weak.Pointer[broadcaster]{}
	e.mu.Unlock()
}

// ruleCache is the many-reader-few-writer map for one cache-bearing rule (§4.2).
type ruleCache struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func (rc *ruleCache) entryFor(uri string) *entry {
	rc.mu.RLock()
	e, ok := rc.entries[uri]
	rc.mu.RUnlock()
	if ok {
		return e
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if e, ok := rc.entries[uri]; ok {
		return e
	}
	e = &entry{}
	rc.entries[uri] = e
	return e
}

// Cache is the two-level structure described in §4.2: per_rule[cache_index] → map<URI → entry>.
type Cache struct {
	rules []*ruleCache
}

// New allocates a cache with one slot per cache-bearing rule. ruleCount
// should be config.Config.CacheRuleCount().
func New(ruleCount int) *Cache {
	rules := make([]*ruleCache, ruleCount)
	for i := range rules {
		rules[i] = &ruleCache{entries: make(map[string]*entry)}
	}
	return &Cache{rules: rules}
}

// Result is the outcome of Acquire: exactly one of Response, Producer, or
// Bypass applies.
type Result struct {
	// Response is set when a fresh cached value or a coalesced producer's
	// success was obtained without the caller needing to do any work.
	Response *BufferedResponse
	// Producer is set when the caller has been elected producer and must
	// call Success or Fail exactly once.
	Producer *Producer
	// Bypass is true when a coalesced wait observed failure/closure: the
	// caller should serve this single request without touching the cache
	// (§4.2 single-flight protocol, step 3).
	Bypass bool
}

// Acquire implements the single-flight protocol of §4.2 for one (ruleIndex, uri).
func (c *Cache) Acquire(ruleIndex int, uri string, maxAge time.Duration) Result {
	e := c.rules[ruleIndex].entryFor(uri)

	if resp := e.fresh(maxAge); resp != nil {
		return Result{Response: resp}
	}
	if b := e.liveInflight(); b != nil {
		return await(b)
	}
	if b := e.becomeProducer(); b != nil {
		return Result{Producer: &Producer{entry: e, b: b}}
	}
	// Lost the race: another goroutine became producer between our checks.
	// becomeProducer's own mutex-guarded read is authoritative, so a
	// follow-up liveInflight is guaranteed to observe it unless the
	// producer has already completed and cleared the entry — in which case
	// we simply bypass this one request rather than loop.
	if b := e.liveInflight(); b != nil {
		return await(b)
	}
	return Result{Bypass: true}
}

func await(b *broadcaster) Result {
	<-b.done
	if b.result == nil {
		return Result{Bypass: true}
	}
	return Result{Response: b.result.Clone()}
}

// Producer is held by the single goroutine responsible for populating a
// cache entry (§4.2 steps 4-5).
type Producer struct {
	entry *entry
	b     *broadcaster
}

// Success stores resp and publishes it to subscribers. Per §4.2, only 2xx/3xx
// responses should reach Success; callers route 4xx/5xx and transport
// failures to Fail instead.
func (p *Producer) Success(resp *BufferedResponse) {
	p.entry.commitSuccess(resp)
	p.b.publish(resp.Clone())
}

// Fail publishes "none" to subscribers and clears inflight without touching
// any previously-cached value (a stale entry remains stale, §4.2 step 5).
func (p *Producer) Fail() {
	p.entry.commitFailure()
	p.b.publish(nil)
}
