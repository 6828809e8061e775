package cache_test

import (
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"motorx/internal/cache"
)

func resp(body string) *cache.BufferedResponse {
	return &cache.BufferedResponse{StatusCode: 200, Proto: "HTTP/1.1", Header: http.Header{}, Body: []byte(body)}
}

func TestAcquire_FreshHit(t *testing.T) {
	c := cache.New(1)
	out := c.Acquire(0, "/x", time.Minute)
	if out.Producer == nil {
		t.Fatal("expected to become producer on first acquire")
	}
	out.Producer.Success(resp("hello"))

	out2 := c.Acquire(0, "/x", time.Minute)
	if out2.Response == nil || string(out2.Response.Body) != "hello" {
		t.Fatalf("expected fresh hit, got %+v", out2)
	}
}

func TestAcquire_ExpiresAfterMaxAge(t *testing.T) {
	c := cache.New(1)
	out := c.Acquire(0, "/x", 50*time.Millisecond)
	out.Producer.Success(resp("v1"))

	time.Sleep(100 * time.Millisecond)

	out2 := c.Acquire(0, "/x", 50*time.Millisecond)
	if out2.Producer == nil {
		t.Fatalf("expected stale entry to re-elect a producer, got %+v", out2)
	}
}

func TestAcquire_SingleFlightCoalescesConcurrentProducers(t *testing.T) {
	c := cache.New(1)
	const n = 50

	var producers int64
	var wg sync.WaitGroup
	results := make([]*cache.BufferedResponse, n)

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			out := c.Acquire(0, "/x", time.Minute)
			if out.Producer != nil {
				atomic.AddInt64(&producers, 1)
				time.Sleep(50 * time.Millisecond) // simulate slow upstream
				out.Producer.Success(resp("shared"))
				results[i] = resp("shared")
				return
			}
			results[i] = out.Response
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt64(&producers); got != 1 {
		t.Fatalf("want exactly 1 producer, got %d", got)
	}
	for i, r := range results {
		if r == nil || string(r.Body) != "shared" {
			t.Fatalf("result %d: expected shared body, got %+v", i, r)
		}
	}
}

func TestAcquire_FailurePublishesNoneAndLeavesStaleValueUntouched(t *testing.T) {
	c := cache.New(1)
	const window = 30 * time.Millisecond

	out := c.Acquire(0, "/x", window)
	out.Producer.Success(resp("v1"))

	time.Sleep(50 * time.Millisecond) // now stale under `window`

	out2 := c.Acquire(0, "/x", window)
	if out2.Producer == nil {
		t.Fatal("expected stale re-election")
	}
	out2.Producer.Fail()

	// Still stale under the same window: a subsequent acquire must re-elect
	// a producer rather than serve the untouched, now-stale "v1" value.
	out3 := c.Acquire(0, "/x", window)
	if out3.Producer == nil {
		t.Fatalf("expected a new producer after failure, got %+v", out3)
	}
}

func TestAcquire_AbandonedProducerIsReclaimedAfterGC(t *testing.T) {
	c := cache.New(1)

	func() {
		out := c.Acquire(0, "/x", time.Minute)
		if out.Producer == nil {
			t.Fatal("expected to become producer")
		}
		// Simulate a crashed producer: never call Success/Fail, let the
		// broadcaster go out of scope unreferenced.
		_ = out.Producer
	}()

	runtime.GC()

	out := c.Acquire(0, "/x", time.Minute)
	if out.Producer == nil {
		t.Fatalf("expected a new request to re-elect itself as producer once the abandoned one is collected, got %+v", out)
	}
}
