// Package metrics defines Prometheus metrics for the proxy edge, the connection
// pool, the response cache, the authentication gate, upgrade splicing, and the
// upstream (origin) side. It separates low-cardinality proxy metrics from
// per-upstream metrics to avoid cardinality explosions. All helpers below
// encapsulate label normalization and consistent observation patterns.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Proxy metrics (low-cardinality)
// These are intended to stay low-cardinality: avoid adding labels with many possible values.
var (
	// proxyRequestsTotal counts proxy responses by HTTP method, response status, and cache result.
	// Labels:
	// - method: HTTP method (GET/POST/...)
	// - status: numeric HTTP status (200/404/...)
	// - cache: cache outcome (HIT/MISS/BYPASS/...)
	proxyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_requests_total",
			Help: "Total proxy responses by method, status and cache result",
		},
		[]string{"method", "status", "cache"},
	)
	// proxyReqDuration captures end-to-end proxy latency (client-facing).
	proxyReqDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proxy_request_duration_seconds",
			Help:    "End-to-end proxy request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "cache"},
	)
	// proxyUpstreamInflight tracks in-flight requests per upstream host as seen by the proxy.
	proxyUpstreamInflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "proxy_upstream_inflight",
			Help: "Number of in-flight upstream requests by upstream host",
		},
		[]string{"upstream"},
	)
	// admissionInUse reports connections currently admitted by the server's global semaphore.
	admissionInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxy_admission_connections_in_use",
			Help: "Connections currently holding an admission permit",
		},
	)
	// admissionRejected counts connections that failed to be accepted after obtaining a permit.
	admissionRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_admission_accept_errors_total",
			Help: "Total accept() failures encountered by the server loop",
		},
	)
)

// Upstream-attributed proxy-side metrics.
// Keep the "upstream" label bounded to avoid high cardinality (service names, not dynamic IDs/hosts).
var (
	proxyUpstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_upstream_requests_total",
			Help: "Total upstream responses observed by the proxy, labeled by upstream, method and status",
		},
		[]string{"upstream", "method", "status"},
	)
	proxyUpstreamReqDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proxy_upstream_request_duration_seconds",
			Help:    "Upstream request duration observed at the proxy by upstream and method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"upstream", "method"},
	)
)

// Connection pool metrics (§4.3).
var (
	poolIdle = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "proxy_pool_idle_connections",
			Help: "Idle connections currently sitting in a pool's queue",
		},
		[]string{"upstream"},
	)
	poolLeased = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "proxy_pool_leased_connections",
			Help: "Connections currently open in a pool (leased plus idle)",
		},
		[]string{"upstream"},
	)
	poolDialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_pool_dials_total",
			Help: "Total dial attempts made by a connection pool, by outcome",
		},
		[]string{"upstream", "outcome"},
	)
)

// Response cache metrics (§4.2).
var (
	cacheOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_cache_outcomes_total",
			Help: "Cache lookups by outcome: fresh, produced, produced_error, oversize",
		},
		[]string{"outcome"},
	)
)

// Authentication sub-request metrics (§4.4).
var (
	authOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_auth_outcomes_total",
			Help: "Authentication sub-request outcomes: pass, reject, error",
		},
		[]string{"outcome"},
	)
)

// Upgrade splice metrics (§4.5).
var (
	upgradeActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxy_upgrade_active_splices",
			Help: "Number of currently active protocol-upgrade byte splices",
		},
	)
	upgradeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_upgrade_total",
			Help: "Total protocol upgrades attempted, by outcome",
		},
		[]string{"outcome"},
	)
)

// Upstream metrics
// These are emitted by the test-fixture upstream service (cmd/echo) itself, not the proxy.
var (
	upRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_requests_total",
			Help: "Total upstream responses by method and status",
		},
		[]string{"method", "status"},
	)
	upRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_request_duration_seconds",
			Help:    "Upstream request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
	upInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "upstream_inflight",
			Help: "Number of in-flight requests in upstream server",
		},
	)
)

func init() {
	// Register all metrics with the default Prometheus registry.
	// MustRegister will panic on programmer errors (e.g., duplicate registration).
	prometheus.MustRegister(
		// proxy
		proxyRequestsTotal,
		proxyReqDuration,
		proxyUpstreamInflight,
		admissionInUse,
		admissionRejected,
		proxyUpstreamRequestsTotal,
		proxyUpstreamReqDuration,
		// pool
		poolIdle,
		poolLeased,
		poolDialsTotal,
		// cache
		cacheOutcomesTotal,
		// auth
		authOutcomesTotal,
		// upgrade
		upgradeActive,
		upgradeTotal,
		// upstream (test fixture)
		upRequestsTotal,
		upRequestDuration,
		upInflight,
	)
}

// normCacheLabel normalizes the cache label to a bounded set of values.
// Empty cache outcomes are reported as "BYPASS" to avoid an empty label value.
func normCacheLabel(v string) string {
	if v == "" {
		return "BYPASS"
	}
	return v
}

// ---- Proxy helpers ----

// ObserveProxyResponse records a client-facing proxy response.
func ObserveProxyResponse(method string, status int, cache string, dur time.Duration) {
	cache = normCacheLabel(cache)
	proxyRequestsTotal.WithLabelValues(method, strconv.Itoa(status), cache).Inc()
	proxyReqDuration.WithLabelValues(method, cache).Observe(dur.Seconds())
}

// ObserveProxyUpstreamResponse records the upstream response as seen by the proxy.
func ObserveProxyUpstreamResponse(upstream, method string, status int, dur time.Duration) {
	if upstream == "" {
		upstream = "unknown"
	}
	proxyUpstreamRequestsTotal.WithLabelValues(upstream, method, strconv.Itoa(status)).Inc()
	proxyUpstreamReqDuration.WithLabelValues(upstream, method).Observe(dur.Seconds())
}

// IncProxyUpstreamInflight increments the in-flight counter for a given upstream host.
func IncProxyUpstreamInflight(host string) { proxyUpstreamInflight.WithLabelValues(host).Inc() }

// DecProxyUpstreamInflight decrements the in-flight counter for a given upstream host.
func DecProxyUpstreamInflight(host string) { proxyUpstreamInflight.WithLabelValues(host).Dec() }

// AdmissionInUseSet sets the current number of admitted connections.
func AdmissionInUseSet(n int) { admissionInUse.Set(float64(n)) }

// AdmissionAcceptErrorInc counts one failed accept() after a permit was already held.
func AdmissionAcceptErrorInc() { admissionRejected.Inc() }

// ---- Pool helpers ----

// PoolIdleSet reports the current idle-queue length for one upstream's pool.
func PoolIdleSet(upstream string, n int) { poolIdle.WithLabelValues(upstream).Set(float64(n)) }

// PoolLeasedSet reports the current open-connection count (leased plus idle)
// for one upstream's pool.
func PoolLeasedSet(upstream string, n int) { poolLeased.WithLabelValues(upstream).Set(float64(n)) }

// PoolDialInc counts one dial attempt, labeled by outcome ("ok" or "error").
func PoolDialInc(upstream, outcome string) { poolDialsTotal.WithLabelValues(upstream, outcome).Inc() }

// ---- Cache helpers ----

// CacheOutcomeInc counts one cache-path decision: "fresh" (served from the
// cache, including a value received from a coalesced producer), "produced",
// "produced_error", or "oversize".
func CacheOutcomeInc(outcome string) { cacheOutcomesTotal.WithLabelValues(outcome).Inc() }

// ---- Auth helpers ----

// AuthOutcomeInc counts one auth sub-request decision: "pass", "reject", or "error".
func AuthOutcomeInc(outcome string) { authOutcomesTotal.WithLabelValues(outcome).Inc() }

// ---- Upgrade helpers ----

// UpgradeSpliceStarted marks the start of one active splice.
func UpgradeSpliceStarted() { upgradeActive.Inc() }

// UpgradeSpliceEnded marks the end of one active splice and records its outcome
// ("ok" or "error").
func UpgradeSpliceEnded(outcome string) {
	upgradeActive.Dec()
	upgradeTotal.WithLabelValues(outcome).Inc()
}

// ---- Upstream (test-fixture) helpers ----

// UpstreamInflightInc increments the number of in-flight requests in the upstream.
func UpstreamInflightInc() { upInflight.Inc() }

// UpstreamInflightDec decrements the number of in-flight requests in the upstream.
func UpstreamInflightDec() { upInflight.Dec() }

// ObserveUpstreamResponse records an upstream (origin) response with method and status and observes duration.
func ObserveUpstreamResponse(method string, status int, dur time.Duration) {
	upRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	upRequestDuration.WithLabelValues(method).Observe(dur.Seconds())
}
