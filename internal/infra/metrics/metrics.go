package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the streaming server.
// A nil *Metrics is valid and records nothing, so components can be built
// without it in tests and CLI tools.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal prometheus.Counter
	errorsTotal   prometheus.Counter
	bytesServed   prometheus.Counter

	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	cacheEvictions prometheus.Counter
	cacheBytes     prometheus.Gauge

	articleFetches *prometheus.CounterVec
	poolIdle       *prometheus.GaugeVec

	prefetchScheduled prometheus.Counter
	prefetchCancelled prometheus.Counter
	prefetchFailed    prometheus.Counter

	activeSessions prometheus.Gauge
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nzbstream_http_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nzbstream_http_errors_total",
			Help: "Total number of HTTP responses with status >= 400",
		}),
		bytesServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nzbstream_bytes_served_total",
			Help: "Decoded bytes returned by stream sessions",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nzbstream_cache_hits_total",
			Help: "Article cache hits",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nzbstream_cache_misses_total",
			Help: "Article cache misses",
		}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nzbstream_cache_evictions_total",
			Help: "Articles evicted from the cache",
		}),
		cacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nzbstream_cache_bytes",
			Help: "Decoded bytes currently held by the article cache",
		}),
		articleFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nzbstream_article_fetches_total",
			Help: "Article fetches by provider and outcome",
		}, []string{"provider", "outcome"}),
		poolIdle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nzbstream_pool_idle_connections",
			Help: "Idle connections per provider pool",
		}, []string{"provider"}),
		prefetchScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nzbstream_prefetch_scheduled_total",
			Help: "Prefetch jobs queued",
		}),
		prefetchCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nzbstream_prefetch_cancelled_total",
			Help: "Prefetch jobs cancelled before they started",
		}),
		prefetchFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nzbstream_prefetch_failed_total",
			Help: "Prefetch jobs that ended in an error",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nzbstream_active_sessions",
			Help: "Open stream sessions",
		}),
	}

	m.registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.bytesServed,
		m.cacheHits,
		m.cacheMisses,
		m.cacheEvictions,
		m.cacheBytes,
		m.articleFetches,
		m.poolIdle,
		m.prefetchScheduled,
		m.prefetchCancelled,
		m.prefetchFailed,
		m.activeSessions,
	)
	return m
}

func (m *Metrics) IncRequests() {
	if m != nil {
		m.requestsTotal.Inc()
	}
}

func (m *Metrics) IncErrors() {
	if m != nil {
		m.errorsTotal.Inc()
	}
}

func (m *Metrics) AddBytesServed(n int) {
	if m != nil {
		m.bytesServed.Add(float64(n))
	}
}

func (m *Metrics) CacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

func (m *Metrics) CacheMiss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}

func (m *Metrics) CacheEvicted(n int) {
	if m != nil && n > 0 {
		m.cacheEvictions.Add(float64(n))
	}
}

func (m *Metrics) SetCacheBytes(n int64) {
	if m != nil {
		m.cacheBytes.Set(float64(n))
	}
}

// ArticleFetched records one fetch attempt outcome, e.g. "ok", "missing", "timeout".
func (m *Metrics) ArticleFetched(provider, outcome string) {
	if m != nil {
		m.articleFetches.WithLabelValues(provider, outcome).Inc()
	}
}

func (m *Metrics) SetPoolIdle(provider string, n int) {
	if m != nil {
		m.poolIdle.WithLabelValues(provider).Set(float64(n))
	}
}

func (m *Metrics) PrefetchScheduled() {
	if m != nil {
		m.prefetchScheduled.Inc()
	}
}

func (m *Metrics) PrefetchCancelled() {
	if m != nil {
		m.prefetchCancelled.Inc()
	}
}

func (m *Metrics) PrefetchFailed() {
	if m != nil {
		m.prefetchFailed.Inc()
	}
}

func (m *Metrics) SetActiveSessions(n int) {
	if m != nil {
		m.activeSessions.Set(float64(n))
	}
}

// Handler serves the registry. updateGauges runs before each scrape so
// point-in-time values (pool idle counts, cache bytes) are fresh.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
