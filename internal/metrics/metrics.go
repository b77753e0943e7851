// Package metrics exposes Prometheus metrics for the cache, the upstream
// fetch and the JSON-RPC endpoint.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "redashmcp"

// Metrics holds all collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter
	fetches       *prometheus.CounterVec
	fetchDuration prometheus.Histogram
	rpcRequests   *prometheus.CounterVec
	toolCalls     *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Reads served from the cached snapshot.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Reads that required an upstream fetch.",
		}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_fetches_total",
			Help:      "Upstream fetches by outcome.",
		}, []string{"outcome"}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_fetch_duration_seconds",
			Help:      "Upstream fetch and normalization latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "JSON-RPC requests by method and error code (0 = success).",
		}, []string{"method", "code"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls by tool name and result.",
		}, []string{"tool", "result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status.",
		}, []string{"method", "status"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cacheHits,
		m.cacheMisses,
		m.fetches,
		m.fetchDuration,
		m.rpcRequests,
		m.toolCalls,
		m.httpRequests,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Hit()  { m.cacheHits.Inc() }
func (m *Metrics) Miss() { m.cacheMisses.Inc() }

func (m *Metrics) Fetch(outcome string, d time.Duration) {
	m.fetches.WithLabelValues(outcome).Inc()
	m.fetchDuration.Observe(d.Seconds())
}

// RPC records one JSON-RPC response. code is 0 for success.
func (m *Metrics) RPC(method string, code int) {
	if method == "" {
		method = "unknown"
	}
	m.rpcRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

// Tool records one tool call.
func (m *Metrics) Tool(name string, isError bool) {
	result := "ok"
	if isError {
		result = "error"
	}
	m.toolCalls.WithLabelValues(name, result).Inc()
}

// HTTP records one HTTP response.
func (m *Metrics) HTTP(method string, status int) {
	m.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}
