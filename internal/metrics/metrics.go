// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"origin-proxy-go/internal/config"
)

// Default histogram buckets for API latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Forward outcome label values.
const (
	OutcomeForwarded = "forwarded"
	OutcomeBypassed  = "bypassed"
	OutcomeError     = "error"
)

// PathProxied is the path label used for every request handed to the forwarder.
const PathProxied = "proxied"

// PathLabelKey is the echo context key under which a handler overrides the
// path label of the current request.
const PathLabelKey = "metrics.path_label"

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	ForwardOutcomes       *prometheus.CounterVec
	CookieRewriteFailures prometheus.Counter

	ownPaths []string
}

// NewFromConfig creates a Metrics instance whose path labels follow the
// configured metrics endpoint.
func NewFromConfig(cfg *config.Config) *Metrics {
	m := New()
	if cfg.Metrics.Path != "" {
		m.ownPaths = []string{"/healthz", "/proxy/status", cfg.Metrics.Path}
	}
	return m
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,
		ownPaths: defaultOwnPaths,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "origin_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "origin_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "origin_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "origin_proxy_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds, until response headers arrive.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "origin_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		ForwardOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "origin_proxy_forward_outcomes_total",
			Help: "Forwarder invocations by outcome (forwarded, bypassed, error).",
		}, []string{"outcome"}),

		CookieRewriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "origin_proxy_cookie_rewrite_failures_total",
			Help: "Responses whose Set-Cookie rewrite failed and were relayed unchanged.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.ForwardOutcomes,
		m.CookieRewriteFailures,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// defaultOwnPaths lists the service's own route labels (bounded cardinality).
var defaultOwnPaths = []string{"/healthz", "/proxy/status", "/metrics"}

// NormalizePath returns a bounded path label using the default route set.
// Forwarded traffic is labelled PathProxied by the middleware, never here.
func NormalizePath(path string) string {
	return normalizePath(defaultOwnPaths, path)
}

// NormalizePath returns a bounded path label for the routes this instance
// was configured with.
func (m *Metrics) NormalizePath(path string) string {
	return normalizePath(m.ownPaths, path)
}

func normalizePath(own []string, path string) string {
	for _, prefix := range own {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
