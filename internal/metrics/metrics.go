// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Pipeline work is CPU-bound and usually well under a second.
var pipelineBuckets = []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1}

// Transform outcome label values.
const (
	OutcomePassThrough = "passthrough"
	OutcomeTransformed = "transformed"
	OutcomeFallback    = "fallback"
	OutcomeRejected    = "rejected"
	// OutcomeNone labels requests that never reached the pipeline.
	OutcomeNone = "none"
)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	TransformOutcomes *prometheus.CounterVec
	PipelineDuration  prometheus.Histogram

	RelayConnections prometheus.Gauge
	RelayBytes       *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "markup_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "markup_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds, by pipeline outcome.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix", "outcome"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "markup_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "markup_proxy_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "markup_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code or failure kind.",
		}, []string{"method", "status_code"}),

		TransformOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "markup_proxy_transform_outcomes_total",
			Help: "Upstream responses by pipeline outcome and reason.",
		}, []string{"outcome", "reason"}),

		PipelineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "markup_proxy_pipeline_duration_seconds",
			Help:    "Time spent decoding, parsing, transforming and serializing a document.",
			Buckets: pipelineBuckets,
		}),

		RelayConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "markup_proxy_relay_connections",
			Help: "Number of open relay connections.",
		}),

		RelayBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "markup_proxy_relay_bytes_total",
			Help: "Bytes copied by the relay, by direction.",
		}, []string{"direction"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.TransformOutcomes,
		m.PipelineDuration,
		m.RelayConnections,
		m.RelayBytes,
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

// knownPrefixes lists the admin path label values. Every other path belongs
// to the upstream and is reported as "proxy".
var knownPrefixes = []string{"/healthz", "/status", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "proxy"
}
