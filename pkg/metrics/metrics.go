// Package metrics defines the Prometheus metric collectors used across the
// platform and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the platform.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	DocumentTransitions  *prometheus.CounterVec
	IngestionRetries     *prometheus.CounterVec
	MatchLatency         *prometheus.HistogramVec
	MatchTopTier         *prometheus.CounterVec
	MatchCacheHits       prometheus.Counter
	MatchCacheMisses     prometheus.Counter
	ReviewDecisions      *prometheus.CounterVec
	ReviewConflicts      prometheus.Counter
	AliasAppends         *prometheus.CounterVec
	ClusteringPasses     *prometheus.CounterVec
	ClusteringDuration   prometheus.Histogram
	DuplicateGroups      prometheus.Counter
	EventsDropped        prometheus.Counter
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates all Prometheus metrics and registers them with reg. A nil
// registerer leaves the collectors unregistered, which keeps tests from
// colliding on the default registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		DocumentTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "document_transitions_total",
				Help: "Document lifecycle transitions by source and target state.",
			},
			[]string{"from", "to"},
		),
		IngestionRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestion_retries_total",
				Help: "Transient ingestion failures that were retried, by stage.",
			},
			[]string{"stage"},
		),
		MatchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "match_latency_seconds",
				Help:    "Matching engine latency in seconds.",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5},
			},
			[]string{"kind", "cache_status"},
		),
		MatchTopTier: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "match_top_tier_total",
				Help: "Confidence tier of the best option per matched candidate.",
			},
			[]string{"kind", "tier"},
		),
		MatchCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "match_cache_hits_total",
				Help: "Total number of match cache hits.",
			},
		),
		MatchCacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "match_cache_misses_total",
				Help: "Total number of match cache misses.",
			},
		),
		ReviewDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "review_decisions_total",
				Help: "Recorded review decisions by action and origin (manual, auto, merge).",
			},
			[]string{"action", "origin"},
		),
		ReviewConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "review_conflicts_total",
				Help: "Review mutations rejected for a stale candidate version.",
			},
		),
		AliasAppends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alias_appends_total",
				Help: "Alias table writes by scope and outcome (applied, superseded, error).",
			},
			[]string{"scope", "outcome"},
		),
		ClusteringPasses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clustering_passes_total",
				Help: "Duplicate clustering passes by outcome (complete, partial, error).",
			},
			[]string{"outcome"},
		),
		ClusteringDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "clustering_pass_duration_seconds",
				Help:    "Wall-clock duration of a clustering pass.",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),
		DuplicateGroups: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "duplicate_groups_proposed_total",
				Help: "Duplicate retailer groups proposed for review.",
			},
		),
		EventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "events_dropped_total",
				Help: "Lifecycle and decision events that could not be published.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.HTTPRequestsTotal,
			m.HTTPRequestDuration,
			m.HTTPRequestsInFlight,
			m.DocumentTransitions,
			m.IngestionRetries,
			m.MatchLatency,
			m.MatchTopTier,
			m.MatchCacheHits,
			m.MatchCacheMisses,
			m.ReviewDecisions,
			m.ReviewConflicts,
			m.AliasAppends,
			m.ClusteringPasses,
			m.ClusteringDuration,
			m.DuplicateGroups,
			m.EventsDropped,
			m.CircuitBreakerState,
		)
	}

	return m
}

// NewRegistry returns a registry preloaded with the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler returns the Prometheus scrape HTTP handler for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
