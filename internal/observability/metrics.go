package observability

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases, SLO breaches.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// Upstream snapshot fetches per source. Watch for: error vs success ratio per provider.
	SourceFetchTotal *prometheus.CounterVec

	// Upstream latency per fetch. Watch for: p95 approaching the fetch deadline.
	SourceFetchDuration *prometheus.HistogramVec

	// Retry attempts per source. Watch for: high retries = unstable upstream.
	SourceRetriesTotal *prometheus.CounterVec

	// Fetches skipped because the source's breaker is open or the round deadline passed.
	SourceSkippedTotal *prometheus.CounterVec

	// Breaker state per source (0 closed, 1 open, 2 half-open).
	SourceBreakerState *prometheus.GaugeVec

	// Field values rejected during aggregation or merge, by reason kind.
	FieldRejectionsTotal *prometheus.CounterVec

	// Fields served from a fallback (backup source or cache). Watch for: sustained backup use.
	FallbackSelectionsTotal *prometheus.CounterVec

	// Wind selection outcome per refresh: group, merged, none.
	WindSelectionTotal *prometheus.CounterVec

	// Pipeline refreshes per airport outcome.
	RefreshTotal *prometheus.CounterVec

	// Cache hits. Hit rate = hits/(hits+refreshes).
	CacheHitsTotal *prometheus.CounterVec

	// Cache backend errors by operation. Watch for: backend unavailable.
	CacheErrorsTotal *prometheus.CounterVec

	// Total observation lookups. Watch for: traffic volume, rate() for QPS.
	ObservationQueriesTotal prometheus.Counter

	// Per-airport query count (allow-list; others go to "other").
	ObservationQueriesByAirportTotal *prometheus.CounterVec

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	// trackedAirports is built from config; used to resolve airport labels for metrics.
	trackedAirportsMu sync.RWMutex
	trackedAirports   map[string]struct{}
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	SourceFetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sourceFetchTotal",
			Help: "Total number of upstream snapshot fetches",
		},
		[]string{"source", "status"},
	)
	SourceFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sourceFetchDurationSeconds",
			Help:    "Upstream snapshot fetch latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"source", "status"},
	)
	SourceRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sourceRetriesTotal",
			Help: "Total number of retry attempts for upstream fetches",
		},
		[]string{"source"},
	)
	SourceSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sourceSkippedTotal",
			Help: "Fetches skipped (breaker open or round deadline passed)",
		},
		[]string{"source", "reason"},
	)
	SourceBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sourceBreakerState",
			Help: "Circuit breaker state per source: 0 closed, 1 open, 2 half-open",
		},
		[]string{"source"},
	)
	FieldRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldRejectionsTotal",
			Help: "Field values rejected during aggregation and merge",
		},
		[]string{"field", "kind"},
	)
	FallbackSelectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fallbackSelectionsTotal",
			Help: "Fields served from a fallback (backup source or cache)",
		},
		[]string{"field", "fallback"},
	)
	WindSelectionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "windSelectionTotal",
			Help: "Wind selection outcome per refresh",
		},
		[]string{"outcome"},
	)
	RefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refreshTotal",
			Help: "Total number of per-airport pipeline refreshes",
		},
		[]string{"outcome"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of cache hits",
		},
		[]string{"cacheType"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Total number of cache backend errors",
		},
		[]string{"op"},
	)
	ObservationQueriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "observationQueriesTotal",
			Help: "Total number of observation lookups",
		},
	)
	ObservationQueriesByAirportTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "observationQueriesByAirportTotal",
			Help: "Observation queries by airport (allow-list; others use airport=other)",
		},
		[]string{"airport"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		SourceFetchTotal, SourceFetchDuration, SourceRetriesTotal, SourceSkippedTotal, SourceBreakerState,
		FieldRejectionsTotal, FallbackSelectionsTotal, WindSelectionTotal, RefreshTotal,
		CacheHitsTotal, CacheErrorsTotal,
		ObservationQueriesTotal, ObservationQueriesByAirportTotal,
		RateLimitDeniedTotal,
	)
}

// SetTrackedAirports sets the allow-list for airport metrics. Non-tracked airports increment "other".
func SetTrackedAirports(airports []string) {
	trackedAirportsMu.Lock()
	defer trackedAirportsMu.Unlock()
	trackedAirports = make(map[string]struct{}, len(airports))
	for _, a := range airports {
		trackedAirports[NormalizeAirport(a)] = struct{}{}
	}
}

// RecordObservationQuery records an observation lookup for the given airport.
func RecordObservationQuery(airport string) {
	ObservationQueriesTotal.Inc()
	id := NormalizeAirport(airport)
	trackedAirportsMu.RLock()
	_, ok := trackedAirports[id] // nil map read is safe in Go
	trackedAirportsMu.RUnlock()
	if ok {
		ObservationQueriesByAirportTotal.WithLabelValues(id).Inc()
	} else {
		ObservationQueriesByAirportTotal.WithLabelValues("other").Inc()
	}
}

// NormalizeAirport canonicalizes an airport identifier (ICAO codes are upper case).
func NormalizeAirport(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
