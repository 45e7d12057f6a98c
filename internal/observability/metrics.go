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

	// HTTP request latency per request. Retries make /weather p99 long by nature.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: goroutines parked in retry delays.
	HTTPRequestsInFlight prometheus.Gauge

	// Data source calls by outcome (success, error). One per attempt.
	UpstreamFetchesTotal *prometheus.CounterVec

	// Data source latency per attempt.
	UpstreamFetchDuration *prometheus.HistogramVec

	// Retries scheduled by the orchestrator. Watch for: high retries = unstable upstream.
	FetchRetriesTotal prometheus.Counter

	// Fetches that used the whole attempt budget and failed.
	FetchExhaustedTotal prometheus.Counter

	// Cache hits and misses. Hit rate = hits/(hits+misses).
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Store errors by operation (get, set) and category (timeout, connection, decode, unknown).
	CacheErrorsTotal *prometheus.CounterVec

	// Store latency by operation and result.
	CacheOperationDurationSeconds *prometheus.HistogramVec

	// Concurrent misses on the same key. Single-flight keeps upstream calls at one regardless.
	CacheStampedeDetectedTotal *prometheus.CounterVec

	// Callers that received a result shared from another caller's in-flight fetch.
	SingleflightSharedTotal prometheus.Counter

	// Cache warming runs and failures.
	CacheWarmingTotal           prometheus.Counter
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram

	// Total weather lookups.
	WeatherQueriesTotal prometheus.Counter

	// Per-city query count (allow-list; others go to "other").
	WeatherQueriesByCityTotal *prometheus.CounterVec

	// Rate limit denials (429).
	RateLimitDeniedTotal prometheus.Counter

	// Bearer token rejections by reason (missing, invalid).
	AuthFailuresTotal *prometheus.CounterVec

	// Circuit breaker state (0 closed, 1 half-open, 2 open) and transitions.
	CircuitBreakerState            *prometheus.GaugeVec
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// trackedCities is built from config; used to resolve city label for metrics.
	trackedCitiesMu sync.RWMutex
	trackedCities   map[string]struct{}
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
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 30, 60, 240, 600},
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	UpstreamFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstreamFetchesTotal",
			Help: "Total number of weather data source calls (one per attempt)",
		},
		[]string{"status"},
	)
	UpstreamFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstreamFetchDurationSeconds",
			Help:    "Weather data source latency in seconds (per attempt)",
			Buckets: []float64{.001, .01, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"status"},
	)
	FetchRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fetchRetriesTotal",
			Help: "Total number of retries scheduled after a failed data source call",
		},
	)
	FetchExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fetchExhaustedTotal",
			Help: "Total number of fetches that failed after using every attempt",
		},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of cache hits",
		},
		[]string{"backend"},
	)
	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheMissesTotal",
			Help: "Total number of cache misses (absent or expired)",
		},
		[]string{"backend"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Total number of cache store errors",
		},
		[]string{"operation", "category"},
	)
	CacheOperationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheOperationDurationSeconds",
			Help:    "Cache store operation latency in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"operation", "result"},
	)
	CacheStampedeDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheStampedeDetectedTotal",
			Help: "Cache misses that overlapped another miss for the same city",
		},
		[]string{"city"},
	)
	SingleflightSharedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "singleflightSharedTotal",
			Help: "Cache misses served by a fetch started by another request",
		},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Total number of cache warming runs",
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Total number of cache warming runs with at least one failed city",
		},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Cache warming run duration in seconds",
			Buckets: []float64{.01, .1, 1, 10, 60, 300, 600},
		},
	)
	WeatherQueriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weatherQueriesTotal",
			Help: "Total number of weather lookups",
		},
	)
	WeatherQueriesByCityTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherQueriesByCityTotal",
			Help: "Weather queries by city (allow-list; others use city=other)",
		},
		[]string{"city"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	AuthFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authFailuresTotal",
			Help: "Total number of requests rejected by the bearer token check (401)",
		},
		[]string{"reason"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open",
		},
		[]string{"component"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		UpstreamFetchesTotal, UpstreamFetchDuration,
		FetchRetriesTotal, FetchExhaustedTotal,
		CacheHitsTotal, CacheMissesTotal, CacheErrorsTotal, CacheOperationDurationSeconds,
		CacheStampedeDetectedTotal, SingleflightSharedTotal,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds,
		WeatherQueriesTotal, WeatherQueriesByCityTotal,
		RateLimitDeniedTotal, AuthFailuresTotal,
		CircuitBreakerState, CircuitBreakerTransitionsTotal,
	)
}

// SetTrackedCities sets the allow-list for city metrics. Non-tracked cities increment "other".
func SetTrackedCities(cities []string) {
	trackedCitiesMu.Lock()
	defer trackedCitiesMu.Unlock()
	trackedCities = make(map[string]struct{}, len(cities))
	for _, c := range cities {
		trackedCities[normalizeCityForMetrics(c)] = struct{}{}
	}
}

// MetricCityLabel returns the city label for per-city metrics: the normalized
// city when tracked, "other" otherwise. Keeps label cardinality bounded.
func MetricCityLabel(city string) string {
	c := normalizeCityForMetrics(city)
	trackedCitiesMu.RLock()
	_, ok := trackedCities[c] // nil map read is safe in Go
	trackedCitiesMu.RUnlock()
	if ok {
		return c
	}
	return "other"
}

// RecordWeatherQuery records a weather query for the given city.
func RecordWeatherQuery(city string) {
	WeatherQueriesTotal.Inc()
	WeatherQueriesByCityTotal.WithLabelValues(MetricCityLabel(city)).Inc()
}

// RecordCircuitBreakerTransition records a state change and updates the state gauge.
func RecordCircuitBreakerTransition(component, from, to string, toValue float64) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
	CircuitBreakerState.WithLabelValues(component).Set(toValue)
}

func normalizeCityForMetrics(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
