package observability

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kjstillabower/nook-weather-service/internal/traffic"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (dashboard polling storm).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Cache hits should sit well under 10ms.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight.
	HTTPRequestsInFlight prometheus.Gauge

	// Upstream provider call rate by provider and status. Watch for: one provider failing while others carry load.
	ProviderCallsTotal *prometheus.CounterVec

	// Upstream latency. Watch for: p95 approaching the provider timeout.
	ProviderCallDuration *prometheus.HistogramVec

	// Retry attempts per provider. High retries = unstable upstream.
	ProviderRetriesTotal *prometheus.CounterVec

	// Provider failures as seen by the aggregator, by category (timeout, upstream_5xx, stale_upstream, ...).
	ProviderErrorsTotal *prometheus.CounterVec

	// Successful refreshes served by a provider other than the first configured one.
	ProviderFallbacksTotal *prometheus.CounterVec

	// Circuit breaker transitions and current state (0 closed, 1 open, 2 half_open).
	CircuitBreakerTransitionsTotal *prometheus.CounterVec
	CircuitBreakerState            *prometheus.GaugeVec

	// Aggregator outcomes: fresh_hit, refreshed, stale, failed.
	ForecastResultsTotal *prometheus.CounterVec

	// Time spent iterating providers for one refresh.
	ForecastRefreshDuration prometheus.Histogram

	// Callers queued on the same key while a refresh was running. Values > 1 mean the lock absorbed a stampede.
	ForecastRefreshWaiters *prometheus.HistogramVec

	// Forecast lookups by location key (allow-list; others go to "other").
	ForecastQueriesByLocationTotal *prometheus.CounterVec

	// Payload record/replay cache operations by op (get, set) and result (hit, miss, error, ok).
	PayloadCacheOpsTotal *prometheus.CounterVec

	// Cache warming runs, failures and duration.
	CacheWarmingTotal           prometheus.Counter
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram

	// Rate limit denials on the inbound forecast route.
	RateLimitDeniedTotal prometheus.Counter

	trackedLocationsMu sync.RWMutex
	trackedLocations   map[string]struct{}

	trafficGaugesOnce sync.Once
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
	ProviderCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "providerCallsTotal",
			Help: "Total number of upstream provider HTTP calls",
		},
		[]string{"provider", "status"},
	)
	ProviderCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "providerCallDurationSeconds",
			Help:    "Upstream provider latency in seconds (per HTTP call)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"provider", "status"},
	)
	ProviderRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "providerRetriesTotal",
			Help: "Total number of retry attempts for upstream provider calls",
		},
		[]string{"provider"},
	)
	ProviderErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "providerErrorsTotal",
			Help: "Provider forecast failures by category",
		},
		[]string{"provider", "category"},
	)
	ProviderFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "providerFallbacksTotal",
			Help: "Refreshes satisfied by a fallback provider",
		},
		[]string{"provider"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"provider", "from", "to"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half_open)",
		},
		[]string{"provider"},
	)
	ForecastResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forecastResultsTotal",
			Help: "Forecast lookups by outcome (fresh_hit, refreshed, stale, failed, canceled)",
		},
		[]string{"result"},
	)
	ForecastRefreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "forecastRefreshDurationSeconds",
			Help:    "Time spent iterating providers for one refresh",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20},
		},
	)
	ForecastRefreshWaiters = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forecastRefreshWaiters",
			Help:    "Concurrent callers queued on one location key",
			Buckets: []float64{1, 2, 3, 5, 10, 20},
		},
		[]string{"location"},
	)
	ForecastQueriesByLocationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forecastQueriesByLocationTotal",
			Help: "Forecast queries by location key (allow-list; others use location=other)",
		},
		[]string{"location"},
	)
	PayloadCacheOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payloadCacheOpsTotal",
			Help: "Upstream payload record/replay cache operations",
		},
		[]string{"op", "result"},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Total number of forecast cache warming runs",
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Warming runs where at least one location failed",
		},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Duration of a warming run",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 30},
		},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		ProviderCallsTotal, ProviderCallDuration, ProviderRetriesTotal, ProviderErrorsTotal, ProviderFallbacksTotal,
		CircuitBreakerTransitionsTotal, CircuitBreakerState,
		ForecastResultsTotal, ForecastRefreshDuration, ForecastRefreshWaiters, ForecastQueriesByLocationTotal,
		PayloadCacheOpsTotal,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds,
		RateLimitDeniedTotal,
	)
}

// RegisterTrafficGauges registers sliding-window gauges for the forecast route.
// Call once from main with the same window /health uses.
func RegisterTrafficGauges(window time.Duration) {
	trafficGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "forecastRequestsInWindow",
					Help: "Forecast requests (served, failed, denied) in the sliding window",
				},
				func() float64 { return float64(traffic.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in the sliding window",
				},
				func() float64 { return float64(traffic.DenialCount(window)) },
			),
		)
	})
}

// CircuitBreakerStateValue maps a breaker state name to the gauge value.
func CircuitBreakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 1
	case "half_open":
		return 2
	default:
		return 0
	}
}

// RecordCircuitBreakerTransition records a transition and updates the state gauge.
func RecordCircuitBreakerTransition(provider, from, to string) {
	CircuitBreakerTransitionsTotal.WithLabelValues(provider, from, to).Inc()
	CircuitBreakerState.WithLabelValues(provider).Set(CircuitBreakerStateValue(to))
}

// SetTrackedLocations sets the allow-list of location keys that get their own label.
func SetTrackedLocations(keys []string) {
	trackedLocationsMu.Lock()
	defer trackedLocationsMu.Unlock()
	trackedLocations = make(map[string]struct{}, len(keys))
	for _, k := range keys {
		trackedLocations[strings.TrimSpace(k)] = struct{}{}
	}
}

// MetricLocationLabel returns key if it is tracked, otherwise "other".
func MetricLocationLabel(key string) string {
	trackedLocationsMu.RLock()
	_, ok := trackedLocations[key] // nil map read is safe
	trackedLocationsMu.RUnlock()
	if ok {
		return key
	}
	return "other"
}

// RecordForecastQuery records a forecast lookup for the given location key.
func RecordForecastQuery(key string) {
	ForecastQueriesByLocationTotal.WithLabelValues(MetricLocationLabel(key)).Inc()
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
