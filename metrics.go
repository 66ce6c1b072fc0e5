package netcore

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for the pipeline and its
// resilience layers. It is safe for concurrent use, and every Record method is
// a no-op on a nil collector.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec

	retriesTotal *prometheus.CounterVec

	circuitBreakerState *prometheus.GaugeVec

	cacheHits      *prometheus.CounterVec
	cacheMisses    prometheus.Counter
	cacheEvictions prometheus.Counter
	cacheSize      prometheus.Gauge

	deduplicationHits *prometheus.CounterVec

	refreshesTotal *prometheus.CounterVec

	queueDepth      prometheus.Gauge
	queueSyncPasses *prometheus.CounterVec
	queueDropped    prometheus.Counter

	spacingWait prometheus.Histogram

	errorsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetricsCollector creates a metrics collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using supplied registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(registry)
	mc := &MetricsCollector{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netcore_requests_total",
				Help: "Total number of transport calls made",
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "netcore_request_duration_seconds",
				Help:    "Duration of transport calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "netcore_requests_in_flight",
				Help: "Number of transport calls currently in flight",
			},
			[]string{"method", "endpoint"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netcore_retries_total",
				Help: "Total number of retry attempts",
			},
			[]string{"method", "endpoint", "attempt"},
		),
		circuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "netcore_circuit_breaker_state",
				Help: "Current state of circuit breaker (0=closed, 1=open, 2=half-open)",
			},
			[]string{"name"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netcore_cache_hits_total",
				Help: "Total number of response cache hits",
			},
			[]string{"tier"},
		),
		cacheMisses: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "netcore_cache_misses_total",
				Help: "Total number of response cache misses",
			},
		),
		cacheEvictions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "netcore_cache_evictions_total",
				Help: "Total number of entries evicted for capacity",
			},
		),
		cacheSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "netcore_cache_size",
				Help: "Current number of entries in the response cache",
			},
		),
		deduplicationHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netcore_deduplication_hits_total",
				Help: "Total number of calls served by a shared pending call",
			},
			[]string{"method", "endpoint"},
		),
		refreshesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netcore_credential_refreshes_total",
				Help: "Total number of credential refreshes by result",
			},
			[]string{"result"},
		),
		queueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "netcore_offline_queue_depth",
				Help: "Number of mutations waiting in the offline queue",
			},
		),
		queueSyncPasses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netcore_offline_sync_passes_total",
				Help: "Total number of offline queue sync passes by outcome",
			},
			[]string{"outcome"},
		),
		queueDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "netcore_offline_queue_dropped_total",
				Help: "Total number of queued mutations dropped after exhausting retries",
			},
		),
		spacingWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "netcore_request_spacing_wait_seconds",
				Help:    "Time spent waiting for the request spacing limiter",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
			},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netcore_errors_total",
				Help: "Total number of classified errors",
			},
			[]string{"kind", "method", "endpoint"},
		),
	}
	if reg, ok := registry.(*prometheus.Registry); ok {
		mc.registry = reg
	}

	info := GetBuildInfo()
	factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netcore_build_info",
			Help: "Build metadata of the running netcore library, always 1",
		},
		[]string{"version", "commit", "go_version"},
	).WithLabelValues(info.Version, info.Commit, info.GoVersion).Set(1)

	return mc
}

// RecordRequest records request count and duration.
func (mc *MetricsCollector) RecordRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if mc == nil {
		return
	}

	statusCodeStr := strconv.Itoa(statusCode)
	mc.requestsTotal.WithLabelValues(method, statusCodeStr, endpoint).Inc()
	mc.requestDuration.WithLabelValues(method, statusCodeStr, endpoint).Observe(duration.Seconds())
}

// RecordRequestStart increments in-flight gauge.
func (mc *MetricsCollector) RecordRequestStart(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(method, endpoint).Inc()
}

// RecordRequestEnd decrements in-flight gauge.
func (mc *MetricsCollector) RecordRequestEnd(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(method, endpoint).Dec()
}

// RecordRetry increments retry counter for an attempt.
func (mc *MetricsCollector) RecordRetry(method, endpoint string, attempt int) {
	if mc == nil {
		return
	}

	mc.retriesTotal.WithLabelValues(method, endpoint, strconv.Itoa(attempt)).Inc()
}

// RecordCircuitBreakerState sets gauge to breaker state.
func (mc *MetricsCollector) RecordCircuitBreakerState(name string, state CircuitState) {
	if mc == nil {
		return
	}

	var stateValue float64
	switch state {
	case StateClosed:
		stateValue = 0
	case StateOpen:
		stateValue = 1
	case StateHalfOpen:
		stateValue = 2
	}

	mc.circuitBreakerState.WithLabelValues(name).Set(stateValue)
}

// RecordCacheHit increments cache hit counter.
func (mc *MetricsCollector) RecordCacheHit(tier CacheTier) {
	if mc == nil {
		return
	}

	mc.cacheHits.WithLabelValues(tier.String()).Inc()
}

// RecordCacheMiss increments cache miss counter.
func (mc *MetricsCollector) RecordCacheMiss() {
	if mc == nil {
		return
	}

	mc.cacheMisses.Inc()
}

// RecordCacheEviction increments the capacity eviction counter.
func (mc *MetricsCollector) RecordCacheEviction() {
	if mc == nil {
		return
	}

	mc.cacheEvictions.Inc()
}

// RecordCacheSize sets cache size gauge.
func (mc *MetricsCollector) RecordCacheSize(size int) {
	if mc == nil {
		return
	}

	mc.cacheSize.Set(float64(size))
}

// RecordDeduplicationHit increments de-dup hit counter.
func (mc *MetricsCollector) RecordDeduplicationHit(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.deduplicationHits.WithLabelValues(method, endpoint).Inc()
}

// RecordRefresh counts a credential refresh outcome ("success" or "failure").
func (mc *MetricsCollector) RecordRefresh(result string) {
	if mc == nil {
		return
	}

	mc.refreshesTotal.WithLabelValues(result).Inc()
}

// RecordQueueDepth sets the offline queue depth gauge.
func (mc *MetricsCollector) RecordQueueDepth(depth int) {
	if mc == nil {
		return
	}

	mc.queueDepth.Set(float64(depth))
}

// RecordSyncPass counts a sync pass ("success", "partial" or "skipped").
func (mc *MetricsCollector) RecordSyncPass(outcome string) {
	if mc == nil {
		return
	}

	mc.queueSyncPasses.WithLabelValues(outcome).Inc()
}

// RecordQueueDropped counts items dropped after exhausting retries.
func (mc *MetricsCollector) RecordQueueDropped(n int) {
	if mc == nil || n <= 0 {
		return
	}

	mc.queueDropped.Add(float64(n))
}

// RecordSpacingWait observes time spent waiting for request spacing.
func (mc *MetricsCollector) RecordSpacingWait(d time.Duration) {
	if mc == nil {
		return
	}

	mc.spacingWait.Observe(d.Seconds())
}

// RecordError increments error counter by kind.
func (mc *MetricsCollector) RecordError(kind ErrorKind, method, endpoint string) {
	if mc == nil || kind == "" {
		return
	}

	mc.errorsTotal.WithLabelValues(string(kind), method, endpoint).Inc()
}

// GetRegistry exposes the underlying prometheus registry, or nil when the
// collector was built on a plain Registerer.
func (mc *MetricsCollector) GetRegistry() *prometheus.Registry {
	return mc.registry
}
