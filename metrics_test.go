package netcore

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) *MetricsCollector {
	t.Helper()
	mc := NewMetricsCollectorWithRegistry(prometheus.NewRegistry())
	require.NotNil(t, mc)
	return mc
}

func TestNewMetricsCollectorWithRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	mc := NewMetricsCollectorWithRegistry(registry)
	assert.Same(t, registry, mc.GetRegistry())

	plain := NewMetricsCollectorWithRegistry(prometheus.WrapRegistererWithPrefix("app_", prometheus.NewRegistry()))
	assert.Nil(t, plain.GetRegistry())
}

func TestRecordRequest(t *testing.T) {
	mc := newTestMetrics(t)
	mc.RecordRequestStart("GET", "/posts")
	assert.Equal(t, 1.0, testutil.ToFloat64(mc.requestsInFlight.WithLabelValues("GET", "/posts")))

	mc.RecordRequest("GET", "/posts", 200, 20*time.Millisecond)
	mc.RecordRequestEnd("GET", "/posts")

	assert.Equal(t, 1.0, testutil.ToFloat64(mc.requestsTotal.WithLabelValues("GET", "200", "/posts")))
	assert.Equal(t, 0.0, testutil.ToFloat64(mc.requestsInFlight.WithLabelValues("GET", "/posts")))
	assert.Equal(t, 1, testutil.CollectAndCount(mc.requestDuration))
}

func TestRecordRetry(t *testing.T) {
	mc := newTestMetrics(t)
	mc.RecordRetry("GET", "/posts", 1)
	mc.RecordRetry("GET", "/posts", 1)
	mc.RecordRetry("GET", "/posts", 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(mc.retriesTotal.WithLabelValues("GET", "/posts", "1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mc.retriesTotal.WithLabelValues("GET", "/posts", "2")))
}

func TestRecordCircuitBreakerState(t *testing.T) {
	mc := newTestMetrics(t)
	for state, want := range map[CircuitState]float64{StateClosed: 0, StateOpen: 1, StateHalfOpen: 2} {
		mc.RecordCircuitBreakerState("default", state)
		assert.Equal(t, want, testutil.ToFloat64(mc.circuitBreakerState.WithLabelValues("default")))
	}
}

func TestRecordCacheMetrics(t *testing.T) {
	mc := newTestMetrics(t)
	mc.RecordCacheHit(TierShort)
	mc.RecordCacheHit(TierShort)
	mc.RecordCacheHit(TierVeryLong)
	mc.RecordCacheMiss()
	mc.RecordCacheEviction()
	mc.RecordCacheSize(42)

	assert.Equal(t, 2.0, testutil.ToFloat64(mc.cacheHits.WithLabelValues("short")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mc.cacheHits.WithLabelValues("very_long")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mc.cacheMisses))
	assert.Equal(t, 1.0, testutil.ToFloat64(mc.cacheEvictions))
	assert.Equal(t, 42.0, testutil.ToFloat64(mc.cacheSize))
}

func TestRecordQueueMetrics(t *testing.T) {
	mc := newTestMetrics(t)
	mc.RecordQueueDepth(3)
	mc.RecordSyncPass("success")
	mc.RecordSyncPass("partial")
	mc.RecordSyncPass("partial")
	mc.RecordQueueDropped(2)
	mc.RecordQueueDropped(0)

	assert.Equal(t, 3.0, testutil.ToFloat64(mc.queueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(mc.queueSyncPasses.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(mc.queueSyncPasses.WithLabelValues("partial")))
	assert.Equal(t, 2.0, testutil.ToFloat64(mc.queueDropped))
}

func TestRecordRefreshAndDeduplication(t *testing.T) {
	mc := newTestMetrics(t)
	mc.RecordRefresh("success")
	mc.RecordRefresh("failure")
	mc.RecordDeduplicationHit("GET", "/posts")

	assert.Equal(t, 1.0, testutil.ToFloat64(mc.refreshesTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mc.refreshesTotal.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mc.deduplicationHits.WithLabelValues("GET", "/posts")))
}

func TestRecordError(t *testing.T) {
	mc := newTestMetrics(t)
	mc.RecordError(KindServer, "POST", "/posts")
	mc.RecordError("", "POST", "/posts")

	assert.Equal(t, 1.0, testutil.ToFloat64(mc.errorsTotal.WithLabelValues("Server", "POST", "/posts")))
	assert.Equal(t, 1, testutil.CollectAndCount(mc.errorsTotal))
}

func TestRecordSpacingWait(t *testing.T) {
	mc := newTestMetrics(t)
	mc.RecordSpacingWait(30 * time.Millisecond)

	expected := `
# HELP netcore_request_spacing_wait_seconds Time spent waiting for the request spacing limiter
# TYPE netcore_request_spacing_wait_seconds histogram
netcore_request_spacing_wait_seconds_bucket{le="0.001"} 0
netcore_request_spacing_wait_seconds_bucket{le="0.01"} 0
netcore_request_spacing_wait_seconds_bucket{le="0.05"} 1
netcore_request_spacing_wait_seconds_bucket{le="0.1"} 1
netcore_request_spacing_wait_seconds_bucket{le="0.25"} 1
netcore_request_spacing_wait_seconds_bucket{le="0.5"} 1
netcore_request_spacing_wait_seconds_bucket{le="1"} 1
netcore_request_spacing_wait_seconds_bucket{le="+Inf"} 1
netcore_request_spacing_wait_seconds_sum 0.03
netcore_request_spacing_wait_seconds_count 1
`
	assert.NoError(t, testutil.GatherAndCompare(mc.GetRegistry(), strings.NewReader(expected), "netcore_request_spacing_wait_seconds"))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var mc *MetricsCollector
	assert.NotPanics(t, func() {
		mc.RecordRequest("GET", "/", 200, time.Millisecond)
		mc.RecordRequestStart("GET", "/")
		mc.RecordRequestEnd("GET", "/")
		mc.RecordRetry("GET", "/", 1)
		mc.RecordCircuitBreakerState("default", StateOpen)
		mc.RecordCacheHit(TierShort)
		mc.RecordCacheMiss()
		mc.RecordCacheEviction()
		mc.RecordCacheSize(1)
		mc.RecordDeduplicationHit("GET", "/")
		mc.RecordRefresh("success")
		mc.RecordQueueDepth(1)
		mc.RecordSyncPass("success")
		mc.RecordQueueDropped(1)
		mc.RecordSpacingWait(time.Millisecond)
		mc.RecordError(KindServer, "GET", "/")
	})
}

func TestPipelineMetricsEndToEnd(t *testing.T) {
	mc := newTestMetrics(t)
	p := New(
		WithTransport(okTransport(`{"ok":true}`)),
		WithMetricsCollector(mc),
		WithDeduplicationWindow(time.Millisecond),
	)
	defer p.Close()

	_, err := p.Get(t.Context(), "https://api.example.com/posts")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = p.Get(t.Context(), "https://api.example.com/posts")
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(mc.cacheMisses))
	assert.Equal(t, 1.0, testutil.ToFloat64(mc.cacheHits.WithLabelValues("medium")))
}
