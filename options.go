package netcore

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ultrakipen/netcore/config"
	"github.com/ultrakipen/netcore/kvstore"
)

// WithTransport sets the raw transport the pipeline wraps.
func WithTransport(t Transport) Option {
	return func(p *Pipeline) {
		p.transport = t
	}
}

// WithTransportOptions configures the default HTTP transport. Ignored when
// WithTransport is used.
func WithTransportOptions(opts ...TransportOption) Option {
	return func(p *Pipeline) {
		p.transportOpts = append(p.transportOpts, opts...)
	}
}

// WithMiddleware adds middleware around every transport call
func WithMiddleware(middleware ...Middleware) Option {
	return func(p *Pipeline) {
		p.middleware = append(p.middleware, middleware...)
	}
}

// WithRetryConfig replaces the retry configuration
func WithRetryConfig(cfg RetryConfig) Option {
	return func(p *Pipeline) {
		p.retryConfig = cfg
	}
}

// WithMaxAttempts sets the default attempt budget
func WithMaxAttempts(n int) Option {
	return func(p *Pipeline) {
		p.retryConfig.MaxAttempts = n
	}
}

// WithBackoff sets the base delay, the delay cap and the jitter bound
func WithBackoff(base, max, jitter time.Duration) Option {
	return func(p *Pipeline) {
		p.retryConfig.BaseDelay = base
		p.retryConfig.MaxDelay = max
		p.retryConfig.Jitter = jitter
	}
}

// WithBackoffStrategy sets the delay formula
func WithBackoffStrategy(s BackoffStrategy) Option {
	return func(p *Pipeline) {
		p.retryConfig.Strategy = s
	}
}

// WithRetryHook observes every retry state transition
func WithRetryHook(obs RetryObserver) Option {
	return func(p *Pipeline) {
		p.retryObserver = obs
	}
}

// WithCircuitBreaker enables a circuit breaker in front of the retry loop
func WithCircuitBreaker(cfg CircuitBreakerConfig) Option {
	return func(p *Pipeline) {
		p.breakerConfig = &cfg
	}
}

// WithMinRequestGap enforces a minimum spacing between outgoing calls
func WithMinRequestGap(d time.Duration) Option {
	return func(p *Pipeline) {
		p.minRequestGap = d
	}
}

// WithCache configures the default response cache
func WithCache(opts ...CacheOption) Option {
	return func(p *Pipeline) {
		p.cacheEnabled = true
		p.cacheOpts = append(p.cacheOpts, opts...)
	}
}

// WithResponseCache sets a pre-built response cache
func WithResponseCache(c *ResponseCache) Option {
	return func(p *Pipeline) {
		p.cacheEnabled = c != nil
		p.cache = c
	}
}

// WithoutCache disables response caching
func WithoutCache() Option {
	return func(p *Pipeline) {
		p.cacheEnabled = false
		p.cache = nil
	}
}

// WithDefaultTier sets the tier used by reads that leave Request.Tier unset
func WithDefaultTier(tier CacheTier) Option {
	return func(p *Pipeline) {
		p.defaultTier = tier
	}
}

// WithDeduplicationWindow sets how long a completed read stays joinable
func WithDeduplicationWindow(d time.Duration) Option {
	return func(p *Pipeline) {
		p.dedupWindow = d
	}
}

// WithDeduplicationKeyFunc sets the key function shared by dedup and cache
func WithDeduplicationKeyFunc(fn DeduplicationKeyFunc) Option {
	return func(p *Pipeline) {
		p.dedupKeyFunc = fn
	}
}

// WithCredentials attaches a credential coordinator
func WithCredentials(c *CredentialCoordinator) Option {
	return func(p *Pipeline) {
		p.credentials = c
	}
}

// WithOfflineQueue attaches the queue used for writes made while offline
func WithOfflineQueue(q *OfflineQueue) Option {
	return func(p *Pipeline) {
		p.queue = q
	}
}

// WithConnectivity attaches a connectivity observer. Writes are queued
// without a network attempt while it reports offline, and the offline queue
// syncs on reconnect.
func WithConnectivity(o ConnectivityObserver) Option {
	return func(p *Pipeline) {
		p.observer = o
	}
}

// WithConnectivityProbe probes url every interval to drive the connectivity
// monitor. A ConnectivityMonitor is created when no observer is set.
func WithConnectivityProbe(url string, interval time.Duration) Option {
	return func(p *Pipeline) {
		p.probeURL = url
		p.probeInterval = interval
	}
}

// WithQueueOnServerFailure also queues writes that exhausted retries on 5xx
func WithQueueOnServerFailure() Option {
	return func(p *Pipeline) {
		p.queueOnServerFailure = true
	}
}

// WithIdempotencyFunc decides which methods are retried automatically
func WithIdempotencyFunc(fn func(method string) bool) Option {
	return func(p *Pipeline) {
		p.isIdempotent = fn
	}
}

// WithPrefetchConcurrency bounds Prefetch parallelism
func WithPrefetchConcurrency(n int) Option {
	return func(p *Pipeline) {
		p.prefetchConcurrency = n
	}
}

// WithMetrics enables Prometheus metrics on the default registerer
func WithMetrics() Option {
	return func(p *Pipeline) {
		p.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector sets a custom metrics collector
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(p *Pipeline) {
		p.metrics = collector
	}
}

// WithLogger sets the logger shared by every component the pipeline builds
func WithLogger(logger Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// ValidateConfiguration validates the pipeline configuration and returns an
// error matching ErrInvalidConfig if invalid
func (p *Pipeline) ValidateConfiguration() error {
	var errs []string

	errs = append(errs, p.validateRetryConfig()...)
	errs = append(errs, p.validateBreakerConfig()...)
	errs = append(errs, p.validateCacheConfig()...)
	errs = append(errs, p.validateDeduplicationConfig()...)
	errs = append(errs, p.validateMiddlewareConfig()...)
	errs = append(errs, p.validateOptionCombinations()...)
	errs = append(errs, p.validateExtremeValues()...)

	if len(errs) > 0 {
		return &RequestError{
			Kind:      KindValidation,
			Message:   "configuration validation failed",
			Cause:     fmt.Errorf("validation errors: %v", errs),
			Timestamp: time.Now(),
		}
	}
	return nil
}

func (p *Pipeline) validateRetryConfig() []string {
	var errs []string
	if p.retryConfig.MaxAttempts < 1 {
		errs = append(errs, "maxAttempts must be at least 1")
	}
	if p.retryConfig.BaseDelay <= 0 {
		errs = append(errs, "baseDelay must be positive")
	}
	if p.retryConfig.MaxDelay < p.retryConfig.BaseDelay {
		errs = append(errs, "maxDelay must be greater than or equal to baseDelay")
	}
	if p.retryConfig.Jitter < 0 {
		errs = append(errs, "jitter must be non-negative")
	}
	if p.minRequestGap < 0 {
		errs = append(errs, "minRequestGap must be non-negative")
	}
	return errs
}

func (p *Pipeline) validateBreakerConfig() []string {
	var errs []string
	if p.breakerConfig != nil {
		if p.breakerConfig.FailureThreshold < 0 {
			errs = append(errs, "circuitBreaker FailureThreshold must be positive")
		}
		if p.breakerConfig.RecoveryTimeout < 0 {
			errs = append(errs, "circuitBreaker RecoveryTimeout must be positive")
		}
		if p.breakerConfig.SuccessThreshold < 0 {
			errs = append(errs, "circuitBreaker SuccessThreshold must be positive")
		}
	}
	return errs
}

func (p *Pipeline) validateCacheConfig() []string {
	var errs []string
	if p.defaultTier < TierDefault || p.defaultTier > TierVeryLong {
		errs = append(errs, fmt.Sprintf("defaultTier %d is not a cache tier", p.defaultTier))
	}
	return errs
}

func (p *Pipeline) validateDeduplicationConfig() []string {
	var errs []string
	if p.dedupWindow < 0 {
		errs = append(errs, "deduplication window must be non-negative")
	}
	if p.dedupKeyFunc == nil {
		errs = append(errs, "deduplication key function must be set")
	}
	return errs
}

func (p *Pipeline) validateMiddlewareConfig() []string {
	var errs []string
	for i, middleware := range p.middleware {
		if middleware == nil {
			errs = append(errs, fmt.Sprintf("middleware[%d] cannot be nil", i))
		}
	}
	return errs
}

func (p *Pipeline) validateOptionCombinations() []string {
	var errs []string
	if p.isIdempotent == nil {
		errs = append(errs, "idempotency function must be set")
	}
	if p.prefetchConcurrency < 1 {
		errs = append(errs, "prefetchConcurrency must be at least 1")
	}
	if p.queueOnServerFailure && p.queue == nil {
		errs = append(errs, "queueOnServerFailure requires an offline queue")
	}
	if p.probeURL != "" && p.probeInterval <= 0 {
		errs = append(errs, "connectivity probe interval must be positive")
	}
	return errs
}

func (p *Pipeline) validateExtremeValues() []string {
	var errs []string
	if p.retryConfig.MaxAttempts > 100 {
		errs = append(errs, "maxAttempts > 100 may cause excessive resource usage")
	}
	if p.retryConfig.BaseDelay > 10*time.Minute {
		errs = append(errs, "baseDelay > 10m may cause very long delays")
	}
	if p.retryConfig.MaxDelay > time.Hour {
		errs = append(errs, "maxDelay > 1h may cause extremely long delays")
	}
	return errs
}

// OptionsFromConfig maps loaded configuration to pipeline options. The
// credential coordinator and offline queue are built over store; a nil store
// leaves both out.
func OptionsFromConfig(cfg *config.Config, store kvstore.Store, logger Logger) ([]Option, error) {
	logger = loggerOrNop(logger)

	strategy, err := ParseBackoffStrategy(cfg.Retry.Strategy)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	tier, err := ParseCacheTier(cfg.Cache.DefaultTier)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	var metrics *MetricsCollector
	if cfg.Metrics.Enabled {
		metrics = NewMetricsCollectorWithRegistry(prometheus.NewRegistry())
	}

	transportOpts := []TransportOption{
		WithBaseURL(cfg.Transport.BaseURL),
		WithDefaultTimeout(cfg.Transport.Timeout),
		WithMaxBodyBytes(cfg.Transport.MaxBodyBytes),
		WithTransportLogger(logger),
		WithTransportMetrics(metrics),
	}
	if cfg.Transport.UserAgent != "" {
		transportOpts = append(transportOpts, WithUserAgent(cfg.Transport.UserAgent))
	}
	transport := NewHTTPTransport(transportOpts...)

	opts := []Option{
		WithLogger(logger),
		WithMetricsCollector(metrics),
		WithTransport(transport),
		WithRetryConfig(RetryConfig{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			Jitter:      cfg.Retry.Jitter,
			Strategy:    strategy,
		}),
		WithMinRequestGap(cfg.Transport.MinRequestGap),
		WithDeduplicationWindow(cfg.Dedup.Window),
		WithDefaultTier(tier),
	}

	if cfg.Breaker.Enabled {
		opts = append(opts, WithCircuitBreaker(CircuitBreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
		}))
	}

	if cfg.Cache.Enabled {
		opts = append(opts, WithCache(
			WithCacheCapacity(cfg.Cache.Capacity),
			WithTierTTLs(TierTTLs{
				Short:    cfg.Cache.ShortTTL,
				Medium:   cfg.Cache.MediumTTL,
				Long:     cfg.Cache.LongTTL,
				VeryLong: cfg.Cache.VeryLongTTL,
			}),
		))
	} else {
		opts = append(opts, WithoutCache())
	}

	if cfg.Transport.ProbeURL != "" {
		opts = append(opts, WithConnectivityProbe(cfg.Transport.ProbeURL, cfg.Transport.ProbeInterval))
	}

	if store == nil {
		return opts, nil
	}

	if cfg.Auth.RefreshURL != "" {
		refresher := NewHTTPRefresher(transport, cfg.Auth.RefreshURL)
		if cfg.Auth.RefreshTimeout > 0 {
			refresher.Timeout = cfg.Auth.RefreshTimeout
		}
		credOpts := []CredentialOption{
			WithCredentialKey(cfg.Auth.CredentialKey),
			WithCredentialLogger(logger),
			WithCredentialMetrics(metrics),
			WithPublicEndpoints(cfg.Auth.PublicEndpoints, cfg.Auth.AuthRequiredEndpoints),
		}
		if cfg.Auth.ExcludedEndpoints != nil {
			credOpts = append(credOpts, WithExcludedEndpoints(cfg.Auth.ExcludedEndpoints...))
		}
		opts = append(opts, WithCredentials(NewCredentialCoordinator(store, refresher, credOpts...)))
	}

	if cfg.Queue.Enabled {
		queue := NewOfflineQueue(store,
			WithQueueKey(cfg.Queue.Key),
			WithQueueMaxRetries(cfg.Queue.MaxRetries),
			WithQueueLogger(logger),
			WithQueueMetrics(metrics),
		)
		opts = append(opts, WithOfflineQueue(queue))
		if cfg.Queue.QueueOnServerFailure {
			opts = append(opts, WithQueueOnServerFailure())
		}
	}

	return opts, nil
}

// OpenStore opens the store selected by cfg.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (kvstore.Store, func() error, error) {
	switch cfg.Driver {
	case "memory":
		return kvstore.NewMemory(), func() error { return nil }, nil
	case "sqlite", "":
		s, err := kvstore.OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown store driver %q", ErrInvalidConfig, cfg.Driver)
	}
}
