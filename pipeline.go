package netcore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
)

// ErrQueued is returned by Do when a write was accepted into the offline
// queue instead of being delivered.
var ErrQueued = errors.New("netcore: write queued for replay")

// WriteResult is the outcome of Write. Exactly one of Response or Queued is
// set on success.
type WriteResult struct {
	Response *Response
	Queued   bool
	QueueID  string
}

// Pipeline is the request/response primitive. Reads are deduplicated, served
// from the response cache when fresh, and otherwise fetched through the retry
// loop and the credential coordinator. Writes go through the same retry and
// credential layers and fall back to the offline queue when the remote is
// unreachable. It is safe for concurrent use.
type Pipeline struct {
	transport     Transport
	transportOpts []TransportOption
	middleware    []Middleware

	retry         *RetryCoordinator
	retryConfig   RetryConfig
	retryObserver RetryObserver
	breakerConfig *CircuitBreakerConfig
	breaker       *CircuitBreaker
	minRequestGap time.Duration

	cache        *ResponseCache
	cacheEnabled bool
	cacheOpts    []CacheOption
	defaultTier  CacheTier

	dedup        *Deduplicator
	dedupWindow  time.Duration
	dedupKeyFunc DeduplicationKeyFunc

	credentials *CredentialCoordinator

	queue                *OfflineQueue
	queueOnServerFailure bool
	observer             ConnectivityObserver
	probeURL             string
	probeInterval        time.Duration

	isIdempotent        func(method string) bool
	prefetchConcurrency int

	metrics *MetricsCollector
	logger  Logger

	stop            func()
	closeOnce       sync.Once
	validationError error
}

// New constructs a Pipeline from functional options. Validation is best
// effort; check IsValid or ValidationError before use.
func New(options ...Option) *Pipeline {
	p := &Pipeline{
		retryConfig:         DefaultRetryConfig(),
		cacheEnabled:        true,
		defaultTier:         TierMedium,
		dedupWindow:         DefaultDedupWindow,
		dedupKeyFunc:        DefaultDeduplicationKeyFunc,
		isIdempotent:        DefaultIsIdempotent,
		prefetchConcurrency: 4,
	}

	for _, option := range options {
		option(p)
	}
	p.logger = loggerOrNop(p.logger)

	if err := p.ValidateConfiguration(); err != nil {
		p.validationError = err
	}
	p.build()
	return p
}

func (p *Pipeline) build() {
	if p.transport == nil {
		opts := append([]TransportOption{
			WithTransportLogger(p.logger),
			WithTransportMetrics(p.metrics),
		}, p.transportOpts...)
		p.transport = NewHTTPTransport(opts...)
	}
	if len(p.middleware) > 0 && p.validationError == nil {
		p.transport = chain(p.transport, p.middleware)
	}

	if p.cache == nil && p.cacheEnabled {
		opts := append([]CacheOption{
			WithCacheLogger(p.logger),
			WithCacheMetrics(p.metrics),
		}, p.cacheOpts...)
		p.cache = NewResponseCache(opts...)
	}

	p.dedup = NewDeduplicator(p.dedupWindow, p.logger)

	retryOpts := []RetryOption{WithRetryLogger(p.logger), WithRetryMetrics(p.metrics)}
	if p.breakerConfig != nil {
		p.breaker = NewCircuitBreaker(*p.breakerConfig)
		p.breaker.metrics = p.metrics
		p.breaker.logger = p.logger
		retryOpts = append(retryOpts, WithRetryCircuitBreaker(p.breaker))
	}
	if p.minRequestGap > 0 {
		retryOpts = append(retryOpts, WithRequestSpacing(p.minRequestGap))
	}
	if p.retryObserver != nil {
		retryOpts = append(retryOpts, WithRetryObserver(p.retryObserver))
	}
	p.retry = NewRetryCoordinator(p.retryConfig, retryOpts...)

	var stops []func()
	if p.probeURL != "" && p.probeInterval > 0 {
		monitor, ok := p.observer.(*ConnectivityMonitor)
		if p.observer == nil {
			monitor, ok = NewConnectivityMonitor(true, p.logger), true
			p.observer = monitor
		}
		if ok {
			ctx, cancel := context.WithCancel(context.Background())
			probe := HTTPProbe(p.transport, p.probeURL, p.probeInterval)
			go monitor.Run(ctx, p.probeInterval, probe)
			stops = append(stops, cancel)
		}
	}
	if p.queue != nil && p.observer != nil {
		stops = append(stops, p.queue.Watch(p.observer, p.ReplayExecutor()))
	}
	p.stop = func() {
		for _, s := range stops {
			s()
		}
	}
}

// IsValid reports whether the configuration passed validation.
func (p *Pipeline) IsValid() bool {
	return p.validationError == nil
}

// ValidationError returns the configuration error, if any.
func (p *Pipeline) ValidationError() error {
	return p.validationError
}

// Cache returns the response cache, or nil when caching is disabled.
func (p *Pipeline) Cache() *ResponseCache {
	return p.cache
}

// Queue returns the offline queue, or nil.
func (p *Pipeline) Queue() *OfflineQueue {
	return p.queue
}

// Credentials returns the credential coordinator, or nil.
func (p *Pipeline) Credentials() *CredentialCoordinator {
	return p.credentials
}

// CircuitBreaker returns the circuit breaker, or nil.
func (p *Pipeline) CircuitBreaker() *CircuitBreaker {
	return p.breaker
}

// Connectivity returns the connectivity observer, or nil.
func (p *Pipeline) Connectivity() ConnectivityObserver {
	return p.observer
}

// Metrics returns the metrics collector, or nil.
func (p *Pipeline) Metrics() *MetricsCollector {
	return p.metrics
}

// Close stops connectivity probing and queue watching. It does not close
// the underlying store.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		if p.stop != nil {
			p.stop()
		}
	})
	return nil
}

// Read performs a read. Concurrent reads with the same key share one
// execution; a fresh cached response is returned without a network call;
// otherwise the response is fetched with retries and cached when 2xx.
func (p *Pipeline) Read(ctx context.Context, req *Request) (*Response, error) {
	if err := p.check(req); err != nil {
		return nil, err
	}
	key := p.dedupKeyFunc(req)

	v, err, shared := p.dedup.Do(ctx, key, func(ctx context.Context) (any, error) {
		return p.fetch(ctx, req, key)
	})
	if shared {
		p.metrics.RecordDeduplicationHit(req.Method, endpointOf(req.URL))
	}
	if err != nil {
		return nil, err
	}
	resp, _ := v.(*Response)
	return resp, nil
}

func (p *Pipeline) fetch(ctx context.Context, req *Request, key string) (*Response, error) {
	cacheable := p.cache != nil && !req.NoCache
	if cacheable {
		if v, ok := p.cache.Get(key); ok {
			if resp, ok := v.(*Response); ok {
				return resp, nil
			}
		}
	}

	resp, err := p.exchange(ctx, req)
	if err != nil {
		return nil, err
	}
	if cacheable && resp.OK() {
		p.cache.Set(key, resp, p.tierFor(req))
	}
	return resp, nil
}

// Write performs a mutation. When the remote is unreachable, or the
// connectivity observer reports offline, the write is queued and
// WriteResult.Queued is set. Client, auth and refresh failures are returned
// immediately and never queued. On success every Request.Invalidates pattern
// is dropped from the cache and the deduplicator.
func (p *Pipeline) Write(ctx context.Context, req *Request) (WriteResult, error) {
	if err := p.check(req); err != nil {
		return WriteResult{}, err
	}
	if p.queue != nil && p.observer != nil && !p.observer.Online() {
		return p.enqueue(ctx, req, nil)
	}

	resp, err := p.exchange(ctx, req)
	if err != nil {
		if p.shouldQueue(ctx, err) {
			return p.enqueue(ctx, req, err)
		}
		return WriteResult{Response: resp}, err
	}
	p.invalidate(req.Invalidates)
	return WriteResult{Response: resp}, nil
}

func (p *Pipeline) shouldQueue(ctx context.Context, err error) bool {
	if p.queue == nil || ctx.Err() != nil {
		return false
	}
	switch {
	case errors.Is(err, ErrConnectivity), errors.Is(err, ErrCircuitOpen):
		return true
	case errors.Is(err, ErrServer):
		return p.queueOnServerFailure && IsDegraded(err)
	default:
		return false
	}
}

func (p *Pipeline) enqueue(ctx context.Context, req *Request, cause error) (WriteResult, error) {
	header := req.Header.Clone()
	if header != nil {
		header.Del("Authorization")
	}
	id, err := p.queue.Enqueue(ctx, QueueItem{
		Method:      req.Method,
		URL:         req.URL,
		Body:        req.Body,
		Header:      header,
		MaxRetries:  req.MaxQueueRetries,
		Invalidates: req.Invalidates,
	})
	if err != nil {
		if cause != nil {
			err = errors.Join(cause, err)
		}
		return WriteResult{}, fmt.Errorf("netcore: queue write: %w", err)
	}
	p.logger.Info("write deferred to offline queue", "method", req.Method, "url", req.URL, "id", id, "cause", cause)
	return WriteResult{Queued: true, QueueID: id}, nil
}

// Do dispatches by method: mutating methods go through Write, everything
// else through Read. A queued write returns ErrQueued.
func (p *Pipeline) Do(ctx context.Context, req *Request) (*Response, error) {
	if req != nil && isMutating(req.Method) {
		res, err := p.Write(ctx, req)
		if err != nil {
			return res.Response, err
		}
		if res.Queued {
			return nil, fmt.Errorf("%w (id %s)", ErrQueued, res.QueueID)
		}
		return res.Response, nil
	}
	return p.Read(ctx, req)
}

// Get reads url.
func (p *Pipeline) Get(ctx context.Context, url string) (*Response, error) {
	return p.Read(ctx, &Request{Method: http.MethodGet, URL: url})
}

// Post writes body to url as JSON.
func (p *Pipeline) Post(ctx context.Context, url string, body []byte) (WriteResult, error) {
	return p.Write(ctx, &Request{
		Method: http.MethodPost,
		URL:    url,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   body,
	})
}

// Prefetch warms the cache for reqs with bounded parallelism. Errors are
// joined; one failure does not stop the others.
func (p *Pipeline) Prefetch(ctx context.Context, reqs ...*Request) error {
	workers := pool.New().WithErrors().WithContext(ctx).WithMaxGoroutines(p.prefetchConcurrency)
	for _, req := range reqs {
		workers.Go(func(ctx context.Context) error {
			_, err := p.Read(ctx, req)
			return err
		})
	}
	return workers.Wait()
}

// ReplayExecutor returns the executor that replays queued writes through
// the retry and credential layers.
func (p *Pipeline) ReplayExecutor() QueueExecutor {
	return func(ctx context.Context, item QueueItem) error {
		req := item.Request()
		if _, err := p.exchange(ctx, req); err != nil {
			return err
		}
		p.invalidate(req.Invalidates)
		return nil
	}
}

// SyncOfflineQueue replays the offline queue now.
func (p *Pipeline) SyncOfflineQueue(ctx context.Context) (SyncResult, error) {
	if p.queue == nil {
		return SyncResult{}, newRequestError(KindValidation, "offline queue is not configured", nil, nil)
	}
	return p.queue.Sync(ctx, p.ReplayExecutor())
}

// Invalidate drops every cached response and joinable read whose key
// contains pattern.
func (p *Pipeline) Invalidate(pattern string) int {
	n := p.dedup.InvalidatePattern(pattern)
	if p.cache != nil {
		n += p.cache.Invalidate(pattern)
	}
	return n
}

func (p *Pipeline) invalidate(patterns []string) {
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		p.Invalidate(pattern)
	}
}

// exchange runs one logical call through retry and credentials.
// Non-idempotent methods get a single attempt unless AllowRetry is set.
func (p *Pipeline) exchange(ctx context.Context, req *Request) (*Response, error) {
	attempts := 0
	if !req.AllowRetry && !p.isIdempotent(req.Method) {
		attempts = 1
	}

	var resp *Response
	err := p.retry.Do(ctx, attempts, func(ctx context.Context) error {
		r, err := p.send(ctx, req)
		resp = r
		return err
	})
	if err != nil {
		p.metrics.RecordError(Classify(err), req.Method, endpointOf(req.URL))
		return resp, err
	}
	return resp, nil
}

func (p *Pipeline) send(ctx context.Context, req *Request) (*Response, error) {
	if p.credentials != nil {
		return p.credentials.Send(ctx, req, p.transport.RoundTrip)
	}
	r := req.Clone()
	resp, err := p.transport.RoundTrip(ctx, r)
	return checkResponse(r, resp, err)
}

func (p *Pipeline) tierFor(req *Request) CacheTier {
	if req.Tier != TierDefault {
		return req.Tier
	}
	return p.defaultTier
}

func (p *Pipeline) check(req *Request) error {
	if p.validationError != nil {
		return p.validationError
	}
	if req == nil || req.URL == "" {
		return newRequestError(KindValidation, "request needs a URL", nil, req)
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	return nil
}

// ReadJSON reads req and decodes the body into T.
func ReadJSON[T any](ctx context.Context, p *Pipeline, req *Request) (T, error) {
	var out T
	resp, err := p.Read(ctx, req)
	if err != nil {
		return out, err
	}
	if err := resp.DecodeJSON(&out); err != nil {
		return out, fmt.Errorf("netcore: decode response: %w", err)
	}
	return out, nil
}

// WriteJSON encodes payload as the body of req, writes it and decodes a
// delivered response into T. A queued write returns the zero T.
func WriteJSON[T any](ctx context.Context, p *Pipeline, req *Request, payload any) (T, WriteResult, error) {
	var out T
	body, err := json.Marshal(payload)
	if err != nil {
		return out, WriteResult{}, fmt.Errorf("netcore: encode request: %w", err)
	}
	r := req.Clone()
	r.Body = body
	r.Header.Set("Content-Type", "application/json")

	res, err := p.Write(ctx, r)
	if err != nil || res.Queued || res.Response == nil || len(res.Response.Body) == 0 {
		return out, res, err
	}
	if err := res.Response.DecodeJSON(&out); err != nil {
		return out, res, fmt.Errorf("netcore: decode response: %w", err)
	}
	return out, res, nil
}
