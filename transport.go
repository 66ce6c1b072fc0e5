package netcore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultRequestTimeout bounds a single transport call.
const DefaultRequestTimeout = 30 * time.Second

// DefaultMaxBodyBytes caps buffered response bodies.
const DefaultMaxBodyBytes = 10 * 1024 * 1024

// TransportOption configures an HTTPTransport.
type TransportOption func(*HTTPTransport)

// WithHTTPClient sets the underlying client.
func WithHTTPClient(client *http.Client) TransportOption {
	return func(t *HTTPTransport) {
		if client != nil {
			t.client = client
		}
	}
}

// WithBaseURL resolves relative request URLs against base.
func WithBaseURL(base string) TransportOption {
	return func(t *HTTPTransport) {
		t.baseURL = strings.TrimRight(base, "/")
	}
}

// WithDefaultTimeout sets the timeout used when Request.Timeout is zero.
func WithDefaultTimeout(d time.Duration) TransportOption {
	return func(t *HTTPTransport) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithMaxBodyBytes caps how much of a response body is buffered.
func WithMaxBodyBytes(n int64) TransportOption {
	return func(t *HTTPTransport) {
		if n > 0 {
			t.maxBodyBytes = n
		}
	}
}

// WithUserAgent sets the User-Agent header on every call.
func WithUserAgent(ua string) TransportOption {
	return func(t *HTTPTransport) {
		t.userAgent = ua
	}
}

// WithTransportMiddleware appends middleware. The first added is outermost.
func WithTransportMiddleware(mw ...Middleware) TransportOption {
	return func(t *HTTPTransport) {
		t.middleware = append(t.middleware, mw...)
	}
}

// WithTransportMetrics attaches a metrics collector.
func WithTransportMetrics(mc *MetricsCollector) TransportOption {
	return func(t *HTTPTransport) {
		t.metrics = mc
	}
}

// WithTransportLogger attaches a logger.
func WithTransportLogger(l Logger) TransportOption {
	return func(t *HTTPTransport) {
		t.logger = loggerOrNop(l)
	}
}

// HTTPTransport performs one buffered HTTP exchange per call. It returns a
// Response for every status code; only failures to obtain a response are
// errors, and those are classified as connectivity failures.
type HTTPTransport struct {
	client       *http.Client
	baseURL      string
	timeout      time.Duration
	maxBodyBytes int64
	userAgent    string
	middleware   []Middleware
	metrics      *MetricsCollector
	logger       Logger
}

var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport creates a transport over net/http.
func NewHTTPTransport(opts ...TransportOption) *HTTPTransport {
	t := &HTTPTransport{
		client:       &http.Client{},
		timeout:      DefaultRequestTimeout,
		maxBodyBytes: DefaultMaxBodyBytes,
		userAgent:    UserAgent(),
		logger:       noopLogger{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// BaseURL returns the configured base URL.
func (t *HTTPTransport) BaseURL() string {
	return t.baseURL
}

// RoundTrip runs the middleware chain around the HTTP exchange.
func (t *HTTPTransport) RoundTrip(ctx context.Context, req *Request) (*Response, error) {
	return chain(TransportFunc(t.send), t.middleware).RoundTrip(ctx, req)
}

// chain applies middleware in reverse order so the first wraps the rest.
func chain(base Transport, middleware []Middleware) Transport {
	current := base
	for i := len(middleware) - 1; i >= 0; i-- {
		mw := middleware[i]
		next := current
		current = TransportFunc(func(ctx context.Context, r *Request) (*Response, error) {
			return mw(ctx, r, next)
		})
	}
	return current
}

func (t *HTTPTransport) send(ctx context.Context, req *Request) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = t.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target, err := t.resolve(req.URL)
	if err != nil {
		return nil, newRequestError(KindClient, "invalid request url", err, req)
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(callCtx, req.Method, target, body)
	if err != nil {
		return nil, newRequestError(KindClient, "build request", err, req)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if t.userAgent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", t.userAgent)
	}

	endpoint := endpointOf(req.URL)
	t.metrics.RecordRequestStart(req.Method, endpoint)
	defer t.metrics.RecordRequestEnd(req.Method, endpoint)
	start := time.Now()

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		t.metrics.RecordRequest(req.Method, endpoint, 0, time.Since(start))
		return nil, t.wrapError(ctx, req, err, time.Since(start))
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, t.maxBodyBytes))
	if err != nil {
		t.metrics.RecordRequest(req.Method, endpoint, httpResp.StatusCode, time.Since(start))
		return nil, t.wrapError(ctx, req, fmt.Errorf("read body: %w", err), time.Since(start))
	}

	t.metrics.RecordRequest(req.Method, endpoint, httpResp.StatusCode, time.Since(start))
	t.logger.Debug("transport call", "method", req.Method, "url", target, "status", httpResp.StatusCode, "duration", time.Since(start))

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
	}, nil
}

// wrapError classifies a failure to obtain a response. Cancellation by the
// caller is returned as is; everything else, per-call timeouts included, is a
// connectivity failure.
func (t *HTTPTransport) wrapError(parent context.Context, req *Request, err error, d time.Duration) error {
	if errors.Is(parent.Err(), context.Canceled) {
		return parent.Err()
	}
	e := newRequestError(KindConnectivity, "network request failed", err, req)
	e.Duration = d
	t.logger.Warn("transport failure", "method", req.Method, "url", req.URL, "error", err)
	return e
}

func (t *HTTPTransport) resolve(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.IsAbs() || t.baseURL == "" {
		return raw, nil
	}
	if !strings.HasPrefix(raw, "/") {
		raw = "/" + raw
	}
	return t.baseURL + raw, nil
}

// endpointOf returns the path of raw for metric labels.
func endpointOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return "unknown"
	}
	return u.Path
}
