package netcore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	internalbackoff "github.com/ultrakipen/netcore/internal/backoff"
)

// BackoffStrategy selects the delay formula between attempts.
type BackoffStrategy int

const (
	// ExponentialJitter waits base*2^(n-1) + U[0, jitter].
	ExponentialJitter BackoffStrategy = iota
	// DecorrelatedJitter draws from [base, base*3^n] and adds U[0, jitter].
	DecorrelatedJitter
)

func (s BackoffStrategy) String() string {
	switch s {
	case DecorrelatedJitter:
		return "decorrelated"
	default:
		return "exponential"
	}
}

// ParseBackoffStrategy maps "exponential" or "decorrelated" to a strategy.
func ParseBackoffStrategy(s string) (BackoffStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "exponential", "exponential_jitter":
		return ExponentialJitter, nil
	case "decorrelated", "decorrelated_jitter":
		return DecorrelatedJitter, nil
	default:
		return ExponentialJitter, fmt.Errorf("unknown backoff strategy %q", s)
	}
}

// RetryConfig holds the attempt budget and backoff schedule.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration
	Strategy    BackoffStrategy
}

// DefaultRetryConfig returns 3 attempts, 1s base, 300ms jitter, 30s cap.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      300 * time.Millisecond,
		Strategy:    ExponentialJitter,
	}
}

// RetryPhase is a state of one retry run.
type RetryPhase int

const (
	PhaseAttempting RetryPhase = iota
	PhaseWaiting
	PhaseSucceeded
	PhaseExhausted
	PhaseFailed
)

func (p RetryPhase) String() string {
	switch p {
	case PhaseAttempting:
		return "attempting"
	case PhaseWaiting:
		return "waiting"
	case PhaseSucceeded:
		return "succeeded"
	case PhaseExhausted:
		return "exhausted"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RetryAttempt describes one transition of a retry run.
type RetryAttempt struct {
	Attempt     int
	MaxAttempts int
	Phase       RetryPhase
	Err         error
	NextDelay   time.Duration
}

// RetryObserver receives every phase transition.
type RetryObserver func(RetryAttempt)

// RetryOption configures a RetryCoordinator.
type RetryOption func(*RetryCoordinator)

// WithRetryCircuitBreaker consults cb before each attempt.
func WithRetryCircuitBreaker(cb *CircuitBreaker) RetryOption {
	return func(rc *RetryCoordinator) {
		rc.breaker = cb
	}
}

// WithRequestSpacing enforces a minimum gap between attempts issued through
// this coordinator. Zero disables spacing.
func WithRequestSpacing(minGap time.Duration) RetryOption {
	return func(rc *RetryCoordinator) {
		if minGap > 0 {
			rc.spacing = rate.NewLimiter(rate.Every(minGap), 1)
		} else {
			rc.spacing = nil
		}
	}
}

// WithRetryObserver registers a phase observer.
func WithRetryObserver(obs RetryObserver) RetryOption {
	return func(rc *RetryCoordinator) {
		rc.observer = obs
	}
}

// WithRetryLogger attaches a logger.
func WithRetryLogger(l Logger) RetryOption {
	return func(rc *RetryCoordinator) {
		rc.logger = loggerOrNop(l)
	}
}

// WithRetryMetrics attaches a metrics collector.
func WithRetryMetrics(mc *MetricsCollector) RetryOption {
	return func(rc *RetryCoordinator) {
		rc.metrics = mc
	}
}

// RetryCoordinator re-issues transient failures with exponential backoff.
// Connectivity failures and 5xx are retried; everything else propagates on
// the first attempt. When the budget runs out on transient failures the
// caller receives ErrDegraded wrapping the last error.
type RetryCoordinator struct {
	cfg      RetryConfig
	calc     *internalbackoff.Calculator
	breaker  *CircuitBreaker
	spacing  *rate.Limiter
	observer RetryObserver
	metrics  *MetricsCollector
	logger   Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryCoordinator creates a coordinator. A zero MaxAttempts, BaseDelay
// or MaxDelay takes its default. A zero Jitter disables jitter.
func NewRetryCoordinator(cfg RetryConfig, opts ...RetryOption) *RetryCoordinator {
	def := DefaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}

	rc := &RetryCoordinator{
		cfg:    cfg,
		logger: noopLogger{},
		now:    time.Now,
		sleep:  sleepContext,
	}
	rc.setRand(nil)
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

func (rc *RetryCoordinator) setRand(rnd func() float64) {
	var strategy internalbackoff.Strategy = internalbackoff.ExponentialJitterStrategy{}
	if rc.cfg.Strategy == DecorrelatedJitter {
		strategy = internalbackoff.DecorrelatedJitterStrategy{}
	}
	rc.calc = internalbackoff.NewCalculator(strategy, internalbackoff.Params{
		Base:   rc.cfg.BaseDelay,
		Max:    rc.cfg.MaxDelay,
		Jitter: rc.cfg.Jitter,
	}, rnd)
}

// Config returns the effective configuration.
func (rc *RetryCoordinator) Config() RetryConfig {
	return rc.cfg
}

// Do runs op up to maxAttempts times. A non-positive maxAttempts uses the
// configured default.
func (rc *RetryCoordinator) Do(ctx context.Context, maxAttempts int, op func(ctx context.Context) error) error {
	if maxAttempts <= 0 {
		maxAttempts = rc.cfg.MaxAttempts
	}
	start := rc.now()

	for attempt := 1; ; attempt++ {
		rc.observe(RetryAttempt{Attempt: attempt, MaxAttempts: maxAttempts, Phase: PhaseAttempting})

		if rc.breaker != nil && !rc.breaker.Allow() {
			open := &RequestError{Kind: KindCircuitOpen, Message: "circuit breaker is open", Timestamp: rc.now()}
			rc.observe(RetryAttempt{Attempt: attempt, MaxAttempts: maxAttempts, Phase: PhaseExhausted, Err: open})
			return rc.degraded(open, attempt, maxAttempts, start)
		}
		if err := rc.waitSpacing(ctx); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			if rc.breaker != nil {
				rc.breaker.RecordSuccess()
			}
			rc.observe(RetryAttempt{Attempt: attempt, MaxAttempts: maxAttempts, Phase: PhaseSucceeded})
			return nil
		}
		if ctx.Err() != nil {
			rc.observe(RetryAttempt{Attempt: attempt, MaxAttempts: maxAttempts, Phase: PhaseFailed, Err: err})
			return err
		}

		if !IsRetryable(err) {
			if rc.breaker != nil {
				rc.breaker.RecordSuccess()
			}
			rc.observe(RetryAttempt{Attempt: attempt, MaxAttempts: maxAttempts, Phase: PhaseFailed, Err: err})
			return err
		}
		if rc.breaker != nil {
			rc.breaker.RecordFailure()
		}

		if attempt >= maxAttempts {
			rc.observe(RetryAttempt{Attempt: attempt, MaxAttempts: maxAttempts, Phase: PhaseExhausted, Err: err})
			rc.logger.Warn("retries exhausted", "attempts", attempt, "error", err)
			return rc.degraded(err, attempt, maxAttempts, start)
		}

		delay := rc.delayFor(attempt, err)
		rc.observe(RetryAttempt{Attempt: attempt, MaxAttempts: maxAttempts, Phase: PhaseWaiting, Err: err, NextDelay: delay})

		method, endpoint := requestLabels(err)
		rc.metrics.RecordRetry(method, endpoint, attempt+1)
		rc.logger.Info("scheduling retry", "attempt", attempt+1, "maxAttempts", maxAttempts, "backoff", delay, "error", err)

		if err := rc.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// WithRetry is the typed form of RetryCoordinator.Do.
func WithRetry[T any](ctx context.Context, rc *RetryCoordinator, maxAttempts int, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := rc.Do(ctx, maxAttempts, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// delayFor returns the backoff for attempt, stretched to a server-provided
// Retry-After when one is present, and never beyond MaxDelay plus jitter.
func (rc *RetryCoordinator) delayFor(attempt int, err error) time.Duration {
	delay := rc.calc.Next(attempt)

	var reqErr *RequestError
	if errors.As(err, &reqErr) && reqErr.Response != nil {
		if after := parseRetryAfter(reqErr.Response.Header.Get("Retry-After"), rc.now()); after > delay {
			delay = after
			if delay > rc.cfg.MaxDelay {
				delay = rc.cfg.MaxDelay
			}
		}
	}
	return delay
}

func (rc *RetryCoordinator) waitSpacing(ctx context.Context) error {
	if rc.spacing == nil {
		return nil
	}
	start := time.Now()
	if err := rc.spacing.Wait(ctx); err != nil {
		return err
	}
	rc.metrics.RecordSpacingWait(time.Since(start))
	return nil
}

func (rc *RetryCoordinator) degraded(last error, attempt, maxAttempts int, start time.Time) error {
	e := &RequestError{
		Kind:        KindDegraded,
		Message:     "remote unreachable after retries",
		Cause:       last,
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
		Timestamp:   rc.now(),
		Duration:    rc.now().Sub(start),
	}
	var inner *RequestError
	if errors.As(last, &inner) {
		e.Method = inner.Method
		e.URL = inner.URL
		e.StatusCode = inner.StatusCode
		e.Response = inner.Response
	}
	return e
}

func (rc *RetryCoordinator) observe(a RetryAttempt) {
	if rc.observer != nil {
		rc.observer(a)
	}
}

func requestLabels(err error) (method, endpoint string) {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Method, endpointOf(reqErr.URL)
	}
	return "unknown", "unknown"
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// parseRetryAfter parses the Retry-After header value.
// It supports both delay-seconds format and HTTP-date format.
func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if seconds > 0 {
			delay := time.Duration(seconds) * time.Second
			if delay > time.Hour {
				delay = time.Hour // Cap at 1 hour
			}
			return delay
		}
		return 0
	}

	if t, err := http.ParseTime(value); err == nil {
		delay := t.Sub(now)
		if delay > 0 && delay <= time.Hour {
			return delay
		}
	}

	return 0
}
