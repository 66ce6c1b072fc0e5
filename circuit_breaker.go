package netcore

import (
	"sync/atomic"
	"time"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive transient failures that
	// open the circuit.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before a probe.
	RecoveryTimeout time.Duration
	// SuccessThreshold is the number of half-open successes that close it.
	SuccessThreshold int
	// Name labels the breaker in metrics and logs.
	Name string
}

// CircuitBreakerStats is a snapshot of breaker state.
type CircuitBreakerStats struct {
	State       CircuitState
	Failures    int64
	Successes   int64
	LastFailure time.Time
}

// CircuitBreaker short-circuits calls after repeated transient failures so
// that a dead remote degrades immediately instead of paying the full retry
// schedule on every request.
type CircuitBreaker struct {
	config      CircuitBreakerConfig
	state       int64
	failures    int64
	lastFailure int64
	successes   int64

	now     func() time.Time
	metrics *MetricsCollector
	logger  Logger
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout == 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 2
	}
	if config.Name == "" {
		config.Name = "default"
	}

	return &CircuitBreaker{
		config: config,
		state:  int64(StateClosed),
		now:    time.Now,
		logger: noopLogger{},
	}
}

// Allow checks if the request should be allowed through the circuit breaker.
func (cb *CircuitBreaker) Allow() bool {
	state := CircuitState(atomic.LoadInt64(&cb.state))

	switch state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		lastFailure := atomic.LoadInt64(&cb.lastFailure)
		if cb.now().UnixNano()-lastFailure >= int64(cb.config.RecoveryTimeout) {
			if atomic.CompareAndSwapInt64(&cb.state, int64(StateOpen), int64(StateHalfOpen)) {
				atomic.StoreInt64(&cb.successes, 0)
				cb.transitioned(StateHalfOpen)
				return true
			}
			return CircuitState(atomic.LoadInt64(&cb.state)) != StateOpen
		}
		return false
	default:
		return false
	}
}

// RecordFailure records a transient failure.
func (cb *CircuitBreaker) RecordFailure() {
	atomic.StoreInt64(&cb.lastFailure, cb.now().UnixNano())

	switch CircuitState(atomic.LoadInt64(&cb.state)) {
	case StateClosed:
		failures := atomic.AddInt64(&cb.failures, 1)
		if failures >= int64(cb.config.FailureThreshold) &&
			atomic.CompareAndSwapInt64(&cb.state, int64(StateClosed), int64(StateOpen)) {
			cb.transitioned(StateOpen)
		}
	case StateOpen:
		// When open, just update lastFailure
	case StateHalfOpen:
		atomic.AddInt64(&cb.failures, 1)
		atomic.StoreInt64(&cb.successes, 0)
		if atomic.CompareAndSwapInt64(&cb.state, int64(StateHalfOpen), int64(StateOpen)) {
			cb.transitioned(StateOpen)
		}
	}
}

// RecordSuccess records a success. In the closed state it resets the
// consecutive failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	switch CircuitState(atomic.LoadInt64(&cb.state)) {
	case StateClosed:
		atomic.StoreInt64(&cb.failures, 0)
	case StateOpen:
		// Success in open state doesn't change anything
	case StateHalfOpen:
		successes := atomic.AddInt64(&cb.successes, 1)
		if successes >= int64(cb.config.SuccessThreshold) &&
			atomic.CompareAndSwapInt64(&cb.state, int64(StateHalfOpen), int64(StateClosed)) {
			atomic.StoreInt64(&cb.failures, 0)
			atomic.StoreInt64(&cb.successes, 0)
			cb.transitioned(StateClosed)
		}
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(atomic.LoadInt64(&cb.state))
}

// Stats returns a snapshot of the breaker.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	stats := CircuitBreakerStats{
		State:     cb.State(),
		Failures:  atomic.LoadInt64(&cb.failures),
		Successes: atomic.LoadInt64(&cb.successes),
	}
	if last := atomic.LoadInt64(&cb.lastFailure); last > 0 {
		stats.LastFailure = time.Unix(0, last)
	}
	return stats
}

// Reset closes the circuit and clears counters.
func (cb *CircuitBreaker) Reset() {
	atomic.StoreInt64(&cb.failures, 0)
	atomic.StoreInt64(&cb.successes, 0)
	atomic.StoreInt64(&cb.lastFailure, 0)
	if CircuitState(atomic.SwapInt64(&cb.state, int64(StateClosed))) != StateClosed {
		cb.transitioned(StateClosed)
	}
}

func (cb *CircuitBreaker) transitioned(to CircuitState) {
	cb.metrics.RecordCircuitBreakerState(cb.config.Name, to)
	cb.logger.Info("circuit breaker state changed", "name", cb.config.Name, "state", to.String())
}
