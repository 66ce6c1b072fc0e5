package backoff

import "time"

// Calculator binds a Strategy to fixed Params and a random source.
type Calculator struct {
	strategy Strategy
	params   Params
	rnd      func() float64
}

// NewCalculator creates a calculator. A nil strategy means
// ExponentialJitterStrategy; a nil rnd uses math/rand.
func NewCalculator(strategy Strategy, params Params, rnd func() float64) *Calculator {
	if strategy == nil {
		strategy = ExponentialJitterStrategy{}
	}
	return &Calculator{
		strategy: strategy,
		params:   params,
		rnd:      rnd,
	}
}

// Next returns the wait after the given failed attempt (1-based).
func (c *Calculator) Next(attempt int) time.Duration {
	return c.strategy.Delay(attempt, c.params, c.rnd)
}
