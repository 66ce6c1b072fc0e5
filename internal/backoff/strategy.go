package backoff

import (
	"math/rand/v2"
	"time"
)

// Params describes one backoff schedule.
type Params struct {
	// Base is the delay before the second attempt, without jitter.
	Base time.Duration
	// Max caps the exponential part of the delay.
	Max time.Duration
	// Jitter is the upper bound of the uniform additive jitter.
	Jitter time.Duration
}

// Strategy computes the wait after a failed attempt. Attempts are 1-based:
// Delay(1, ...) is the wait between the first and second attempt.
type Strategy interface {
	Delay(attempt int, p Params, rnd func() float64) time.Duration
}

// ExponentialJitterStrategy waits Base*2^(attempt-1), capped at Max,
// plus U[0, Jitter].
type ExponentialJitterStrategy struct{}

// Delay implements Strategy.
func (ExponentialJitterStrategy) Delay(attempt int, p Params, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// Prevent overflow by limiting attempt
	if attempt > 31 {
		attempt = 31
	}

	delay := time.Duration(float64(p.Base) * pow(2, attempt-1))
	if p.Max > 0 && (delay < 0 || delay > p.Max) {
		delay = p.Max
	}
	return delay + jitter(p.Jitter, rnd)
}

// DecorrelatedJitterStrategy draws from [Base, min(Max, Base*3^attempt)] and
// adds the additive jitter on top.
// See https://aws.amazon.com/blogs/architecture/exponential-backoff-and-jitter/
type DecorrelatedJitterStrategy struct{}

// Delay implements Strategy.
func (DecorrelatedJitterStrategy) Delay(attempt int, p Params, rnd func() float64) time.Duration {
	if attempt < 1 {
		return p.Base + jitter(p.Jitter, rnd)
	}
	if attempt > 10 {
		attempt = 10
	}

	base := float64(p.Base)
	upper := base * pow(3.0, attempt)
	if p.Max > 0 && (upper > float64(p.Max) || upper < 0) {
		upper = float64(p.Max)
	}
	if upper < base {
		upper = base
	}

	delay := time.Duration(base + random(rnd)*(upper-base))
	return delay + jitter(p.Jitter, rnd)
}

func jitter(bound time.Duration, rnd func() float64) time.Duration {
	if bound <= 0 {
		return 0
	}
	return time.Duration(float64(bound) * random(rnd))
}

func random(rnd func() float64) float64 {
	if rnd == nil {
		return rand.Float64()
	}
	f := rnd()
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// pow calculates base^exponent using integer exponentiation.
func pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}
