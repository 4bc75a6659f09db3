package queue

import (
	"math"
	"time"
)

// RetryPolicy bounds transient retries of a queue entry.
type RetryPolicy struct {
	Base        time.Duration
	Factor      float64
	Cap         time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy is 1s doubling to a 60s cap, five attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: time.Second, Factor: 2, Cap: time.Minute, MaxAttempts: 5}
}

// Delay returns the wait before the next try after the given number of failed attempts.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	factor := p.Factor
	if factor < 1 {
		factor = 2
	}
	delay := float64(base) * math.Pow(factor, float64(attempts-1))
	if p.Cap > 0 && delay > float64(p.Cap) {
		return p.Cap
	}
	return time.Duration(delay)
}

// Exhausted reports whether the entry must leave the queue.
func (p RetryPolicy) Exhausted(attempts int) bool {
	max := p.MaxAttempts
	if max <= 0 {
		max = 5
	}
	return attempts >= max
}
