package dispatch

import (
	"math"
	"time"
)

// RetryPolicy is the caller-supplied schedule for retrying transport-level
// gateway calls. The batch dispatcher itself never retries; a policy is
// consumed by gateway clients that choose to honour it.
type RetryPolicy struct {
	// MaxAttempts is the total number of requests issued, the first
	// attempt included.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultRetryPolicy returns the schedule used when the caller supplies none.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
	}
}

// Backoff returns the wait before the given retry attempt (1-based).
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return p.InitialInterval
	}
	d := time.Duration(float64(p.InitialInterval) * math.Pow(p.Multiplier, float64(attempt-1)))
	if d > p.MaxInterval {
		d = p.MaxInterval
	}
	return d
}
