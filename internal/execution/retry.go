package execution

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy controls retries of transport failures. Remote errors,
// malformed responses and timeouts are never retried, and every attempt
// shares the caller's single deadline.
type RetryPolicy struct {
	MaxRetries   int           // 0 disables retries
	InitialDelay time.Duration // delay before the first retry
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool // ±25% random jitter
}

// NoRetry is the default: one attempt per call.
func NoRetry() RetryPolicy {
	return RetryPolicy{}
}

// DefaultRetryPolicy returns a conservative backoff for flaky networks.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   2,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 2.0
	}
	return p
}

// shouldRetry reports whether another attempt may follow attempt n (1-based).
func (p RetryPolicy) shouldRetry(o Outcome, n int) bool {
	if o.Kind != KindTransportFailure || o.Timeout {
		return false
	}
	return n <= p.MaxRetries
}

// delay returns the backoff before retry number n (1-based).
func (p RetryPolicy) delay(n int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(n-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		j := d * 0.25
		d += (rand.Float64()*2 - 1) * j
	}
	if d < float64(p.InitialDelay)/2 {
		d = float64(p.InitialDelay) / 2
	}
	return time.Duration(d)
}
