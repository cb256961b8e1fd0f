// Package backoff implements the single exponential backoff policy shared
// by the core's reconnect and restart loops (spec §9): WebSocket reconnect
// and Engine Manager crash-restart use the same curve so operators only
// have to reason about one tuning knob. Failed Tick Store writes are not on
// this curve: the Market Feed retries them on its next batch flush.
package backoff

import (
	"math/rand"
	"time"
)

// Policy is an exponential backoff with jitter.
type Policy struct {
	Initial time.Duration
	Factor  float64
	Max     time.Duration
	Jitter  float64 // fraction, e.g. 0.2 for +/-20%
}

// Default is the core-wide policy: initial=1s, factor=1.8, max=30s,
// jitter=+/-20%.
func Default() Policy {
	return Policy{
		Initial: time.Second,
		Factor:  1.8,
		Max:     30 * time.Second,
		Jitter:  0.2,
	}
}

// Duration returns the delay to use before the (attempt+1)'th retry.
// attempt is zero-based: attempt 0 is the delay before the first retry.
func (p Policy) Duration(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.Initial)
	for i := 0; i < attempt; i++ {
		d *= p.Factor
	}
	if max := float64(p.Max); d > max {
		d = max
	}
	if p.Jitter > 0 {
		delta := d * p.Jitter
		d += (rand.Float64()*2 - 1) * delta
		if d < 0 {
			d = 0
		}
	}
	return time.Duration(d)
}

// Retrier tracks the attempt count for one logical retry loop and is reset
// on success.
type Retrier struct {
	policy  Policy
	attempt int
}

// NewRetrier builds a Retrier bound to policy.
func NewRetrier(policy Policy) *Retrier {
	return &Retrier{policy: policy}
}

// Next returns the delay for the next retry and advances the attempt
// counter.
func (r *Retrier) Next() time.Duration {
	d := r.policy.Duration(r.attempt)
	r.attempt++
	return d
}

// Reset clears the attempt counter after a successful operation.
func (r *Retrier) Reset() {
	r.attempt = 0
}

// Attempt returns the current (zero-based) attempt count.
func (r *Retrier) Attempt() int {
	return r.attempt
}
