package engine

import (
	"math/rand"
	"time"
)

// RetryPolicy computes backoff delays for failed executions.
// Delays grow exponentially from Base to Cap, with equal jitter so
// simultaneous failures do not retry in lockstep.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
}

// DefaultRetryPolicy matches the engine configuration defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Base:        5 * time.Second,
		Cap:         5 * time.Minute,
	}
}

// normalized returns the policy with zero fields replaced by defaults.
func (p RetryPolicy) normalized() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.Base <= 0 {
		p.Base = d.Base
	}
	if p.Cap <= 0 {
		p.Cap = d.Cap
	}
	if p.Cap < p.Base {
		p.Cap = p.Base
	}
	return p
}

// Exhausted reports whether the execution has used all its attempts.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.normalized().MaxAttempts
}

// Delay returns the backoff before the given attempt number (1-based).
// The delay doubles per attempt up to the cap; the second half of the
// interval is uniformly random.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}

	backoff := p.Base
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= p.Cap {
			backoff = p.Cap
			break
		}
	}

	// Equal jitter: half fixed, half random
	half := backoff / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

// NextAttemptAt returns when the given attempt should run.
func (p RetryPolicy) NextAttemptAt(now time.Time, attempt int) time.Time {
	return now.Add(p.Delay(attempt))
}
