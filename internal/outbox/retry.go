package outbox

import (
	"math/rand"
	"time"

	"github.com/sethvargo/go-retry"
)

// Retry policy defaults.
const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 2 * time.Second
	DefaultMaxDelay    = 5 * time.Minute
	DefaultJitter      = 0.2
)

// RetryPolicy bounds delivery retries. Delays grow exponentially from
// BaseDelay, are capped at MaxDelay, and are shortened by up to Jitter (a
// fraction in [0,1]) so that many stores reconnecting together spread out.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64

	// Rand returns a value in [0,1). Nil uses math/rand.
	Rand func() float64
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Jitter:      DefaultJitter,
	}
}

// Exhausted reports whether attempts has used up the retry budget.
func (p RetryPolicy) Exhausted(attempts int) bool {
	max := p.MaxAttempts
	if max <= 0 {
		max = DefaultMaxAttempts
	}
	return attempts >= max
}

// Backoff returns the delay before the next delivery after the given number
// of failed attempts (1 for the first failure).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}

	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	b := retry.WithCappedDuration(maxDelay, retry.NewExponential(base))

	// Every step after the cap is the cap; stop before the shift overflows.
	var d time.Duration
	for i := 0; i < attempt; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		d = next
		if d >= maxDelay {
			break
		}
	}

	if p.Jitter > 0 {
		jitter := p.Jitter
		if jitter > 1 {
			jitter = 1
		}
		d -= time.Duration(float64(d) * jitter * p.random())
	}
	return d
}

func (p RetryPolicy) random() float64 {
	if p.Rand != nil {
		return p.Rand()
	}
	return rand.Float64()
}
