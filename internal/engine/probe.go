package engine

import (
	"time"

	"github.com/sethvargo/go-retry"
)

// probe spaces connectivity checks while offline: exponential from
// Config.ProbeBase with 10% jitter, capped at Config.Interval.
type probe struct {
	b    retry.Backoff
	cap  time.Duration
	last time.Duration
}

func newProbe(cfg Config) *probe {
	limit := cfg.Interval
	if limit <= 0 {
		limit = DefaultInterval
	}
	base := cfg.ProbeBase
	if base <= 0 {
		base = DefaultProbeBase
	}
	b := retry.NewExponential(base)
	b = retry.WithJitterPercent(10, b)
	b = retry.WithCappedDuration(limit, b)
	return &probe{b: b, cap: limit}
}

// Next returns the delay before the next connectivity check.
func (p *probe) Next() time.Duration {
	// Once at the cap, stay there; the exponential shift would overflow.
	if p.last >= p.cap {
		return p.cap
	}
	d, stop := p.b.Next()
	if stop {
		d = p.cap
	}
	p.last = d
	return d
}
