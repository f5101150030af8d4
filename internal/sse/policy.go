package sse

import (
	"math"
	"time"
)

const (
	DefaultBaseDelay  = 4 * time.Second
	DefaultMultiplier = 1.5
	DefaultJitter     = time.Second
)

// Policy controls reconnect scheduling after the stream drops.
type Policy struct {
	Enabled    bool
	BaseDelay  time.Duration
	Multiplier float64
	Jitter     time.Duration
	// MaxAttempts caps consecutive failed attempts; zero means unlimited.
	MaxAttempts int
}

func DefaultPolicy() Policy {
	return Policy{
		Enabled:    true,
		BaseDelay:  DefaultBaseDelay,
		Multiplier: DefaultMultiplier,
		Jitter:     DefaultJitter,
	}
}

// Delay returns base*multiplier^(attempt-1) plus jitter scaled by rnd, which
// must return a value in [0, 1).
func (p Policy) Delay(attempt int, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.BaseDelay
	if base < 0 {
		base = 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(base) * math.Pow(mult, float64(attempt-1))
	if p.Jitter > 0 && rnd != nil {
		delay += rnd() * float64(p.Jitter)
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Exhausted reports whether attempt exceeds the attempt ceiling.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}
