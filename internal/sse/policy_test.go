package sse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicyDelayGrowsGeometrically(t *testing.T) {
	p := Policy{Enabled: true, BaseDelay: time.Second, Multiplier: 2}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, p.Delay(i+1, nil), "attempt %d", i+1)
	}
}

func TestPolicyJitterAndFloor(t *testing.T) {
	p := Policy{BaseDelay: time.Second, Multiplier: 0.5, Jitter: time.Second}
	assert.Equal(t, 1500*time.Millisecond, p.Delay(3, func() float64 { return 0.5 }))
	assert.Equal(t, time.Second, p.Delay(0, func() float64 { return 0 }))
}

func TestPolicyExhausted(t *testing.T) {
	p := Policy{MaxAttempts: 2}
	assert.False(t, p.Exhausted(1))
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
	assert.False(t, Policy{}.Exhausted(1000))
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.True(t, p.Enabled)
	assert.Equal(t, 4*time.Second, p.Delay(1, func() float64 { return 0 }))
	assert.Equal(t, 6*time.Second, p.Delay(2, func() float64 { return 0 }))
}
