package critic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayGrowsExponentially(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts: 4,
		Backoff: Backoff{
			Base:       100 * time.Millisecond,
			Max:        time.Second,
			Multiplier: 2,
		},
	}
	assert.Equal(t, 100*time.Millisecond, p.Delay("h1", "safety", 1))
	assert.Equal(t, 200*time.Millisecond, p.Delay("h1", "safety", 2))
	assert.Equal(t, 400*time.Millisecond, p.Delay("h1", "safety", 3))
	assert.Equal(t, 800*time.Millisecond, p.Delay("h1", "safety", 4))
	assert.Equal(t, time.Second, p.Delay("h1", "safety", 5))
	assert.Equal(t, time.Second, p.Delay("h1", "safety", 9))
}

func TestDelayJitterIsDeterministic(t *testing.T) {
	p := RetryPolicy{
		Backoff: Backoff{
			Base:      50 * time.Millisecond,
			MaxJitter: 25 * time.Millisecond,
		},
	}
	d1 := p.Delay("hash123", "fairness", 1)
	d2 := p.Delay("hash123", "fairness", 1)
	assert.Equal(t, d1, d2)

	assert.GreaterOrEqual(t, d1, 50*time.Millisecond)
	assert.Less(t, d1, 75*time.Millisecond)

	// A different attempt key almost certainly jitters differently.
	d3 := p.Delay("hash123", "fairness", 2)
	d4 := p.Delay("hash456", "fairness", 1)
	if d3 == d1 && d4 == d1 {
		t.Log("jitter collision across distinct keys (possible but unlikely)")
	}
}

func TestRetryableDefaults(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}
	assert.True(t, p.Retryable("transient"))
	assert.True(t, p.Retryable("io"))
	assert.False(t, p.Retryable("timeout"))
	assert.False(t, p.Retryable("error"))
	assert.False(t, p.Retryable("panic"))
	assert.False(t, p.Retryable("cancelled"))
	assert.False(t, p.Retryable("circuit_open"))
}

func TestRetryableExplicitSet(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts: 3,
		RetryOn:     map[string]bool{"timeout": true, "transient": true},
	}
	assert.True(t, p.Retryable("timeout"))
	assert.True(t, p.Retryable("transient"))
	assert.False(t, p.Retryable("io"))
	assert.False(t, p.Retryable("error"))
}
