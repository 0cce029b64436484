package critic

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/eleanor-project/eje/pkg/contracts"
)

// Backoff shapes the delay between retry attempts.
type Backoff struct {
	// Base is the attempt-zero delay.
	Base time.Duration
	// Max caps the grown delay before jitter.
	Max time.Duration
	// Multiplier grows the delay per attempt. Values below 1 are treated
	// as 2.
	Multiplier float64
	// MaxJitter bounds the additive deterministic jitter. Zero disables
	// jitter.
	MaxJitter time.Duration
}

// RetryPolicy controls how the runner re-dispatches a failed critic.
type RetryPolicy struct {
	// MaxAttempts is the total number of Evaluate calls, first try
	// included. Zero and one both mean no retries.
	MaxAttempts int
	Backoff     Backoff
	// RetryOn names the error types worth another attempt. Empty means the
	// default set: transient and io failures only (never cancellation or an
	// open breaker).
	RetryOn map[string]bool
}

// DefaultRetryPolicy matches the runner's behaviour when no policy is
// configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// Retryable reports whether a failure of the given error type earns another
// attempt.
func (p RetryPolicy) Retryable(errorType string) bool {
	if len(p.RetryOn) > 0 {
		return p.RetryOn[errorType]
	}
	switch errorType {
	case contracts.ErrorTypeTransient, contracts.ErrorTypeIO:
		return true
	default:
		return false
	}
}

// Delay returns the pause before the given attempt (attempt 1 is the first
// retry). The jitter is a PRF of the request, critic and attempt, so a
// replayed request backs off identically.
func (p RetryPolicy) Delay(requestID, criticName string, attempt int) time.Duration {
	base := p.Backoff.Base
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	mult := p.Backoff.Multiplier
	if mult < 1 {
		mult = 2
	}

	delay := float64(base)
	for i := 1; i < attempt; i++ {
		delay *= mult
		if p.Backoff.Max > 0 && delay >= float64(p.Backoff.Max) {
			delay = float64(p.Backoff.Max)
			break
		}
	}
	if p.Backoff.Max > 0 && delay > float64(p.Backoff.Max) {
		delay = float64(p.Backoff.Max)
	}

	return time.Duration(delay) + deterministicJitter(requestID, criticName, attempt, p.Backoff.MaxJitter)
}

// deterministicJitter derives the jitter from a SHA-256 PRF of the attempt
// identity instead of a random source.
func deterministicJitter(requestID, criticName string, attempt int, maxJitter time.Duration) time.Duration {
	if maxJitter <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%d", requestID, criticName, attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return time.Duration(basis % uint64(maxJitter)) //nolint:gosec // maxJitter is positive here
}

// sleep waits for d or until ctx is done, reporting whether the full pause
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
