package critic

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig tunes the per-critic circuit breakers.
type BreakerConfig struct {
	Enabled bool
	// ConsecutiveFailures opens the breaker once a critic fails this many
	// times in a row. Zero means 5.
	ConsecutiveFailures uint32
	// OpenTimeout is how long an open breaker waits before letting a probe
	// through. Zero means 30s.
	OpenTimeout time.Duration
	// HalfOpenProbes is how many requests the half-open state admits. Zero
	// means 1.
	HalfOpenProbes uint32
	// FailureRatio, when positive, trips on the total failure share instead
	// of a consecutive run. At least three requests are observed before the
	// ratio is consulted.
	FailureRatio float64
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.ConsecutiveFailures == 0 {
		c.ConsecutiveFailures = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.HalfOpenProbes == 0 {
		c.HalfOpenProbes = 1
	}
	return c
}

// BreakerSet keeps one circuit breaker per critic name so a flapping critic
// stops being dispatched while the rest of the set keeps running. The
// two-step form lets the runner report success after it has normalized the
// critic's result.
type BreakerSet struct {
	cfg      BreakerConfig
	mu       sync.Mutex
	breakers map[string]*gobreaker.TwoStepCircuitBreaker
}

// NewBreakerSet returns a breaker set, or nil when breakers are disabled.
// A nil set admits everything.
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	if !cfg.Enabled {
		return nil
	}
	return &BreakerSet{
		cfg:      cfg.withDefaults(),
		breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker),
	}
}

// Allow asks the named critic's breaker for admission. It returns a done
// callback to report the outcome, or ok=false when the breaker is open and
// the critic must not be dispatched.
func (s *BreakerSet) Allow(name string) (done func(success bool), ok bool) {
	if s == nil {
		return func(bool) {}, true
	}
	cb := s.breaker(name)
	done, err := cb.Allow()
	if err != nil {
		return nil, false
	}
	return done, true
}

func (s *BreakerSet) breaker(name string) *gobreaker.TwoStepCircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[name]; ok {
		return cb
	}
	threshold := s.cfg.ConsecutiveFailures
	ratio := s.cfg.FailureRatio
	cb := gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: s.cfg.HalfOpenProbes,
		Timeout:     s.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if ratio > 0 {
				return counts.Requests >= 3 &&
					float64(counts.TotalFailures)/float64(counts.Requests) >= ratio
			}
			return counts.ConsecutiveFailures >= threshold
		},
	})
	s.breakers[name] = cb
	return cb
}
