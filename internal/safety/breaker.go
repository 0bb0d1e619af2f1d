package safety

import (
	"errors"
	"sync"
	"time"
)

// BreakerState is the circuit breaker lifecycle.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// ErrBreakerOpen is returned while the breaker refuses calls.
var ErrBreakerOpen = errors.New("circuit breaker open")

// BreakerConfig tunes the breaker.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures to open
	SuccessThreshold int           // half-open successes to close
	OpenTimeout      time.Duration // open duration before probing
}

// DefaultBreakerConfig returns the standard thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, OpenTimeout: 30 * time.Second}
}

// Breaker counts consecutive failures; open for OpenTimeout, then a
// half-open probe decides.
type Breaker struct {
	cfg   BreakerConfig
	nowFn func() time.Time

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
}

// NewBreaker builds a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	return &Breaker{cfg: cfg, nowFn: time.Now}
}

// State returns the current state, advancing open → half-open when the
// timeout has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.state
}

// caller holds b.mu
func (b *Breaker) advance() {
	if b.state == BreakerOpen && b.nowFn().Sub(b.openedAt) >= b.cfg.OpenTimeout {
		b.state = BreakerHalfOpen
		b.successes = 0
	}
}

// Call runs fn under breaker protection. countFailure filters which
// errors trip the breaker; a nil filter counts every error.
func (b *Breaker) Call(fn func() error, countFailure func(error) bool) error {
	b.mu.Lock()
	b.advance()
	if b.state == BreakerOpen {
		b.mu.Unlock()
		return ErrBreakerOpen
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil && (countFailure == nil || countFailure(err)) {
		b.failures++
		b.successes = 0
		if b.state == BreakerHalfOpen || b.failures >= b.cfg.FailureThreshold {
			b.state = BreakerOpen
			b.openedAt = b.nowFn()
		}
		return err
	}
	if err == nil {
		b.failures = 0
		if b.state == BreakerHalfOpen {
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.state = BreakerClosed
			}
		}
	}
	return err
}
