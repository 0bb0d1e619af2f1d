// Package safety wraps the exchange adapter with a token-bucket rate
// limiter and a circuit breaker, so one misbehaving venue cannot burn
// the API quota or cascade failures through every worker.
package safety

import (
	"context"
	"sync"
	"time"
)

// Limiter is a token bucket: capacity tokens, refilled at rate tokens
// per second.
type Limiter struct {
	capacity float64
	rate     float64
	nowFn    func() time.Time

	mu     sync.Mutex
	tokens float64
	last   time.Time
}

// NewLimiter builds a full bucket.
func NewLimiter(capacity int, perSecond float64) *Limiter {
	l := &Limiter{
		capacity: float64(capacity),
		rate:     perSecond,
		nowFn:    time.Now,
	}
	l.tokens = l.capacity
	l.last = l.nowFn()
	return l
}

func (l *Limiter) refill(now time.Time) {
	elapsed := now.Sub(l.last).Seconds()
	if elapsed <= 0 {
		return
	}
	l.tokens += elapsed * l.rate
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
	l.last = now
}

// Allow takes one token if available.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill(l.nowFn())
	if l.tokens >= 1 {
		l.tokens--
		return true
	}
	return false
}

// Wait blocks until a token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.nowFn()
		l.refill(now)
		if l.tokens >= 1 {
			l.tokens--
			l.mu.Unlock()
			return nil
		}
		need := (1 - l.tokens) / l.rate
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(need * float64(time.Second))):
		}
	}
}
