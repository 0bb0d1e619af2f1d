package safety

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuizEdCard/gridbot/internal/exchange"
	"github.com/LuizEdCard/gridbot/pkg/types"
)

// fakeClock lets limiter and breaker tests control time.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestLimiterAllowExhaustsAndRefills(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(2, 1) // 2 tokens, 1/s
	l.nowFn = clock.Now
	l.last = clock.Now()

	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())

	clock.Advance(500 * time.Millisecond)
	assert.False(t, l.Allow())

	clock.Advance(600 * time.Millisecond)
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())
}

func TestLimiterRefillCapsAtCapacity(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(3, 10)
	l.nowFn = clock.Now
	l.last = clock.Now()

	clock.Advance(time.Hour)
	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow(), "token %d", i)
	}
	assert.False(t, l.Allow())
}

func TestLimiterWaitHonorsContext(t *testing.T) {
	l := NewLimiter(1, 0.001) // next token an eternity away
	require.True(t, l.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func transientErr() error {
	return exchange.NewError(exchange.CodeServerError, "venue 5xx", true)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, SuccessThreshold: 1, OpenTimeout: time.Minute})
	b.nowFn = clock.Now

	fail := func() error { return transientErr() }
	for i := 0; i < 3; i++ {
		assert.Error(t, b.Call(fail, exchange.IsTransient))
	}
	assert.Equal(t, BreakerOpen, b.State())

	// fail fast without invoking fn
	called := false
	err := b.Call(func() error { called = true; return nil }, nil)
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.False(t, called)
}

func TestBreakerIgnoresPermanentErrors(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, OpenTimeout: time.Minute})

	reject := func() error { return exchange.NewError(exchange.CodeInvalidOrder, "bad qty", false) }
	for i := 0; i < 10; i++ {
		assert.Error(t, b.Call(reject, exchange.IsTransient))
	}
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenProbeClosesOnSuccess(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: 30 * time.Second})
	b.nowFn = clock.Now

	require.Error(t, b.Call(func() error { return transientErr() }, exchange.IsTransient))
	require.Equal(t, BreakerOpen, b.State())

	clock.Advance(31 * time.Second)
	assert.Equal(t, BreakerHalfOpen, b.State())

	require.NoError(t, b.Call(func() error { return nil }, exchange.IsTransient))
	assert.Equal(t, BreakerHalfOpen, b.State())
	require.NoError(t, b.Call(func() error { return nil }, exchange.IsTransient))
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, OpenTimeout: 10 * time.Second})
	b.nowFn = clock.Now

	require.Error(t, b.Call(func() error { return transientErr() }, exchange.IsTransient))
	clock.Advance(11 * time.Second)
	require.Equal(t, BreakerHalfOpen, b.State())

	require.Error(t, b.Call(func() error { return transientErr() }, exchange.IsTransient))
	assert.Equal(t, BreakerOpen, b.State())
}

// outage makes Ticker fail with a transient error while down.
type outage struct {
	*exchange.PaperExchange
	down bool
}

func (o *outage) Ticker(ctx context.Context, symbol string, venue types.Venue) (*types.Ticker, error) {
	if o.down {
		return nil, transientErr()
	}
	return o.PaperExchange.Ticker(ctx, symbol, venue)
}

func TestGuardTripsAndRecovers(t *testing.T) {
	paper := exchange.NewPaperExchange()
	paper.SeedSymbol(types.SymbolInfo{Symbol: "ETHUSDT", Venue: types.VenueDerivatives, BaseAsset: "ETH", QuoteAsset: "USDT",
		TickSize: 0.01, StepSize: 0.001, MinQty: 0.001, MinNotional: 5})
	paper.SetMarkPrice("ETHUSDT", 2000)

	venue := &outage{PaperExchange: paper, down: true}
	clock := newFakeClock()
	breaker := NewBreaker(BreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, OpenTimeout: 10 * time.Second})
	breaker.nowFn = clock.Now
	g := NewGuard(venue, NewLimiter(100, 100), breaker, zerolog.Nop())

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := g.Ticker(ctx, "ETHUSDT", types.VenueDerivatives)
		require.Error(t, err)
	}

	// breaker now fails fast and never reaches the adapter
	venue.down = false
	_, err := g.Ticker(ctx, "ETHUSDT", types.VenueDerivatives)
	assert.ErrorIs(t, err, ErrBreakerOpen)

	clock.Advance(11 * time.Second)
	tk, err := g.Ticker(ctx, "ETHUSDT", types.VenueDerivatives)
	require.NoError(t, err)
	assert.Equal(t, 2000.0, tk.LastPrice)
	assert.Equal(t, BreakerClosed, g.BreakerState())
}

func TestGuardPassThroughs(t *testing.T) {
	paper := exchange.NewPaperExchange()
	g := NewGuard(paper, NewLimiter(10, 10), NewBreaker(DefaultBreakerConfig()), zerolog.Nop())

	assert.Equal(t, "paper", g.Name())
	assert.True(t, g.SupportsUserTrades())
	assert.NoError(t, g.Close())
}

func TestGuardRateLimitRespectsContext(t *testing.T) {
	paper := exchange.NewPaperExchange()
	limiter := NewLimiter(1, 0.001)
	require.True(t, limiter.Allow()) // drain the bucket
	g := NewGuard(paper, limiter, NewBreaker(DefaultBreakerConfig()), zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := g.Tickers(ctx, types.VenueDerivatives)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
