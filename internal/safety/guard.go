package safety

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/LuizEdCard/gridbot/internal/exchange"
	"github.com/LuizEdCard/gridbot/pkg/types"
)

// Guard wraps an exchange adapter: every remote call pays a rate-limit
// token first, then runs through the circuit breaker. Only transient
// failures trip the breaker; a venue rejecting one bad order must not
// blind every worker.
type Guard struct {
	inner   exchange.Exchange
	limiter *Limiter
	breaker *Breaker
	log     zerolog.Logger
}

var _ exchange.Exchange = (*Guard)(nil)

// NewGuard builds the protective wrapper.
func NewGuard(inner exchange.Exchange, limiter *Limiter, breaker *Breaker, log zerolog.Logger) *Guard {
	return &Guard{
		inner:   inner,
		limiter: limiter,
		breaker: breaker,
		log:     log.With().Str("component", "safety").Str("exchange", inner.Name()).Logger(),
	}
}

// BreakerState exposes the breaker for status reporting.
func (g *Guard) BreakerState() BreakerState { return g.breaker.State() }

func (g *Guard) call(ctx context.Context, op string, fn func() error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	err := g.breaker.Call(fn, exchange.IsTransient)
	if err == ErrBreakerOpen {
		g.log.Warn().Str("op", op).Msg("call refused, circuit open")
	}
	return err
}

func (g *Guard) Name() string             { return g.inner.Name() }
func (g *Guard) SupportsUserTrades() bool { return g.inner.SupportsUserTrades() }
func (g *Guard) Close() error             { return g.inner.Close() }

func (g *Guard) ExchangeInfo(ctx context.Context, venue types.Venue) ([]types.SymbolInfo, error) {
	var out []types.SymbolInfo
	err := g.call(ctx, "exchange_info", func() error {
		var err error
		out, err = g.inner.ExchangeInfo(ctx, venue)
		return err
	})
	return out, err
}

func (g *Guard) Balances(ctx context.Context, venue types.Venue) ([]types.Balance, error) {
	var out []types.Balance
	err := g.call(ctx, "balances", func() error {
		var err error
		out, err = g.inner.Balances(ctx, venue)
		return err
	})
	return out, err
}

func (g *Guard) Account(ctx context.Context, venue types.Venue) (*exchange.AccountSummary, error) {
	var out *exchange.AccountSummary
	err := g.call(ctx, "account", func() error {
		var err error
		out, err = g.inner.Account(ctx, venue)
		return err
	})
	return out, err
}

func (g *Guard) Ticker(ctx context.Context, symbol string, venue types.Venue) (*types.Ticker, error) {
	var out *types.Ticker
	err := g.call(ctx, "ticker", func() error {
		var err error
		out, err = g.inner.Ticker(ctx, symbol, venue)
		return err
	})
	return out, err
}

func (g *Guard) Tickers(ctx context.Context, venue types.Venue) ([]types.Ticker, error) {
	var out []types.Ticker
	err := g.call(ctx, "tickers", func() error {
		var err error
		out, err = g.inner.Tickers(ctx, venue)
		return err
	})
	return out, err
}

func (g *Guard) Klines(ctx context.Context, symbol, interval string, limit int, venue types.Venue) ([]types.OHLCV, error) {
	var out []types.OHLCV
	err := g.call(ctx, "klines", func() error {
		var err error
		out, err = g.inner.Klines(ctx, symbol, interval, limit, venue)
		return err
	})
	return out, err
}

func (g *Guard) Positions(ctx context.Context, symbol string, venue types.Venue) ([]types.Position, error) {
	var out []types.Position
	err := g.call(ctx, "positions", func() error {
		var err error
		out, err = g.inner.Positions(ctx, symbol, venue)
		return err
	})
	return out, err
}

func (g *Guard) PlaceOrder(ctx context.Context, spec exchange.OrderSpec) (*exchange.Order, error) {
	var out *exchange.Order
	err := g.call(ctx, "place_order", func() error {
		var err error
		out, err = g.inner.PlaceOrder(ctx, spec)
		return err
	})
	return out, err
}

func (g *Guard) CancelOrder(ctx context.Context, symbol, orderID string, venue types.Venue) error {
	return g.call(ctx, "cancel_order", func() error {
		return g.inner.CancelOrder(ctx, symbol, orderID, venue)
	})
}

func (g *Guard) OpenOrders(ctx context.Context, symbol string, venue types.Venue) ([]exchange.Order, error) {
	var out []exchange.Order
	err := g.call(ctx, "open_orders", func() error {
		var err error
		out, err = g.inner.OpenOrders(ctx, symbol, venue)
		return err
	})
	return out, err
}

func (g *Guard) UserTrades(ctx context.Context, symbol string, venue types.Venue, since time.Time) ([]exchange.UserTrade, error) {
	var out []exchange.UserTrade
	err := g.call(ctx, "user_trades", func() error {
		var err error
		out, err = g.inner.UserTrades(ctx, symbol, venue, since)
		return err
	})
	return out, err
}

func (g *Guard) Transfer(ctx context.Context, asset string, amount float64, direction exchange.TransferDirection) error {
	return g.call(ctx, "transfer", func() error {
		return g.inner.Transfer(ctx, asset, amount, direction)
	})
}
