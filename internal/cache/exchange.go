package cache

import (
	"context"
	"time"

	"github.com/LuizEdCard/gridbot/internal/exchange"
	"github.com/LuizEdCard/gridbot/pkg/types"
)

// CachedExchange fronts an adapter's market-data reads with the shared
// TTL store, so the selector, coordinator, and grid workers all read
// through one cache instead of hitting the venue independently. Order
// placement, cancellation, open-order snapshots, and the user-trade
// stream always go straight to the venue: fill detection cannot run on
// stale order state.
type CachedExchange struct {
	inner exchange.Exchange
	cache *MarketCache
}

var _ exchange.Exchange = (*CachedExchange)(nil)

// NewExchange wraps inner with the shared cache.
func NewExchange(c *MarketCache, inner exchange.Exchange) *CachedExchange {
	return &CachedExchange{inner: inner, cache: c}
}

func (x *CachedExchange) Name() string { return x.inner.Name() }

func (x *CachedExchange) ExchangeInfo(ctx context.Context, venue types.Venue) ([]types.SymbolInfo, error) {
	return x.cache.ExchangeInfo(ctx, venue)
}

func (x *CachedExchange) Balances(ctx context.Context, venue types.Venue) ([]types.Balance, error) {
	return x.inner.Balances(ctx, venue)
}

func (x *CachedExchange) Account(ctx context.Context, venue types.Venue) (*exchange.AccountSummary, error) {
	return x.cache.Account(ctx, venue)
}

func (x *CachedExchange) Ticker(ctx context.Context, symbol string, venue types.Venue) (*types.Ticker, error) {
	return x.cache.Ticker(ctx, symbol, venue)
}

func (x *CachedExchange) Tickers(ctx context.Context, venue types.Venue) ([]types.Ticker, error) {
	return x.cache.Tickers(ctx, venue)
}

func (x *CachedExchange) Klines(ctx context.Context, symbol, interval string, limit int, venue types.Venue) ([]types.OHLCV, error) {
	return x.cache.Klines(ctx, symbol, interval, limit, venue)
}

func (x *CachedExchange) Positions(ctx context.Context, symbol string, venue types.Venue) ([]types.Position, error) {
	p, err := x.cache.Position(ctx, symbol, venue)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}
	return []types.Position{*p}, nil
}

func (x *CachedExchange) PlaceOrder(ctx context.Context, spec exchange.OrderSpec) (*exchange.Order, error) {
	return x.inner.PlaceOrder(ctx, spec)
}

func (x *CachedExchange) CancelOrder(ctx context.Context, symbol, orderID string, venue types.Venue) error {
	return x.inner.CancelOrder(ctx, symbol, orderID, venue)
}

func (x *CachedExchange) OpenOrders(ctx context.Context, symbol string, venue types.Venue) ([]exchange.Order, error) {
	return x.inner.OpenOrders(ctx, symbol, venue)
}

func (x *CachedExchange) SupportsUserTrades() bool { return x.inner.SupportsUserTrades() }

func (x *CachedExchange) UserTrades(ctx context.Context, symbol string, venue types.Venue, since time.Time) ([]exchange.UserTrade, error) {
	return x.inner.UserTrades(ctx, symbol, venue, since)
}

func (x *CachedExchange) Transfer(ctx context.Context, asset string, amount float64, direction exchange.TransferDirection) error {
	return x.inner.Transfer(ctx, asset, amount, direction)
}

func (x *CachedExchange) Close() error { return x.inner.Close() }
