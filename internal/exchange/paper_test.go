package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuizEdCard/gridbot/pkg/types"
)

func newTestPaper() *PaperExchange {
	p := NewPaperExchange()
	p.SeedSymbol(types.SymbolInfo{
		Symbol:      "ETHUSDT",
		Venue:       types.VenueDerivatives,
		TickSize:    0.01,
		StepSize:    0.001,
		MinQty:      0.001,
		MaxQty:      1000,
		MinNotional: 5,
		MaxLeverage: 50,
	})
	p.Deposit(types.VenueDerivatives, "USDT", 1000)
	p.SetMarkPrice("ETHUSDT", 2000)
	return p
}

func TestPaperLimitOrderRestsUntilCrossed(t *testing.T) {
	p := newTestPaper()
	ctx := context.Background()

	order, err := p.PlaceOrder(ctx, OrderSpec{
		Symbol: "ETHUSDT", Venue: types.VenueDerivatives,
		Side: SideBuy, Type: TypeLimit, Quantity: 0.005, Price: 1990,
	})
	require.NoError(t, err)
	assert.Equal(t, "new", order.Status)

	open, err := p.OpenOrders(ctx, "ETHUSDT", types.VenueDerivatives)
	require.NoError(t, err)
	require.Len(t, open, 1)

	p.SetMarkPrice("ETHUSDT", 1989.5)

	open, err = p.OpenOrders(ctx, "ETHUSDT", types.VenueDerivatives)
	require.NoError(t, err)
	assert.Empty(t, open)

	trades, err := p.UserTrades(ctx, "ETHUSDT", types.VenueDerivatives, time.Time{})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, 1990.0, trades[0].Price)
	assert.Equal(t, 0.005, trades[0].Quantity)
}

func TestPaperRejectsBelowMinNotional(t *testing.T) {
	p := newTestPaper()

	_, err := p.PlaceOrder(context.Background(), OrderSpec{
		Symbol: "ETHUSDT", Venue: types.VenueDerivatives,
		Side: SideBuy, Type: TypeLimit, Quantity: 0.001, Price: 1990,
	})
	require.Error(t, err)
	assert.True(t, IsMinNotional(err))
	assert.True(t, IsPermanent(err))
}

func TestPaperMarketOrderFillsAtMark(t *testing.T) {
	p := newTestPaper()

	order, err := p.PlaceOrder(context.Background(), OrderSpec{
		Symbol: "ETHUSDT", Venue: types.VenueDerivatives,
		Side: SideSell, Type: TypeMarket, Quantity: 0.01,
	})
	require.NoError(t, err)
	assert.Equal(t, "filled", order.Status)
	assert.Equal(t, 2000.0, order.AvgPrice)
}

func TestPaperPositionFromFills(t *testing.T) {
	p := newTestPaper()
	ctx := context.Background()

	_, err := p.PlaceOrder(ctx, OrderSpec{
		Symbol: "ETHUSDT", Venue: types.VenueDerivatives,
		Side: SideBuy, Type: TypeMarket, Quantity: 0.01,
	})
	require.NoError(t, err)

	positions, err := p.Positions(ctx, "ETHUSDT", types.VenueDerivatives)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, types.PositionLong, positions[0].Side)
	assert.InDelta(t, 0.01, positions[0].Size, 1e-9)
	assert.InDelta(t, 2000.0, positions[0].EntryPrice, 1e-9)
}

func TestPaperTransferMovesFreeBalance(t *testing.T) {
	p := newTestPaper()
	p.Deposit(types.VenueSpot, "USDT", 100)
	ctx := context.Background()

	require.NoError(t, p.Transfer(ctx, "USDT", 60, TransferSpotToDerivatives))

	spot, err := p.Balances(ctx, types.VenueSpot)
	require.NoError(t, err)
	require.Len(t, spot, 1)
	assert.InDelta(t, 40.0, spot[0].Free, 1e-9)

	err = p.Transfer(ctx, "USDT", 500, TransferSpotToDerivatives)
	require.Error(t, err)
	assert.True(t, IsInsufficientFunds(err))
}

func TestCancelUnknownOrder(t *testing.T) {
	p := newTestPaper()
	err := p.CancelOrder(context.Background(), "ETHUSDT", "missing", types.VenueDerivatives)
	require.Error(t, err)
	var ee *ExchangeError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, CodeOrderNotFound, ee.Code)
}
