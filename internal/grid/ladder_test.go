package grid

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuizEdCard/gridbot/internal/exchange"
	"github.com/LuizEdCard/gridbot/pkg/types"
)

func ethInfo() types.SymbolInfo {
	return types.SymbolInfo{
		Symbol:      "ETHUSDT",
		Venue:       types.VenueDerivatives,
		TickSize:    0.01,
		StepSize:    0.001,
		MinQty:      0.001,
		MinNotional: 5,
		MaxLeverage: 20,
	}
}

func TestBuildLadderCompoundsOutward(t *testing.T) {
	ladder, err := BuildLadder(LadderParams{
		Info:      ethInfo(),
		Center:    2000,
		Spacing:   0.005,
		Levels:    4,
		MinLevels: 4,
		Budget:    100,
	})
	require.NoError(t, err)
	require.Len(t, ladder.Levels, 4)

	prices := make([]float64, 0, 4)
	for _, lv := range ladder.Levels {
		prices = append(prices, lv.Price)
	}
	assert.Equal(t, []float64{1980.05, 1990.00, 2010.00, 2020.05}, prices)

	assert.Equal(t, exchange.SideBuy, ladder.Levels[0].Side)
	assert.Equal(t, exchange.SideBuy, ladder.Levels[1].Side)
	assert.Equal(t, exchange.SideSell, ladder.Levels[2].Side)
	assert.Equal(t, exchange.SideSell, ladder.Levels[3].Side)

	// per-level budget 25 USD truncated to step size
	assert.InDelta(t, 0.012, ladder.Levels[1].Qty, 1e-9)

	require.NoError(t, ladder.Validate(0.01))
	buys, sells := ladder.SideCounts()
	assert.Equal(t, 2, buys)
	assert.Equal(t, 2, sells)
}

func TestBuildLadderOddLevelsFollowBias(t *testing.T) {
	base := LadderParams{
		Info:      ethInfo(),
		Center:    2000,
		Spacing:   0.005,
		Levels:    5,
		MinLevels: 4,
		Budget:    200,
	}

	bullish := base
	bullish.Bias = 1
	ladder, err := BuildLadder(bullish)
	require.NoError(t, err)
	buys, sells := ladder.SideCounts()
	assert.Equal(t, 3, buys)
	assert.Equal(t, 2, sells)

	bearish := base
	bearish.Bias = -1
	ladder, err = BuildLadder(bearish)
	require.NoError(t, err)
	buys, sells = ladder.SideCounts()
	assert.Equal(t, 2, buys)
	assert.Equal(t, 3, sells)
}

func TestBuildLadderBiasBoostsFavoredSide(t *testing.T) {
	ladder, err := BuildLadder(LadderParams{
		Info:      ethInfo(),
		Center:    2000,
		Spacing:   0.005,
		Levels:    4,
		MinLevels: 4,
		Bias:      1,
		Budget:    400,
	})
	require.NoError(t, err)

	var buyQty, sellQty float64
	for _, lv := range ladder.Levels {
		if lv.Side == exchange.SideBuy {
			buyQty += lv.Qty
		} else {
			sellQty += lv.Qty
		}
	}
	assert.Greater(t, buyQty, sellQty)
}

func TestBuildLadderExpandsRoundingCollisions(t *testing.T) {
	// a coarse tick collapses adjacent raw prices onto the same rounded
	// value; construction must keep expanding until levels are a full
	// tick apart
	info := ethInfo()
	info.TickSize = 50
	info.MinNotional = 0
	ladder, err := BuildLadder(LadderParams{
		Info:      info,
		Center:    10000,
		Spacing:   0.001, // raw step 10, far below the 50 tick
		Levels:    4,
		MinLevels: 2,
		Budget:    100000,
	})
	require.NoError(t, err)
	require.NoError(t, ladder.Validate(50))
}

func TestBuildLadderTooFewLevels(t *testing.T) {
	// budget so small that the min-notional bump blows past it on every
	// level
	_, err := BuildLadder(LadderParams{
		Info:      ethInfo(),
		Center:    2000,
		Spacing:   0.005,
		Levels:    4,
		MinLevels: 4,
		Budget:    4,
	})
	require.Error(t, err)
	var tooFew *ErrTooFewLevels
	assert.True(t, errors.As(err, &tooFew))
}

func TestDynamicSpacingFallsBackWhenATRNotReady(t *testing.T) {
	assert.Equal(t, 0.005, DynamicSpacing(0, 2000, 1.5, 0.001, 0.005))
	assert.InDelta(t, 0.0075, DynamicSpacing(10, 2000, 1.5, 0.001, 0.005), 1e-9)
	// floor applies
	assert.Equal(t, 0.002, DynamicSpacing(0.1, 2000, 1.5, 0.002, 0.005))
}

func TestLadderLinePrice(t *testing.T) {
	l := &Ladder{Center: 2000, Spacing: 0.005}
	assert.Equal(t, 2000.00, l.LinePrice(0, 0.01))
	assert.Equal(t, 1990.00, l.LinePrice(-1, 0.01))
	assert.Equal(t, 2010.00, l.LinePrice(1, 0.01))
	assert.InDelta(t, 1980.05, l.LinePrice(-2, 0.01), 1e-9)
}

func TestLadderInsertReplacesIndex(t *testing.T) {
	l := &Ladder{Center: 2000, Spacing: 0.005}
	l.Insert(Level{Index: -1, Price: 1990, Side: exchange.SideBuy, Qty: 0.01})
	l.Insert(Level{Index: -1, Price: 1990, Side: exchange.SideSell, Qty: 0.02})
	require.Len(t, l.Levels, 1)
	assert.Equal(t, exchange.SideSell, l.Levels[0].Side)
}
