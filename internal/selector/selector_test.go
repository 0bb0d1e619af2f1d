package selector

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuizEdCard/gridbot/internal/exchange"
	"github.com/LuizEdCard/gridbot/pkg/types"
)

// stubExchange serves canned tickers and fails kline fetches so ADX
// contributes zero to every score.
type stubExchange struct {
	exchange.Exchange
	tickers map[types.Venue][]types.Ticker
}

func (s *stubExchange) Tickers(_ context.Context, venue types.Venue) ([]types.Ticker, error) {
	return s.tickers[venue], nil
}

func (s *stubExchange) Klines(context.Context, string, string, int, types.Venue) ([]types.OHLCV, error) {
	return nil, errors.New("no klines")
}

func tk(symbol string, venue types.Venue, last, volume, changePct float64) types.Ticker {
	return types.Ticker{
		Symbol:         symbol,
		Venue:          venue,
		LastPrice:      last,
		BidPrice:       last * 0.9995,
		AskPrice:       last * 1.0005,
		HighPrice:      last * 1.02,
		LowPrice:       last * 0.98,
		QuoteVolume:    volume,
		PriceChangePct: changePct,
	}
}

type fixedSentiment struct{ score float64 }

func (f fixedSentiment) Latest(bool) float64 { return f.score }

func newTestSelector(cfg Config, exch exchange.Exchange) *Selector {
	return New(cfg, exch, fixedSentiment{}, zerolog.Nop())
}

func TestFiltersDropWeakCandidates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinQuoteVolume = 1_000_000
	cfg.MinPrice = 0.01
	cfg.MaxSpread = 0.002

	wide := tk("WIDEUSDT", types.VenueSpot, 10, 5_000_000, 0.01)
	wide.BidPrice = 9.9
	wide.AskPrice = 10.1

	exch := &stubExchange{tickers: map[types.Venue][]types.Ticker{
		types.VenueSpot: {
			tk("BTCUSDT", types.VenueSpot, 60000, 9_000_000, 0.02),
			tk("THINUSDT", types.VenueSpot, 5, 100_000, 0.10), // volume too low
			tk("DUSTUSDT", types.VenueSpot, 0.001, 2_000_000, 0.05), // price too low
			wide, // spread too wide
		},
	}}

	sel := newTestSelector(cfg, exch)
	top, overview, err := sel.Select(context.Background())
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "BTCUSDT", top[0].Symbol)
	assert.Equal(t, 1, overview.TotalPairs)
}

func TestTopKAndPerVenueCaps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinQuoteVolume = 0
	cfg.MinPrice = 0
	cfg.MaxConcurrentPairs = 3
	cfg.MaxPerVenue = map[types.Venue]int{types.VenueDerivatives: 1}

	exch := &stubExchange{tickers: map[types.Venue][]types.Ticker{
		types.VenueDerivatives: {
			tk("AUSDT", types.VenueDerivatives, 10, 9_000_000, 0.09),
			tk("BUSDT", types.VenueDerivatives, 10, 8_000_000, 0.08),
		},
		types.VenueSpot: {
			tk("CUSDT", types.VenueSpot, 10, 7_000_000, 0.07),
			tk("DUSDT", types.VenueSpot, 10, 6_000_000, 0.06),
			tk("EUSDT", types.VenueSpot, 10, 5_000_000, 0.01),
		},
	}}

	sel := newTestSelector(cfg, exch)
	top, overview, err := sel.Select(context.Background())
	require.NoError(t, err)
	require.Len(t, top, 3)

	derivCount := 0
	for _, s := range top {
		if s.Venue == types.VenueDerivatives {
			derivCount++
		}
	}
	assert.Equal(t, 1, derivCount, "per-venue cap honored")
	// overview aggregates the full filtered set, not the top K
	assert.Equal(t, 5, overview.TotalPairs)
}

func TestTieBreakOnQuoteVolume(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinQuoteVolume = 0
	cfg.MinPrice = 0
	cfg.SentimentTilt = 0
	cfg.MaxConcurrentPairs = 1

	exch := &stubExchange{tickers: map[types.Venue][]types.Ticker{
		types.VenueSpot: {
			tk("LOWUSDT", types.VenueSpot, 10, 1_000_000, 0.05),
			tk("HIGHUSDT", types.VenueSpot, 10, 9_000_000, 0.05),
		},
	}}

	sel := newTestSelector(cfg, exch)
	top, _, err := sel.Select(context.Background())
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "HIGHUSDT", top[0].Symbol)
}

func TestOverviewTrendAndConditions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinQuoteVolume = 0
	cfg.MinPrice = 0

	exch := &stubExchange{tickers: map[types.Venue][]types.Ticker{
		types.VenueSpot: {
			tk("AUSDT", types.VenueSpot, 10, 2_000_000, 0.04),
			tk("BUSDT", types.VenueSpot, 10, 2_000_000, 0.03),
		},
	}}

	sel := New(cfg, exch, fixedSentiment{score: 0.4}, zerolog.Nop())
	_, overview, err := sel.Select(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.TrendBullish, overview.Trend)
	assert.Equal(t, "trending", overview.ConditionsLabel)
	assert.InDelta(t, 0.4, overview.SentimentScore, 1e-9)
	assert.NotEmpty(t, overview.HotSymbols)
}

func TestEmptyUniverseYieldsNoDataOverview(t *testing.T) {
	exch := &stubExchange{tickers: map[types.Venue][]types.Ticker{}}
	sel := newTestSelector(DefaultConfig(), exch)
	top, overview, err := sel.Select(context.Background())
	require.NoError(t, err)
	assert.Empty(t, top)
	assert.Equal(t, "no_data", overview.ConditionsLabel)
	assert.Equal(t, types.TrendNeutral, overview.Trend)
}
