package indicators

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuizEdCard/gridbot/pkg/types"
)

func frameFromCloses(closes ...float64) []types.OHLCV {
	frame := make([]types.OHLCV, len(closes))
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		frame[i] = types.OHLCV{
			Open: c, High: c * 1.01, Low: c * 0.99, Close: c, Volume: 100,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}
	}
	return frame
}

func TestRSIInsufficientData(t *testing.T) {
	_, err := RSI(frameFromCloses(1, 2, 3), 14)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestRSIAllGainsIsHundred(t *testing.T) {
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	rsi, err := RSI(frameFromCloses(closes...), 14)
	require.NoError(t, err)
	assert.Equal(t, 100.0, rsi)
}

func TestRSIMidrangeOnAlternation(t *testing.T) {
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 100
		if i%2 == 1 {
			closes[i] = 101
		}
	}
	rsi, err := RSI(frameFromCloses(closes...), 14)
	require.NoError(t, err)
	assert.Greater(t, rsi, 30.0)
	assert.Less(t, rsi, 70.0)
}

func TestATRFlatMarketMatchesRange(t *testing.T) {
	frame := make([]types.OHLCV, 20)
	for i := range frame {
		frame[i] = types.OHLCV{Open: 100, High: 101, Low: 99, Close: 100}
	}
	atr, err := ATR(frame, 14)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, atr, 1e-9)
}

func TestATRInsufficientData(t *testing.T) {
	_, err := ATR(frameFromCloses(1, 2), 14)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestADXStrongTrend(t *testing.T) {
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 100 + 2*float64(i)
	}
	adx, err := ADX(frameFromCloses(closes...), 14)
	require.NoError(t, err)
	assert.Greater(t, adx, 25.0, "steady uptrend should read as trending")
}

func TestADXInsufficientData(t *testing.T) {
	_, err := ADX(frameFromCloses(1, 2, 3, 4, 5), 14)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestMACDUptrendPositive(t *testing.T) {
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	res, err := MACD(frameFromCloses(closes...), 12, 26, 9)
	require.NoError(t, err)
	assert.Greater(t, res.MACD, 0.0)
}

func TestBollingerPercentB(t *testing.T) {
	closes := make([]float64, 25)
	for i := range closes {
		closes[i] = 100
		if i%2 == 0 {
			closes[i] = 102
		}
	}
	closes[len(closes)-1] = 104 // spike to the top
	res, err := Bollinger(frameFromCloses(closes...), 20, 2.0)
	require.NoError(t, err)
	assert.Greater(t, res.PercentB, 0.8)
	assert.Greater(t, res.Upper, res.Middle)
	assert.Less(t, res.Lower, res.Middle)
}

func TestBollingerFlatSeriesIsCentered(t *testing.T) {
	closes := make([]float64, 25)
	for i := range closes {
		closes[i] = 100
	}
	res, err := Bollinger(frameFromCloses(closes...), 20, 2.0)
	require.NoError(t, err)
	assert.Equal(t, 0.5, res.PercentB)
}

func TestPatternScoreBullishEngulfing(t *testing.T) {
	frame := []types.OHLCV{
		{Open: 102, High: 102.5, Low: 99.5, Close: 100},  // bearish body
		{Open: 99.8, High: 103.5, Low: 99.6, Close: 103}, // engulfing bullish body
	}
	score, err := PatternScore(frame)
	require.NoError(t, err)
	assert.Greater(t, score, 0.0)
}

func TestPatternScoreBounded(t *testing.T) {
	frame := []types.OHLCV{
		{Open: 110, High: 111, Low: 99, Close: 100},
		{Open: 100, High: 120, Low: 99.9, Close: 119},
	}
	score, err := PatternScore(frame)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, score, -1.0)
	assert.LessOrEqual(t, score, 1.0)
}

func TestEMASeriesLength(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	series, err := EMASeries(values, 3)
	require.NoError(t, err)
	assert.Len(t, series, 6)
}
