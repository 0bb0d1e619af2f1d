package indicators

import (
	"math"

	"github.com/LuizEdCard/gridbot/pkg/types"
)

// RSI returns the Relative Strength Index of the latest bar on a 0-100
// scale. Requires at least period+1 bars.
func RSI(frame []types.OHLCV, period int) (float64, error) {
	if period <= 0 || len(frame) < period+1 {
		return 0, ErrInsufficientData
	}

	closes := Closes(frame)
	gains := make([]float64, 0, len(closes)-1)
	losses := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			gains = append(gains, change)
			losses = append(losses, 0)
		} else {
			gains = append(gains, 0)
			losses = append(losses, math.Abs(change))
		}
	}

	// Wilder's smoothing: seed with the SMA of the first period, then
	// blend each subsequent change.
	avgGain := 0.0
	avgLoss := 0.0
	for i := 0; i < period; i++ {
		avgGain += gains[i]
		avgLoss += losses[i]
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	for i := period; i < len(gains); i++ {
		avgGain = (avgGain*float64(period-1) + gains[i]) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + losses[i]) / float64(period)
	}

	if avgLoss == 0 {
		return 100, nil
	}
	rs := avgGain / avgLoss
	rsi := 100 - (100 / (1 + rs))
	if !finite(rsi) {
		return 0, ErrInsufficientData
	}
	return rsi, nil
}
