package indicators

import "github.com/LuizEdCard/gridbot/pkg/types"

// ATR returns the Average True Range of the latest bar using Wilder's
// smoothing. Requires at least period+1 bars.
func ATR(frame []types.OHLCV, period int) (float64, error) {
	if period <= 0 || len(frame) < period+1 {
		return 0, ErrInsufficientData
	}

	trs := make([]float64, 0, len(frame)-1)
	for i := 1; i < len(frame); i++ {
		trs = append(trs, trueRange(frame[i], frame[i-1].Close))
	}

	atr := 0.0
	for i := 0; i < period; i++ {
		atr += trs[i]
	}
	atr /= float64(period)
	for i := period; i < len(trs); i++ {
		atr = (atr*float64(period-1) + trs[i]) / float64(period)
	}

	if !finite(atr) {
		return 0, ErrInsufficientData
	}
	return atr, nil
}
