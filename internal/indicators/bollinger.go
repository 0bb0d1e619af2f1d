package indicators

import "github.com/LuizEdCard/gridbot/pkg/types"

// BollingerResult holds the band values for the latest bar.
type BollingerResult struct {
	Upper    float64
	Middle   float64
	Lower    float64
	PercentB float64 // 0 = at lower band, 1 = at upper band
}

// Bollinger computes Bollinger Bands and %B for the latest bar.
// Requires at least period bars.
func Bollinger(frame []types.OHLCV, period int, stdDevMult float64) (BollingerResult, error) {
	if period <= 0 || len(frame) < period {
		return BollingerResult{}, ErrInsufficientData
	}

	closes := Closes(frame)
	recent := closes[len(closes)-period:]
	middle, err := SMA(recent, period)
	if err != nil {
		return BollingerResult{}, err
	}
	sd := StdDev(recent, middle)

	res := BollingerResult{
		Upper:  middle + stdDevMult*sd,
		Middle: middle,
		Lower:  middle - stdDevMult*sd,
	}
	price := closes[len(closes)-1]
	if res.Upper == res.Lower {
		res.PercentB = 0.5
	} else {
		res.PercentB = (price - res.Lower) / (res.Upper - res.Lower)
	}
	if !finite(res.PercentB) {
		return BollingerResult{}, ErrInsufficientData
	}
	return res, nil
}
