package indicators

import "github.com/LuizEdCard/gridbot/pkg/types"

// MACDResult holds the three MACD outputs for the latest bar.
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// MACD computes the MACD line (fast EMA - slow EMA), the signal line
// (EMA of the MACD series) and the histogram for the latest bar.
// Requires at least slow+signal bars.
func MACD(frame []types.OHLCV, fast, slow, signal int) (MACDResult, error) {
	if fast <= 0 || slow <= fast || signal <= 0 || len(frame) < slow+signal {
		return MACDResult{}, ErrInsufficientData
	}

	closes := Closes(frame)
	fastEMAs, err := EMASeries(closes, fast)
	if err != nil {
		return MACDResult{}, err
	}
	slowEMAs, err := EMASeries(closes, slow)
	if err != nil {
		return MACDResult{}, err
	}

	// Align both series on the slow EMA's start.
	offset := len(fastEMAs) - len(slowEMAs)
	macdSeries := make([]float64, len(slowEMAs))
	for i := range slowEMAs {
		macdSeries[i] = fastEMAs[i+offset] - slowEMAs[i]
	}

	signalSeries, err := EMASeries(macdSeries, signal)
	if err != nil {
		return MACDResult{}, err
	}

	res := MACDResult{
		MACD:   macdSeries[len(macdSeries)-1],
		Signal: signalSeries[len(signalSeries)-1],
	}
	res.Histogram = res.MACD - res.Signal
	if !finite(res.MACD) || !finite(res.Signal) {
		return MACDResult{}, ErrInsufficientData
	}
	return res, nil
}
