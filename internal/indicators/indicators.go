// Package indicators provides pure technical-indicator functions over
// OHLCV frames. No function performs I/O; every function returns the
// latest-bar value or ErrInsufficientData when the frame is too short.
package indicators

import (
	"errors"
	"math"

	"github.com/LuizEdCard/gridbot/pkg/types"
)

// ErrInsufficientData signals that the frame is shorter than the
// indicator needs. Callers fall back to configured defaults.
var ErrInsufficientData = errors.New("insufficient data for indicator")

// Closes extracts the close series from a frame.
func Closes(frame []types.OHLCV) []float64 {
	out := make([]float64, len(frame))
	for i, bar := range frame {
		out[i] = bar.Close
	}
	return out
}

// SMA returns the simple moving average of the last period values.
func SMA(values []float64, period int) (float64, error) {
	if period <= 0 || len(values) < period {
		return 0, ErrInsufficientData
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period), nil
}

// EMASeries returns the exponential moving average series for values.
// The first period values seed the average with an SMA.
func EMASeries(values []float64, period int) ([]float64, error) {
	if period <= 0 || len(values) < period {
		return nil, ErrInsufficientData
	}
	out := make([]float64, 0, len(values)-period+1)
	seed := 0.0
	for _, v := range values[:period] {
		seed += v
	}
	seed /= float64(period)
	out = append(out, seed)

	k := 2.0 / float64(period+1)
	ema := seed
	for _, v := range values[period:] {
		ema = (v-ema)*k + ema
		out = append(out, ema)
	}
	return out, nil
}

// StdDev returns the population standard deviation around mean.
func StdDev(values []float64, mean float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)))
}

func trueRange(current types.OHLCV, prevClose float64) float64 {
	return math.Max(current.High-current.Low,
		math.Max(math.Abs(current.High-prevClose), math.Abs(current.Low-prevClose)))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
