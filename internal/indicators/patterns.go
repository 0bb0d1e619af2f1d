package indicators

import (
	"math"

	"github.com/LuizEdCard/gridbot/pkg/types"
)

// PatternScore scores candlestick reversal patterns on the last two
// bars in [-1, 1]: positive for bullish patterns, negative for bearish.
// Requires at least 2 bars.
func PatternScore(frame []types.OHLCV) (float64, error) {
	if len(frame) < 2 {
		return 0, ErrInsufficientData
	}
	prev := frame[len(frame)-2]
	last := frame[len(frame)-1]

	score := 0.0
	score += engulfingScore(prev, last)
	score += hammerScore(last)
	score += dojiDamping(last) * score

	return math.Max(-1, math.Min(1, score)), nil
}

// engulfingScore detects bullish/bearish engulfing of the previous body.
func engulfingScore(prev, last types.OHLCV) float64 {
	prevBody := prev.Close - prev.Open
	lastBody := last.Close - last.Open
	if prevBody < 0 && lastBody > 0 && last.Close > prev.Open && last.Open < prev.Close {
		return 0.6
	}
	if prevBody > 0 && lastBody < 0 && last.Close < prev.Open && last.Open > prev.Close {
		return -0.6
	}
	return 0
}

// hammerScore detects hammers (long lower shadow) and shooting stars
// (long upper shadow) on the latest bar.
func hammerScore(bar types.OHLCV) float64 {
	bodyTop := math.Max(bar.Open, bar.Close)
	bodyBottom := math.Min(bar.Open, bar.Close)
	body := bodyTop - bodyBottom
	if body == 0 {
		body = (bar.High - bar.Low) * 0.01 // avoid division by zero on flat bars
		if body == 0 {
			return 0
		}
	}
	lowerShadow := bodyBottom - bar.Low
	upperShadow := bar.High - bodyTop

	if lowerShadow > 2*body && upperShadow < body {
		return 0.4
	}
	if upperShadow > 2*body && lowerShadow < body {
		return -0.4
	}
	return 0
}

// dojiDamping returns a negative multiplier component when the latest
// bar is a doji, signalling indecision.
func dojiDamping(bar types.OHLCV) float64 {
	rng := bar.High - bar.Low
	if rng == 0 {
		return 0
	}
	body := math.Abs(bar.Close - bar.Open)
	if body/rng < 0.1 {
		return -0.5
	}
	return 0
}
