package indicators

import "github.com/LuizEdCard/gridbot/pkg/types"

// ADX returns the Average Directional Index of the latest bar on a
// 0-100 scale. Values above 20 indicate a trending market, above 40 a
// strong trend. Requires at least 2*period+1 bars for the DX smoothing
// to settle.
func ADX(frame []types.OHLCV, period int) (float64, error) {
	if period <= 0 || len(frame) < 2*period+1 {
		return 0, ErrInsufficientData
	}

	n := len(frame) - 1
	trs := make([]float64, n)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 1; i < len(frame); i++ {
		current, previous := frame[i], frame[i-1]
		trs[i-1] = trueRange(current, previous.Close)

		highDiff := current.High - previous.High
		lowDiff := previous.Low - current.Low
		if highDiff > lowDiff && highDiff > 0 {
			plusDM[i-1] = highDiff
		}
		if lowDiff > highDiff && lowDiff > 0 {
			minusDM[i-1] = lowDiff
		}
	}

	// Wilder-smoothed TR and DM sums over the first period.
	trSum, plusSum, minusSum := 0.0, 0.0, 0.0
	for i := 0; i < period; i++ {
		trSum += trs[i]
		plusSum += plusDM[i]
		minusSum += minusDM[i]
	}

	dxs := make([]float64, 0, n-period+1)
	appendDX := func() {
		if trSum == 0 {
			dxs = append(dxs, 0)
			return
		}
		plusDI := (plusSum / trSum) * 100
		minusDI := (minusSum / trSum) * 100
		if plusDI+minusDI == 0 {
			dxs = append(dxs, 0)
			return
		}
		dxs = append(dxs, abs(plusDI-minusDI)/(plusDI+minusDI)*100)
	}
	appendDX()

	for i := period; i < n; i++ {
		trSum = trSum - trSum/float64(period) + trs[i]
		plusSum = plusSum - plusSum/float64(period) + plusDM[i]
		minusSum = minusSum - minusSum/float64(period) + minusDM[i]
		appendDX()
	}

	if len(dxs) < period {
		return 0, ErrInsufficientData
	}

	// ADX is the Wilder-smoothed average of DX.
	adx := 0.0
	for i := 0; i < period; i++ {
		adx += dxs[i]
	}
	adx /= float64(period)
	for i := period; i < len(dxs); i++ {
		adx = (adx*float64(period-1) + dxs[i]) / float64(period)
	}

	if !finite(adx) {
		return 0, ErrInsufficientData
	}
	return adx, nil
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
