package risk

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/LuizEdCard/gridbot/internal/notifications"
)

// checkPortfolio runs the cross-symbol checks: weight concentration,
// pairwise correlation of log returns, correlation-matrix portfolio
// VaR, and the Herfindahl diversification score.
func (m *Monitor) checkPortfolio(ctx context.Context, tracked []string, equity float64) error {
	type series struct {
		symbol   string
		returns  []float64
		notional float64
	}

	m.mu.Lock()
	all := make([]series, 0, len(tracked))
	totalNotional := 0.0
	for _, sym := range tracked {
		st, ok := m.symbols[sym]
		if !ok {
			continue
		}
		s := series{symbol: sym, returns: st.prices.logReturns(), notional: st.notional.last()}
		totalNotional += s.notional
		all = append(all, s)
	}
	m.mu.Unlock()

	if len(all) == 0 || totalNotional <= 0 {
		return nil
	}

	// concentration
	weights := make([]float64, len(all))
	for i, s := range all {
		weights[i] = s.notional / totalNotional
		if m.cfg.MaxSingleWeight > 0 && weights[i] > m.cfg.MaxSingleWeight {
			m.alert(ctx, "concentration:"+s.symbol, notifications.SeverityWarning, "",
				fmt.Sprintf("%s carries %.1f%% of portfolio notional (cap %.1f%%)",
					s.symbol, weights[i]*100, m.cfg.MaxSingleWeight*100))
		}
	}

	herfindahl := 0.0
	for _, w := range weights {
		herfindahl += w * w
	}
	diversification := 1 - herfindahl
	m.log.Debug().Float64("herfindahl", herfindahl).Float64("diversification", diversification).Msg("portfolio concentration")

	// correlations need aligned return series
	minLen := math.MaxInt32
	for _, s := range all {
		if len(s.returns) < minLen {
			minLen = len(s.returns)
		}
	}
	if len(all) < 2 || minLen < 2 {
		return nil
	}
	aligned := make([][]float64, len(all))
	for i, s := range all {
		aligned[i] = s.returns[len(s.returns)-minLen:]
	}

	corr := mat.NewSymDense(len(all), nil)
	for i := range all {
		corr.SetSym(i, i, 1)
		for j := i + 1; j < len(all); j++ {
			c := stat.Correlation(aligned[i], aligned[j], nil)
			if math.IsNaN(c) {
				c = 0
			}
			corr.SetSym(i, j, c)
			if m.cfg.MaxCorrelation > 0 && c > m.cfg.MaxCorrelation {
				m.alert(ctx, fmt.Sprintf("correlation:%s:%s", all[i].symbol, all[j].symbol),
					notifications.SeverityWarning, "",
					fmt.Sprintf("%s and %s correlate at %.2f over the window (cap %.2f)",
						all[i].symbol, all[j].symbol, c, m.cfg.MaxCorrelation))
			}
		}
	}

	if m.cfg.MaxPortfolioVaR > 0 && equity > 0 {
		pv := portfolioVaR(aligned, corr, weights, totalNotional)
		if pv > m.cfg.MaxPortfolioVaR*equity {
			m.alert(ctx, "portfolio_var", notifications.SeverityCritical, "",
				fmt.Sprintf("portfolio VaR95 %.2f USD exceeds %.1f%% of equity",
					pv, m.cfg.MaxPortfolioVaR*100))
		}
	}
	return nil
}

// portfolioVaR computes sqrt(wᵀ Σ w) × z95 × total notional, with Σ
// built from per-series volatilities and the correlation matrix.
func portfolioVaR(aligned [][]float64, corr *mat.SymDense, weights []float64, totalNotional float64) float64 {
	n := len(aligned)
	vols := make([]float64, n)
	for i := range aligned {
		vols[i] = stat.StdDev(aligned[i], nil)
	}

	cov := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			cov.SetSym(i, j, corr.At(i, j)*vols[i]*vols[j])
		}
	}

	w := mat.NewVecDense(n, weights)
	var tmp mat.VecDense
	tmp.MulVec(cov, w)
	variance := mat.Dot(w, &tmp)
	if variance < 0 {
		variance = 0
	}
	return zScore95 * math.Sqrt(variance) * totalNotional
}
