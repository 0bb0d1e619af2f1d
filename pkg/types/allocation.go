package types

import "fmt"

// Allocation is the capital contract issued to one grid worker. It
// bounds the worker's capital, leverage, venue and grid density.
type Allocation struct {
	Symbol          string  `json:"symbol"`
	Venue           Venue   `json:"venue"`
	AllocatedUSD    float64 `json:"allocated_usd"`
	MaxPositionUSD  float64 `json:"max_position_usd"`
	GridLevels      int     `json:"grid_levels"`
	SpacingFraction float64 `json:"spacing_fraction"`
	Leverage        float64 `json:"leverage"`
}

// EffectiveCapital returns the deployable notional: allocated capital
// multiplied by leverage on derivatives, allocated capital as-is on spot.
func (a Allocation) EffectiveCapital() float64 {
	if a.Venue == VenueDerivatives && a.Leverage > 1 {
		return a.AllocatedUSD * a.Leverage
	}
	return a.AllocatedUSD
}

// Validate checks the allocation invariants against the configured
// bounds. minPerPair and maxWeight×totalEquity bound the capital;
// grid levels must sit inside [minLevels, maxLevels].
func (a Allocation) Validate(minPerPair, maxWeight, totalEquity float64, minLevels, maxLevels int) error {
	if a.Symbol == "" {
		return fmt.Errorf("allocation missing symbol")
	}
	if a.AllocatedUSD < minPerPair {
		return fmt.Errorf("allocation %s: %.2f USD below per-pair minimum %.2f", a.Symbol, a.AllocatedUSD, minPerPair)
	}
	if maxWeight > 0 && totalEquity > 0 && a.AllocatedUSD > maxWeight*totalEquity+1e-9 {
		return fmt.Errorf("allocation %s: %.2f USD exceeds single-asset cap %.2f", a.Symbol, a.AllocatedUSD, maxWeight*totalEquity)
	}
	if a.GridLevels < minLevels || a.GridLevels > maxLevels {
		return fmt.Errorf("allocation %s: grid levels %d outside [%d, %d]", a.Symbol, a.GridLevels, minLevels, maxLevels)
	}
	if a.SpacingFraction <= 0 {
		return fmt.Errorf("allocation %s: spacing fraction must be positive", a.Symbol)
	}
	return nil
}
