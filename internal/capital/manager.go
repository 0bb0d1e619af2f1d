package capital

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/LuizEdCard/gridbot/internal/exchange"
	"github.com/LuizEdCard/gridbot/pkg/types"
)

// OverridePrecedence decides who wins when a manual venue override and
// the split-rebalancing override disagree for the same symbol.
type OverridePrecedence string

const (
	PrecedenceManual    OverridePrecedence = "manual"
	PrecedenceRebalance OverridePrecedence = "rebalance"
)

// GridDefaults seed the grid parameters of a fresh allocation.
type GridDefaults struct {
	InitialLevels          int     `json:"initial_levels"`
	MinLevels              int     `json:"min_levels"`
	MaxLevels              int     `json:"max_levels"`
	InitialSpacingFraction float64 `json:"initial_spacing_fraction"`
}

// Config controls the allocation algorithm.
type Config struct {
	MaxConcurrentPairs    int                `json:"max_concurrent_pairs"`
	MinCapitalPerPairUSD  float64            `json:"min_capital_per_pair_usd"`
	SafetyBufferFraction  float64            `json:"safety_buffer_fraction"`
	MaxSingleAssetWeight  float64            `json:"max_single_asset_weight"`
	SpotPercentage        float64            `json:"spot_percentage"`
	DerivativesPercentage float64            `json:"derivatives_percentage"`
	TransferFloorUSD      float64            `json:"transfer_floor_usd"`
	MinVenueReserveUSD    float64            `json:"min_venue_reserve_usd"`
	OverridePrecedence    OverridePrecedence `json:"override_precedence"`
	DefaultLeverage       float64            `json:"default_leverage"`
	QuoteAsset            string             `json:"quote_asset"`
	Grid                  GridDefaults       `json:"grid"`
}

// DefaultConfig returns the capital manager defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentPairs:    5,
		MinCapitalPerPairUSD:  5,
		SafetyBufferFraction:  0.1,
		MaxSingleAssetWeight:  0.4,
		SpotPercentage:        50,
		DerivativesPercentage: 50,
		TransferFloorUSD:      50,
		MinVenueReserveUSD:    10,
		OverridePrecedence:    PrecedenceManual,
		DefaultLeverage:       10,
		QuoteAsset:            "USDT",
		Grid: GridDefaults{
			InitialLevels:          6,
			MinLevels:              4,
			MaxLevels:              20,
			InitialSpacingFraction: 0.005,
		},
	}
}

// Candidate is one symbol the pair selector proposed, with the venues
// that list it and its latest 24h ticker.
type Candidate struct {
	Symbol       string
	ListedVenues []types.Venue
	Ticker       types.Ticker
}

// Manager turns a balance snapshot and a ranked symbol list into
// Allocation records. Computation is pure over the snapshot; the only
// side effect is an optional inter-venue transfer, serialized per
// process.
type Manager struct {
	cfg  Config
	exch exchange.Exchange
	log  zerolog.Logger

	transferMu sync.Mutex
}

// NewManager creates a capital manager.
func NewManager(cfg Config, exch exchange.Exchange, log zerolog.Logger) *Manager {
	if cfg.DefaultLeverage < 1 {
		cfg.DefaultLeverage = 1
	}
	return &Manager{
		cfg:  cfg,
		exch: exch,
		log:  log.With().Str("component", "capital").Logger(),
	}
}

// Allocate runs the allocation algorithm over a snapshot. Candidates
// are consumed in priority order. overrides maps symbol to a manually
// pinned venue. Insufficient capital returns an empty list, not an
// error.
func (m *Manager) Allocate(ctx context.Context, snap types.BalanceSnapshot, candidates []Candidate, overrides map[string]types.Venue) ([]types.Allocation, error) {
	total := snap.TotalEquity()
	available := total * (1 - m.cfg.SafetyBufferFraction)

	feasible := m.feasibleCount(available, len(candidates))
	if feasible == 0 {
		m.log.Warn().
			Float64("total_equity", total).
			Float64("available", available).
			Float64("min_per_pair", m.cfg.MinCapitalPerPairUSD).
			Msg("insufficient capital, no allocations issued")
		return nil, nil
	}

	infos, err := m.symbolInfos(ctx, candidates)
	if err != nil {
		return nil, err
	}

	perPair := available / float64(feasible)
	if ceiling := m.cfg.MaxSingleAssetWeight * total; m.cfg.MaxSingleAssetWeight > 0 && perPair > ceiling {
		perPair = ceiling
	}

	venueFree := map[types.Venue]float64{}
	for v, b := range snap.ByVenue {
		venueFree[v] = b.Free
	}
	venueAllocated := map[types.Venue]float64{}

	out := make([]types.Allocation, 0, feasible)
	for _, cand := range candidates {
		if len(out) >= feasible {
			break
		}
		venue, ok := m.chooseVenue(cand, overrides[cand.Symbol], snap, venueAllocated, perPair, total)
		if !ok {
			continue
		}
		info, listed := infos[infoKey(venue, cand.Symbol)]
		if !listed {
			m.log.Warn().Str("symbol", cand.Symbol).Str("venue", string(venue)).Msg("symbol not listed on chosen venue, skipped")
			continue
		}

		venue = m.ensureFunds(ctx, cand.Symbol, venue, perPair, snap, venueFree, infos)
		info, listed = infos[infoKey(venue, cand.Symbol)]
		if !listed {
			continue
		}

		alloc, err := m.buildAllocation(cand, venue, perPair, info)
		if err != nil {
			m.log.Warn().Err(err).Str("symbol", cand.Symbol).Msg("allocation rejected by sizer, symbol skipped")
			continue
		}
		if err := alloc.Validate(m.cfg.MinCapitalPerPairUSD, m.cfg.MaxSingleAssetWeight, total, m.cfg.Grid.MinLevels, m.cfg.Grid.MaxLevels); err != nil {
			m.log.Warn().Err(err).Msg("allocation failed validation, symbol skipped")
			continue
		}
		venueAllocated[venue] += alloc.AllocatedUSD
		venueFree[venue] -= alloc.AllocatedUSD
		out = append(out, alloc)
	}
	return out, nil
}

func (m *Manager) feasibleCount(available float64, candidates int) int {
	if m.cfg.MinCapitalPerPairUSD <= 0 {
		return minInt(m.cfg.MaxConcurrentPairs, candidates)
	}
	byCapital := int(available / m.cfg.MinCapitalPerPairUSD)
	return minInt(minInt(m.cfg.MaxConcurrentPairs, byCapital), candidates)
}

func infoKey(venue types.Venue, symbol string) string {
	return string(venue) + ":" + symbol
}

func (m *Manager) symbolInfos(ctx context.Context, candidates []Candidate) (map[string]types.SymbolInfo, error) {
	needed := map[types.Venue]bool{}
	for _, c := range candidates {
		for _, v := range c.ListedVenues {
			needed[v] = true
		}
	}
	out := map[string]types.SymbolInfo{}
	for venue := range needed {
		infos, err := m.exch.ExchangeInfo(ctx, venue)
		if err != nil {
			return nil, fmt.Errorf("fetch exchange info for %s: %w", venue, err)
		}
		for _, info := range infos {
			out[infoKey(venue, info.Symbol)] = info
		}
	}
	return out, nil
}

// chooseVenue scores each listed venue on volume, volatility, free
// balance skew, and the distance of running totals from the target
// spot/derivatives split. A manual override wins per the configured
// precedence, unless the pinned venue is unlisted.
func (m *Manager) chooseVenue(cand Candidate, manual types.Venue, snap types.BalanceSnapshot, venueAllocated map[types.Venue]float64, perPair, total float64) (types.Venue, bool) {
	if len(cand.ListedVenues) == 0 {
		return "", false
	}

	listed := func(v types.Venue) bool {
		for _, lv := range cand.ListedVenues {
			if lv == v {
				return true
			}
		}
		return false
	}

	scored := m.scoreVenues(cand, snap, venueAllocated, perPair, total)

	if manual != "" && listed(manual) {
		if m.cfg.OverridePrecedence == PrecedenceManual {
			return manual, true
		}
		// rebalance precedence: the manual pin only holds when it does
		// not fight the split correction
		if scored == manual || !listed(scored) {
			return manual, true
		}
		m.log.Debug().
			Str("symbol", cand.Symbol).
			Str("manual", string(manual)).
			Str("rebalanced", string(scored)).
			Msg("manual venue override superseded by split rebalancing")
		return scored, true
	}
	if listed(scored) {
		return scored, true
	}
	return cand.ListedVenues[0], true
}

func (m *Manager) scoreVenues(cand Candidate, snap types.BalanceSnapshot, venueAllocated map[types.Venue]float64, perPair, total float64) types.Venue {
	best := cand.ListedVenues[0]
	bestScore := -1.0
	for _, venue := range cand.ListedVenues {
		score := 0.0

		// liquidity tier from 24h quote volume
		switch {
		case cand.Ticker.QuoteVolume > 50_000_000:
			score += 2
		case cand.Ticker.QuoteVolume > 5_000_000:
			score += 1
		}
		// volatile symbols lean derivatives where exits are cheaper
		volatility := 0.0
		if cand.Ticker.LastPrice > 0 {
			volatility = (cand.Ticker.HighPrice - cand.Ticker.LowPrice) / cand.Ticker.LastPrice
		}
		if venue == types.VenueDerivatives && volatility > 0.05 {
			score += 1
		}
		// free balance skew
		if b, ok := snap.ByVenue[venue]; ok && b.Free >= perPair {
			score += 1.5
		}
		// distance from the target split
		score += m.splitPull(venue, venueAllocated, perPair, total)

		if score > bestScore {
			bestScore = score
			best = venue
		}
	}
	return best
}

// splitPull rewards the venue whose running allocation total is the
// furthest below its configured share.
func (m *Manager) splitPull(venue types.Venue, venueAllocated map[types.Venue]float64, perPair, total float64) float64 {
	if total <= 0 {
		return 0
	}
	targetPct := m.cfg.SpotPercentage
	if venue == types.VenueDerivatives {
		targetPct = m.cfg.DerivativesPercentage
	}
	target := targetPct / 100 * total
	projected := venueAllocated[venue] + perPair
	if projected <= target {
		return 1
	}
	return 0
}

// ensureFunds checks that the chosen venue can fund the allocation and
// tries an inter-venue transfer for the shortfall. A failed or
// unworthwhile transfer falls back to the other venue when it both
// lists the symbol and holds the funds.
func (m *Manager) ensureFunds(ctx context.Context, symbol string, venue types.Venue, perPair float64, snap types.BalanceSnapshot, venueFree map[types.Venue]float64, infos map[string]types.SymbolInfo) types.Venue {
	if venueFree[venue] >= perPair {
		return venue
	}
	other := types.VenueSpot
	if venue == types.VenueSpot {
		other = types.VenueDerivatives
	}
	shortfall := perPair - venueFree[venue]

	if m.transferWorthwhile(snap, other, shortfall) {
		if err := m.transfer(ctx, other, venue, shortfall); err == nil {
			venueFree[venue] += shortfall
			venueFree[other] -= shortfall
			return venue
		} else {
			m.log.Warn().Err(err).Str("symbol", symbol).Msg("inter-venue transfer failed, falling back")
		}
	}

	if _, listed := infos[infoKey(other, symbol)]; listed && venueFree[other] >= perPair {
		return other
	}
	return venue
}

func (m *Manager) transferWorthwhile(snap types.BalanceSnapshot, source types.Venue, amount float64) bool {
	if snap.TotalEquity() < m.cfg.TransferFloorUSD {
		return false
	}
	src, ok := snap.ByVenue[source]
	if !ok {
		return false
	}
	return src.Free-amount >= m.cfg.MinVenueReserveUSD
}

func (m *Manager) transfer(ctx context.Context, from, to types.Venue, amount float64) error {
	direction := exchange.TransferSpotToDerivatives
	if from == types.VenueDerivatives {
		direction = exchange.TransferDerivativesToSpot
	}
	m.transferMu.Lock()
	defer m.transferMu.Unlock()
	m.log.Info().
		Str("from", string(from)).
		Str("to", string(to)).
		Float64("amount", amount).
		Msg("inter-venue transfer")
	return m.exch.Transfer(ctx, m.cfg.QuoteAsset, amount, direction)
}

// buildAllocation derives grid parameters for the venue and validates
// the per-level order through the sizer, shedding levels down to the
// configured minimum before giving up on the symbol.
func (m *Manager) buildAllocation(cand Candidate, venue types.Venue, capital float64, info types.SymbolInfo) (types.Allocation, error) {
	alloc := types.Allocation{
		Symbol:       cand.Symbol,
		Venue:        venue,
		AllocatedUSD: capital,
		Leverage:     1,
	}

	if venue == types.VenueDerivatives {
		leverage := m.cfg.DefaultLeverage
		if info.MaxLeverage > 0 && leverage > info.MaxLeverage {
			leverage = info.MaxLeverage
		}
		alloc.Leverage = leverage
		m.deriveDerivativesGrid(&alloc)
	} else {
		m.deriveSpotGrid(&alloc)
	}

	price := cand.Ticker.LastPrice
	for alloc.GridLevels >= m.cfg.Grid.MinLevels {
		_, err := SizeOrder(info, alloc.EffectiveCapital(), price, 1/float64(alloc.GridLevels))
		if err == nil {
			return alloc, nil
		}
		alloc.GridLevels--
	}
	return types.Allocation{}, fmt.Errorf("%s: no level count in [%d, %d] passes sizing at price %.4f",
		cand.Symbol, m.cfg.Grid.MinLevels, m.cfg.Grid.MaxLevels, price)
}

// deriveDerivativesGrid densifies the grid as effective capital grows:
// more levels, tighter spacing.
func (m *Manager) deriveDerivativesGrid(alloc *types.Allocation) {
	g := m.cfg.Grid
	effective := alloc.EffectiveCapital()

	levels := g.InitialLevels
	spacing := g.InitialSpacingFraction
	switch {
	case effective >= 5000:
		levels = g.InitialLevels * 2
		spacing = g.InitialSpacingFraction * 0.6
	case effective >= 1000:
		levels = g.InitialLevels * 3 / 2
		spacing = g.InitialSpacingFraction * 0.8
	}
	alloc.GridLevels = clampInt(levels, g.MinLevels, g.MaxLevels)
	alloc.SpacingFraction = spacing
	alloc.MaxPositionUSD = effective
}

// deriveSpotGrid places the allocation in one of three capital tiers.
func (m *Manager) deriveSpotGrid(alloc *types.Allocation) {
	g := m.cfg.Grid
	var levels int
	var spacingMult, positionCap float64
	switch {
	case alloc.AllocatedUSD < 500: // small
		levels, spacingMult, positionCap = g.InitialLevels, 1.2, 0.5
	case alloc.AllocatedUSD < 2000: // mid
		levels, spacingMult, positionCap = g.InitialLevels+2, 1.0, 0.75
	default: // large
		levels, spacingMult, positionCap = g.InitialLevels+4, 0.9, 1.0
	}
	alloc.GridLevels = clampInt(levels, g.MinLevels, g.MaxLevels)
	alloc.SpacingFraction = g.InitialSpacingFraction * spacingMult
	alloc.MaxPositionUSD = alloc.AllocatedUSD * positionCap
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
