package selector

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/LuizEdCard/gridbot/internal/exchange"
	"github.com/LuizEdCard/gridbot/internal/indicators"
	"github.com/LuizEdCard/gridbot/pkg/types"
)

// Config controls candidate filtering and ranking.
type Config struct {
	Preferred          []string            `json:"preferred"`
	QuoteAsset         string              `json:"quote_asset"`
	MinQuoteVolume     float64             `json:"min_quote_volume"`
	MinPrice           float64             `json:"min_price"`
	MaxSpread          float64             `json:"max_spread"`
	MaxConcurrentPairs int                 `json:"max_concurrent_pairs"`
	MaxPerVenue        map[types.Venue]int `json:"max_per_venue"`
	SentimentTilt      float64             `json:"sentiment_tilt"`
	KlineInterval      string              `json:"kline_interval"`
	ADXPeriod          int                 `json:"adx_period"`
	Venues             []types.Venue       `json:"venues"`
}

// DefaultConfig returns the selector defaults.
func DefaultConfig() Config {
	return Config{
		QuoteAsset:         "USDT",
		MinQuoteVolume:     1_000_000,
		MinPrice:           0.001,
		MaxSpread:          0.005,
		MaxConcurrentPairs: 5,
		SentimentTilt:      0.1,
		KlineInterval:      "1h",
		ADXPeriod:          14,
		Venues:             []types.Venue{types.VenueSpot, types.VenueDerivatives},
	}
}

// Selection is one ranked candidate.
type Selection struct {
	Symbol string      `json:"symbol"`
	Venue  types.Venue `json:"venue"`
	Score  float64     `json:"score"`
	Ticker types.Ticker
	ADX    float64 `json:"adx"`
}

// SentimentReader exposes the latest market sentiment score.
type SentimentReader interface {
	Latest(smoothed bool) float64
}

// Selector ranks the candidate universe and produces the aggregated
// market overview. One batched ticker call per venue; klines are
// fetched only for candidates that survive the filters.
type Selector struct {
	cfg       Config
	exch      exchange.Exchange
	sentiment SentimentReader
	log       zerolog.Logger
}

// New creates a selector. sentiment may be nil.
func New(cfg Config, exch exchange.Exchange, sentiment SentimentReader, log zerolog.Logger) *Selector {
	if cfg.ADXPeriod < 1 {
		cfg.ADXPeriod = 14
	}
	if cfg.KlineInterval == "" {
		cfg.KlineInterval = "1h"
	}
	if len(cfg.Venues) == 0 {
		cfg.Venues = []types.Venue{types.VenueSpot, types.VenueDerivatives}
	}
	return &Selector{
		cfg:       cfg,
		exch:      exch,
		sentiment: sentiment,
		log:       log.With().Str("component", "selector").Logger(),
	}
}

// Select ranks all candidates and returns the top K plus a market
// overview aggregated over the full filtered set.
func (s *Selector) Select(ctx context.Context) ([]Selection, types.MarketOverview, error) {
	candidates, err := s.gatherCandidates(ctx)
	if err != nil {
		return nil, types.MarketOverview{}, err
	}

	filtered := s.applyFilters(candidates)
	if len(filtered) == 0 {
		s.log.Warn().Int("candidates", len(candidates)).Msg("no candidates passed filters")
		return nil, s.buildOverview(nil), nil
	}

	s.attachADX(ctx, filtered)
	s.scoreAll(filtered)

	sort.SliceStable(filtered, func(i, j int) bool {
		if filtered[i].Score != filtered[j].Score {
			return filtered[i].Score > filtered[j].Score
		}
		// ties break on 24h quote volume
		return filtered[i].Ticker.QuoteVolume > filtered[j].Ticker.QuoteVolume
	})

	top := s.takeTopK(filtered)
	overview := s.buildOverview(filtered)

	s.log.Info().
		Int("filtered", len(filtered)).
		Int("selected", len(top)).
		Str("trend", string(overview.Trend)).
		Msg("pair selection complete")
	return top, overview, nil
}

// gatherCandidates unions the preferred list with every venue-listed
// symbol, one batched ticker call per venue. Preferred symbols keep
// the first venue that lists them.
func (s *Selector) gatherCandidates(ctx context.Context) ([]*Selection, error) {
	preferred := make(map[string]bool, len(s.cfg.Preferred))
	for _, sym := range s.cfg.Preferred {
		preferred[sym] = true
	}

	seen := make(map[string]bool)
	var out []*Selection
	for _, venue := range s.cfg.Venues {
		tickers, err := s.exch.Tickers(ctx, venue)
		if err != nil {
			return nil, fmt.Errorf("fetch tickers for %s: %w", venue, err)
		}
		for _, tk := range tickers {
			if seen[tk.Symbol] {
				continue
			}
			if s.cfg.QuoteAsset != "" && !hasSuffix(tk.Symbol, s.cfg.QuoteAsset) && !preferred[tk.Symbol] {
				continue
			}
			seen[tk.Symbol] = true
			out = append(out, &Selection{Symbol: tk.Symbol, Venue: venue, Ticker: tk})
		}
	}
	return out, nil
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

// applyFilters drops candidates failing the volume, price and spread
// minimums. Preferred symbols are not exempt.
func (s *Selector) applyFilters(candidates []*Selection) []*Selection {
	out := make([]*Selection, 0, len(candidates))
	for _, c := range candidates {
		tk := c.Ticker
		if tk.QuoteVolume < s.cfg.MinQuoteVolume {
			continue
		}
		if tk.LastPrice < s.cfg.MinPrice {
			continue
		}
		if spread := tk.Spread(); spread > s.cfg.MaxSpread {
			continue
		}
		out = append(out, c)
	}
	return out
}

// attachADX fetches klines and computes ADX for each filtered
// candidate through a bounded pool. A failed fetch leaves ADX at 0.
func (s *Selector) attachADX(ctx context.Context, filtered []*Selection) {
	limit := 2*s.cfg.ADXPeriod + 10
	sem := make(chan struct{}, 4)
	var wg sync.WaitGroup
	for _, c := range filtered {
		wg.Add(1)
		go func(c *Selection) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			klines, err := s.exch.Klines(ctx, c.Symbol, s.cfg.KlineInterval, limit, c.Venue)
			if err != nil {
				s.log.Debug().Err(err).Str("symbol", c.Symbol).Msg("klines fetch failed, adx=0")
				return
			}
			adx, err := indicators.ADX(klines, s.cfg.ADXPeriod)
			if err != nil {
				return
			}
			c.ADX = adx
		}(c)
	}
	wg.Wait()
}

// scoreAll computes the composite score: volume percentile plus
// absolute 24h change plus ADX percentile plus a sentiment tilt in the
// direction of the move.
func (s *Selector) scoreAll(filtered []*Selection) {
	volumes := make([]float64, len(filtered))
	adxes := make([]float64, len(filtered))
	for i, c := range filtered {
		volumes[i] = c.Ticker.QuoteVolume
		adxes[i] = c.ADX
	}

	tilt := 0.0
	if s.sentiment != nil {
		tilt = s.sentiment.Latest(true) * s.cfg.SentimentTilt
	}

	for _, c := range filtered {
		score := percentile(volumes, c.Ticker.QuoteVolume)
		score += abs(c.Ticker.PriceChangePct)
		score += percentile(adxes, c.ADX)
		if c.Ticker.PriceChangePct > 0 {
			score += tilt
		} else if c.Ticker.PriceChangePct < 0 {
			score -= tilt
		}
		c.Score = score
	}
}

// percentile returns the fraction of values strictly below v.
func percentile(values []float64, v float64) float64 {
	if len(values) <= 1 {
		return 0.5
	}
	below := 0
	for _, x := range values {
		if x < v {
			below++
		}
	}
	return float64(below) / float64(len(values)-1)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// takeTopK applies the global and per-venue caps.
func (s *Selector) takeTopK(ranked []*Selection) []Selection {
	perVenue := make(map[types.Venue]int)
	out := make([]Selection, 0, s.cfg.MaxConcurrentPairs)
	for _, c := range ranked {
		if s.cfg.MaxConcurrentPairs > 0 && len(out) >= s.cfg.MaxConcurrentPairs {
			break
		}
		if cap, ok := s.cfg.MaxPerVenue[c.Venue]; ok && perVenue[c.Venue] >= cap {
			continue
		}
		perVenue[c.Venue]++
		out = append(out, *c)
	}
	return out
}

// buildOverview aggregates the full filtered set, not just the top K.
func (s *Selector) buildOverview(filtered []*Selection) types.MarketOverview {
	overview := types.MarketOverview{
		TotalPairs:  len(filtered),
		Trend:       types.TrendNeutral,
		GeneratedAt: time.Now(),
	}
	if s.sentiment != nil {
		overview.SentimentScore = s.sentiment.Latest(true)
	}
	if len(filtered) == 0 {
		overview.ConditionsLabel = "no_data"
		return overview
	}

	totalVolume := 0.0
	totalVolatility := 0.0
	totalChange := 0.0
	for _, c := range filtered {
		tk := c.Ticker
		totalVolume += tk.QuoteVolume
		if tk.LastPrice > 0 {
			totalVolatility += (tk.HighPrice - tk.LowPrice) / tk.LastPrice
		}
		totalChange += tk.PriceChangePct
	}
	n := float64(len(filtered))
	overview.AvgVolume = totalVolume / n
	overview.AvgVolatility = totalVolatility / n

	avgChange := totalChange / n
	switch {
	case avgChange > 0.01:
		overview.Trend = types.TrendBullish
	case avgChange < -0.01:
		overview.Trend = types.TrendBearish
	}

	byMove := make([]*Selection, len(filtered))
	copy(byMove, filtered)
	sort.SliceStable(byMove, func(i, j int) bool {
		return abs(byMove[i].Ticker.PriceChangePct) > abs(byMove[j].Ticker.PriceChangePct)
	})
	for i := 0; i < len(byMove) && i < 5; i++ {
		overview.HotSymbols = append(overview.HotSymbols, byMove[i].Symbol)
	}

	switch {
	case overview.AvgVolatility > 0.08:
		overview.ConditionsLabel = "volatile"
	case overview.Trend != types.TrendNeutral:
		overview.ConditionsLabel = "trending"
	default:
		overview.ConditionsLabel = "ranging"
	}
	return overview
}
