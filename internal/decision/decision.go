// Package decision turns market snapshots into grid tuning actions.
// Two modes: an overview pass that labels the whole market once per
// coordinator cycle, and a per-symbol pass that emits one action with
// suggested parameters, a confidence, and a human-readable reasoning.
package decision

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/LuizEdCard/gridbot/internal/grid"
	"github.com/LuizEdCard/gridbot/internal/indicators"
	"github.com/LuizEdCard/gridbot/pkg/types"
)

// Strategy is the overall posture for the current cycle.
type Strategy string

const (
	StrategyAggressive   Strategy = "aggressive"
	StrategyConservative Strategy = "conservative"
	StrategyBalanced     Strategy = "balanced"
)

// OverviewDecision is the market-wide output.
type OverviewDecision struct {
	Strategy   Strategy `json:"strategy"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
}

// Advisor is an optional external model consulted for the overview
// pass. A nil advisor, or an advisor error, falls back to threshold
// rules.
type Advisor interface {
	Overview(ctx context.Context, ov types.MarketOverview) (*OverviewDecision, error)
}

// Params are the grid parameters a symbol decision suggests.
type Params struct {
	Levels  int     `json:"levels"`
	Spacing float64 `json:"spacing"`
}

// SymbolInput is one worker's snapshot handed to the per-symbol pass.
type SymbolInput struct {
	Symbol    string
	Info      types.SymbolInfo
	Ticker    types.Ticker
	Klines    []types.OHLCV
	Levels    int
	Spacing   float64
	MinLevels int
	MaxLevels int
	Budget    float64
	Sentiment float64
}

// SymbolDecision is the per-symbol output.
type SymbolDecision struct {
	Symbol     string      `json:"symbol"`
	Action     grid.Action `json:"action"`
	Params     Params      `json:"params"`
	Confidence float64     `json:"confidence"`
	Reasoning  string      `json:"reasoning"`
}

// Config holds the rule thresholds.
type Config struct {
	Concurrency      int           `json:"concurrency"`
	CacheTTL         time.Duration `json:"cache_ttl"`
	RSIPeriod        int           `json:"rsi_period"`
	ADXPeriod        int           `json:"adx_period"`
	ATRPeriod        int           `json:"atr_period"`
	RSIOversold      float64       `json:"rsi_oversold"`
	RSIOverbought    float64       `json:"rsi_overbought"`
	ADXTrending      float64       `json:"adx_trending"`
	ADXRanging       float64       `json:"adx_ranging"`
	HighVolatility   float64       `json:"high_volatility"`
	AggressiveVolume float64       `json:"aggressive_volume"`
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		Concurrency:      3,
		CacheTTL:         30 * time.Second,
		RSIPeriod:        14,
		ADXPeriod:        14,
		ATRPeriod:        14,
		RSIOversold:      30,
		RSIOverbought:    70,
		ADXTrending:      30,
		ADXRanging:       15,
		HighVolatility:   0.08,
		AggressiveVolume: 5_000_000,
	}
}

type cachedDecision struct {
	decision SymbolDecision
	expires  time.Time
}

// Engine evaluates both decision modes. Safe for concurrent use.
type Engine struct {
	cfg     Config
	advisor Advisor
	log     zerolog.Logger
	nowFn   func() time.Time

	mu    sync.Mutex
	cache map[string]cachedDecision
}

// NewEngine builds a decision engine; advisor may be nil.
func NewEngine(cfg Config, advisor Advisor, log zerolog.Logger) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	return &Engine{
		cfg:     cfg,
		advisor: advisor,
		log:     log.With().Str("component", "decision").Logger(),
		nowFn:   time.Now,
		cache:   make(map[string]cachedDecision),
	}
}

// Overview labels the market for this cycle. The external advisor, if
// configured, takes precedence; its failure degrades to the threshold
// rules rather than failing the cycle.
func (e *Engine) Overview(ctx context.Context, ov types.MarketOverview) OverviewDecision {
	if e.advisor != nil {
		if d, err := e.advisor.Overview(ctx, ov); err == nil && d != nil {
			return *d
		} else if err != nil {
			e.log.Warn().Err(err).Msg("advisor failed, using threshold rules")
		}
	}

	switch {
	case ov.AvgVolatility > e.cfg.HighVolatility:
		conf := clamp01(0.5 + ov.AvgVolatility/(2*e.cfg.HighVolatility))
		return OverviewDecision{
			Strategy:   StrategyConservative,
			Confidence: conf,
			Reasoning:  fmt.Sprintf("avg volatility %.3f above %.3f", ov.AvgVolatility, e.cfg.HighVolatility),
		}
	case ov.Trend == types.TrendBullish && ov.AvgVolume >= e.cfg.AggressiveVolume:
		return OverviewDecision{
			Strategy:   StrategyAggressive,
			Confidence: 0.7,
			Reasoning:  fmt.Sprintf("bullish trend with avg volume %.0f", ov.AvgVolume),
		}
	default:
		return OverviewDecision{
			Strategy:   StrategyBalanced,
			Confidence: 0.5,
			Reasoning:  "no strong market signal",
		}
	}
}

// DecideSymbols runs the per-symbol pass over a batch with bounded
// concurrency. Output order matches input order.
func (e *Engine) DecideSymbols(ctx context.Context, strategy Strategy, inputs []SymbolInput) []SymbolDecision {
	out := make([]SymbolDecision, len(inputs))
	sem := make(chan struct{}, e.cfg.Concurrency)
	var wg sync.WaitGroup
	for i := range inputs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			out[i] = e.DecideSymbol(ctx, strategy, inputs[i])
		}(i)
	}
	wg.Wait()
	return out
}

// DecideSymbol evaluates the rules for one symbol. Results are cached
// for a short TTL keyed by the snapshot, so repeated coordinator
// cycles over an unchanged market are free.
func (e *Engine) DecideSymbol(_ context.Context, strategy Strategy, in SymbolInput) SymbolDecision {
	key := fmt.Sprintf("%s:%s:%x", in.Symbol, strategy, snapshotHash(in))
	now := e.nowFn()

	e.mu.Lock()
	if cached, ok := e.cache[key]; ok && now.Before(cached.expires) {
		e.mu.Unlock()
		return cached.decision
	}
	e.mu.Unlock()

	d := e.evaluate(strategy, in)

	if e.cfg.CacheTTL > 0 {
		e.mu.Lock()
		if len(e.cache) > 512 {
			for k, v := range e.cache {
				if !now.Before(v.expires) {
					delete(e.cache, k)
				}
			}
		}
		e.cache[key] = cachedDecision{decision: d, expires: now.Add(e.cfg.CacheTTL)}
		e.mu.Unlock()
	}
	return d
}

func (e *Engine) evaluate(strategy Strategy, in SymbolInput) SymbolDecision {
	hold := func(conf float64, reason string) SymbolDecision {
		return SymbolDecision{
			Symbol:     in.Symbol,
			Action:     grid.ActionHold,
			Params:     Params{Levels: in.Levels, Spacing: in.Spacing},
			Confidence: conf,
			Reasoning:  reason,
		}
	}

	rsi, err := indicators.RSI(in.Klines, e.cfg.RSIPeriod)
	if err != nil {
		return hold(0.2, "insufficient history for indicators")
	}
	adx, _ := indicators.ADX(in.Klines, e.cfg.ADXPeriod)
	atr, _ := indicators.ATR(in.Klines, e.cfg.ATRPeriod)
	atrFrac := 0.0
	if in.Ticker.LastPrice > 0 {
		atrFrac = atr / in.Ticker.LastPrice
	}

	var (
		action grid.Action
		conf   float64
		reason string
	)
	switch {
	case rsi <= e.cfg.RSIOversold:
		action = grid.ActionBiasBullish
		if strategy == StrategyAggressive {
			action = grid.ActionAggressiveBullish
		}
		conf = clamp01(0.5 + (e.cfg.RSIOversold-rsi)/e.cfg.RSIOversold)
		reason = fmt.Sprintf("rsi %.1f oversold", rsi)
	case rsi >= e.cfg.RSIOverbought:
		action = grid.ActionBiasBearish
		if strategy == StrategyAggressive {
			action = grid.ActionAggressiveBearish
		}
		conf = clamp01(0.5 + (rsi-e.cfg.RSIOverbought)/(100-e.cfg.RSIOverbought))
		reason = fmt.Sprintf("rsi %.1f overbought", rsi)
	case in.Spacing > 0 && atrFrac > in.Spacing*1.5:
		action = grid.ActionWiderSpacing
		conf = 0.6
		reason = fmt.Sprintf("atr %.4f of price outruns spacing %.4f", atrFrac, in.Spacing)
	case in.Spacing > 0 && atrFrac > 0 && atrFrac < in.Spacing*0.5:
		action = grid.ActionTighterSpacing
		conf = 0.6
		reason = fmt.Sprintf("atr %.4f of price well inside spacing %.4f", atrFrac, in.Spacing)
	case adx >= e.cfg.ADXTrending:
		action = grid.ActionFewerLevels
		conf = 0.55
		reason = fmt.Sprintf("adx %.1f trending, shrinking the grid", adx)
	case adx > 0 && adx <= e.cfg.ADXRanging:
		action = grid.ActionMoreLevels
		conf = 0.55
		reason = fmt.Sprintf("adx %.1f ranging, widening the grid", adx)
	default:
		return hold(0.4, "no rule fired")
	}

	params, bias := suggestParams(action, in)
	if err := trialBuild(in, params, bias); err != nil {
		return hold(0.3, fmt.Sprintf("%s rejected by sizing: %v", action, err))
	}

	return SymbolDecision{
		Symbol:     in.Symbol,
		Action:     action,
		Params:     params,
		Confidence: conf,
		Reasoning:  reason,
	}
}

// suggestParams applies the action's arithmetic to the current grid
// parameters, mirroring what the worker will do on adoption.
func suggestParams(a grid.Action, in SymbolInput) (Params, int) {
	p := Params{Levels: in.Levels, Spacing: in.Spacing}
	bias := 0
	switch a {
	case grid.ActionMoreLevels, grid.ActionAggressiveBullish, grid.ActionAggressiveBearish:
		p.Levels = clampInt(scaleBy(in.Levels, 1.2), in.MinLevels, in.MaxLevels)
	case grid.ActionFewerLevels:
		p.Levels = clampInt(scaleBy(in.Levels, 0.8), in.MinLevels, in.MaxLevels)
	case grid.ActionWiderSpacing:
		p.Spacing = in.Spacing * 1.25
	case grid.ActionTighterSpacing:
		p.Spacing = in.Spacing * 0.75
	}
	switch a {
	case grid.ActionBiasBullish, grid.ActionAggressiveBullish:
		bias = 1
	case grid.ActionBiasBearish, grid.ActionAggressiveBearish:
		bias = -1
	}
	return p, bias
}

// trialBuild validates the suggestion the same way the worker will:
// through a full ladder sizing pass.
func trialBuild(in SymbolInput, p Params, bias int) error {
	_, err := grid.BuildLadder(grid.LadderParams{
		Info:      in.Info,
		Center:    in.Ticker.LastPrice,
		Spacing:   p.Spacing,
		Levels:    p.Levels,
		MinLevels: in.MinLevels,
		Bias:      bias,
		Budget:    in.Budget,
	})
	return err
}

// snapshotHash fingerprints the decision-relevant inputs so unchanged
// snapshots hit the cache.
func snapshotHash(in SymbolInput) uint64 {
	h := fnv.New64a()
	lastClose := 0.0
	if n := len(in.Klines); n > 0 {
		lastClose = in.Klines[n-1].Close
	}
	fmt.Fprintf(h, "%f|%f|%f|%d|%d|%f|%f|%f",
		in.Ticker.LastPrice, in.Ticker.QuoteVolume, lastClose,
		len(in.Klines), in.Levels, in.Spacing, in.Budget, in.Sentiment)
	return h.Sum64()
}

func scaleBy(levels int, factor float64) int {
	scaled := int(float64(levels)*factor + 0.5)
	if scaled == levels {
		if factor > 1 {
			scaled++
		} else {
			scaled--
		}
	}
	return scaled
}

func clampInt(v, lo, hi int) int {
	if lo > 0 && v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
