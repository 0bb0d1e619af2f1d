// Package coordinator runs the portfolio control loop: pair selection,
// worker reconciliation, decision fan-out, and critical-risk response.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/LuizEdCard/gridbot/internal/capital"
	"github.com/LuizEdCard/gridbot/internal/decision"
	"github.com/LuizEdCard/gridbot/internal/exchange"
	"github.com/LuizEdCard/gridbot/internal/grid"
	"github.com/LuizEdCard/gridbot/internal/selector"
	"github.com/LuizEdCard/gridbot/internal/supervisor"
	"github.com/LuizEdCard/gridbot/pkg/types"
)

// PairSelector yields the ranked symbol set plus the market overview.
type PairSelector interface {
	Select(ctx context.Context) ([]selector.Selection, types.MarketOverview, error)
}

// Allocator sizes capital across the selected pairs.
type Allocator interface {
	Allocate(ctx context.Context, snap types.BalanceSnapshot, candidates []capital.Candidate, overrides map[string]types.Venue) ([]types.Allocation, error)
}

// WorkerPool is the supervisor surface the coordinator drives.
type WorkerPool interface {
	Reconcile(ctx context.Context, allocs []types.Allocation) error
	ActiveSymbols() []string
	Worker(symbol string) (supervisor.Worker, bool)
}

// RiskReader exposes the tracked-symbol registry and the critical
// breach queue.
type RiskReader interface {
	Track(symbol string)
	Untrack(symbol string)
	DrainCritical() []string
}

// Config controls the control-loop cadence.
type Config struct {
	Interval       time.Duration     `json:"interval"`
	ReselectCron   string            `json:"reselect_cron"`
	DecisionBatch  int               `json:"decision_batch"`
	KlineInterval  string            `json:"kline_interval"`
	KlineLimit     int               `json:"kline_limit"`
	MinGridLevels  int               `json:"min_grid_levels"`
	VenueOverrides map[string]string `json:"venue_overrides"`
}

// DefaultConfig returns the standard control-loop settings.
func DefaultConfig() Config {
	return Config{
		Interval:      30 * time.Second,
		ReselectCron:  "*/15 * * * *",
		DecisionBatch: 5,
		KlineInterval: "1h",
		KlineLimit:    40,
		MinGridLevels: 2,
	}
}

// Coordinator wires selection, capital, decisions, and risk into one
// periodic cycle. Reselection (the expensive path) runs on a cron
// schedule; decision fan-out and risk polling run every interval.
type Coordinator struct {
	cfg      Config
	selector PairSelector
	alloc    Allocator
	pool     WorkerPool
	risk     RiskReader
	engine   *decision.Engine
	exch     exchange.Exchange
	log      zerolog.Logger

	cron        *cron.Cron
	reselectDue chan struct{}

	onOverview func(decision.OverviewDecision)
	onCycle    func(time.Duration)

	lastStrategy decision.Strategy
	infoCache    map[string]types.SymbolInfo
}

// New builds a coordinator.
func New(cfg Config, sel PairSelector, alloc Allocator, pool WorkerPool, risk RiskReader, eng *decision.Engine, exch exchange.Exchange, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		cfg:          cfg,
		selector:     sel,
		alloc:        alloc,
		pool:         pool,
		risk:         risk,
		engine:       eng,
		exch:         exch,
		log:          log.With().Str("component", "coordinator").Logger(),
		reselectDue:  make(chan struct{}, 1),
		lastStrategy: decision.StrategyBalanced,
		infoCache:    make(map[string]types.SymbolInfo),
	}
}

// SetObservers registers optional callbacks: overview fires after each
// reselect, cycle after each pass with its duration. Call before Run.
func (c *Coordinator) SetObservers(overview func(decision.OverviewDecision), cycle func(time.Duration)) {
	c.onOverview = overview
	c.onCycle = cycle
}

// Run executes the control loop until ctx is cancelled. The first
// cycle always reselects so the worker set comes up immediately.
func (c *Coordinator) Run(ctx context.Context) error {
	c.markReselectDue()
	if c.cfg.ReselectCron != "" {
		c.cron = cron.New()
		if _, err := c.cron.AddFunc(c.cfg.ReselectCron, c.markReselectDue); err != nil {
			return fmt.Errorf("reselect schedule %q: %w", c.cfg.ReselectCron, err)
		}
		c.cron.Start()
		defer c.cron.Stop()
	}

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := c.Cycle(ctx); err != nil {
			c.log.Warn().Err(err).Msg("coordinator cycle failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) markReselectDue() {
	select {
	case c.reselectDue <- struct{}{}:
	default:
	}
}

func (c *Coordinator) reselectPending() bool {
	select {
	case <-c.reselectDue:
		return true
	default:
		return false
	}
}

// Cycle runs one pass: (re)select and reconcile when due, refresh the
// overview strategy, fan decisions out to the workers, and flatten
// anything the risk monitor flagged.
func (c *Coordinator) Cycle(ctx context.Context) error {
	if c.onCycle != nil {
		start := time.Now()
		defer func() { c.onCycle(time.Since(start)) }()
	}
	if c.reselectPending() {
		if err := c.reselect(ctx); err != nil {
			// retry on the next cycle rather than the next cron tick
			c.markReselectDue()
			return err
		}
	}

	if err := c.fanOutDecisions(ctx); err != nil {
		c.log.Warn().Err(err).Msg("decision fan-out incomplete")
	}

	c.enforceCritical()
	return nil
}

// reselect runs the expensive path: selector, capital allocation, and
// worker-set reconciliation, then aligns the risk registry.
func (c *Coordinator) reselect(ctx context.Context) error {
	selections, overview, err := c.selector.Select(ctx)
	if err != nil {
		return fmt.Errorf("pair selection: %w", err)
	}

	ov := c.engine.Overview(ctx, overview)
	c.lastStrategy = ov.Strategy
	if c.onOverview != nil {
		c.onOverview(ov)
	}
	c.log.Info().
		Str("strategy", string(ov.Strategy)).
		Float64("confidence", ov.Confidence).
		Int("selected", len(selections)).
		Msg("market overview")

	snap, err := c.balanceSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("balance snapshot: %w", err)
	}

	allocs, err := c.alloc.Allocate(ctx, snap, toCandidates(selections), c.venueOverrides())
	if err != nil {
		return fmt.Errorf("capital allocation: %w", err)
	}

	if err := c.pool.Reconcile(ctx, allocs); err != nil {
		return fmt.Errorf("worker reconcile: %w", err)
	}

	c.syncRiskRegistry(allocs)
	return nil
}

func (c *Coordinator) venueOverrides() map[string]types.Venue {
	if len(c.cfg.VenueOverrides) == 0 {
		return nil
	}
	out := make(map[string]types.Venue, len(c.cfg.VenueOverrides))
	for sym, v := range c.cfg.VenueOverrides {
		out[sym] = types.Venue(v)
	}
	return out
}

// toCandidates groups selections by symbol; a symbol listed on both
// venues becomes one candidate with both venues attached.
func toCandidates(selections []selector.Selection) []capital.Candidate {
	bySymbol := make(map[string]*capital.Candidate)
	var order []string
	for _, sel := range selections {
		cand, ok := bySymbol[sel.Symbol]
		if !ok {
			cand = &capital.Candidate{Symbol: sel.Symbol, Ticker: sel.Ticker}
			bySymbol[sel.Symbol] = cand
			order = append(order, sel.Symbol)
		}
		cand.ListedVenues = append(cand.ListedVenues, sel.Venue)
	}
	out := make([]capital.Candidate, 0, len(order))
	for _, sym := range order {
		out = append(out, *bySymbol[sym])
	}
	return out
}

func (c *Coordinator) balanceSnapshot(ctx context.Context) (types.BalanceSnapshot, error) {
	snap := types.BalanceSnapshot{ByVenue: make(map[types.Venue]types.VenueBalance), Timestamp: time.Now()}
	for _, venue := range types.Venues() {
		acct, err := c.exch.Account(ctx, venue)
		if err != nil {
			return snap, fmt.Errorf("account %s: %w", venue, err)
		}
		snap.ByVenue[venue] = types.VenueBalance{
			Free:          acct.AvailableMargin,
			Equity:        acct.Equity,
			UnrealizedPnL: acct.UnrealizedPnL,
		}
	}
	return snap, nil
}

// syncRiskRegistry tracks newly allocated symbols and untracks the
// rest.
func (c *Coordinator) syncRiskRegistry(allocs []types.Allocation) {
	if c.risk == nil {
		return
	}
	target := make(map[string]bool, len(allocs))
	for _, a := range allocs {
		target[a.Symbol] = true
		c.risk.Track(a.Symbol)
	}
	for _, sym := range c.pool.ActiveSymbols() {
		if !target[sym] {
			c.risk.Untrack(sym)
		}
	}
}

// fanOutDecisions snapshots every active worker, batches the
// per-symbol analyses, and pushes resulting actions into the worker
// mailboxes. Hold decisions are not pushed.
func (c *Coordinator) fanOutDecisions(ctx context.Context) error {
	symbols := c.pool.ActiveSymbols()
	if len(symbols) == 0 {
		return nil
	}

	inputs := make([]decision.SymbolInput, 0, len(symbols))
	for _, sym := range symbols {
		w, ok := c.pool.Worker(sym)
		if !ok {
			continue
		}
		st := w.StatusSnapshot()
		if st.State != grid.StateRunning {
			continue
		}
		in, err := c.buildInput(ctx, st)
		if err != nil {
			c.log.Warn().Err(err).Str("symbol", sym).Msg("decision input unavailable")
			continue
		}
		inputs = append(inputs, in)
	}

	batch := c.cfg.DecisionBatch
	if batch <= 0 {
		batch = len(inputs)
	}
	for start := 0; start < len(inputs); start += batch {
		end := start + batch
		if end > len(inputs) {
			end = len(inputs)
		}
		for _, d := range c.engine.DecideSymbols(ctx, c.lastStrategy, inputs[start:end]) {
			if d.Action == grid.ActionHold {
				continue
			}
			if w, ok := c.pool.Worker(d.Symbol); ok {
				w.Push(d.Action)
				c.log.Info().
					Str("symbol", d.Symbol).
					Str("action", d.Action.String()).
					Float64("confidence", d.Confidence).
					Str("reasoning", d.Reasoning).
					Msg("action pushed")
			}
		}
	}
	return nil
}

func (c *Coordinator) buildInput(ctx context.Context, st grid.Status) (decision.SymbolInput, error) {
	info, err := c.symbolInfo(ctx, st.Symbol, st.Venue)
	if err != nil {
		return decision.SymbolInput{}, err
	}
	ticker, err := c.exch.Ticker(ctx, st.Symbol, st.Venue)
	if err != nil {
		return decision.SymbolInput{}, err
	}
	klines, err := c.exch.Klines(ctx, st.Symbol, c.cfg.KlineInterval, c.cfg.KlineLimit, st.Venue)
	if err != nil {
		return decision.SymbolInput{}, err
	}
	minLevels := c.cfg.MinGridLevels
	if minLevels <= 0 {
		minLevels = DefaultConfig().MinGridLevels
	}
	return decision.SymbolInput{
		Symbol:    st.Symbol,
		Info:      info,
		Ticker:    *ticker,
		Klines:    klines,
		Levels:    st.GridLevels,
		Spacing:   st.Spacing,
		MinLevels: minLevels,
		Budget:    st.Budget,
	}, nil
}

func (c *Coordinator) symbolInfo(ctx context.Context, symbol string, venue types.Venue) (types.SymbolInfo, error) {
	key := string(venue) + ":" + symbol
	if info, ok := c.infoCache[key]; ok {
		return info, nil
	}
	infos, err := c.exch.ExchangeInfo(ctx, venue)
	if err != nil {
		return types.SymbolInfo{}, err
	}
	for _, info := range infos {
		c.infoCache[string(venue)+":"+info.Symbol] = info
	}
	info, ok := c.infoCache[key]
	if !ok {
		return types.SymbolInfo{}, fmt.Errorf("no symbol metadata for %s on %s", symbol, venue)
	}
	return info, nil
}

// enforceCritical flattens every worker the risk monitor flagged; an
// empty-symbol breach (portfolio-wide) flattens all of them.
func (c *Coordinator) enforceCritical() {
	if c.risk == nil {
		return
	}
	flagged := c.risk.DrainCritical()
	if len(flagged) == 0 {
		return
	}
	targets := make(map[string]bool)
	for _, sym := range flagged {
		if sym == "" {
			for _, active := range c.pool.ActiveSymbols() {
				targets[active] = true
			}
			continue
		}
		targets[sym] = true
	}
	for sym := range targets {
		if w, ok := c.pool.Worker(sym); ok {
			c.log.Warn().Str("symbol", sym).Msg("critical risk breach, flattening")
			w.ForceFlatten("critical risk breach")
		}
	}
}
