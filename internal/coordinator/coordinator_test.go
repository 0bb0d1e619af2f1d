package coordinator

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuizEdCard/gridbot/internal/capital"
	"github.com/LuizEdCard/gridbot/internal/decision"
	"github.com/LuizEdCard/gridbot/internal/exchange"
	"github.com/LuizEdCard/gridbot/internal/grid"
	"github.com/LuizEdCard/gridbot/internal/selector"
	"github.com/LuizEdCard/gridbot/internal/supervisor"
	"github.com/LuizEdCard/gridbot/pkg/types"
)

type stubSelector struct {
	selections []selector.Selection
	overview   types.MarketOverview
	errs       []error // consumed one per call; nil past the end
	calls      int
}

func (s *stubSelector) Select(context.Context) ([]selector.Selection, types.MarketOverview, error) {
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, types.MarketOverview{}, err
		}
	}
	return s.selections, s.overview, nil
}

type stubAllocator struct {
	candidates []capital.Candidate
}

func (a *stubAllocator) Allocate(_ context.Context, _ types.BalanceSnapshot, candidates []capital.Candidate, _ map[string]types.Venue) ([]types.Allocation, error) {
	a.candidates = candidates
	out := make([]types.Allocation, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, types.Allocation{
			Symbol:          c.Symbol,
			Venue:           types.VenueDerivatives,
			AllocatedUSD:    100,
			GridLevels:      4,
			SpacingFraction: 0.005,
		})
	}
	return out, nil
}

type stubWorker struct {
	status    grid.Status
	pushed    []grid.Action
	flattened []string
}

func (w *stubWorker) Run(context.Context) error              { return nil }
func (w *stubWorker) Stop(context.Context) error             { return nil }
func (w *stubWorker) StatusSnapshot() grid.Status            { return w.status }
func (w *stubWorker) Push(a grid.Action)                     { w.pushed = append(w.pushed, a) }
func (w *stubWorker) ForceFlatten(reason string)             { w.flattened = append(w.flattened, reason) }
func (w *stubWorker) SetFillHook(func(types.TradeRecord))    {}

type stubPool struct {
	workers    map[string]*stubWorker
	reconciles [][]types.Allocation
}

func newStubPool() *stubPool {
	return &stubPool{workers: make(map[string]*stubWorker)}
}

func (p *stubPool) Reconcile(_ context.Context, allocs []types.Allocation) error {
	p.reconciles = append(p.reconciles, allocs)
	for _, a := range allocs {
		if _, ok := p.workers[a.Symbol]; !ok {
			p.workers[a.Symbol] = &stubWorker{status: grid.Status{
				Symbol:     a.Symbol,
				Venue:      a.Venue,
				State:      grid.StateRunning,
				GridLevels: a.GridLevels,
				Spacing:    a.SpacingFraction,
				Budget:     a.AllocatedUSD,
			}}
		}
	}
	return nil
}

func (p *stubPool) ActiveSymbols() []string {
	out := make([]string, 0, len(p.workers))
	for sym := range p.workers {
		out = append(out, sym)
	}
	return out
}

func (p *stubPool) Worker(symbol string) (supervisor.Worker, bool) {
	w, ok := p.workers[symbol]
	return w, ok
}

type stubRisk struct {
	tracked   map[string]bool
	untracked []string
	critical  []string
}

func newStubRisk() *stubRisk { return &stubRisk{tracked: make(map[string]bool)} }

func (r *stubRisk) Track(symbol string)   { r.tracked[symbol] = true }
func (r *stubRisk) Untrack(symbol string) { r.untracked = append(r.untracked, symbol) }
func (r *stubRisk) DrainCritical() []string {
	out := r.critical
	r.critical = nil
	return out
}

func ethInfo() types.SymbolInfo {
	return types.SymbolInfo{
		Symbol:      "ETHUSDT",
		Venue:       types.VenueDerivatives,
		TickSize:    0.01,
		StepSize:    0.001,
		MinQty:      0.001,
		MinNotional: 5,
	}
}

func newPaper() *exchange.PaperExchange {
	p := exchange.NewPaperExchange()
	p.SeedSymbol(ethInfo())
	p.Deposit(types.VenueDerivatives, "USDT", 1000)
	p.Deposit(types.VenueSpot, "USDT", 1000)
	p.SetMarkPrice("ETHUSDT", 2000)
	return p
}

func ethSelection(venue types.Venue) selector.Selection {
	return selector.Selection{
		Symbol: "ETHUSDT",
		Venue:  venue,
		Score:  1,
		Ticker: types.Ticker{Symbol: "ETHUSDT", Venue: venue, LastPrice: 2000, QuoteVolume: 1e6},
	}
}

func newCoordinator(sel PairSelector, pool WorkerPool, risk RiskReader, exch exchange.Exchange) (*Coordinator, *stubAllocator) {
	alloc := &stubAllocator{}
	eng := decision.NewEngine(decision.DefaultConfig(), nil, zerolog.Nop())
	c := New(DefaultConfig(), sel, alloc, pool, risk, eng, exch, zerolog.Nop())
	return c, alloc
}

func TestReselectGroupsCandidatesAndReconciles(t *testing.T) {
	ctx := context.Background()
	sel := &stubSelector{
		selections: []selector.Selection{ethSelection(types.VenueDerivatives), ethSelection(types.VenueSpot)},
		overview:   types.MarketOverview{Trend: types.TrendNeutral, AvgVolatility: 0.02},
	}
	pool := newStubPool()
	risk := newStubRisk()
	c, alloc := newCoordinator(sel, pool, risk, newPaper())

	c.markReselectDue()
	require.NoError(t, c.Cycle(ctx))

	// one candidate carrying both listings
	require.Len(t, alloc.candidates, 1)
	assert.Equal(t, "ETHUSDT", alloc.candidates[0].Symbol)
	assert.ElementsMatch(t, []types.Venue{types.VenueDerivatives, types.VenueSpot}, alloc.candidates[0].ListedVenues)

	require.Len(t, pool.reconciles, 1)
	assert.True(t, risk.tracked["ETHUSDT"])
	assert.Equal(t, decision.StrategyBalanced, c.lastStrategy)
}

func TestReselectFailureRetriesNextCycle(t *testing.T) {
	ctx := context.Background()
	sel := &stubSelector{
		selections: []selector.Selection{ethSelection(types.VenueDerivatives)},
		errs:       []error{errors.New("exchange down")},
	}
	pool := newStubPool()
	c, _ := newCoordinator(sel, pool, newStubRisk(), newPaper())

	c.markReselectDue()
	require.Error(t, c.Cycle(ctx))
	assert.Empty(t, pool.reconciles)

	// no new cron tick, but the failed reselect is still due
	require.NoError(t, c.Cycle(ctx))
	assert.Len(t, pool.reconciles, 1)
	assert.Equal(t, 2, sel.calls)
}

func TestFanOutPushesNonHoldActions(t *testing.T) {
	ctx := context.Background()
	pool := newStubPool()
	pool.workers["ETHUSDT"] = &stubWorker{status: grid.Status{
		Symbol:     "ETHUSDT",
		Venue:      types.VenueDerivatives,
		State:      grid.StateRunning,
		GridLevels: 4,
		Spacing:    0.005,
		Budget:     100,
	}}
	c, _ := newCoordinator(&stubSelector{}, pool, newStubRisk(), newPaper())

	// paper klines are flat, so RSI reads 100 and the rules go bearish
	require.NoError(t, c.Cycle(ctx))
	require.Len(t, pool.workers["ETHUSDT"].pushed, 1)
	assert.Equal(t, grid.ActionBiasBearish, pool.workers["ETHUSDT"].pushed[0])
}

func TestDecisionInputCarriesConfiguredLevelFloor(t *testing.T) {
	ctx := context.Background()
	st := grid.Status{
		Symbol:     "ETHUSDT",
		Venue:      types.VenueDerivatives,
		State:      grid.StateRunning,
		GridLevels: 6,
		Spacing:    0.005,
		Budget:     100,
	}
	alloc := &stubAllocator{}
	eng := decision.NewEngine(decision.DefaultConfig(), nil, zerolog.Nop())

	cfg := DefaultConfig()
	cfg.MinGridLevels = 4
	c := New(cfg, &stubSelector{}, alloc, newStubPool(), newStubRisk(), eng, newPaper(), zerolog.Nop())
	in, err := c.buildInput(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, 4, in.MinLevels)

	// an unset floor falls back to the default
	cfg.MinGridLevels = 0
	c = New(cfg, &stubSelector{}, alloc, newStubPool(), newStubRisk(), eng, newPaper(), zerolog.Nop())
	in, err = c.buildInput(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().MinGridLevels, in.MinLevels)
}

func TestFanOutSkipsNonRunningWorkers(t *testing.T) {
	ctx := context.Background()
	pool := newStubPool()
	pool.workers["ETHUSDT"] = &stubWorker{status: grid.Status{
		Symbol: "ETHUSDT",
		Venue:  types.VenueDerivatives,
		State:  grid.StateHalted,
	}}
	c, _ := newCoordinator(&stubSelector{}, pool, newStubRisk(), newPaper())

	require.NoError(t, c.Cycle(ctx))
	assert.Empty(t, pool.workers["ETHUSDT"].pushed)
}

func TestCriticalBreachFlattensWorker(t *testing.T) {
	ctx := context.Background()
	pool := newStubPool()
	pool.workers["ETHUSDT"] = &stubWorker{status: grid.Status{Symbol: "ETHUSDT", State: grid.StateHalted}}
	pool.workers["BTCUSDT"] = &stubWorker{status: grid.Status{Symbol: "BTCUSDT", State: grid.StateHalted}}
	risk := newStubRisk()
	risk.critical = []string{"ETHUSDT"}
	c, _ := newCoordinator(&stubSelector{}, pool, risk, newPaper())

	require.NoError(t, c.Cycle(ctx))
	assert.Len(t, pool.workers["ETHUSDT"].flattened, 1)
	assert.Empty(t, pool.workers["BTCUSDT"].flattened)
}

func TestPortfolioWideBreachFlattensAll(t *testing.T) {
	ctx := context.Background()
	pool := newStubPool()
	pool.workers["ETHUSDT"] = &stubWorker{status: grid.Status{Symbol: "ETHUSDT", State: grid.StateHalted}}
	pool.workers["BTCUSDT"] = &stubWorker{status: grid.Status{Symbol: "BTCUSDT", State: grid.StateHalted}}
	risk := newStubRisk()
	risk.critical = []string{""}
	c, _ := newCoordinator(&stubSelector{}, pool, risk, newPaper())

	require.NoError(t, c.Cycle(ctx))
	assert.Len(t, pool.workers["ETHUSDT"].flattened, 1)
	assert.Len(t, pool.workers["BTCUSDT"].flattened, 1)
}
