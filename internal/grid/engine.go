package grid

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/LuizEdCard/gridbot/internal/capital"
	"github.com/LuizEdCard/gridbot/internal/exchange"
	"github.com/LuizEdCard/gridbot/internal/indicators"
	"github.com/LuizEdCard/gridbot/internal/notifications"
	"github.com/LuizEdCard/gridbot/pkg/types"
)

// State is the engine's lifecycle phase.
type State string

const (
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateRecentering  State = "recentering"
	StateFlattening   State = "flattening"
	StateHalted       State = "halted"
)

// SnapshotVersion tags the persisted snapshot schema.
const SnapshotVersion = 1

// Snapshot is the persisted per-symbol grid state, written atomically
// on every change and rehydrated on worker startup.
type Snapshot struct {
	Version    int            `json:"version"`
	Symbol     string         `json:"symbol"`
	Venue      types.Venue    `json:"venue"`
	Center     float64        `json:"center_price"`
	Spacing    float64        `json:"spacing_fraction"`
	GridLevels int            `json:"grid_levels"`
	Bias       int            `json:"bias"`
	Levels     []Level        `json:"levels"`
	LiveOrders []string       `json:"live_order_ids"`
	Position   types.Position `json:"position"`
	UpdatedAt  time.Time      `json:"last_update_timestamp"`
}

// Persister stores and restores grid snapshots.
type Persister interface {
	Save(snap Snapshot) error
	Load(symbol string) (*Snapshot, bool, error)
}

// Config controls one engine's cycle behavior.
type Config struct {
	Interval           time.Duration `json:"interval"`
	RecenterLevels     float64       `json:"recenter_levels"`
	RecenterSideFilled int           `json:"recenter_side_filled"`
	TPFraction         float64       `json:"tp_fraction"`
	SLFraction         float64       `json:"sl_fraction"`
	MaxCancelsPerCycle int           `json:"max_cancels_per_cycle"`
	MaxPlacesPerCycle  int           `json:"max_places_per_cycle"`
	UseDynamicSpacing  bool          `json:"use_dynamic_spacing"`
	ATRPeriod          int           `json:"atr_period"`
	ATRMultiplier      float64       `json:"atr_multiplier"`
	MinSpacingFraction float64       `json:"min_spacing_fraction"`
	KlineInterval      string        `json:"kline_interval"`
	MinLevels          int           `json:"min_levels"`
	MaxLevels          int           `json:"max_levels"`
	MaxFailCycles      int           `json:"max_fail_cycles"`
	CloseOnFlatten     bool          `json:"close_on_flatten"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Interval:           5 * time.Second,
		RecenterLevels:     2,
		RecenterSideFilled: 3,
		TPFraction:         0.01,
		SLFraction:         0.05,
		MaxCancelsPerCycle: 10,
		MaxPlacesPerCycle:  10,
		ATRPeriod:          14,
		ATRMultiplier:      1.5,
		MinSpacingFraction: 0.001,
		KlineInterval:      "1h",
		MinLevels:          4,
		MaxLevels:          20,
		MaxFailCycles:      5,
		CloseOnFlatten:     true,
	}
}

// Status is a non-blocking view of one engine for the coordinator and
// the status table.
type Status struct {
	Symbol      string         `json:"symbol"`
	Venue       types.Venue    `json:"venue"`
	State       State          `json:"state"`
	HaltReason  string         `json:"halt_reason,omitempty"`
	Center      float64        `json:"center"`
	Spacing     float64        `json:"spacing"`
	GridLevels  int            `json:"grid_levels"`
	Bias        int            `json:"bias"`
	Mark        float64        `json:"mark"`
	Position    types.Position `json:"position"`
	RealizedPnL float64        `json:"realized_pnl"`
	LiveOrders  int            `json:"live_orders"`
	Budget      float64        `json:"budget"`
}

// tuningDefaults snapshots the allocation-derived parameters so the
// reset action can restore them.
type tuningDefaults struct {
	levels  int
	spacing float64
}

// Engine runs one symbol's grid. All exchange traffic is sequential
// within the engine; the only concurrent entry points are Push and
// StatusSnapshot, both cheap under the mutex.
type Engine struct {
	cfg      Config
	alloc    types.Allocation
	info     types.SymbolInfo
	exch     exchange.Exchange
	fills    FillSource
	store    Persister
	notifier notifications.Notifier
	log      zerolog.Logger
	onFill   func(types.TradeRecord)
	nowFn    func() time.Time

	mu          sync.Mutex
	state       State
	haltReason  string
	ladder      *Ladder
	levels      int
	spacing     float64
	bias        int
	budgetBoost float64
	defaults    tuningDefaults
	position    types.Position
	tracked     map[string]exchange.Order
	trades      *types.TradeRing
	mark        float64
	realizedPnL float64
	failStreak  int

	mailboxMu sync.Mutex
	mailbox   *Action // single slot, latest wins
}

// NewEngine creates an engine in Initializing state.
func NewEngine(cfg Config, alloc types.Allocation, info types.SymbolInfo, exch exchange.Exchange, fills FillSource, store Persister, notifier notifications.Notifier, log zerolog.Logger) *Engine {
	if notifier == nil {
		notifier = notifications.Nop{}
	}
	if fills == nil {
		fills = NewFillSource(exch, alloc.Symbol, alloc.Venue)
	}
	return &Engine{
		cfg:         cfg,
		alloc:       alloc,
		info:        info,
		exch:        exch,
		fills:       fills,
		store:       store,
		notifier:    notifier,
		log:         log.With().Str("component", "grid").Str("symbol", alloc.Symbol).Logger(),
		nowFn:       time.Now,
		state:       StateInitializing,
		levels:      alloc.GridLevels,
		spacing:     alloc.SpacingFraction,
		budgetBoost: 1,
		defaults:    tuningDefaults{levels: alloc.GridLevels, spacing: alloc.SpacingFraction},
		tracked:     make(map[string]exchange.Order),
		trades:      types.NewTradeRing(256),
	}
}

// SetFillHook registers the supervisor's trade counter callback.
func (e *Engine) SetFillHook(fn func(types.TradeRecord)) { e.onFill = fn }

// Push overwrites the engine's pending tuning action. Latest wins; a
// slow worker never accumulates stale actions.
func (e *Engine) Push(a Action) {
	e.mailboxMu.Lock()
	defer e.mailboxMu.Unlock()
	e.mailbox = &a
}

func (e *Engine) popAction() (Action, bool) {
	e.mailboxMu.Lock()
	defer e.mailboxMu.Unlock()
	if e.mailbox == nil {
		return ActionHold, false
	}
	a := *e.mailbox
	e.mailbox = nil
	return a, true
}

// StatusSnapshot returns the engine's current view without blocking on
// exchange calls.
func (e *Engine) StatusSnapshot() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		Symbol:      e.alloc.Symbol,
		Venue:       e.alloc.Venue,
		State:       e.state,
		HaltReason:  e.haltReason,
		GridLevels:  e.levels,
		Spacing:     e.spacing,
		Bias:        e.bias,
		Mark:        e.mark,
		Position:    e.position,
		RealizedPnL: e.realizedPnL,
		LiveOrders:  len(e.tracked),
		Budget:      e.budget(),
	}
	if e.ladder != nil {
		st.Center = e.ladder.Center
	}
	return st
}

// State returns the current lifecycle phase.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Trades returns the bounded trade history, oldest first.
func (e *Engine) Trades() []types.TradeRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.trades.Records()
}

// budget is the sizing budget for ladder orders: the allocation's
// deployable notional, so a derivatives grid sized by the capital
// manager under leverage ladders on the same basis. Caller holds e.mu.
func (e *Engine) budget() float64 {
	return e.alloc.EffectiveCapital() * e.budgetBoost
}

// Run executes cycles until ctx is cancelled, then flattens. A panic
// inside one cycle aborts only that cycle.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return e.Stop(context.Background())
		default:
		}
		e.safeCycle(ctx)
		if e.State() == StateHalted {
			return nil
		}
		select {
		case <-ctx.Done():
			return e.Stop(context.Background())
		case <-time.After(e.cfg.Interval):
		}
	}
}

func (e *Engine) safeCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Msg("cycle panicked, aborting cycle only")
		}
	}()
	if err := e.Cycle(ctx); err != nil {
		e.noteFailure(ctx, err)
		return
	}
	e.mu.Lock()
	e.failStreak = 0
	e.mu.Unlock()
}

func (e *Engine) noteFailure(ctx context.Context, err error) {
	e.mu.Lock()
	e.failStreak++
	streak := e.failStreak
	e.mu.Unlock()
	e.log.Warn().Err(err).Int("streak", streak).Msg("cycle failed")

	if e.cfg.MaxFailCycles > 0 && streak >= e.cfg.MaxFailCycles {
		e.setState(StateHalted, fmt.Sprintf("%d consecutive cycle failures: %v", streak, err))
		e.sendAlert(ctx, notifications.SeverityCritical,
			"grid_halted:"+e.alloc.Symbol,
			fmt.Sprintf("%s grid halted after %d consecutive failures: %v", e.alloc.Symbol, streak, err))
	}
}

// Cycle executes one pass of the state machine.
func (e *Engine) Cycle(ctx context.Context) error {
	switch e.State() {
	case StateInitializing:
		return e.initialize(ctx)
	case StateRunning, StateRecentering:
		return e.runningCycle(ctx)
	case StateFlattening:
		return e.flatten(ctx)
	case StateHalted:
		return nil
	}
	return nil
}

func (e *Engine) setState(s State, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == s {
		return
	}
	e.log.Info().Str("from", string(e.state)).Str("to", string(s)).Str("reason", reason).Msg("state transition")
	e.state = s
	if s == StateHalted {
		e.haltReason = reason
	}
}

// ForceFlatten pushes the engine into Flattening on its next cycle.
// Used by the coordinator on critical risk breaches.
func (e *Engine) ForceFlatten(reason string) {
	e.log.Warn().Str("reason", reason).Msg("forced flatten")
	e.setState(StateFlattening, reason)
}

// initialize rehydrates persisted state when available, otherwise
// builds a fresh ladder around the current mark.
func (e *Engine) initialize(ctx context.Context) error {
	if e.store != nil {
		if snap, ok, err := e.store.Load(e.alloc.Symbol); err != nil {
			e.log.Warn().Err(err).Msg("snapshot load failed, starting fresh")
		} else if ok && snap.Venue == e.alloc.Venue && len(snap.Levels) > 0 {
			e.rehydrate(snap)
			e.setState(StateRunning, "rehydrated from snapshot")
			return nil
		}
	}

	ticker, err := e.exch.Ticker(ctx, e.alloc.Symbol, e.alloc.Venue)
	if err != nil {
		return fmt.Errorf("initialize %s: %w", e.alloc.Symbol, err)
	}
	e.mu.Lock()
	e.mark = ticker.LastPrice
	e.mu.Unlock()

	if err := e.rebuildLadder(ctx, ticker.LastPrice); err != nil {
		var tooFew *ErrTooFewLevels
		if errors.As(err, &tooFew) {
			e.setState(StateHalted, err.Error())
			e.sendAlert(ctx, notifications.SeverityWarning,
				"grid_unsized:"+e.alloc.Symbol,
				fmt.Sprintf("%s cannot size a viable ladder: %v", e.alloc.Symbol, err))
			return nil
		}
		return err
	}
	e.setState(StateRunning, "initialized")
	return nil
}

func (e *Engine) rehydrate(snap *Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ladder = &Ladder{Center: snap.Center, Spacing: snap.Spacing, Levels: snap.Levels}
	e.spacing = snap.Spacing
	e.levels = snap.GridLevels
	e.bias = snap.Bias
	e.position = snap.Position
	e.tracked = make(map[string]exchange.Order)
	for _, lv := range snap.Levels {
		if lv.OrderID != "" {
			e.tracked[lv.OrderID] = exchange.Order{
				OrderID:  lv.OrderID,
				Symbol:   snap.Symbol,
				Venue:    snap.Venue,
				Side:     lv.Side,
				Price:    lv.Price,
				Quantity: lv.Qty,
			}
		}
	}
	e.log.Info().Int("levels", len(snap.Levels)).Float64("center", snap.Center).Msg("rehydrated grid snapshot")
}

// rebuildLadder constructs a new ladder around the given center using
// the current tunables, carrying over live orders that still match.
func (e *Engine) rebuildLadder(ctx context.Context, center float64) error {
	spacing := e.currentSpacing(ctx, center)

	e.mu.Lock()
	params := LadderParams{
		Info:      e.info,
		Center:    center,
		Spacing:   spacing,
		Levels:    e.levels,
		MinLevels: e.cfg.MinLevels,
		Bias:      e.bias,
		Budget:    e.budget(),
	}
	old := e.ladder
	e.mu.Unlock()

	ladder, err := BuildLadder(params)
	if err != nil {
		return err
	}
	if old != nil {
		carryOrderIDs(old, ladder)
	}

	e.mu.Lock()
	e.ladder = ladder
	e.spacing = spacing
	e.mu.Unlock()
	e.persist()
	return nil
}

// carryOrderIDs keeps live orders whose price, side and qty survived
// the rebuild, so reconciliation does not churn them.
func carryOrderIDs(old, fresh *Ladder) {
	for i := range fresh.Levels {
		nl := &fresh.Levels[i]
		for _, ol := range old.Levels {
			if ol.OrderID != "" && ol.Side == nl.Side && ol.Price == nl.Price && ol.Qty == nl.Qty {
				nl.OrderID = ol.OrderID
				break
			}
		}
	}
}

// currentSpacing resolves dynamic ATR spacing, falling back to the
// configured spacing when the ATR is not ready.
func (e *Engine) currentSpacing(ctx context.Context, price float64) float64 {
	e.mu.Lock()
	fallback := e.spacing
	e.mu.Unlock()
	if !e.cfg.UseDynamicSpacing {
		return fallback
	}
	klines, err := e.exch.Klines(ctx, e.alloc.Symbol, e.cfg.KlineInterval, e.cfg.ATRPeriod+1, e.alloc.Venue)
	if err != nil {
		return fallback
	}
	atr, err := indicators.ATR(klines, e.cfg.ATRPeriod)
	if err != nil {
		return fallback
	}
	return DynamicSpacing(atr, price, e.cfg.ATRMultiplier, e.cfg.MinSpacingFraction, fallback)
}

// runningCycle is the worker's cooperative sequence: refresh, fills,
// recenter check, reconcile, tune, TP/SL.
func (e *Engine) runningCycle(ctx context.Context) error {
	ticker, err := e.exch.Ticker(ctx, e.alloc.Symbol, e.alloc.Venue)
	if err != nil {
		return fmt.Errorf("refresh ticker: %w", err)
	}
	mark := ticker.LastPrice
	e.mu.Lock()
	e.mark = mark
	e.mu.Unlock()

	open, err := e.openOrderMap(ctx)
	if err != nil {
		return fmt.Errorf("refresh open orders: %w", err)
	}

	if err := e.detectAndProcessFills(ctx, open); err != nil {
		return err
	}

	if e.shouldRecenter(mark) {
		e.setState(StateRecentering, fmt.Sprintf("mark %.4f drifted from center", mark))
		if err := e.recenter(ctx, mark); err != nil {
			return err
		}
		e.setState(StateRunning, "recentered")
		// fresh open-order view after the cancel wave
		if open, err = e.openOrderMap(ctx); err != nil {
			return err
		}
	}

	if _, _, err := e.reconcile(ctx, open); err != nil {
		return err
	}

	if action, ok := e.popAction(); ok {
		e.applyAction(ctx, action, mark)
	}

	return e.checkTPSL(ctx, mark)
}

func (e *Engine) openOrderMap(ctx context.Context) (map[string]exchange.Order, error) {
	orders, err := e.exch.OpenOrders(ctx, e.alloc.Symbol, e.alloc.Venue)
	if err != nil {
		return nil, err
	}
	out := make(map[string]exchange.Order, len(orders))
	for _, o := range orders {
		out[o.OrderID] = o
	}
	return out, nil
}

func (e *Engine) detectAndProcessFills(ctx context.Context, open map[string]exchange.Order) error {
	e.mu.Lock()
	tracked := make(map[string]exchange.Order, len(e.tracked))
	for id, o := range e.tracked {
		tracked[id] = o
	}
	e.mu.Unlock()

	fills, err := e.fills.DetectFills(ctx, tracked, open)
	if err != nil {
		return fmt.Errorf("detect fills: %w", err)
	}
	for _, f := range fills {
		e.processFill(f)
	}
	if len(fills) > 0 {
		e.persist()
	}
	return nil
}

// processFill updates the position and records the trade. Fills are
// execution deltas, so a partially filled order keeps its level in the
// ladder with the unexecuted remainder; only when the tracked order is
// fully executed does the level retire and the mirror go in one grid
// line toward the vacated side, sized at the whole executed quantity.
func (e *Engine) processFill(f Fill) {
	e.mu.Lock()
	var level *Level
	if e.ladder != nil {
		level = e.ladder.FindByOrderID(f.OrderID)
	}
	if level == nil {
		e.mu.Unlock()
		e.log.Debug().Str("order_id", f.OrderID).Msg("fill for untracked level ignored")
		return
	}

	complete := true
	mirrorQty := f.Qty
	if ord, ok := e.tracked[f.OrderID]; ok {
		ord.ExecutedQty += f.Qty
		remaining := ord.Quantity - ord.ExecutedQty
		if remaining > qtyEpsilon(e.info.StepSize) {
			e.tracked[f.OrderID] = ord
			level.Qty = remaining
			complete = false
		} else {
			mirrorQty = ord.ExecutedQty
		}
	}

	mirrorIndex := level.Index
	if complete {
		delete(e.tracked, f.OrderID)
		filledIndex := level.Index
		e.ladder.Remove(filledIndex)

		mirrorIndex = filledIndex + 1
		if f.Side == exchange.SideSell {
			mirrorIndex = filledIndex - 1
		}
		mirror := Level{
			Index: mirrorIndex,
			Price: e.ladder.LinePrice(mirrorIndex, e.info.TickSize),
			Side:  f.Side.Opposite(),
			Qty:   mirrorQty,
		}
		e.ladder.Insert(mirror)
	}

	realized := e.applyFillToPosition(f.Side, f.Price, f.Qty)
	e.realizedPnL += realized

	record := types.TradeRecord{
		Timestamp:   f.Time,
		Symbol:      e.alloc.Symbol,
		Side:        string(f.Side),
		Price:       f.Price,
		Quantity:    f.Qty,
		RealizedPnL: realized,
		Source:      types.TradeSourceGrid,
	}
	e.trades.Append(record)
	hook := e.onFill
	e.mu.Unlock()

	ev := e.log.Info().
		Str("side", string(f.Side)).
		Float64("price", f.Price).
		Float64("qty", f.Qty).
		Float64("realized", realized)
	if complete {
		ev = ev.Int("mirror_index", mirrorIndex)
	} else {
		ev = ev.Bool("partial", true)
	}
	ev.Msg("grid fill")
	if hook != nil {
		hook(record)
	}
}

// applyFillToPosition folds one execution into the single logical
// position: weighted-average entry on adds, realized PnL on reduces.
// Caller holds e.mu.
func (e *Engine) applyFillToPosition(side exchange.OrderSide, price, qty float64) float64 {
	pos := &e.position
	delta := qty
	if side == exchange.SideSell {
		delta = -qty
	}

	signed := pos.Size * pos.Side.Sign()
	newSigned := signed + delta

	realized := 0.0
	switch {
	case signed == 0 || sameSign(signed, delta):
		totalCost := pos.EntryPrice*math.Abs(signed) + price*math.Abs(delta)
		pos.EntryPrice = totalCost / math.Abs(newSigned)
	case newSigned == 0 || sameSign(signed, newSigned):
		closed := math.Abs(delta)
		realized = (price - pos.EntryPrice) * closed * sign(signed)
	default:
		// flip: close the whole position, open remainder at fill price
		realized = (price - pos.EntryPrice) * math.Abs(signed) * sign(signed)
		pos.EntryPrice = price
	}

	pos.Size = math.Abs(newSigned)
	switch {
	case newSigned > 0:
		pos.Side = types.PositionLong
	case newSigned < 0:
		pos.Side = types.PositionShort
	default:
		*pos = types.Position{Symbol: e.alloc.Symbol, Venue: e.alloc.Venue, Side: types.PositionFlat}
		return realized
	}
	pos.Symbol = e.alloc.Symbol
	pos.Venue = e.alloc.Venue
	e.refreshExitPrices()
	return realized
}

// refreshExitPrices recomputes TP/SL from the weighted entry. Caller
// holds e.mu.
func (e *Engine) refreshExitPrices() {
	pos := &e.position
	if pos.Side == types.PositionFlat || pos.Size == 0 {
		pos.TPPrice = 0
		pos.SLPrice = 0
		return
	}
	s := pos.Side.Sign()
	if e.cfg.TPFraction > 0 {
		pos.TPPrice = capital.RoundToTick(pos.EntryPrice*(1+e.cfg.TPFraction*s), e.info.TickSize)
	}
	if e.cfg.SLFraction > 0 {
		pos.SLPrice = capital.RoundToTick(pos.EntryPrice*(1-e.cfg.SLFraction*s), e.info.TickSize)
	}
}

// shouldRecenter fires when the mark drifted beyond the configured
// number of grid steps from center, or when one side of the ladder has
// been vacated past the threshold.
func (e *Engine) shouldRecenter(mark float64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ladder == nil || e.ladder.Center <= 0 || e.spacing <= 0 {
		return false
	}
	drift := math.Abs(mark-e.ladder.Center) / (e.ladder.Center * e.spacing)
	if e.cfg.RecenterLevels > 0 && drift > e.cfg.RecenterLevels {
		return true
	}
	if e.cfg.RecenterSideFilled > 0 {
		buys, sells := e.ladder.SideCounts()
		half := e.levels / 2
		if half > 0 && (half-buys >= e.cfg.RecenterSideFilled || half-sells >= e.cfg.RecenterSideFilled) {
			return true
		}
	}
	return false
}

// recenter cancels every ladder order, then rebuilds around the new
// center. Cancels always precede places, so the monotonic-gap
// invariant holds throughout.
func (e *Engine) recenter(ctx context.Context, newCenter float64) error {
	if err := e.cancelAllTracked(ctx); err != nil {
		return err
	}
	e.log.Info().Float64("center", newCenter).Msg("recentering ladder")
	return e.rebuildLadder(ctx, newCenter)
}

func (e *Engine) cancelAllTracked(ctx context.Context) error {
	e.mu.Lock()
	ids := make([]string, 0, len(e.tracked))
	for id := range e.tracked {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		if err := e.cancelOrder(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) cancelOrder(ctx context.Context, orderID string) error {
	err := e.exch.CancelOrder(ctx, e.alloc.Symbol, orderID, e.alloc.Venue)
	if err != nil && !isOrderGone(err) {
		return err
	}
	e.mu.Lock()
	delete(e.tracked, orderID)
	if e.ladder != nil {
		if lv := e.ladder.FindByOrderID(orderID); lv != nil {
			lv.OrderID = ""
		}
	}
	e.mu.Unlock()
	return nil
}

func isOrderGone(err error) bool {
	var ee *exchange.ExchangeError
	return errors.As(err, &ee) && ee.Code == exchange.CodeOrderNotFound
}

// checkTPSL closes the full position with a market order when the mark
// crosses either exit price, then rebuilds the ladder around the mark.
func (e *Engine) checkTPSL(ctx context.Context, mark float64) error {
	e.mu.Lock()
	pos := e.position
	e.mu.Unlock()
	if pos.Side == types.PositionFlat || pos.Size == 0 {
		return nil
	}

	var source types.TradeSource
	switch {
	case pos.TPPrice > 0 && ((pos.Side == types.PositionLong && mark >= pos.TPPrice) ||
		(pos.Side == types.PositionShort && mark <= pos.TPPrice)):
		source = types.TradeSourceTP
	case pos.SLPrice > 0 && ((pos.Side == types.PositionLong && mark <= pos.SLPrice) ||
		(pos.Side == types.PositionShort && mark >= pos.SLPrice)):
		source = types.TradeSourceSL
	default:
		return nil
	}

	e.setState(StateFlattening, fmt.Sprintf("%s exit at mark %.4f", source, mark))
	if err := e.closePosition(ctx, mark, source); err != nil {
		return err
	}
	if err := e.cancelAllTracked(ctx); err != nil {
		return err
	}
	if err := e.rebuildLadder(ctx, mark); err != nil {
		return err
	}
	e.setState(StateRunning, "rebuilt after "+string(source))
	return nil
}

// closePosition issues a reduce-only market order for the full size
// and realizes PnL against the weighted entry.
func (e *Engine) closePosition(ctx context.Context, mark float64, source types.TradeSource) error {
	e.mu.Lock()
	pos := e.position
	e.mu.Unlock()
	if pos.Side == types.PositionFlat || pos.Size == 0 {
		return nil
	}

	side := exchange.SideSell
	if pos.Side == types.PositionShort {
		side = exchange.SideBuy
	}
	_, err := e.exch.PlaceOrder(ctx, exchange.OrderSpec{
		Symbol:        e.alloc.Symbol,
		Venue:         e.alloc.Venue,
		Side:          side,
		Type:          exchange.TypeMarket,
		Quantity:      pos.Size,
		ReduceOnly:    e.alloc.Venue == types.VenueDerivatives,
		ClientOrderID: uuid.NewString(),
	})
	if err != nil {
		return fmt.Errorf("close position: %w", err)
	}

	realized := (mark - pos.EntryPrice) * pos.Size * pos.Side.Sign()
	record := types.TradeRecord{
		Timestamp:   e.nowFn(),
		Symbol:      e.alloc.Symbol,
		Side:        string(side),
		Price:       mark,
		Quantity:    pos.Size,
		RealizedPnL: realized,
		Source:      source,
	}

	e.mu.Lock()
	e.realizedPnL += realized
	e.position = types.Position{Symbol: e.alloc.Symbol, Venue: e.alloc.Venue, Side: types.PositionFlat}
	e.trades.Append(record)
	hook := e.onFill
	e.mu.Unlock()

	e.log.Info().
		Str("source", string(source)).
		Float64("exit", mark).
		Float64("realized", realized).
		Msg("position closed")
	if hook != nil {
		hook(record)
	}
	e.persist()
	return nil
}

// flatten cancels all open orders, optionally closes the position, and
// halts.
func (e *Engine) flatten(ctx context.Context) error {
	if err := e.cancelAllTracked(ctx); err != nil {
		return err
	}
	if e.cfg.CloseOnFlatten {
		e.mu.Lock()
		mark := e.mark
		e.mu.Unlock()
		if mark > 0 {
			if err := e.closePosition(ctx, mark, types.TradeSourceManual); err != nil {
				return err
			}
		}
	}
	e.persist()
	e.setState(StateHalted, "flattened")
	return nil
}

// Stop gracefully winds the engine down: cancel orders, close if
// configured, persist, halt. Never leaves orphan orders behind.
func (e *Engine) Stop(ctx context.Context) error {
	if e.State() == StateHalted {
		return nil
	}
	if err := e.flatten(ctx); err != nil {
		e.setState(StateHalted, fmt.Sprintf("stopped with error: %v", err))
		return err
	}
	return nil
}

func (e *Engine) sendAlert(ctx context.Context, severity notifications.Severity, key, text string) {
	if err := e.notifier.Send(ctx, notifications.Alert{Key: key, Text: text, Severity: severity}); err != nil {
		e.log.Warn().Err(err).Msg("alert delivery failed")
	}
}

// persist writes the current snapshot through the store, if any.
func (e *Engine) persist() {
	if e.store == nil {
		return
	}
	e.mu.Lock()
	snap := Snapshot{
		Version:    SnapshotVersion,
		Symbol:     e.alloc.Symbol,
		Venue:      e.alloc.Venue,
		GridLevels: e.levels,
		Bias:       e.bias,
		Position:   e.position,
		UpdatedAt:  e.nowFn(),
	}
	if e.ladder != nil {
		snap.Center = e.ladder.Center
		snap.Spacing = e.ladder.Spacing
		snap.Levels = append([]Level(nil), e.ladder.Levels...)
	}
	for id := range e.tracked {
		snap.LiveOrders = append(snap.LiveOrders, id)
	}
	e.mu.Unlock()

	if err := e.store.Save(snap); err != nil {
		e.log.Warn().Err(err).Msg("snapshot save failed")
	}
}

// qtyEpsilon is the slack under which a remaining quantity counts as
// fully executed. Executions land on step multiples, so half a step
// separates float noise from a real remainder.
func qtyEpsilon(step float64) float64 {
	if step > 0 {
		return step / 2
	}
	return 1e-9
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}
