package risk

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/LuizEdCard/gridbot/internal/notifications"
	"github.com/LuizEdCard/gridbot/pkg/types"
)

// zScore95 is the one-sided 95% quantile of the standard normal,
// used by the parametric VaR checks.
const zScore95 = 1.645

// Observation is one per-symbol sample the monitor ingests each cycle.
type Observation struct {
	Price         float64
	UnrealizedPnL float64
	Notional      float64
}

// ObservationSource supplies per-symbol samples, typically backed by
// the market data cache.
type ObservationSource interface {
	Observe(ctx context.Context, symbol string) (Observation, error)
}

// AccountSource supplies per-venue equity and margin state.
type AccountSource interface {
	Equity(ctx context.Context) (total float64, err error)
	MarginRatio(ctx context.Context, venue types.Venue) (float64, error)
}

// Config holds the risk thresholds. Zero-valued thresholds disable
// their check.
type Config struct {
	Interval            time.Duration `json:"interval"`
	WindowSize          int           `json:"window_size"`
	MaxDrawdownUSD      float64       `json:"max_drawdown_usd"`
	MaxVaR95Fraction    float64       `json:"max_var95_fraction"`
	MinSharpe           float64       `json:"min_sharpe"`
	MaxPositionVsEquity float64       `json:"max_position_vs_equity"`
	MaxSingleWeight     float64       `json:"max_single_weight"`
	MaxCorrelation      float64       `json:"max_correlation"`
	MaxPortfolioVaR     float64       `json:"max_portfolio_var"`
	MinMarginRatio      float64       `json:"min_margin_ratio"`
	AlertCooldown       time.Duration `json:"alert_cooldown"`
}

// DefaultConfig returns the risk monitor defaults.
func DefaultConfig() Config {
	return Config{
		Interval:            30 * time.Second,
		WindowSize:          120,
		MaxVaR95Fraction:    0.05,
		MaxPositionVsEquity: 0.5,
		MaxSingleWeight:     0.5,
		MaxCorrelation:      0.85,
		MaxPortfolioVaR:     0.1,
		MinMarginRatio:      0.15,
		AlertCooldown:       15 * time.Minute,
	}
}

// symbolState carries one tracked symbol's rolling windows.
type symbolState struct {
	prices   *window
	pnl      *window
	notional *window
	peakPnL  float64
}

// Monitor runs periodic per-position, portfolio and account risk
// checks. A panicking or failing check is logged and counted; it never
// aborts the cycle. Critical breaches are queued for the coordinator
// to drain.
type Monitor struct {
	cfg      Config
	source   ObservationSource
	account  AccountSource
	notifier notifications.Notifier
	log      zerolog.Logger

	mu        sync.Mutex
	symbols   map[string]*symbolState
	errCounts map[string]int
	critical  map[string]bool // symbols with an undrained critical breach
}

// NewMonitor creates a risk monitor. The notifier is wrapped in a
// per-key cooldown throttle.
func NewMonitor(cfg Config, source ObservationSource, account AccountSource, notifier notifications.Notifier, log zerolog.Logger) *Monitor {
	if cfg.WindowSize < 2 {
		cfg.WindowSize = 2
	}
	if notifier == nil {
		notifier = notifications.Nop{}
	}
	if cfg.AlertCooldown > 0 {
		notifier = notifications.NewThrottler(notifier, cfg.AlertCooldown)
	}
	return &Monitor{
		cfg:       cfg,
		source:    source,
		account:   account,
		notifier:  notifier,
		log:       log.With().Str("component", "risk").Logger(),
		symbols:   make(map[string]*symbolState),
		errCounts: make(map[string]int),
		critical:  make(map[string]bool),
	}
}

// Track registers a symbol for monitoring.
func (m *Monitor) Track(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.symbols[symbol]; !ok {
		m.symbols[symbol] = &symbolState{
			prices:   newWindow(m.cfg.WindowSize),
			pnl:      newWindow(m.cfg.WindowSize),
			notional: newWindow(m.cfg.WindowSize),
		}
	}
}

// Untrack removes a symbol and any pending breach for it.
func (m *Monitor) Untrack(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.symbols, symbol)
	delete(m.critical, symbol)
}

// DrainCritical returns the symbols with critical breaches since the
// last call and clears the queue.
func (m *Monitor) DrainCritical() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.critical) == 0 {
		return nil
	}
	out := make([]string, 0, len(m.critical))
	for sym := range m.critical {
		out = append(out, sym)
	}
	sort.Strings(out)
	m.critical = make(map[string]bool)
	return out
}

// ErrorCount returns how many times the named check has failed.
func (m *Monitor) ErrorCount(check string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errCounts[check]
}

// Run executes cycles on the configured cadence until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Cycle(ctx)
		}
	}
}

// Cycle ingests fresh observations and runs every check once.
func (m *Monitor) Cycle(ctx context.Context) {
	m.mu.Lock()
	tracked := make([]string, 0, len(m.symbols))
	for sym := range m.symbols {
		tracked = append(tracked, sym)
	}
	m.mu.Unlock()
	sort.Strings(tracked)

	equity := 0.0
	m.runCheck("account_equity", func() error {
		e, err := m.account.Equity(ctx)
		if err != nil {
			return err
		}
		equity = e
		return nil
	})

	for _, sym := range tracked {
		sym := sym
		m.runCheck("ingest:"+sym, func() error {
			obs, err := m.source.Observe(ctx, sym)
			if err != nil {
				return err
			}
			m.ingest(sym, obs)
			return nil
		})
		m.runCheck("position:"+sym, func() error {
			return m.checkPosition(ctx, sym, equity)
		})
	}

	m.runCheck("portfolio", func() error {
		return m.checkPortfolio(ctx, tracked, equity)
	})
	m.runCheck("margin", func() error {
		return m.checkMargin(ctx)
	})
}

func (m *Monitor) ingest(symbol string, obs Observation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.symbols[symbol]
	if !ok {
		return
	}
	st.prices.push(obs.Price)
	st.pnl.push(obs.UnrealizedPnL)
	st.notional.push(obs.Notional)
	if obs.UnrealizedPnL > st.peakPnL {
		st.peakPnL = obs.UnrealizedPnL
	}
}

// runCheck isolates one check: panics and errors are logged and
// counted, never propagated.
func (m *Monitor) runCheck(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			m.noteError(name)
			m.log.Error().Str("check", name).Interface("panic", r).Msg("risk check panicked")
		}
	}()
	if err := fn(); err != nil {
		m.noteError(name)
		m.log.Warn().Err(err).Str("check", name).Msg("risk check failed")
	}
}

func (m *Monitor) noteError(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errCounts[name]++
}

func (m *Monitor) checkPosition(ctx context.Context, symbol string, equity float64) error {
	m.mu.Lock()
	st, ok := m.symbols[symbol]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	returns := st.prices.logReturns()
	notional := st.notional.last()
	pnl := st.pnl.last()
	peak := st.peakPnL
	m.mu.Unlock()

	if m.cfg.MaxDrawdownUSD > 0 && peak-pnl >= m.cfg.MaxDrawdownUSD {
		m.alert(ctx, "drawdown:"+symbol, notifications.SeverityCritical, symbol,
			fmt.Sprintf("%s drawdown %.2f USD from peak PnL %.2f", symbol, peak-pnl, peak))
	}

	if len(returns) >= 2 && notional > 0 {
		sigma := stddev(returns)
		var95 := zScore95 * sigma * notional
		if m.cfg.MaxVaR95Fraction > 0 && equity > 0 && var95 > m.cfg.MaxVaR95Fraction*equity {
			m.alert(ctx, "var95:"+symbol, notifications.SeverityWarning, "",
				fmt.Sprintf("%s 1-day VaR95 %.2f USD exceeds %.1f%% of equity", symbol, var95, m.cfg.MaxVaR95Fraction*100))
		}
		if m.cfg.MinSharpe != 0 {
			if sharpe := naiveSharpe(returns); sharpe < m.cfg.MinSharpe {
				m.alert(ctx, "sharpe:"+symbol, notifications.SeverityInfo, "",
					fmt.Sprintf("%s rolling Sharpe %.2f below %.2f", symbol, sharpe, m.cfg.MinSharpe))
			}
		}
	}

	if m.cfg.MaxPositionVsEquity > 0 && equity > 0 && notional > m.cfg.MaxPositionVsEquity*equity {
		m.alert(ctx, "position_size:"+symbol, notifications.SeverityWarning, "",
			fmt.Sprintf("%s notional %.2f USD is %.1f%% of equity", symbol, notional, notional/equity*100))
	}
	return nil
}

func (m *Monitor) checkMargin(ctx context.Context) error {
	if m.cfg.MinMarginRatio <= 0 {
		return nil
	}
	ratio, err := m.account.MarginRatio(ctx, types.VenueDerivatives)
	if err != nil {
		return err
	}
	if ratio > 0 && ratio < m.cfg.MinMarginRatio {
		m.alert(ctx, "margin_ratio", notifications.SeverityCritical, "",
			fmt.Sprintf("available margin ratio %.3f below floor %.3f", ratio, m.cfg.MinMarginRatio))
	}
	return nil
}

// alert sends through the throttled notifier; critical alerts tied to
// a symbol are queued for the coordinator.
func (m *Monitor) alert(ctx context.Context, key string, severity notifications.Severity, symbol, text string) {
	if severity == notifications.SeverityCritical && symbol != "" {
		m.mu.Lock()
		m.critical[symbol] = true
		m.mu.Unlock()
	}
	if err := m.notifier.Send(ctx, notifications.Alert{Key: key, Text: text, Severity: severity}); err != nil {
		m.log.Warn().Err(err).Str("key", key).Msg("risk alert delivery failed")
	}
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stddev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mu := mean(values)
	sum := 0.0
	for _, v := range values {
		d := v - mu
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)-1))
}

// naiveSharpe is mean return over its own volatility, no risk-free
// leg, no annualization.
func naiveSharpe(returns []float64) float64 {
	sigma := stddev(returns)
	if sigma == 0 {
		return 0
	}
	return mean(returns) / sigma
}
