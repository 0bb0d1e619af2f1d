package risk

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuizEdCard/gridbot/internal/notifications"
	"github.com/LuizEdCard/gridbot/pkg/types"
)

type stubSource struct {
	obs   map[string][]Observation // consumed front to back
	panic bool
}

func (s *stubSource) Observe(_ context.Context, symbol string) (Observation, error) {
	if s.panic {
		panic("observe blew up")
	}
	q := s.obs[symbol]
	if len(q) == 0 {
		return Observation{}, nil
	}
	obs := q[0]
	if len(q) > 1 {
		s.obs[symbol] = q[1:]
	}
	return obs, nil
}

type stubAccount struct {
	equity float64
	margin float64
}

func (s *stubAccount) Equity(context.Context) (float64, error) { return s.equity, nil }

func (s *stubAccount) MarginRatio(context.Context, types.Venue) (float64, error) {
	return s.margin, nil
}

func newTestMonitor(cfg Config, source ObservationSource, account AccountSource) (*Monitor, *notifications.Recorder) {
	rec := &notifications.Recorder{}
	cfg.AlertCooldown = 0 // direct delivery in tests
	return NewMonitor(cfg, source, account, rec, zerolog.Nop()), rec
}

func findAlert(t *testing.T, rec *notifications.Recorder, key string) notifications.Alert {
	t.Helper()
	for _, a := range rec.Sent() {
		if a.Key == key {
			return a
		}
	}
	t.Fatalf("no alert with key %q, got %v", key, rec.Sent())
	return notifications.Alert{}
}

func TestDrawdownBreachIsCriticalAndDrained(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDrawdownUSD = 50
	src := &stubSource{obs: map[string][]Observation{
		"BTCUSDT": {
			{Price: 60000, UnrealizedPnL: 80, Notional: 500},
			{Price: 59000, UnrealizedPnL: 10, Notional: 500},
		},
	}}
	m, rec := newTestMonitor(cfg, src, &stubAccount{equity: 10000, margin: 0.5})
	m.Track("BTCUSDT")

	m.Cycle(context.Background())
	assert.Empty(t, m.DrainCritical(), "peak only, no drawdown yet")

	m.Cycle(context.Background())
	alert := findAlert(t, rec, "drawdown:BTCUSDT")
	assert.Equal(t, notifications.SeverityCritical, alert.Severity)
	assert.Equal(t, []string{"BTCUSDT"}, m.DrainCritical())
	assert.Empty(t, m.DrainCritical(), "drain clears the queue")
}

func TestMarginRatioBelowFloorIsCritical(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinMarginRatio = 0.15
	m, rec := newTestMonitor(cfg, &stubSource{}, &stubAccount{equity: 1000, margin: 0.05})

	m.Cycle(context.Background())
	alert := findAlert(t, rec, "margin_ratio")
	assert.Equal(t, notifications.SeverityCritical, alert.Severity)
}

func TestPositionSizeVsEquity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPositionVsEquity = 0.5
	src := &stubSource{obs: map[string][]Observation{
		"ETHUSDT": {{Price: 2000, Notional: 700}},
	}}
	m, rec := newTestMonitor(cfg, src, &stubAccount{equity: 1000, margin: 0.5})
	m.Track("ETHUSDT")

	m.Cycle(context.Background())
	findAlert(t, rec, "position_size:ETHUSDT")
}

func TestConcentrationAlert(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSingleWeight = 0.5
	src := &stubSource{obs: map[string][]Observation{
		"BTCUSDT": {{Price: 60000, Notional: 900}},
		"ETHUSDT": {{Price: 2000, Notional: 100}},
	}}
	m, rec := newTestMonitor(cfg, src, &stubAccount{equity: 100000, margin: 0.5})
	m.Track("BTCUSDT")
	m.Track("ETHUSDT")

	m.Cycle(context.Background())
	findAlert(t, rec, "concentration:BTCUSDT")
}

func TestPanickingCheckDoesNotAbortCycle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinMarginRatio = 0.15
	src := &stubSource{panic: true}
	m, rec := newTestMonitor(cfg, src, &stubAccount{equity: 1000, margin: 0.05})
	m.Track("BTCUSDT")

	m.Cycle(context.Background())
	// ingest panicked, was counted, and the margin check still ran
	assert.Equal(t, 1, m.ErrorCount("ingest:BTCUSDT"))
	findAlert(t, rec, "margin_ratio")
}

func TestCorrelationAlert(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCorrelation = 0.85
	src := &stubSource{obs: map[string][]Observation{}}
	for _, sym := range []string{"AUSDT", "BUSDT"} {
		for _, p := range []float64{100, 102, 101, 104, 103, 107} {
			src.obs[sym] = append(src.obs[sym], Observation{Price: p, Notional: 100})
		}
	}
	m, rec := newTestMonitor(cfg, src, &stubAccount{equity: 100000, margin: 0.5})
	m.Track("AUSDT")
	m.Track("BUSDT")

	for i := 0; i < 6; i++ {
		m.Cycle(context.Background())
	}
	// identical price paths correlate at 1.0
	findAlert(t, rec, "correlation:AUSDT:BUSDT")
}

func TestUntrackClearsCriticalQueue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDrawdownUSD = 10
	src := &stubSource{obs: map[string][]Observation{
		"ADAUSDT": {
			{Price: 1, UnrealizedPnL: 50, Notional: 100},
			{Price: 0.9, UnrealizedPnL: 0, Notional: 100},
		},
	}}
	m, _ := newTestMonitor(cfg, src, &stubAccount{equity: 1000, margin: 0.5})
	m.Track("ADAUSDT")
	m.Cycle(context.Background())
	m.Cycle(context.Background())

	m.Untrack("ADAUSDT")
	assert.Empty(t, m.DrainCritical())
}

func TestWindowLogReturns(t *testing.T) {
	w := newWindow(4)
	for _, v := range []float64{100, 110, 121} {
		w.push(v)
	}
	rets := w.logReturns()
	require.Len(t, rets, 2)
	assert.InDelta(t, rets[0], rets[1], 1e-12, "constant growth rate")
}
