// Package monitoring exposes prometheus metrics, a health endpoint,
// and the console portfolio status table.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LuizEdCard/gridbot/internal/grid"
	"github.com/LuizEdCard/gridbot/pkg/types"
)

// Metrics holds the bot's instrument set on its own registry, so tests
// and multiple instances never fight over global registration.
type Metrics struct {
	registry *prometheus.Registry

	fillsTotal         *prometheus.CounterVec
	realizedPnL        *prometheus.GaugeVec
	markPrice          *prometheus.GaugeVec
	openOrders         *prometheus.GaugeVec
	allocatedUSD       *prometheus.GaugeVec
	workerState        *prometheus.GaugeVec
	strategyConfidence *prometheus.GaugeVec
	errorsTotal        *prometheus.CounterVec
	cycleDuration      *prometheus.HistogramVec
}

// NewMetrics builds and registers the instrument set.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		fillsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridbot_fills_total",
			Help: "Executed fills by symbol, side and source.",
		}, []string{"symbol", "side", "source"}),
		realizedPnL: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gridbot_realized_pnl_usd",
			Help: "Cumulative realized PnL per symbol.",
		}, []string{"symbol"}),
		markPrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gridbot_mark_price",
			Help: "Last observed mark price per symbol.",
		}, []string{"symbol"}),
		openOrders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gridbot_open_orders",
			Help: "Live ladder orders per symbol.",
		}, []string{"symbol"}),
		allocatedUSD: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gridbot_allocated_usd",
			Help: "Capital allocated per symbol.",
		}, []string{"symbol", "venue"}),
		workerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gridbot_worker_state",
			Help: "Worker lifecycle state (1 for the active state).",
		}, []string{"symbol", "state"}),
		strategyConfidence: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gridbot_strategy_confidence",
			Help: "Overview strategy confidence.",
		}, []string{"strategy"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridbot_errors_total",
			Help: "Errors by component.",
		}, []string{"component"}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gridbot_cycle_duration_seconds",
			Help:    "Control and worker cycle durations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"component"}),
	}
	m.registry.MustRegister(
		m.fillsTotal, m.realizedPnL, m.markPrice, m.openOrders,
		m.allocatedUSD, m.workerState, m.strategyConfidence,
		m.errorsTotal, m.cycleDuration,
	)
	return m
}

// Handler serves the registry in prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordFill counts one executed trade.
func (m *Metrics) RecordFill(rec types.TradeRecord) {
	m.fillsTotal.WithLabelValues(rec.Symbol, rec.Side, string(rec.Source)).Inc()
}

// SetMarkPrice publishes one symbol's mark, fed by the market-data
// refresh stream between status sweeps.
func (m *Metrics) SetMarkPrice(symbol string, price float64) {
	m.markPrice.WithLabelValues(symbol).Set(price)
}

// RecordError counts one component error.
func (m *Metrics) RecordError(component string) {
	m.errorsTotal.WithLabelValues(component).Inc()
}

// SetStrategy publishes the overview decision.
func (m *Metrics) SetStrategy(strategy string, confidence float64) {
	m.strategyConfidence.Reset()
	m.strategyConfidence.WithLabelValues(strategy).Set(confidence)
}

// ObserveCycle records one cycle duration.
func (m *Metrics) ObserveCycle(component string, d time.Duration) {
	m.cycleDuration.WithLabelValues(component).Observe(d.Seconds())
}

var workerStates = []grid.State{
	grid.StateInitializing, grid.StateRunning, grid.StateRecentering,
	grid.StateFlattening, grid.StateHalted,
}

// ObserveStatuses publishes the per-worker gauges from a supervisor
// snapshot.
func (m *Metrics) ObserveStatuses(statuses []grid.Status) {
	for _, st := range statuses {
		m.realizedPnL.WithLabelValues(st.Symbol).Set(st.RealizedPnL)
		m.markPrice.WithLabelValues(st.Symbol).Set(st.Mark)
		m.openOrders.WithLabelValues(st.Symbol).Set(float64(st.LiveOrders))
		m.allocatedUSD.WithLabelValues(st.Symbol, string(st.Venue)).Set(st.Budget)
		for _, s := range workerStates {
			v := 0.0
			if st.State == s {
				v = 1
			}
			m.workerState.WithLabelValues(st.Symbol, string(s)).Set(v)
		}
	}
}
