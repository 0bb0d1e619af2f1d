package grid

import (
	"context"
	"time"

	"github.com/LuizEdCard/gridbot/internal/exchange"
	"github.com/LuizEdCard/gridbot/pkg/types"
)

// Fill is one detected execution against a ladder order.
type Fill struct {
	OrderID string
	Side    exchange.OrderSide
	Price   float64
	Qty     float64
	Time    time.Time
}

// FillSource detects executions between engine cycles. The engine
// passes the current open-order set keyed by order ID; the source
// decides which tracked orders were filled since the previous call.
type FillSource interface {
	DetectFills(ctx context.Context, tracked map[string]exchange.Order, open map[string]exchange.Order) ([]Fill, error)
}

// NewFillSource picks the user-trade stream when the adapter provides
// one and falls back to open-order snapshot diffing otherwise.
// Snapshot diffing misses reopen-same-id sequences on some venues;
// the trade stream does not.
func NewFillSource(exch exchange.Exchange, symbol string, venue types.Venue) FillSource {
	if exch.SupportsUserTrades() {
		return &tradeStreamSource{exch: exch, symbol: symbol, venue: venue, since: time.Now()}
	}
	return &snapshotDiffSource{}
}

// tradeStreamSource reads the account's execution stream and keeps a
// high-water timestamp.
type tradeStreamSource struct {
	exch   exchange.Exchange
	symbol string
	venue  types.Venue
	since  time.Time
}

func (s *tradeStreamSource) DetectFills(ctx context.Context, tracked map[string]exchange.Order, _ map[string]exchange.Order) ([]Fill, error) {
	trades, err := s.exch.UserTrades(ctx, s.symbol, s.venue, s.since)
	if err != nil {
		return nil, err
	}
	var out []Fill
	for _, tr := range trades {
		if tr.Timestamp.After(s.since) {
			s.since = tr.Timestamp
		}
		if _, ours := tracked[tr.OrderID]; !ours {
			continue
		}
		out = append(out, Fill{
			OrderID: tr.OrderID,
			Side:    tr.Side,
			Price:   tr.Price,
			Qty:     tr.Quantity,
			Time:    tr.Timestamp,
		})
	}
	return out, nil
}

// snapshotDiffSource treats a tracked order that vanished from the
// open set as filled at its limit price, unless it was cancelled by
// us — the engine untracks orders it cancels before diffing.
type snapshotDiffSource struct{}

func (s *snapshotDiffSource) DetectFills(_ context.Context, tracked map[string]exchange.Order, open map[string]exchange.Order) ([]Fill, error) {
	var out []Fill
	for id, ord := range tracked {
		cur, stillOpen := open[id]
		if stillOpen {
			if cur.ExecutedQty > ord.ExecutedQty {
				out = append(out, Fill{
					OrderID: id,
					Side:    ord.Side,
					Price:   ord.Price,
					Qty:     cur.ExecutedQty - ord.ExecutedQty,
					Time:    cur.UpdatedTime,
				})
			}
			continue
		}
		remaining := ord.Quantity - ord.ExecutedQty
		if remaining > 0 {
			out = append(out, Fill{
				OrderID: id,
				Side:    ord.Side,
				Price:   ord.Price,
				Qty:     remaining,
				Time:    time.Now(),
			})
		}
	}
	return out, nil
}
