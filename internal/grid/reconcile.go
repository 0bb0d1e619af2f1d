package grid

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/LuizEdCard/gridbot/internal/exchange"
)

// reconcile drives the live order set toward the intended ladder:
// every intended level with a matching live order is kept, stray live
// orders are cancelled, missing levels are placed. Cancels run before
// places, both bounded by the per-cycle budget; leftover work is
// recomputed from the diff on the next cycle. Reconciling twice with
// no market movement is a no-op on the second call.
func (e *Engine) reconcile(ctx context.Context, open map[string]exchange.Order) (cancels, places int, err error) {
	e.mu.Lock()
	if e.ladder == nil {
		e.mu.Unlock()
		return 0, 0, nil
	}

	// drop tracked orders that are gone from the venue; fills were
	// already handled this cycle
	for id := range e.tracked {
		if _, ok := open[id]; !ok {
			delete(e.tracked, id)
			if lv := e.ladder.FindByOrderID(id); lv != nil {
				lv.OrderID = ""
			}
		}
	}

	intended := make(map[string]bool) // order IDs backing an intended level
	var toPlace []Level
	for i := range e.ladder.Levels {
		lv := &e.ladder.Levels[i]
		if lv.OrderID != "" {
			if o, live := open[lv.OrderID]; live && o.Side == lv.Side && o.Price == lv.Price {
				intended[lv.OrderID] = true
				continue
			}
			lv.OrderID = ""
		}
		toPlace = append(toPlace, *lv)
	}

	var toCancel []string
	for id := range e.tracked {
		if !intended[id] {
			toCancel = append(toCancel, id)
		}
	}
	e.mu.Unlock()

	for _, id := range toCancel {
		if e.cfg.MaxCancelsPerCycle > 0 && cancels >= e.cfg.MaxCancelsPerCycle {
			break
		}
		if err := e.cancelOrder(ctx, id); err != nil {
			return cancels, places, fmt.Errorf("reconcile cancel: %w", err)
		}
		cancels++
	}

	for _, lv := range toPlace {
		if e.cfg.MaxPlacesPerCycle > 0 && places >= e.cfg.MaxPlacesPerCycle {
			break
		}
		if err := e.placeLevel(ctx, lv); err != nil {
			return cancels, places, err
		}
		places++
	}
	return cancels, places, nil
}

// placeLevel submits one ladder order. Permanent rejections drop the
// level instead of failing the cycle.
func (e *Engine) placeLevel(ctx context.Context, lv Level) error {
	order, err := e.exch.PlaceOrder(ctx, exchange.OrderSpec{
		Symbol:        e.alloc.Symbol,
		Venue:         e.alloc.Venue,
		Side:          lv.Side,
		Type:          exchange.TypeLimit,
		Quantity:      lv.Qty,
		Price:         lv.Price,
		TimeInForce:   exchange.TIFGoodTillCancel,
		ClientOrderID: uuid.NewString(),
	})
	if err != nil {
		if exchange.IsPermanent(err) {
			e.mu.Lock()
			if e.ladder != nil {
				e.ladder.Remove(lv.Index)
			}
			e.mu.Unlock()
			e.log.Warn().Err(err).
				Int("index", lv.Index).
				Float64("price", lv.Price).
				Msg("level rejected permanently, dropped from ladder")
			return nil
		}
		return fmt.Errorf("place level %d at %.4f: %w", lv.Index, lv.Price, err)
	}

	e.mu.Lock()
	if e.ladder != nil {
		for i := range e.ladder.Levels {
			if e.ladder.Levels[i].Index == lv.Index {
				e.ladder.Levels[i].OrderID = order.OrderID
				break
			}
		}
	}
	e.tracked[order.OrderID] = *order
	e.mu.Unlock()
	return nil
}
