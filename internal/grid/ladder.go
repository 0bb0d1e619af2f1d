package grid

import (
	"fmt"
	"math"
	"sort"

	"github.com/LuizEdCard/gridbot/internal/capital"
	"github.com/LuizEdCard/gridbot/internal/exchange"
	"github.com/LuizEdCard/gridbot/pkg/types"
)

// Level is one rung of the ladder. Index is the signed grid line:
// negative below center (buys), positive above (sells). Line prices
// compound, price(k) = center × (1 ± spacing)^|k|.
type Level struct {
	Index   int                `json:"index"`
	Price   float64            `json:"price"`
	Side    exchange.OrderSide `json:"side"`
	Qty     float64            `json:"qty"`
	OrderID string             `json:"order_id,omitempty"`
}

// Ladder is the set of resting orders a worker intends to keep alive
// around the center price. Levels are kept sorted by price ascending.
type Ladder struct {
	Center  float64 `json:"center"`
	Spacing float64 `json:"spacing"`
	Levels  []Level `json:"levels"`
}

// LadderParams feed one ladder construction.
type LadderParams struct {
	Info      types.SymbolInfo
	Center    float64
	Spacing   float64
	Levels    int
	MinLevels int
	Bias      int // -1 bearish, 0 neutral, +1 bullish
	Budget    float64
}

// biasQtyBoost is the quantity multiplier applied to the favored side
// when a direction bias is set.
const biasQtyBoost = 1.5

// ErrTooFewLevels reports that sizing left the ladder below the
// configured minimum level count.
type ErrTooFewLevels struct {
	Symbol    string
	Valid     int
	MinLevels int
}

func (e *ErrTooFewLevels) Error() string {
	return fmt.Sprintf("%s: only %d sized levels, need at least %d", e.Symbol, e.Valid, e.MinLevels)
}

// BuildLadder constructs a ladder around the center. Prices compound
// outward by the spacing fraction, are rounded to tick size, and
// collisions after rounding expand outward until two consecutive
// levels differ by at least one tick. Levels whose order fails the
// dynamic sizer are dropped; a result below MinLevels is an error.
func BuildLadder(p LadderParams) (*Ladder, error) {
	if p.Center <= 0 || p.Spacing <= 0 || p.Levels < 2 {
		return nil, fmt.Errorf("build ladder %s: bad params center=%.4f spacing=%.5f levels=%d",
			p.Info.Symbol, p.Center, p.Spacing, p.Levels)
	}

	buys := p.Levels / 2
	sells := p.Levels / 2
	if p.Levels%2 != 0 {
		// odd level counts put the extra rung on the biased side
		if p.Bias < 0 {
			sells++
		} else {
			buys++
		}
	}

	buyFraction := 1 / float64(p.Levels)
	sellFraction := buyFraction
	if p.Bias > 0 {
		buyFraction *= biasQtyBoost
	} else if p.Bias < 0 {
		sellFraction *= biasQtyBoost
	}

	var levels []Level
	dropped := 0

	place := func(index int, price float64, side exchange.OrderSide, fraction float64) {
		qty, err := capital.SizeOrder(p.Info, p.Budget, price, fraction)
		if err != nil {
			dropped++
			return
		}
		levels = append(levels, Level{Index: index, Price: price, Side: side, Qty: qty})
	}

	lastBuy := p.Center
	for k := 1; k <= buys; k++ {
		price := nextLinePrice(lastBuy, p.Spacing, p.Info.TickSize, false)
		if price <= 0 {
			break
		}
		place(-k, price, exchange.SideBuy, buyFraction)
		lastBuy = price
	}
	lastSell := p.Center
	for k := 1; k <= sells; k++ {
		price := nextLinePrice(lastSell, p.Spacing, p.Info.TickSize, true)
		place(k, price, exchange.SideSell, sellFraction)
		lastSell = price
	}

	if len(levels) < p.MinLevels {
		return nil, &ErrTooFewLevels{Symbol: p.Info.Symbol, Valid: len(levels), MinLevels: p.MinLevels}
	}

	ladder := &Ladder{Center: p.Center, Spacing: p.Spacing, Levels: levels}
	ladder.sort()
	return ladder, nil
}

// nextLinePrice steps one grid line outward from prev, rounds to tick,
// and keeps expanding while rounding collapsed the step below one tick.
func nextLinePrice(prev, spacing, tick float64, up bool) float64 {
	factor := 1 - spacing
	if up {
		factor = 1 + spacing
	}
	price := prev
	for i := 0; i < 32; i++ {
		price *= factor
		rounded := capital.RoundToTick(price, tick)
		if tick <= 0 || math.Abs(rounded-prev) >= tick-1e-12 {
			return rounded
		}
	}
	return 0
}

// DynamicSpacing derives spacing from ATR: atrMultiplier × ATR / price,
// floored at minSpacing. A not-ready ATR falls back to the initial
// spacing.
func DynamicSpacing(atr, price, atrMultiplier, minSpacing, fallback float64) float64 {
	if atr <= 0 || price <= 0 {
		return fallback
	}
	spacing := atrMultiplier * atr / price
	if spacing < minSpacing {
		spacing = minSpacing
	}
	return spacing
}

func (l *Ladder) sort() {
	sort.Slice(l.Levels, func(i, j int) bool { return l.Levels[i].Price < l.Levels[j].Price })
}

// LinePrice returns the grid line price for a signed index.
func (l *Ladder) LinePrice(index int, tick float64) float64 {
	price := l.Center
	factor := 1 + l.Spacing
	if index < 0 {
		factor = 1 - l.Spacing
	}
	for i := 0; i < abs(index); i++ {
		price *= factor
	}
	return capital.RoundToTick(price, tick)
}

// FindByOrderID returns the level carrying the live order, or nil.
func (l *Ladder) FindByOrderID(orderID string) *Level {
	for i := range l.Levels {
		if l.Levels[i].OrderID == orderID {
			return &l.Levels[i]
		}
	}
	return nil
}

// Remove drops the level at the signed index.
func (l *Ladder) Remove(index int) {
	for i := range l.Levels {
		if l.Levels[i].Index == index {
			l.Levels = append(l.Levels[:i], l.Levels[i+1:]...)
			return
		}
	}
}

// Insert adds a level, replacing any existing level at the same index.
func (l *Ladder) Insert(level Level) {
	l.Remove(level.Index)
	l.Levels = append(l.Levels, level)
	l.sort()
}

// SideCounts returns how many buy and sell levels the ladder holds.
func (l *Ladder) SideCounts() (buys, sells int) {
	for _, lv := range l.Levels {
		if lv.Side == exchange.SideBuy {
			buys++
		} else {
			sells++
		}
	}
	return buys, sells
}

// Validate checks the structural ladder invariants: strictly monotonic
// prices with at least one tick between consecutive levels.
func (l *Ladder) Validate(tick float64) error {
	for i := 1; i < len(l.Levels); i++ {
		gap := l.Levels[i].Price - l.Levels[i-1].Price
		if gap <= 0 {
			return fmt.Errorf("ladder prices not strictly increasing at %.8f", l.Levels[i].Price)
		}
		if tick > 0 && gap < tick-1e-12 {
			return fmt.Errorf("ladder gap %.8f below tick %.8f", gap, tick)
		}
	}
	return nil
}

// Equal reports structural equality of two ladders, ignoring live
// order IDs.
func (l *Ladder) Equal(other *Ladder) bool {
	if other == nil || l.Center != other.Center || l.Spacing != other.Spacing || len(l.Levels) != len(other.Levels) {
		return false
	}
	for i := range l.Levels {
		a, b := l.Levels[i], other.Levels[i]
		if a.Index != b.Index || a.Price != b.Price || a.Side != b.Side || a.Qty != b.Qty {
			return false
		}
	}
	return true
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
