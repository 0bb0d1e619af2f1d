package exchange

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LuizEdCard/gridbot/pkg/types"
)

// PaperExchange is the shadow-mode adapter: a full in-memory exchange
// that fills resting limit orders when the mark price crosses them.
// No call ever leaves the process, so shadow mode can never move funds.
type PaperExchange struct {
	mu       sync.Mutex
	symbols  map[string]types.SymbolInfo // key: venue + "/" + symbol
	balances map[types.Venue]map[string]*types.Balance
	marks    map[string]float64
	orders   map[string]*Order
	trades   []UserTrade
	nowFn    func() time.Time
}

// NewPaperExchange creates an empty paper exchange. Seed symbols and
// balances before handing it to the engine.
func NewPaperExchange() *PaperExchange {
	return &PaperExchange{
		symbols:  make(map[string]types.SymbolInfo),
		balances: make(map[types.Venue]map[string]*types.Balance),
		marks:    make(map[string]float64),
		orders:   make(map[string]*Order),
		nowFn:    time.Now,
	}
}

func symbolKey(venue types.Venue, symbol string) string {
	return string(venue) + "/" + symbol
}

// SeedSymbol registers trading rules for a symbol.
func (p *PaperExchange) SeedSymbol(info types.SymbolInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.symbols[symbolKey(info.Venue, info.Symbol)] = info
}

// Deposit credits free balance on a venue.
func (p *PaperExchange) Deposit(venue types.Venue, asset string, amount float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.credit(venue, asset, amount)
}

func (p *PaperExchange) credit(venue types.Venue, asset string, amount float64) {
	if p.balances[venue] == nil {
		p.balances[venue] = make(map[string]*types.Balance)
	}
	b, ok := p.balances[venue][asset]
	if !ok {
		b = &types.Balance{Asset: asset}
		p.balances[venue][asset] = b
	}
	b.Free += amount
}

// SetMarkPrice updates the mark for a symbol and fills any resting
// orders the new price crosses.
func (p *PaperExchange) SetMarkPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marks[symbol] = price
	p.matchOrders(symbol, price)
}

func (p *PaperExchange) matchOrders(symbol string, mark float64) {
	ids := make([]string, 0, len(p.orders))
	for id := range p.orders {
		ids = append(ids, id)
	}
	sort.Strings(ids) // deterministic fill order
	for _, id := range ids {
		o := p.orders[id]
		if o.Symbol != symbol || o.Status != "new" || o.Type != TypeLimit {
			continue
		}
		crossed := (o.Side == SideBuy && mark <= o.Price) ||
			(o.Side == SideSell && mark >= o.Price)
		if crossed {
			p.fill(o, o.Price)
		}
	}
}

func (p *PaperExchange) fill(o *Order, price float64) {
	o.ExecutedQty = o.Quantity
	o.AvgPrice = price
	o.Status = "filled"
	o.UpdatedTime = p.nowFn()
	p.trades = append(p.trades, UserTrade{
		TradeID:   uuid.NewString(),
		OrderID:   o.OrderID,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Price:     price,
		Quantity:  o.Quantity,
		Timestamp: o.UpdatedTime,
	})
	delete(p.orders, o.OrderID)
}

// Name identifies the adapter.
func (p *PaperExchange) Name() string { return "paper" }

// ExchangeInfo returns all seeded symbols for the venue.
func (p *PaperExchange) ExchangeInfo(_ context.Context, venue types.Venue) ([]types.SymbolInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.SymbolInfo, 0)
	for _, info := range p.symbols {
		if info.Venue == venue {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// Balances returns asset balances on the venue.
func (p *PaperExchange) Balances(_ context.Context, venue types.Venue) ([]types.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.Balance, 0, len(p.balances[venue]))
	for _, b := range p.balances[venue] {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

// Account summarises the venue using the quote balances only.
func (p *PaperExchange) Account(_ context.Context, venue types.Venue) (*AccountSummary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sum := &AccountSummary{Venue: venue}
	for _, b := range p.balances[venue] {
		sum.Equity += b.Free + b.Locked
		sum.AvailableMargin += b.Free
	}
	return sum, nil
}

// Ticker synthesises a ticker from the mark price.
func (p *PaperExchange) Ticker(_ context.Context, symbol string, venue types.Venue) (*types.Ticker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	mark, ok := p.marks[symbol]
	if !ok {
		return nil, NewError(CodeInvalidSymbol, "no mark price for "+symbol, false)
	}
	info := p.symbols[symbolKey(venue, symbol)]
	half := info.TickSize / 2
	if half == 0 {
		half = mark * 0.0001
	}
	return &types.Ticker{
		Symbol:    symbol,
		Venue:     venue,
		LastPrice: mark,
		BidPrice:  mark - half,
		AskPrice:  mark + half,
		Timestamp: p.nowFn(),
	}, nil
}

// Tickers lists tickers for every seeded symbol on the venue.
func (p *PaperExchange) Tickers(ctx context.Context, venue types.Venue) ([]types.Ticker, error) {
	infos, err := p.ExchangeInfo(ctx, venue)
	if err != nil {
		return nil, err
	}
	out := make([]types.Ticker, 0, len(infos))
	for _, info := range infos {
		t, err := p.Ticker(ctx, info.Symbol, venue)
		if err != nil {
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}

// Klines synthesises flat candles at the mark price.
func (p *PaperExchange) Klines(_ context.Context, symbol, _ string, limit int, _ types.Venue) ([]types.OHLCV, error) {
	p.mu.Lock()
	mark, ok := p.marks[symbol]
	p.mu.Unlock()
	if !ok {
		return nil, NewError(CodeInvalidSymbol, "no mark price for "+symbol, false)
	}
	now := p.nowFn()
	out := make([]types.OHLCV, limit)
	for i := range out {
		out[i] = types.OHLCV{
			Open: mark, High: mark, Low: mark, Close: mark,
			Timestamp: now.Add(-time.Duration(limit-i) * time.Minute),
		}
	}
	return out, nil
}

// Positions derives the net position from the fill history.
func (p *PaperExchange) Positions(_ context.Context, symbol string, venue types.Venue) ([]types.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	net := 0.0
	notional := 0.0
	for _, t := range p.trades {
		if symbol != "" && t.Symbol != symbol {
			continue
		}
		sign := 1.0
		if t.Side == SideSell {
			sign = -1
		}
		net += sign * t.Quantity
		notional += sign * t.Quantity * t.Price
	}
	if net == 0 {
		return nil, nil
	}
	side := types.PositionLong
	if net < 0 {
		side = types.PositionShort
		net = -net
		notional = -notional
	}
	return []types.Position{{
		Symbol:     symbol,
		Venue:      venue,
		Side:       side,
		Size:       net,
		EntryPrice: notional / net,
		MarkPrice:  p.marks[symbol],
		UpdatedAt:  p.nowFn(),
	}}, nil
}

// PlaceOrder validates against the seeded symbol rules and either rests
// a limit order or fills a market order at the mark.
func (p *PaperExchange) PlaceOrder(_ context.Context, spec OrderSpec) (*Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	info, ok := p.symbols[symbolKey(spec.Venue, spec.Symbol)]
	if !ok {
		return nil, NewError(CodeInvalidSymbol, "unknown symbol "+spec.Symbol, false)
	}
	if spec.Quantity <= 0 {
		return nil, NewError(CodeInvalidOrder, "quantity must be positive", false)
	}
	refPrice := spec.Price
	if spec.Type == TypeMarket {
		refPrice = p.marks[spec.Symbol]
	}
	if info.MinNotional > 0 && spec.Quantity*refPrice < info.MinNotional {
		return nil, NewError(CodeMinNotional,
			fmt.Sprintf("notional %.4f below min %.4f", spec.Quantity*refPrice, info.MinNotional), false)
	}

	clientID := spec.ClientOrderID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	order := &Order{
		OrderID:       uuid.NewString(),
		ClientOrderID: clientID,
		Symbol:        spec.Symbol,
		Venue:         spec.Venue,
		Side:          spec.Side,
		Type:          spec.Type,
		Price:         spec.Price,
		Quantity:      spec.Quantity,
		Status:        "new",
		CreatedTime:   p.nowFn(),
		UpdatedTime:   p.nowFn(),
	}

	switch spec.Type {
	case TypeMarket:
		mark, ok := p.marks[spec.Symbol]
		if !ok {
			return nil, NewError(CodeInvalidOrder, "no mark price for market order", false)
		}
		p.fill(order, mark)
	case TypeLimit:
		p.orders[order.OrderID] = order
		// an aggressive limit crosses immediately
		if mark, ok := p.marks[spec.Symbol]; ok {
			if (spec.Side == SideBuy && mark <= spec.Price) ||
				(spec.Side == SideSell && mark >= spec.Price) {
				p.fill(order, spec.Price)
			}
		}
	default:
		return nil, NewError(CodeInvalidOrder, "unsupported order type "+string(spec.Type), false)
	}
	return order, nil
}

// CancelOrder removes a resting order.
func (p *PaperExchange) CancelOrder(_ context.Context, symbol, orderID string, _ types.Venue) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok || !strings.EqualFold(o.Symbol, symbol) {
		return NewError(CodeOrderNotFound, "order "+orderID+" not found", false)
	}
	o.Status = "cancelled"
	o.UpdatedTime = p.nowFn()
	delete(p.orders, orderID)
	return nil
}

// OpenOrders lists resting orders for a symbol.
func (p *PaperExchange) OpenOrders(_ context.Context, symbol string, venue types.Venue) ([]Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Order, 0)
	for _, o := range p.orders {
		if (symbol == "" || o.Symbol == symbol) && o.Venue == venue {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedTime.Before(out[j].CreatedTime) })
	return out, nil
}

// SupportsUserTrades reports that the paper adapter serves a trade stream.
func (p *PaperExchange) SupportsUserTrades() bool { return true }

// UserTrades returns fills after since, oldest first.
func (p *PaperExchange) UserTrades(_ context.Context, symbol string, _ types.Venue, since time.Time) ([]UserTrade, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]UserTrade, 0)
	for _, t := range p.trades {
		if t.Symbol == symbol && t.Timestamp.After(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

// Transfer moves free balance between venues.
func (p *PaperExchange) Transfer(_ context.Context, asset string, amount float64, direction TransferDirection) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	from, to := types.VenueSpot, types.VenueDerivatives
	if direction == TransferDerivativesToSpot {
		from, to = to, from
	}
	b := p.balances[from][asset]
	if b == nil || b.Free < amount {
		return NewError(CodeInsufficientFunds,
			fmt.Sprintf("transfer of %.2f %s exceeds free balance", amount, asset), false)
	}
	b.Free -= amount
	p.credit(to, asset, amount)
	return nil
}

// Close is a no-op for the paper adapter.
func (p *PaperExchange) Close() error { return nil }
