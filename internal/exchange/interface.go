package exchange

import (
	"context"
	"time"

	"github.com/LuizEdCard/gridbot/pkg/types"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType enumerates the order types the engine places.
type OrderType string

const (
	TypeLimit      OrderType = "limit"
	TypeMarket     OrderType = "market"
	TypeStop       OrderType = "stop"
	TypeStopMarket OrderType = "stop_market"
)

// TimeInForce controls how long a resting order stays live.
type TimeInForce string

const (
	TIFGoodTillCancel    TimeInForce = "gtc"
	TIFImmediateOrCancel TimeInForce = "ioc"
	TIFFillOrKill        TimeInForce = "fok"
)

// TransferDirection identifies an inter-venue balance move.
type TransferDirection string

const (
	TransferSpotToDerivatives TransferDirection = "spot_to_derivatives"
	TransferDerivativesToSpot TransferDirection = "derivatives_to_spot"
)

// OrderSpec is the request to place one order.
type OrderSpec struct {
	Symbol        string      `json:"symbol"`
	Venue         types.Venue `json:"venue"`
	Side          OrderSide   `json:"side"`
	Type          OrderType   `json:"type"`
	Quantity      float64     `json:"quantity"`
	Price         float64     `json:"price,omitempty"`
	StopPrice     float64     `json:"stop_price,omitempty"`
	TimeInForce   TimeInForce `json:"time_in_force,omitempty"`
	ReduceOnly    bool        `json:"reduce_only,omitempty"`
	ClientOrderID string      `json:"client_order_id,omitempty"`
}

// Order is the acknowledged state of an order on the exchange.
type Order struct {
	OrderID       string      `json:"order_id"`
	ClientOrderID string      `json:"client_order_id,omitempty"`
	Symbol        string      `json:"symbol"`
	Venue         types.Venue `json:"venue"`
	Side          OrderSide   `json:"side"`
	Type          OrderType   `json:"type"`
	Price         float64     `json:"price"`
	Quantity      float64     `json:"quantity"`
	ExecutedQty   float64     `json:"executed_qty"`
	AvgPrice      float64     `json:"avg_price"`
	Status        string      `json:"status"` // new, partially_filled, filled, cancelled
	CreatedTime   time.Time   `json:"created_time"`
	UpdatedTime   time.Time   `json:"updated_time"`
}

// AccountSummary describes the margin state of one venue.
type AccountSummary struct {
	Venue             types.Venue `json:"venue"`
	Equity            float64     `json:"equity"`
	AvailableMargin   float64     `json:"available_margin"`
	InitialMargin     float64     `json:"initial_margin"`
	MaintenanceMargin float64     `json:"maintenance_margin"`
	UnrealizedPnL     float64     `json:"unrealized_pnl"`
}

// MarginRatio returns available margin as a fraction of equity.
func (a AccountSummary) MarginRatio() float64 {
	if a.Equity <= 0 {
		return 0
	}
	return a.AvailableMargin / a.Equity
}

// UserTrade is one execution from the account's trade stream.
type UserTrade struct {
	TradeID   string    `json:"trade_id"`
	OrderID   string    `json:"order_id"`
	Symbol    string    `json:"symbol"`
	Side      OrderSide `json:"side"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Fee       float64   `json:"fee"`
	Timestamp time.Time `json:"timestamp"`
}

// Exchange is the operation surface the core consumes. Implementations
// own signing, rate-limit backoff and response parsing; callers receive
// either a successful response or an error classified by ClassifyError.
type Exchange interface {
	Name() string

	// Symbol metadata
	ExchangeInfo(ctx context.Context, venue types.Venue) ([]types.SymbolInfo, error)

	// Account
	Balances(ctx context.Context, venue types.Venue) ([]types.Balance, error)
	Account(ctx context.Context, venue types.Venue) (*AccountSummary, error)

	// Market data
	Ticker(ctx context.Context, symbol string, venue types.Venue) (*types.Ticker, error)
	Tickers(ctx context.Context, venue types.Venue) ([]types.Ticker, error)
	Klines(ctx context.Context, symbol, interval string, limit int, venue types.Venue) ([]types.OHLCV, error)
	Positions(ctx context.Context, symbol string, venue types.Venue) ([]types.Position, error)

	// Orders
	PlaceOrder(ctx context.Context, spec OrderSpec) (*Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string, venue types.Venue) error
	OpenOrders(ctx context.Context, symbol string, venue types.Venue) ([]Order, error)

	// UserTrades returns executions after the since timestamp, oldest
	// first. Adapters that cannot serve a user-trade stream report it
	// through SupportsUserTrades and may return ErrUnsupported here.
	SupportsUserTrades() bool
	UserTrades(ctx context.Context, symbol string, venue types.Venue, since time.Time) ([]UserTrade, error)

	// Transfers
	Transfer(ctx context.Context, asset string, amount float64, direction TransferDirection) error

	Close() error
}
