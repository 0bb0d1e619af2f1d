package types

import "time"

// Venue identifies which side of the exchange an operation targets.
type Venue string

const (
	VenueSpot        Venue = "spot"
	VenueDerivatives Venue = "derivatives"
)

// Venues lists all supported venues in a stable order.
func Venues() []Venue {
	return []Venue{VenueSpot, VenueDerivatives}
}

// OHLCV represents a single candlestick bar.
type OHLCV struct {
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// Ticker represents 24h rolling statistics for a symbol.
type Ticker struct {
	Symbol         string    `json:"symbol"`
	Venue          Venue     `json:"venue"`
	LastPrice      float64   `json:"last_price"`
	BidPrice       float64   `json:"bid_price"`
	AskPrice       float64   `json:"ask_price"`
	HighPrice      float64   `json:"high_price"`
	LowPrice       float64   `json:"low_price"`
	QuoteVolume    float64   `json:"quote_volume"`    // 24h volume in quote currency
	PriceChangePct float64   `json:"price_change_pct"` // 24h change as a fraction
	Timestamp      time.Time `json:"timestamp"`
}

// Spread returns the relative bid/ask spread, or 0 when quotes are missing.
func (t Ticker) Spread() float64 {
	if t.BidPrice <= 0 || t.AskPrice <= 0 {
		return 0
	}
	mid := (t.BidPrice + t.AskPrice) / 2
	return (t.AskPrice - t.BidPrice) / mid
}

// Balance represents a single asset balance on one venue.
type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

// VenueBalance aggregates the quote-currency state of one venue.
type VenueBalance struct {
	Free          float64 `json:"free"`
	Locked        float64 `json:"locked"`
	Equity        float64 `json:"equity"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// BalanceSnapshot is an ordered mapping of venue to balance state.
type BalanceSnapshot struct {
	ByVenue   map[Venue]VenueBalance `json:"by_venue"`
	Timestamp time.Time              `json:"timestamp"`
}

// TotalEquity returns equity summed across all venues.
func (s BalanceSnapshot) TotalEquity() float64 {
	total := 0.0
	for _, v := range Venues() {
		if b, ok := s.ByVenue[v]; ok {
			total += b.Equity
		}
	}
	return total
}

// TotalFree returns free balance summed across all venues.
func (s BalanceSnapshot) TotalFree() float64 {
	total := 0.0
	for _, v := range Venues() {
		if b, ok := s.ByVenue[v]; ok {
			total += b.Free
		}
	}
	return total
}

// SymbolInfo holds the immutable trading rules for one symbol on one venue.
type SymbolInfo struct {
	Symbol         string  `json:"symbol"`
	Venue          Venue   `json:"venue"`
	BaseAsset      string  `json:"base_asset"`
	QuoteAsset     string  `json:"quote_asset"`
	TickSize       float64 `json:"tick_size"`
	StepSize       float64 `json:"step_size"`
	MinQty         float64 `json:"min_qty"`
	MaxQty         float64 `json:"max_qty"`
	MinNotional    float64 `json:"min_notional"`
	PricePrecision int     `json:"price_precision"`
	QtyPrecision   int     `json:"qty_precision"`
	MaxLeverage    float64 `json:"max_leverage"`
}

// PositionSide is the logical direction of a worker's single position.
type PositionSide string

const (
	PositionFlat  PositionSide = "flat"
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// Sign returns +1 for long, -1 for short and 0 for flat.
func (s PositionSide) Sign() float64 {
	switch s {
	case PositionLong:
		return 1
	case PositionShort:
		return -1
	}
	return 0
}

// Position is the single logical position a grid worker manages.
type Position struct {
	Symbol        string       `json:"symbol"`
	Venue         Venue        `json:"venue"`
	Side          PositionSide `json:"side"`
	Size          float64      `json:"size"`
	EntryPrice    float64      `json:"entry_price"`
	MarkPrice     float64      `json:"mark_price"`
	UnrealizedPnL float64      `json:"unrealized_pnl"`
	Leverage      float64      `json:"leverage"`
	TPPrice       float64      `json:"tp_price,omitempty"`
	SLPrice       float64      `json:"sl_price,omitempty"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// TradeSource tags where a realized trade came from.
type TradeSource string

const (
	TradeSourceGrid   TradeSource = "grid"
	TradeSourceTP     TradeSource = "tp"
	TradeSourceSL     TradeSource = "sl"
	TradeSourceManual TradeSource = "manual"
)

// TradeRecord is a single executed trade, kept in a bounded ring.
type TradeRecord struct {
	Timestamp   time.Time   `json:"timestamp"`
	Symbol      string      `json:"symbol"`
	Side        string      `json:"side"`
	Price       float64     `json:"price"`
	Quantity    float64     `json:"quantity"`
	RealizedPnL float64     `json:"realized_pnl"`
	Source      TradeSource `json:"source"`
}

// TrendLabel classifies the aggregated market direction.
type TrendLabel string

const (
	TrendBullish TrendLabel = "bullish"
	TrendBearish TrendLabel = "bearish"
	TrendNeutral TrendLabel = "neutral"
)

// MarketOverview is the per-cycle aggregate over the candidate universe.
type MarketOverview struct {
	TotalPairs      int        `json:"total_pairs"`
	AvgVolume       float64    `json:"avg_volume"`
	AvgVolatility   float64    `json:"avg_volatility"`
	Trend           TrendLabel `json:"trend"`
	HotSymbols      []string   `json:"hot_symbols"`
	ConditionsLabel string     `json:"conditions_label"`
	SentimentScore  float64    `json:"sentiment_score"`
	GeneratedAt     time.Time  `json:"generated_at"`
}
