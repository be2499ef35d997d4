// Package domain defines the core types shared across the marlin trading
// client: instruments, quotes, bars, strategy decisions, positions, and
// broker-side order records.
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Enums
// ---------------------------------------------------------------------------

// AssetType identifies the venue asset class of an instrument.
type AssetType string

const (
	AssetTypeStock    AssetType = "Stock"
	AssetTypeFxSpot   AssetType = "FxSpot"
	AssetTypeFxCrypto AssetType = "FxCrypto"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// Action is a strategy decision for one instrument in one cycle.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// OrderStatus is the broker-reported state of an order.
type OrderStatus string

const (
	OrderStatusWorking   OrderStatus = "Working"
	OrderStatusFilled    OrderStatus = "Filled"
	OrderStatusCancelled OrderStatus = "Cancelled"
	OrderStatusRejected  OrderStatus = "Rejected"
	OrderStatusUnknown   OrderStatus = "Unknown"
)

// MarketState is the venue-reported trading state for an instrument.
type MarketState string

const (
	MarketStateOpen           MarketState = "Open"
	MarketStateClosed         MarketState = "Closed"
	MarketStateOpeningAuction MarketState = "OpeningAuction"
	MarketStateClosingAuction MarketState = "ClosingAuction"
	MarketStatePreTrading     MarketState = "PreTrading"
	MarketStatePostTrading    MarketState = "PostTrading"
	MarketStateUnknown        MarketState = "Unknown"
)

// Tradable reports whether orders can execute in this market state.
// Auction and closed phases are not tradable for market orders.
func (s MarketState) Tradable() bool {
	return s == MarketStateOpen
}

// ---------------------------------------------------------------------------
// Instruments
// ---------------------------------------------------------------------------

// InstrumentID uniquely identifies a venue instrument: asset class plus the
// universal instrument code (UIC).
type InstrumentID struct {
	AssetType AssetType
	UIC       int
}

// String renders the id as "Stock:211", the form used in logs and
// correlation references.
func (id InstrumentID) String() string {
	return fmt.Sprintf("%s:%d", id.AssetType, id.UIC)
}

// Instrument is a resolved watchlist entry.
type Instrument struct {
	ID          InstrumentID
	Symbol      string
	Description string
}

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// Quote is a normalized snapshot price for an instrument.
type Quote struct {
	Instrument InstrumentID
	Bid        float64
	Ask        float64
	Mid        float64
	State      MarketState
	ServerTime time.Time
}

// Age returns how old the quote is relative to now.
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.ServerTime)
}

// Bar is a single OHLCV candle.
type Bar struct {
	Instrument InstrumentID
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     int64
}

// ---------------------------------------------------------------------------
// Strategy output
// ---------------------------------------------------------------------------

// Decision is one strategy's verdict for one instrument in one cycle. The
// decision time anchors the deterministic correlation id downstream, so it
// must be the cycle's decision timestamp, not wall-clock at signal emission.
type Decision struct {
	Instrument   InstrumentID
	Action       Action
	Reason       string
	DecisionTime time.Time
	StrategyID   string
}

// ---------------------------------------------------------------------------
// Account state
// ---------------------------------------------------------------------------

// Position is the net holding in one instrument. NetQuantity is positive for
// long, negative for short.
type Position struct {
	Instrument   InstrumentID
	NetQuantity  decimal.Decimal
	AveragePrice decimal.Decimal
	Currency     string
	CanBeClosed  bool
}

// BrokerOrder is an order record as reported by the broker's portfolio
// endpoint. ExternalReference is the caller-supplied correlation reference
// the order was placed with.
type BrokerOrder struct {
	OrderID           string
	ExternalReference string
	Status            OrderStatus
	Instrument        InstrumentID
	Side              Side
	Amount            decimal.Decimal
	FilledAmount      decimal.Decimal
	Price             float64
}

// Confirmed reports whether the order exists at the broker in a state that
// proves the placement reached it (working or filled).
func (o BrokerOrder) Confirmed() bool {
	return o.Status == OrderStatusWorking || o.Status == OrderStatusFilled
}
