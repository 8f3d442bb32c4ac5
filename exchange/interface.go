// Package exchange defines the capability interface every concrete venue
// adapter must satisfy: market data, account/positions, order placement and
// cancellation, trade history, leverage, symbol/contract metadata, and the
// quantity/PnL arithmetic that differs between linear and inverse contracts.
package exchange

import "time"

// ContractType distinguishes the two settlement styles the system supports.
type ContractType string

const (
	Linear  ContractType = "linear"  // USDT-margined: quote in USDT, PnL in USDT
	Inverse ContractType = "inverse" // coin-margined: quote in base coin, PnL scaled by quantoMultiplier
)

// Side is a position or order direction.
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// Contract carries the immutable, session-cacheable metadata an adapter
// resolves a canonical symbol to.
type Contract struct {
	Symbol           string
	Type             ContractType
	QuantoMultiplier float64 // inverse only; 1 for linear
	OrderSizeMin     float64
	OrderSizeMax     float64
	OrderPriceRound  float64 // tick size
	MarkPriceRound   float64
}

// Ticker is a point-in-time price read. MarkPrice/IndexPrice are zero unless
// requested.
type Ticker struct {
	Symbol     string
	Last       float64
	MarkPrice  float64
	IndexPrice float64
}

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Interval is a supported candle timeframe.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
)

// Account is the account-level balance snapshot. Total excludes unrealized PnL.
type Account struct {
	Total          float64
	Available      float64
	PositionMargin float64
	UnrealizedPnl  float64
}

// ExchangePosition is the venue's ground truth for one (symbol, side).
type ExchangePosition struct {
	Symbol           string
	Side             Side
	Quantity         float64 // contract units (inverse) or coin units (linear); always > 0
	EntryPrice       float64
	MarkPrice        float64
	UnrealizedPnl    float64
	LiquidationPrice float64
	Leverage         int
}

// TimeInForce for order placement.
type TimeInForce string

const (
	TIFGTC TimeInForce = "gtc"
	TIFIOC TimeInForce = "ioc"
)

// OrderRequest places a market (or, when Price is set, limit) order. Size is
// signed: positive opens/increases long exposure, negative opens/increases
// short exposure (or reduces the opposite side when ReduceOnly is set).
type OrderRequest struct {
	Contract   Contract
	Size       float64
	Price      float64 // zero for a pure market order
	TIF        TimeInForce
	ReduceOnly bool
	StopLoss   float64 // optional, zero to omit
	TakeProfit float64 // optional, zero to omit
}

// OrderResult is returned by a successful placeOrder/placeTriggerOrder call.
type OrderResult struct {
	ID     string
	Status string
}

// TriggerRule encodes whether a trigger fires at-or-above or at-or-below its
// TriggerPrice, relative to mark price.
type TriggerRule string

const (
	TriggerAtOrAbove TriggerRule = "gte"
	TriggerAtOrBelow TriggerRule = "lte"
)

// TriggerOrderRequest places a server-side trigger (stop-loss, take-profit,
// or extreme take-profit). CloseSize is a positive integer number of
// contract units.
type TriggerOrderRequest struct {
	Contract     Contract
	TriggerPrice float64
	CloseSize    float64
	Rule         TriggerRule
}

// TradeRecord is one fill row returned by getMyTrades, newest first.
type TradeRecord struct {
	OrderID   string
	Symbol    string
	Side      Side
	Price     float64
	Quantity  float64
	Fee       float64 // in quote currency
	Timestamp time.Time
}

// Exchange is the uniform contract the rest of the control plane operates
// over. Two concrete adapters satisfy it: a linear (USDT-margined) adapter
// and an inverse (coin-margined) adapter. Every method is independently
// retriable with exponential backoff (1s, 2s, 4s) for transient failures;
// permission errors (HTTP 401) are never retried — see retry.go.
type Exchange interface {
	// GetTicker returns the last price always; MarkPrice/IndexPrice are only
	// populated when includeMark is true.
	GetTicker(symbol string, includeMark bool) (*Ticker, error)

	// GetCandles returns a time-ascending OHLCV array of at most limit bars.
	// Callers must tolerate Volume == 0 on test networks.
	GetCandles(symbol string, interval Interval, limit int) ([]Candle, error)

	// GetAccount returns the account snapshot; Total excludes unrealized PnL.
	GetAccount() (*Account, error)

	// GetPositions returns every non-zero position on the account; zero-size
	// entries are filtered out. The result is not filtered to the configured
	// symbol set.
	GetPositions() ([]ExchangePosition, error)

	// PlaceOrder clamps Size to [Contract.OrderSizeMin, OrderSizeMax] and
	// auto-clamps Price when its deviation from mark exceeds 1.5%. Market
	// orders use TIFIOC. Returns a typed error (see errors.go) when the
	// account lacks available margin.
	PlaceOrder(req OrderRequest) (*OrderResult, error)

	// PlaceTriggerOrder enforces a safety distance from mark of at least
	// 0.3%, widened to 0.5% when the requested trigger is already on the
	// triggered side of mark.
	PlaceTriggerOrder(req TriggerOrderRequest) (*OrderResult, error)

	// CancelTriggerOrders cancels the venue's open orders for contract. The
	// linear adapter requires a non-nil contract; the inverse adapter cancels
	// across its whole category when contract is nil. Venue errors are
	// returned to the caller; no status code, 404 included, is mapped to
	// success.
	CancelTriggerOrders(contract *Contract) error

	// GetMyTrades returns fills newest-first, optionally scoped to one
	// contract and a start time, capped at limit rows.
	GetMyTrades(contract *Contract, limit int, startTime *time.Time) ([]TradeRecord, error)

	// SetLeverage is non-fatal when a position already exists on the venue.
	SetLeverage(contract Contract, leverage int) error

	// ContractType determines which PnL/quantity arithmetic applies.
	ContractType() ContractType

	// Normalize resolves a canonical symbol (e.g. "BTC") to this venue's
	// Contract metadata.
	Normalize(symbol string) (Contract, error)

	// CalculateQuantity converts a USDT notional into contract units.
	// Inverse: floor((usdt*leverage)/(multiplier*price)). Linear: usdt*leverage/price.
	CalculateQuantity(usdt float64, price float64, leverage int, contract Contract) float64

	// CalculatePnL computes realized PnL for a fill.
	// Inverse: (exit-entry or entry-exit)*qty*multiplier. Linear: delta*qty.
	CalculatePnL(entry, exit, qty float64, side Side, contract Contract) float64
}
