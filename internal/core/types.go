package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionSide is the direction of an open exposure.
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// PositionStatus tracks the lifecycle of a virtual position.
type PositionStatus string

const (
	PositionStatusOpen       PositionStatus = "OPEN"
	PositionStatusClosed     PositionStatus = "CLOSED"
	PositionStatusLiquidated PositionStatus = "LIQUIDATED"
)

// ExitReason records why a round-trip was closed.
type ExitReason string

const (
	ExitReasonManual      ExitReason = "MANUAL"
	ExitReasonStopLoss    ExitReason = "STOP_LOSS"
	ExitReasonTakeProfit  ExitReason = "TAKE_PROFIT"
	ExitReasonLiquidation ExitReason = "LIQUIDATION"
	ExitReasonReset       ExitReason = "RESET"
	ExitReasonStrategy    ExitReason = "STRATEGY"
)

// OrderSide mirrors the exchange order side.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType mirrors the exchange order types the platform uses.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStop       OrderType = "STOP"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
)

// OrderStatus mirrors the exchange order status values.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// TraderAccount is the virtual sub-account owned by one trader.
type TraderAccount struct {
	TraderID         string
	InitialBalance   decimal.Decimal
	Balance          decimal.Decimal
	MarginLocked     decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	RealizedPnL      decimal.Decimal
	TotalTrades      int
	WinningTrades    int
	LosingTrades     int
	MaxOpenPositions int
	UpdatedAt        time.Time
}

// Equity is balance + locked margin + unrealized PnL.
func (a *TraderAccount) Equity() decimal.Decimal {
	return a.Balance.Add(a.MarginLocked).Add(a.UnrealizedPnL)
}

// Position is an open directional exposure attributed to one trader.
type Position struct {
	PositionID      string
	TraderID        string
	Symbol          string
	Side            PositionSide
	EntryPrice      decimal.Decimal
	Quantity        decimal.Decimal
	Leverage        int
	MarginUsed      decimal.Decimal
	StopLossPrice   decimal.Decimal
	TakeProfitPrice decimal.Decimal
	UnrealizedPnL   decimal.Decimal
	OpenedAt        time.Time
	Status          PositionStatus
}

// Trade is a completed round-trip. Immutable once written.
type Trade struct {
	TradeID    string
	PositionID string
	TraderID   string
	Symbol     string
	Side       PositionSide
	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal
	Quantity   decimal.Decimal
	Leverage   int
	PnL        decimal.Decimal
	PnLPct     decimal.Decimal
	OpenedAt   time.Time
	ClosedAt   time.Time
	ExitReason ExitReason
}

// GridSpacing selects the ladder price progression.
type GridSpacing string

const (
	GridSpacingArithmetic GridSpacing = "arithmetic"
	GridSpacingGeometric  GridSpacing = "geometric"
)

// GridStatus tracks the grid instance state machine.
type GridStatus string

const (
	GridStatusActive  GridStatus = "ACTIVE"
	GridStatusPaused  GridStatus = "PAUSED"
	GridStatusStopped GridStatus = "STOPPED"
)

// LevelStatus tracks a single grid rung.
type LevelStatus string

const (
	LevelStatusPending   LevelStatus = "PENDING"
	LevelStatusFilled    LevelStatus = "FILLED"
	LevelStatusCancelled LevelStatus = "CANCELLED"
)

// GridConfig is the ladder configuration chosen at SETUP_GRID time.
type GridConfig struct {
	Upper       decimal.Decimal
	Lower       decimal.Decimal
	LevelCount  int
	Spacing     GridSpacing
	Leverage    int
	Investment  decimal.Decimal
	StopLossPct decimal.Decimal
}

// GridLevel is a single rung of a ladder.
type GridLevel struct {
	LevelID     string
	Index       int
	Side        OrderSide
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	Status      LevelStatus
	OrderID     int64
	ExecutedQty decimal.Decimal
	FilledPrice decimal.Decimal
	FilledAt    time.Time
}

// GridState is the persistable snapshot of one grid instance.
type GridState struct {
	GridID          string
	ShortID         string
	TraderID        string
	Symbol          string
	Config          GridConfig
	BuyLevels       []GridLevel
	SellLevels      []GridLevel
	CyclesCompleted int
	GrossProfit     decimal.Decimal
	Fees            decimal.Decimal
	NetProfit       decimal.Decimal
	Status          GridStatus
	CreatedAt       time.Time
	LastUpdate      time.Time
}

// MarketSnapshot is one per-symbol market data row. Append-only in the store.
type MarketSnapshot struct {
	Symbol       string
	Price        decimal.Decimal
	Change24hPct decimal.Decimal
	High24h      decimal.Decimal
	Low24h       decimal.Decimal
	Volume24h    decimal.Decimal

	// Indicator values are statistical, not monetary.
	RSI14      float64
	EMA20      float64
	EMA50      float64
	MACD       float64
	MACDSignal float64
	MACDHist   float64

	Timestamp time.Time
}

// DecisionRecord captures one (cycle, trader) decision round. Append-only.
type DecisionRecord struct {
	TraderID    string
	CycleNumber int64
	InputDigest string
	RawResponse string
	Action      string
	Symbol      string
	Outcome     string
	Reason      string
	TokensIn    int
	TokensOut   int
	CostUSD     float64
	LatencyMs   int64
	Timestamp   time.Time
}

// Ticker24h is the normalized 24-hour rolling statistics for one symbol.
type Ticker24h struct {
	Symbol         string
	LastPrice      decimal.Decimal
	PriceChangePct decimal.Decimal
	High           decimal.Decimal
	Low            decimal.Decimal
	Volume         decimal.Decimal
}

// Kline is one normalized candle.
type Kline struct {
	OpenTime  int64
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	CloseTime int64
}

// ExchangeAccount is the exchange-of-record futures account summary.
type ExchangeAccount struct {
	TotalWalletBalance    decimal.Decimal
	TotalMarginBalance    decimal.Decimal
	TotalUnrealizedProfit decimal.Decimal
	AvailableBalance      decimal.Decimal
}

// ExchangePosition is one position-risk row from the exchange.
// PositionAmt is signed: positive long, negative short.
type ExchangePosition struct {
	Symbol           string
	PositionAmt      decimal.Decimal
	EntryPrice       decimal.Decimal
	MarkPrice        decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	LiquidationPrice decimal.Decimal
	Leverage         int
	MarginType       string
}

// OrderRequest carries everything needed to create one exchange order.
// ClientOrderID is mandatory: it is the attribution contract.
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	TimeInForce   string
	ReduceOnly    bool
	ClosePosition bool
	ClientOrderID string
}

// ExchangeOrder is a normalized exchange order.
type ExchangeOrder struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Price         decimal.Decimal
	OrigQty       decimal.Decimal
	ExecutedQty   decimal.Decimal
	AvgPrice      decimal.Decimal
	Status        OrderStatus
	ReduceOnly    bool
	UpdateTime    int64
}

// ExecutionStatus is the outcome class of one executed decision.
type ExecutionStatus string

const (
	ExecutionStatusExecuted ExecutionStatus = "EXECUTED"
	ExecutionStatusRejected ExecutionStatus = "REJECTED"
	ExecutionStatusError    ExecutionStatus = "ERROR"
	ExecutionStatusHeld     ExecutionStatus = "HELD"
)

// ExecutionResult reports what the executor did with one decision.
type ExecutionResult struct {
	TraderID      string
	Action        string
	Symbol        string
	Status        ExecutionStatus
	Reason        string
	OrderID       int64
	ClientOrderID string
	Err           string
}
