package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ILogger is the logging interface used across the platform.
// Fields are variadic key/value pairs.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
}

// Exchange is the gateway to the exchange of record. Implementations must
// normalize transport, rate-limit and protocol errors into the apperrors
// taxonomy so callers can branch on error class, not on provider detail.
type Exchange interface {
	// Market data (public).
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetTicker(ctx context.Context, symbol string) (*Ticker24h, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)

	// Account / position state (signed reads).
	GetAccount(ctx context.Context) (*ExchangeAccount, error)
	GetPositions(ctx context.Context) ([]ExchangePosition, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]ExchangeOrder, error)
	GetOrder(ctx context.Context, symbol string, orderID int64) (*ExchangeOrder, error)

	// Mutations (signed writes).
	PlaceOrder(ctx context.Context, req *OrderRequest) (*ExchangeOrder, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	CancelAllOrders(ctx context.Context, symbol string) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginType(ctx context.Context, symbol string, marginType string) error

	// Symbol filter rounding. Unknown symbols pass through unchanged.
	RoundStep(symbol string, qty decimal.Decimal) decimal.Decimal
	RoundTick(symbol string, price decimal.Decimal) decimal.Decimal
}

// PriceSource answers current-price lookups. The market data service
// implements it on top of the gateway plus a TTL cache.
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// RecordStore persists platform state. Implementations must be safe for
// concurrent use and idempotent on business-key upserts.
type RecordStore interface {
	SaveAccount(ctx context.Context, acct *TraderAccount) error
	GetAccount(ctx context.Context, traderID string) (*TraderAccount, error)
	ListAccounts(ctx context.Context) ([]*TraderAccount, error)

	SavePosition(ctx context.Context, pos *Position) error
	GetPosition(ctx context.Context, positionID string) (*Position, error)
	ListOpenPositions(ctx context.Context, traderID string) ([]*Position, error)

	SaveTrade(ctx context.Context, trade *Trade) error
	ListTrades(ctx context.Context, traderID string, limit int) ([]*Trade, error)

	SaveGrid(ctx context.Context, state *GridState) error
	GetGrid(ctx context.Context, gridID string) (*GridState, error)
	ListGrids(ctx context.Context, traderID string, active bool) ([]*GridState, error)

	SaveSnapshot(ctx context.Context, snap *MarketSnapshot) error
	SaveDecision(ctx context.Context, rec *DecisionRecord) error
	ListDecisions(ctx context.Context, traderID string, limit int) ([]*DecisionRecord, error)

	Close() error
}

// DecisionProvider is the contract every LLM backend satisfies. The request
// and response are opaque to the platform core; only the parser interprets
// the raw text.
type DecisionProvider interface {
	Name() string
	Decide(ctx context.Context, req *DecisionRequest) (*DecisionResponse, error)
}

// DecisionRequest is the full context handed to a provider for one round.
type DecisionRequest struct {
	TraderID     string
	CycleNumber  int64
	SystemPrompt string
	UserPrompt   string
}

// DecisionResponse is the raw provider output plus usage accounting.
type DecisionResponse struct {
	RawText   string
	TokensIn  int
	TokensOut int
	CostUSD   float64
	Latency   time.Duration
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
