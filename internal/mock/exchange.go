// Package mock provides in-memory test doubles.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gridarena/internal/core"
	"gridarena/pkg/apperrors"

	"github.com/shopspring/decimal"
)

// Exchange implements core.Exchange for testing. Orders fill only when the
// test marks them filled, so fill timing is fully deterministic.
type Exchange struct {
	mu             sync.RWMutex
	orders         map[int64]*core.ExchangeOrder
	clientOrderMap map[string]int64
	orderIDCounter int64
	prices         map[string]decimal.Decimal
	tickers        map[string]*core.Ticker24h
	klines         map[string][]core.Kline
	positions      []core.ExchangePosition
	account        *core.ExchangeAccount
	leverage       map[string]int

	// Failure injection
	PlaceOrderErr error
	CancelErr     error

	PlacedOrders    []core.OrderRequest
	CancelledOrders []int64
}

// NewExchange creates a mock exchange with a funded account.
func NewExchange() *Exchange {
	return &Exchange{
		orders:         make(map[int64]*core.ExchangeOrder),
		clientOrderMap: make(map[string]int64),
		orderIDCounter: 1000,
		prices:         make(map[string]decimal.Decimal),
		tickers:        make(map[string]*core.Ticker24h),
		klines:         make(map[string][]core.Kline),
		leverage:       make(map[string]int),
		account: &core.ExchangeAccount{
			TotalWalletBalance: decimal.NewFromInt(10000),
			TotalMarginBalance: decimal.NewFromInt(10000),
			AvailableBalance:   decimal.NewFromInt(10000),
		},
	}
}

// SetPrice sets the current price for a symbol.
func (m *Exchange) SetPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
	m.tickers[symbol] = &core.Ticker24h{
		Symbol:    symbol,
		LastPrice: price,
		High:      price,
		Low:       price,
		Volume:    decimal.NewFromInt(1000),
	}
}

// SetKlines seeds kline data for a symbol.
func (m *Exchange) SetKlines(symbol string, klines []core.Kline) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.klines[symbol] = klines
}

// SetPositions replaces the exchange position snapshot.
func (m *Exchange) SetPositions(positions []core.ExchangePosition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = positions
}

// MarkFilled transitions an order to FILLED at the given price.
func (m *Exchange) MarkFilled(orderID int64, fillPrice decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return apperrors.ErrOrderNotFound
	}
	order.Status = core.OrderStatusFilled
	order.ExecutedQty = order.OrigQty
	order.AvgPrice = fillPrice
	order.UpdateTime = time.Now().UnixMilli()
	return nil
}

func (m *Exchange) GetPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	price, ok := m.prices[symbol]
	if !ok {
		return decimal.Zero, apperrors.ErrInvalidSymbol
	}
	return price, nil
}

func (m *Exchange) GetTicker(_ context.Context, symbol string) (*core.Ticker24h, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ticker, ok := m.tickers[symbol]
	if !ok {
		return nil, apperrors.ErrInvalidSymbol
	}
	copied := *ticker
	return &copied, nil
}

func (m *Exchange) GetKlines(_ context.Context, symbol, _ string, limit int) ([]core.Kline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	klines := m.klines[symbol]
	if limit > 0 && len(klines) > limit {
		klines = klines[len(klines)-limit:]
	}
	out := make([]core.Kline, len(klines))
	copy(out, klines)
	return out, nil
}

func (m *Exchange) GetAccount(_ context.Context) (*core.ExchangeAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	copied := *m.account
	return &copied, nil
}

func (m *Exchange) GetPositions(_ context.Context) ([]core.ExchangePosition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.ExchangePosition, len(m.positions))
	copy(out, m.positions)
	return out, nil
}

func (m *Exchange) GetOpenOrders(_ context.Context, symbol string) ([]core.ExchangeOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.ExchangeOrder
	for _, order := range m.orders {
		if order.Status != core.OrderStatusNew && order.Status != core.OrderStatusPartiallyFilled {
			continue
		}
		if symbol != "" && order.Symbol != symbol {
			continue
		}
		out = append(out, *order)
	}
	return out, nil
}

func (m *Exchange) GetOrder(_ context.Context, _ string, orderID int64) (*core.ExchangeOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	order, ok := m.orders[orderID]
	if !ok {
		return nil, apperrors.ErrOrderNotFound
	}
	copied := *order
	return &copied, nil
}

func (m *Exchange) PlaceOrder(_ context.Context, req *core.OrderRequest) (*core.ExchangeOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PlaceOrderErr != nil {
		return nil, m.PlaceOrderErr
	}
	if req.ClientOrderID == "" {
		return nil, fmt.Errorf("client order id is mandatory")
	}
	// Client order IDs may be reused once the previous holder is done
	// working, mirroring exchange semantics.
	if prevID, dup := m.clientOrderMap[req.ClientOrderID]; dup {
		if prev := m.orders[prevID]; prev != nil &&
			(prev.Status == core.OrderStatusNew || prev.Status == core.OrderStatusPartiallyFilled) {
			return nil, apperrors.ErrDuplicateOrder
		}
	}

	m.orderIDCounter++
	order := &core.ExchangeOrder{
		OrderID:       m.orderIDCounter,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		OrigQty:       req.Quantity,
		ExecutedQty:   decimal.Zero,
		AvgPrice:      decimal.Zero,
		Status:        core.OrderStatusNew,
		ReduceOnly:    req.ReduceOnly,
		UpdateTime:    time.Now().UnixMilli(),
	}

	// Market orders fill immediately at the current price.
	if req.Type == core.OrderTypeMarket {
		price, ok := m.prices[req.Symbol]
		if !ok {
			return nil, apperrors.ErrInvalidSymbol
		}
		order.Status = core.OrderStatusFilled
		order.ExecutedQty = req.Quantity
		order.AvgPrice = price
	}

	m.orders[order.OrderID] = order
	m.clientOrderMap[req.ClientOrderID] = order.OrderID
	m.PlacedOrders = append(m.PlacedOrders, *req)

	copied := *order
	return &copied, nil
}

func (m *Exchange) CancelOrder(_ context.Context, _ string, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CancelErr != nil {
		return m.CancelErr
	}
	order, ok := m.orders[orderID]
	if !ok {
		return apperrors.ErrOrderNotFound
	}
	order.Status = core.OrderStatusCanceled
	m.CancelledOrders = append(m.CancelledOrders, orderID)
	return nil
}

func (m *Exchange) CancelAllOrders(_ context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CancelErr != nil {
		return m.CancelErr
	}
	for id, order := range m.orders {
		if order.Symbol == symbol && order.Status == core.OrderStatusNew {
			order.Status = core.OrderStatusCanceled
			m.CancelledOrders = append(m.CancelledOrders, id)
		}
	}
	return nil
}

func (m *Exchange) SetLeverage(_ context.Context, symbol string, leverage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leverage[symbol] = leverage
	return nil
}

func (m *Exchange) SetMarginType(_ context.Context, _ string, _ string) error {
	return nil
}

// Leverage returns the last leverage set for a symbol.
func (m *Exchange) Leverage(symbol string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.leverage[symbol]
}

func (m *Exchange) RoundStep(_ string, qty decimal.Decimal) decimal.Decimal {
	return qty
}

func (m *Exchange) RoundTick(_ string, price decimal.Decimal) decimal.Decimal {
	return price
}

// OpenOrderCount reports orders still working.
func (m *Exchange) OpenOrderCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, order := range m.orders {
		if order.Status == core.OrderStatusNew {
			n++
		}
	}
	return n
}
