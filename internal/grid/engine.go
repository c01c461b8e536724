package grid

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gridarena/internal/core"
	"gridarena/pkg/orderid"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Books receives grid settlements: cycle profits and stop-loss residuals.
// The account service satisfies this.
type Books interface {
	Settle(ctx context.Context, trade *core.Trade) error
}

// Engine hosts all grid instances and drives them against the exchange.
// There is at most one non-stopped grid per (trader, symbol).
type Engine struct {
	mu        sync.Mutex
	instances map[string]*Instance

	exchange core.Exchange
	store    core.RecordStore
	books    Books
	feeRate  decimal.Decimal
	clock    core.Clock
	logger   core.ILogger
}

// NewEngine creates an empty grid engine.
func NewEngine(exchange core.Exchange, store core.RecordStore, books Books, feeRate decimal.Decimal, logger core.ILogger) *Engine {
	return &Engine{
		instances: make(map[string]*Instance),
		exchange:  exchange,
		store:     store,
		books:     books,
		feeRate:   feeRate,
		clock:     core.RealClock{},
		logger:    logger.WithField("component", "grid"),
	}
}

// SetClock replaces the time source. Test hook.
func (e *Engine) SetClock(c core.Clock) { e.clock = c }

func key(traderID, symbol string) string { return traderID + "|" + symbol }

// Setup creates a new grid, persists its configuration, then places the
// ladder. The config row is written before the first order goes out so a
// crash mid-placement can still restore faithfully.
func (e *Engine) Setup(ctx context.Context, traderID, symbol string, cfg *core.GridConfig) (*core.GridState, error) {
	e.mu.Lock()
	if existing, ok := e.instances[key(traderID, symbol)]; ok && existing.Status() != core.GridStatusStopped {
		e.mu.Unlock()
		return nil, fmt.Errorf("grid already running on %s for %s", symbol, traderID)
	}
	inst := NewInstance(traderID, symbol, cfg, e.clock)
	e.instances[key(traderID, symbol)] = inst
	e.mu.Unlock()

	if err := e.exchange.SetLeverage(ctx, symbol, cfg.Leverage); err != nil {
		e.logger.Warn("set leverage failed, keeping exchange default",
			"trader_id", traderID, "symbol", symbol, "error", err.Error())
	}

	if err := e.store.SaveGrid(ctx, inst.Snapshot()); err != nil {
		return nil, fmt.Errorf("persist grid: %w", err)
	}

	placed, failed := e.placeLadder(ctx, inst)
	state := inst.Snapshot()
	if err := e.store.SaveGrid(ctx, state); err != nil {
		return nil, fmt.Errorf("persist grid after placement: %w", err)
	}
	e.logger.Info("grid set up", "trader_id", traderID, "symbol", symbol,
		"grid_id", state.GridID, "short_id", state.ShortID,
		"levels", cfg.LevelCount, "placed", placed, "failed", failed)
	if placed == 0 && failed > 0 {
		return state, fmt.Errorf("no grid orders placed on %s (%d failures)", symbol, failed)
	}
	return state, nil
}

// placeLadder places limit orders for every pending level without one.
// Per-level failures are logged and left for the next monitor tick.
func (e *Engine) placeLadder(ctx context.Context, inst *Instance) (placed, failed int) {
	_, shortID, traderID, symbol := inst.Keys()
	for _, lvl := range inst.PendingUnplaced() {
		req := &core.OrderRequest{
			Symbol:        symbol,
			Side:          lvl.Side,
			Type:          core.OrderTypeLimit,
			Quantity:      e.exchange.RoundStep(symbol, lvl.Quantity),
			Price:         e.exchange.RoundTick(symbol, lvl.Price),
			TimeInForce:   "GTC",
			ClientOrderID: orderid.NewGrid(traderID, symbol, shortID, string(lvl.Side), lvl.Index),
		}
		order, err := e.exchange.PlaceOrder(ctx, req)
		if err != nil {
			failed++
			e.logger.Warn("grid level placement failed", "trader_id", traderID,
				"symbol", symbol, "side", string(lvl.Side), "index", lvl.Index,
				"error", err.Error())
			continue
		}
		inst.RecordOrder(lvl.Side, lvl.Index, order.OrderID)
		placed++
	}
	return placed, failed
}

// Pause suspends monitoring of an active grid. Resting orders stay on the
// exchange; fills are ingested again after Resume.
func (e *Engine) Pause(ctx context.Context, traderID, symbol string) error {
	return e.transition(ctx, traderID, symbol, core.GridStatusActive, core.GridStatusPaused)
}

// Resume reactivates a paused grid.
func (e *Engine) Resume(ctx context.Context, traderID, symbol string) error {
	return e.transition(ctx, traderID, symbol, core.GridStatusPaused, core.GridStatusActive)
}

func (e *Engine) transition(ctx context.Context, traderID, symbol string, from, to core.GridStatus) error {
	inst, ok := e.instance(traderID, symbol)
	if !ok {
		return fmt.Errorf("no grid on %s for %s", symbol, traderID)
	}
	if inst.Status() != from {
		return fmt.Errorf("grid on %s for %s is %s, not %s", symbol, traderID, inst.Status(), from)
	}
	inst.SetStatus(to)
	return e.store.SaveGrid(ctx, inst.Snapshot())
}

// Stop terminates a grid: every resting grid order is cancelled one by one
// (never cancel-all, the symbol is shared across traders), the grid goes
// STOPPED and any residual exposure from unmatched filled buys is settled
// as a trade at the given mark price.
func (e *Engine) Stop(ctx context.Context, traderID, symbol string, markPrice decimal.Decimal, reason core.ExitReason) (*core.GridState, error) {
	inst, ok := e.instance(traderID, symbol)
	if !ok {
		return nil, fmt.Errorf("no grid on %s for %s", symbol, traderID)
	}
	return e.stop(ctx, inst, markPrice, reason)
}

func (e *Engine) stop(ctx context.Context, inst *Instance, markPrice decimal.Decimal, reason core.ExitReason) (*core.GridState, error) {
	_, _, traderID, symbol := inst.Keys()

	for _, lvl := range inst.PendingPlaced() {
		if err := e.exchange.CancelOrder(ctx, symbol, lvl.OrderID); err != nil {
			e.logger.Warn("cancel grid order failed", "trader_id", traderID,
				"symbol", symbol, "order_id", lvl.OrderID, "error", err.Error())
		}
	}

	if !inst.SetStatus(core.GridStatusStopped) {
		return inst.Snapshot(), nil
	}
	state := inst.Snapshot()
	if err := e.store.SaveGrid(ctx, state); err != nil {
		return nil, fmt.Errorf("persist stopped grid: %w", err)
	}

	if reason == core.ExitReasonStopLoss && e.books != nil {
		trade := residualTrade(state, markPrice, e.clock.Now())
		if err := e.books.Settle(ctx, trade); err != nil {
			return nil, fmt.Errorf("settle stop-loss: %w", err)
		}
	}

	e.logger.Info("grid stopped", "trader_id", traderID, "symbol", symbol,
		"grid_id", state.GridID, "reason", string(reason),
		"cycles", state.CyclesCompleted, "net_profit", state.NetProfit.String())
	return state, nil
}

// residualTrade values the unmatched filled buys at the mark price. With no
// residual exposure the trade still records the stop with zero quantity.
func residualTrade(state *core.GridState, markPrice decimal.Decimal, now time.Time) *core.Trade {
	qty := decimal.Zero
	cost := decimal.Zero
	for _, lvl := range state.BuyLevels {
		if lvl.Status == core.LevelStatusFilled {
			qty = qty.Add(lvl.Quantity)
			cost = cost.Add(lvl.FilledPrice.Mul(lvl.Quantity))
		}
	}
	entry := decimal.Zero
	pnl := decimal.Zero
	if qty.IsPositive() {
		entry = cost.Div(qty)
		pnl = markPrice.Sub(entry).Mul(qty)
	}
	return &core.Trade{
		TradeID:    uuid.NewString(),
		PositionID: state.GridID,
		TraderID:   state.TraderID,
		Symbol:     state.Symbol,
		Side:       core.PositionSideLong,
		EntryPrice: entry,
		ExitPrice:  markPrice,
		Quantity:   qty,
		Leverage:   state.Config.Leverage,
		PnL:        pnl,
		OpenedAt:   state.CreatedAt,
		ClosedAt:   now,
		ExitReason: core.ExitReasonStopLoss,
	}
}

// Update replaces the running grid on (trader, symbol) with a new
// configuration: the old ladder is stopped and settled, then a fresh grid
// starts with zeroed counters.
func (e *Engine) Update(ctx context.Context, traderID, symbol string, markPrice decimal.Decimal, cfg *core.GridConfig) (*core.GridState, error) {
	if inst, ok := e.instance(traderID, symbol); ok && inst.Status() != core.GridStatusStopped {
		if _, err := e.stop(ctx, inst, markPrice, core.ExitReasonStrategy); err != nil {
			return nil, err
		}
	}
	return e.Setup(ctx, traderID, symbol, cfg)
}

func (e *Engine) instance(traderID, symbol string) (*Instance, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[key(traderID, symbol)]
	return inst, ok
}

// Grids returns snapshots of every non-stopped grid for one trader.
func (e *Engine) Grids(traderID string) []*core.GridState {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*core.GridState
	for _, inst := range e.instances {
		state := inst.Snapshot()
		if state.TraderID == traderID && state.Status != core.GridStatusStopped {
			out = append(out, state)
		}
	}
	return out
}

// MonitorTick advances every active grid against current prices: stop-loss
// first, then fill ingestion, cycle detection, settlement and re-placement
// of re-armed levels.
func (e *Engine) MonitorTick(ctx context.Context, prices map[string]decimal.Decimal) {
	e.mu.Lock()
	instances := make([]*Instance, 0, len(e.instances))
	for _, inst := range e.instances {
		instances = append(instances, inst)
	}
	e.mu.Unlock()

	for _, inst := range instances {
		if inst.Status() != core.GridStatusActive {
			continue
		}
		_, _, traderID, symbol := inst.Keys()
		price, ok := prices[symbol]
		if !ok {
			continue
		}

		if inst.ShouldStop(price) {
			if _, err := e.stop(ctx, inst, price, core.ExitReasonStopLoss); err != nil {
				e.logger.Error("stop-loss handling failed", "trader_id", traderID,
					"symbol", symbol, "error", err.Error())
			}
			continue
		}

		e.pollFills(ctx, inst)
		e.settleCycles(ctx, inst)

		if placed, failed := e.placeLadder(ctx, inst); placed > 0 || failed > 0 {
			e.logger.Debug("grid re-placement", "trader_id", traderID,
				"symbol", symbol, "placed", placed, "failed", failed)
		}
		if err := e.store.SaveGrid(ctx, inst.Snapshot()); err != nil {
			e.logger.Error("persist grid failed", "trader_id", traderID,
				"symbol", symbol, "error", err.Error())
		}
	}
}

func (e *Engine) pollFills(ctx context.Context, inst *Instance) {
	_, _, traderID, symbol := inst.Keys()
	for _, lvl := range inst.PendingPlaced() {
		order, err := e.exchange.GetOrder(ctx, symbol, lvl.OrderID)
		if err != nil {
			e.logger.Warn("order poll failed", "trader_id", traderID,
				"symbol", symbol, "order_id", lvl.OrderID, "error", err.Error())
			continue
		}
		switch order.Status {
		case core.OrderStatusFilled, core.OrderStatusPartiallyFilled:
			fillPrice := order.AvgPrice
			filledAt := time.UnixMilli(order.UpdateTime)
			if inst.ApplyFill(lvl.Side, lvl.Index, order.ExecutedQty, fillPrice, filledAt) {
				e.logger.Info("grid level filled", "trader_id", traderID,
					"symbol", symbol, "side", string(lvl.Side), "index", lvl.Index,
					"price", fillPrice.String())
			}
		case core.OrderStatusCanceled, core.OrderStatusExpired, core.OrderStatusRejected:
			// The order died outside the engine; drop the ID so the
			// level is re-placed next tick.
			inst.RecordOrder(lvl.Side, lvl.Index, 0)
		}
	}
}

func (e *Engine) settleCycles(ctx context.Context, inst *Instance) {
	cycles := inst.DetectCycles(e.feeRate)
	if len(cycles) == 0 {
		return
	}
	state := inst.Snapshot()
	for _, c := range cycles {
		e.logger.Info("grid cycle completed", "trader_id", state.TraderID,
			"symbol", state.Symbol, "buy", c.BuyPrice.String(), "sell", c.SellPrice.String(),
			"qty", c.Quantity.String(), "net", c.Net.String())
		if e.books == nil {
			continue
		}
		now := e.clock.Now()
		err := e.books.Settle(ctx, &core.Trade{
			TradeID:    uuid.NewString(),
			PositionID: state.GridID,
			TraderID:   state.TraderID,
			Symbol:     state.Symbol,
			Side:       core.PositionSideLong,
			EntryPrice: c.BuyPrice,
			ExitPrice:  c.SellPrice,
			Quantity:   c.Quantity,
			Leverage:   state.Config.Leverage,
			PnL:        c.Net,
			OpenedAt:   now,
			ClosedAt:   now,
			ExitReason: core.ExitReasonStrategy,
		})
		if err != nil {
			e.logger.Error("cycle settlement failed", "trader_id", state.TraderID,
				"symbol", state.Symbol, "error", err.Error())
		}
	}
}
