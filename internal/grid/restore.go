package grid

import (
	"context"
	"fmt"

	"gridarena/internal/core"
	"gridarena/pkg/orderid"

	"github.com/shopspring/decimal"
)

// restoredGroup collects the open orders of one grid identity as seen on
// the exchange at boot.
type restoredGroup struct {
	traderID string
	symbol   string
	shortID  string
	orders   []core.ExchangeOrder
	refs     []orderid.GridRef
}

// Restore rebuilds grid instances from exchange open orders after a restart.
// Orders are grouped by (trader, symbol, grid short ID); a persisted grid
// row is preferred as the source of truth for config and counters, with the
// live order IDs layered on top. Groups with no row fall back to a ladder
// reconstructed from the orders themselves, with counters starting at zero.
// Grid-patterned orders that cannot be reconstructed are logged as orphans
// and left untouched.
func (e *Engine) Restore(ctx context.Context, symbols []string) (int, error) {
	groups := make(map[string]*restoredGroup)
	for _, symbol := range symbols {
		orders, err := e.exchange.GetOpenOrders(ctx, symbol)
		if err != nil {
			return 0, fmt.Errorf("read open orders for %s: %w", symbol, err)
		}
		for _, order := range orders {
			own, ok := orderid.Parse(order.ClientOrderID)
			if !ok || !own.IsGrid() {
				continue
			}
			gk := own.TraderID + "|" + own.Symbol + "|" + own.Grid.ShortID
			g, exists := groups[gk]
			if !exists {
				g = &restoredGroup{traderID: own.TraderID, symbol: own.Symbol, shortID: own.Grid.ShortID}
				groups[gk] = g
			}
			g.orders = append(g.orders, order)
			g.refs = append(g.refs, *own.Grid)
		}
	}

	restored := 0
	for _, g := range groups {
		state, err := e.restoreGroup(ctx, g)
		if err != nil {
			e.logger.Warn("orphaned grid orders", "trader_id", g.traderID,
				"symbol", g.symbol, "short_id", g.shortID,
				"orders", len(g.orders), "error", err.Error())
			continue
		}
		inst := FromState(state, e.clock)
		e.mu.Lock()
		e.instances[key(g.traderID, g.symbol)] = inst
		e.mu.Unlock()
		if err := e.store.SaveGrid(ctx, inst.Snapshot()); err != nil {
			return restored, fmt.Errorf("persist restored grid: %w", err)
		}
		restored++
		e.logger.Info("grid restored", "trader_id", g.traderID, "symbol", g.symbol,
			"grid_id", state.GridID, "cycles", state.CyclesCompleted,
			"open_orders", len(g.orders))
	}
	return restored, nil
}

func (e *Engine) restoreGroup(ctx context.Context, g *restoredGroup) (*core.GridState, error) {
	state := e.storedState(ctx, g)
	if state == nil {
		var err error
		state, err = rebuildFromOrders(g)
		if err != nil {
			return nil, err
		}
		e.logger.Warn("no stored row for grid, rebuilt from orders",
			"trader_id", g.traderID, "symbol", g.symbol, "short_id", g.shortID)
	}

	// Live order IDs win over whatever was persisted before the restart.
	for i := range state.BuyLevels {
		state.BuyLevels[i].OrderID = 0
	}
	for i := range state.SellLevels {
		state.SellLevels[i].OrderID = 0
	}
	for i, order := range g.orders {
		ref := g.refs[i]
		levels := state.BuyLevels
		if ref.Side == string(core.OrderSideSell) {
			levels = state.SellLevels
		}
		matched := false
		for j := range levels {
			if levels[j].Index == ref.LevelIndex {
				levels[j].OrderID = order.OrderID
				levels[j].Status = core.LevelStatusPending
				matched = true
				break
			}
		}
		if !matched {
			return nil, fmt.Errorf("order %d references %s level %d outside the ladder",
				order.OrderID, ref.Side, ref.LevelIndex)
		}
	}

	state.Status = core.GridStatusActive
	return state, nil
}

// storedState finds the persisted row for this grid identity, if any.
func (e *Engine) storedState(ctx context.Context, g *restoredGroup) *core.GridState {
	rows, err := e.store.ListGrids(ctx, g.traderID, false)
	if err != nil {
		e.logger.Warn("grid row lookup failed", "trader_id", g.traderID, "error", err.Error())
		return nil
	}
	for _, row := range rows {
		if row.Symbol == g.symbol && row.ShortID == g.shortID {
			return row
		}
	}
	return nil
}

// rebuildFromOrders fabricates a plausible grid state when no row survived:
// ladder bounds come from the observed order prices, counters start at zero
// and investment is back-derived from the resting notional at leverage 1.
func rebuildFromOrders(g *restoredGroup) (*core.GridState, error) {
	if len(g.orders) == 0 {
		return nil, fmt.Errorf("empty order group")
	}

	maxIndex := 0
	lower := g.orders[0].Price
	upper := g.orders[0].Price
	notional := decimal.Zero
	for i, order := range g.orders {
		if g.refs[i].LevelIndex > maxIndex {
			maxIndex = g.refs[i].LevelIndex
		}
		if order.Price.LessThan(lower) {
			lower = order.Price
		}
		if order.Price.GreaterThan(upper) {
			upper = order.Price
		}
		notional = notional.Add(order.Price.Mul(order.OrigQty))
	}
	if upper.LessThanOrEqual(lower) {
		return nil, fmt.Errorf("degenerate price range [%s, %s]", lower, upper)
	}

	cfg := &core.GridConfig{
		Upper:       upper,
		Lower:       lower,
		LevelCount:  maxIndex + 1,
		Spacing:     core.GridSpacingArithmetic,
		Leverage:    1,
		Investment:  notional,
		StopLossPct: decimal.Zero,
	}
	if cfg.LevelCount < 2 {
		return nil, fmt.Errorf("cannot infer ladder size from %d orders", len(g.orders))
	}

	gridID := fmt.Sprintf("restored-%s-%s-%s", g.traderID, g.symbol, g.shortID)
	buys, sells := BuildLevels(gridID, cfg)
	return &core.GridState{
		GridID:      gridID,
		ShortID:     g.shortID,
		TraderID:    g.traderID,
		Symbol:      g.symbol,
		Config:      *cfg,
		BuyLevels:   buys,
		SellLevels:  sells,
		GrossProfit: decimal.Zero,
		Fees:        decimal.Zero,
		NetProfit:   decimal.Zero,
		Status:      core.GridStatusActive,
	}, nil
}
