package grid

import (
	"context"
	"path/filepath"
	"testing"

	"gridarena/internal/account"
	"gridarena/internal/core"
	"gridarena/internal/mock"
	"gridarena/internal/store"
	"gridarena/pkg/logging"
	"gridarena/pkg/orderid"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	exchange *mock.Exchange
	store    *store.SQLiteStore
	accounts *account.Service
	engine   *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "grid.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := logging.NewNopLogger()
	accounts := account.NewService(st, logger)
	require.NoError(t, accounts.Boot(ctx, []string{"LLM-A"}, dec(1000), 3))

	exchange := mock.NewExchange()
	exchange.SetPrice("BNBUSDT", dec(150))

	return &harness{
		exchange: exchange,
		store:    st,
		accounts: accounts,
		engine:   NewEngine(exchange, st, accounts, feeRate, logger),
	}
}

func (h *harness) setup(t *testing.T, cfg *core.GridConfig) *core.GridState {
	t.Helper()
	state, err := h.engine.Setup(context.Background(), "LLM-A", "BNBUSDT", cfg)
	require.NoError(t, err)
	return state
}

// orderIDFor finds the exchange order ID placed for one level.
func (h *harness) orderIDFor(t *testing.T, state *core.GridState, side core.OrderSide, index int) int64 {
	t.Helper()
	fresh, err := h.store.GetGrid(context.Background(), state.GridID)
	require.NoError(t, err)
	levels := fresh.BuyLevels
	if side == core.OrderSideSell {
		levels = fresh.SellLevels
	}
	for _, lvl := range levels {
		if lvl.Index == index {
			require.NotZero(t, lvl.OrderID, "level %s %d has no order", side, index)
			return lvl.OrderID
		}
	}
	t.Fatalf("level %s %d not found", side, index)
	return 0
}

func TestSetupPlacesLadder(t *testing.T) {
	h := newHarness(t)
	state := h.setup(t, arithmeticConfig())

	// 5 buys + 5 sells resting on the exchange.
	assert.Equal(t, 10, h.exchange.OpenOrderCount())
	assert.Equal(t, 3, h.exchange.Leverage("BNBUSDT"))

	for _, req := range h.exchange.PlacedOrders {
		require.Equal(t, core.OrderTypeLimit, req.Type)
		require.Equal(t, "GTC", req.TimeInForce)
		own, ok := orderid.Parse(req.ClientOrderID)
		require.True(t, ok, "unparseable client order id %q", req.ClientOrderID)
		assert.Equal(t, "LLM-A", own.TraderID)
		require.NotNil(t, own.Grid)
		assert.Equal(t, state.ShortID, own.Grid.ShortID)
	}

	// Config persisted at creation.
	stored, err := h.store.GetGrid(context.Background(), state.GridID)
	require.NoError(t, err)
	assert.True(t, stored.Config.Investment.Equal(dec(120)))
	assert.Equal(t, core.GridStatusActive, stored.Status)
}

func TestSetupRejectsSecondGrid(t *testing.T) {
	h := newHarness(t)
	h.setup(t, arithmeticConfig())
	_, err := h.engine.Setup(context.Background(), "LLM-A", "BNBUSDT", arithmeticConfig())
	assert.Error(t, err)
}

func TestMonitorTickCompletesCycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	state := h.setup(t, arithmeticConfig())

	buyID := h.orderIDFor(t, state, core.OrderSideBuy, 0)
	sellID := h.orderIDFor(t, state, core.OrderSideSell, 1)
	require.NoError(t, h.exchange.MarkFilled(buyID, dec(100)))
	require.NoError(t, h.exchange.MarkFilled(sellID, dec(120)))

	h.engine.MonitorTick(ctx, map[string]decimal.Decimal{"BNBUSDT": dec(110)})

	stored, err := h.store.GetGrid(ctx, state.GridID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.CyclesCompleted)
	assert.True(t, stored.NetProfit.Equal(stored.GrossProfit.Sub(stored.Fees)))
	// gross = (120-100) * 0.6 = 12
	assert.True(t, stored.GrossProfit.Equal(dec(12)), "gross %s", stored.GrossProfit)

	// Both legs re-armed and re-placed: the ladder is whole again.
	assert.Equal(t, 10, h.exchange.OpenOrderCount())

	// Net profit settled into the account as a trade.
	acct, err := h.accounts.Get("LLM-A")
	require.NoError(t, err)
	assert.Equal(t, 1, acct.TotalTrades)
	assert.True(t, acct.RealizedPnL.Equal(stored.NetProfit))

	trades, err := h.store.ListTrades(ctx, "LLM-A", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, core.ExitReasonStrategy, trades[0].ExitReason)
}

func TestStopLossBoundary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	state := h.setup(t, arithmeticConfig()) // lower=100, stop_loss_pct=12 -> 88

	// 88.01 leaves the grid running.
	h.engine.MonitorTick(ctx, map[string]decimal.Decimal{"BNBUSDT": dec(88.01)})
	stored, err := h.store.GetGrid(ctx, state.GridID)
	require.NoError(t, err)
	assert.Equal(t, core.GridStatusActive, stored.Status)

	// 88.00 stops it: orders cancelled, trade recorded as STOP_LOSS.
	h.engine.MonitorTick(ctx, map[string]decimal.Decimal{"BNBUSDT": dec(88)})
	stored, err = h.store.GetGrid(ctx, state.GridID)
	require.NoError(t, err)
	assert.Equal(t, core.GridStatusStopped, stored.Status)
	assert.Equal(t, 0, h.exchange.OpenOrderCount())

	trades, err := h.store.ListTrades(ctx, "LLM-A", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, core.ExitReasonStopLoss, trades[0].ExitReason)
}

func TestStopLossValuesResidualExposure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	state := h.setup(t, arithmeticConfig())

	// Buy level 0 fills at 100 with no matching sell, then price collapses.
	buyID := h.orderIDFor(t, state, core.OrderSideBuy, 0)
	require.NoError(t, h.exchange.MarkFilled(buyID, dec(100)))
	h.engine.MonitorTick(ctx, map[string]decimal.Decimal{"BNBUSDT": dec(95)})
	h.engine.MonitorTick(ctx, map[string]decimal.Decimal{"BNBUSDT": dec(88)})

	trades, err := h.store.ListTrades(ctx, "LLM-A", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	// residual: 0.6 bought at 100, marked at 88 -> pnl = -7.2
	assert.True(t, trades[0].Quantity.Equal(dec(0.6)), "qty %s", trades[0].Quantity)
	assert.True(t, trades[0].PnL.Equal(dec(-7.2)), "pnl %s", trades[0].PnL)
}

func TestPauseResumeStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.setup(t, arithmeticConfig())

	require.NoError(t, h.engine.Pause(ctx, "LLM-A", "BNBUSDT"))
	// A paused grid ignores even a stop-loss price.
	h.engine.MonitorTick(ctx, map[string]decimal.Decimal{"BNBUSDT": dec(80)})
	grids := h.engine.Grids("LLM-A")
	require.Len(t, grids, 1)
	assert.Equal(t, core.GridStatusPaused, grids[0].Status)

	require.NoError(t, h.engine.Resume(ctx, "LLM-A", "BNBUSDT"))
	state, err := h.engine.Stop(ctx, "LLM-A", "BNBUSDT", dec(150), core.ExitReasonStrategy)
	require.NoError(t, err)
	assert.Equal(t, core.GridStatusStopped, state.Status)
	assert.Equal(t, 0, h.exchange.OpenOrderCount())
	assert.Empty(t, h.engine.Grids("LLM-A"))
}

func TestUpdateReplacesGrid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.setup(t, arithmeticConfig())

	next := arithmeticConfig()
	next.Upper = dec(220)
	state, err := h.engine.Update(ctx, "LLM-A", "BNBUSDT", dec(150), next)
	require.NoError(t, err)

	assert.NotEqual(t, first.GridID, state.GridID)
	assert.Equal(t, 0, state.CyclesCompleted)
	assert.Equal(t, 10, h.exchange.OpenOrderCount(), "old ladder gone, new ladder resting")

	old, err := h.store.GetGrid(ctx, first.GridID)
	require.NoError(t, err)
	assert.Equal(t, core.GridStatusStopped, old.Status)
}

func TestRestorePrefersStoredRow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	state := h.setup(t, arithmeticConfig())

	// Bank a cycle so the counters are non-trivial.
	buyID := h.orderIDFor(t, state, core.OrderSideBuy, 0)
	sellID := h.orderIDFor(t, state, core.OrderSideSell, 1)
	require.NoError(t, h.exchange.MarkFilled(buyID, dec(100)))
	require.NoError(t, h.exchange.MarkFilled(sellID, dec(120)))
	h.engine.MonitorTick(ctx, map[string]decimal.Decimal{"BNBUSDT": dec(110)})

	// Fresh engine over the same exchange and store, as after a restart.
	engine2 := NewEngine(h.exchange, h.store, h.accounts, feeRate, logging.NewNopLogger())
	restored, err := engine2.Restore(ctx, []string{"BNBUSDT"})
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	grids := engine2.Grids("LLM-A")
	require.Len(t, grids, 1)
	g := grids[0]
	assert.Equal(t, state.GridID, g.GridID)
	assert.Equal(t, 1, g.CyclesCompleted, "counters come from the stored row")
	assert.True(t, g.Config.Investment.Equal(dec(120)), "config comes from the stored row")

	// Every live order is attached to a level again.
	attached := 0
	for _, lvl := range append(g.BuyLevels, g.SellLevels...) {
		if lvl.OrderID != 0 {
			attached++
		}
	}
	assert.Equal(t, 10, attached)
}

func TestRestoreIgnoresForeignOrders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A non-grid order and an unowned order rest on the same symbol.
	_, err := h.exchange.PlaceOrder(ctx, &core.OrderRequest{
		Symbol: "BNBUSDT", Side: core.OrderSideBuy, Type: core.OrderTypeLimit,
		Quantity: dec(1), Price: dec(100), TimeInForce: "GTC",
		ClientOrderID: "LLM-A_BNBUSDT_1728394875123",
	})
	require.NoError(t, err)
	_, err = h.exchange.PlaceOrder(ctx, &core.OrderRequest{
		Symbol: "BNBUSDT", Side: core.OrderSideBuy, Type: core.OrderTypeLimit,
		Quantity: dec(1), Price: dec(100), TimeInForce: "GTC",
		ClientOrderID: "manual-hedge-7",
	})
	require.NoError(t, err)

	restored, err := h.engine.Restore(ctx, []string{"BNBUSDT"})
	require.NoError(t, err)
	assert.Zero(t, restored)
	assert.Equal(t, 2, h.exchange.OpenOrderCount(), "foreign orders are left untouched")
}
