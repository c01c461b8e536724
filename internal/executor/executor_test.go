package executor

import (
	"context"
	"path/filepath"
	"testing"

	"gridarena/internal/account"
	"gridarena/internal/config"
	"gridarena/internal/core"
	"gridarena/internal/decision"
	"gridarena/internal/grid"
	"gridarena/internal/mock"
	"gridarena/internal/risk"
	"gridarena/internal/store"
	"gridarena/pkg/apperrors"
	"gridarena/pkg/logging"
	"gridarena/pkg/orderid"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

type harness struct {
	exchange *mock.Exchange
	store    *store.SQLiteStore
	accounts *account.Service
	grids    *grid.Engine
	executor *Executor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "exec.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := logging.NewNopLogger()
	accounts := account.NewService(st, logger)
	require.NoError(t, accounts.Boot(ctx, []string{"LLM-A"}, dec(1000), 3))

	exchange := mock.NewExchange()
	exchange.SetPrice("ETHUSDT", dec(2500))
	exchange.SetPrice("BNBUSDT", dec(150))

	grids := grid.NewEngine(exchange, st, accounts, dec(0.0005), logger)
	validator := risk.NewValidator(
		config.RiskConfig{
			MinTrade: 10, MaxTrade: 5000, MaxOpenPositions: 3, MaxLeverage: 20,
			StopLossMinPct: 1, StopLossMaxPct: 20,
			TakeProfitMinPct: 1, TakeProfitMaxPct: 50,
		},
		config.GridConfig{LevelMin: 5, LevelMax: 8, InvestmentMin: 50, InvestmentMax: 5000},
		[]string{"ETHUSDT", "BNBUSDT"},
	)

	return &harness{
		exchange: exchange,
		store:    st,
		accounts: accounts,
		grids:    grids,
		executor: NewExecutor(exchange, accounts, grids, validator, rate.NewLimiter(rate.Inf, 1), logger),
	}
}

func prices() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{"ETHUSDT": dec(2500), "BNBUSDT": dec(150)}
}

func TestHoldHasNoSideEffects(t *testing.T) {
	h := newHarness(t)
	res := h.executor.Execute(context.Background(), "LLM-A",
		&decision.Decision{Action: decision.ActionHold}, prices())
	assert.Equal(t, core.ExecutionStatusHeld, res.Status)
	assert.Empty(t, h.exchange.PlacedOrders)
}

func TestOpenLongExecutes(t *testing.T) {
	h := newHarness(t)
	res := h.executor.Execute(context.Background(), "LLM-A", &decision.Decision{
		Action: decision.ActionBuy, Symbol: "ETHUSDT",
		Open: &decision.OpenParams{
			SizeUSD: dec(500), Leverage: 5,
			StopLossPct: dec(5), TakeProfitPct: dec(10),
		},
	}, prices())

	require.Equal(t, core.ExecutionStatusExecuted, res.Status, "err=%s", res.Err)
	require.Len(t, h.exchange.PlacedOrders, 1)
	req := h.exchange.PlacedOrders[0]
	assert.Equal(t, core.OrderTypeMarket, req.Type)
	assert.Equal(t, core.OrderSideBuy, req.Side)
	// qty = 500/2500 = 0.2
	assert.True(t, req.Quantity.Equal(dec(0.2)), "qty %s", req.Quantity)

	own, ok := orderid.Parse(req.ClientOrderID)
	require.True(t, ok)
	assert.Equal(t, "LLM-A", own.TraderID)
	assert.False(t, own.IsGrid())

	assert.Equal(t, 5, h.exchange.Leverage("ETHUSDT"))

	pos, ok := h.accounts.Position("LLM-A", "ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, core.PositionSideLong, pos.Side)
	assert.True(t, pos.EntryPrice.Equal(dec(2500)))
	assert.True(t, pos.StopLossPrice.Equal(dec(2375)), "sl %s", pos.StopLossPrice)
	assert.True(t, pos.TakeProfitPrice.Equal(dec(2750)), "tp %s", pos.TakeProfitPrice)
	// margin = 2500*0.2/5 = 100
	assert.True(t, pos.MarginUsed.Equal(dec(100)))
}

func TestRejectionMakesNoExchangeCall(t *testing.T) {
	h := newHarness(t)
	res := h.executor.Execute(context.Background(), "LLM-A", &decision.Decision{
		Action: decision.ActionBuy, Symbol: "ETHUSDT",
		Open: &decision.OpenParams{SizeUSD: dec(500), Leverage: 100},
	}, prices())

	assert.Equal(t, core.ExecutionStatusRejected, res.Status)
	assert.Equal(t, risk.ReasonLeverageOutOfRange, res.Reason)
	assert.Empty(t, h.exchange.PlacedOrders)
}

func TestExchangeErrorMutatesNothing(t *testing.T) {
	h := newHarness(t)
	h.exchange.PlaceOrderErr = &apperrors.ProtocolError{Code: -2019, Message: "Margin is insufficient."}

	res := h.executor.Execute(context.Background(), "LLM-A", &decision.Decision{
		Action: decision.ActionBuy, Symbol: "ETHUSDT",
		Open: &decision.OpenParams{SizeUSD: dec(500), Leverage: 5},
	}, prices())

	assert.Equal(t, core.ExecutionStatusError, res.Status)
	assert.Equal(t, "exchange_code_-2019", res.Reason)

	_, ok := h.accounts.Position("LLM-A", "ETHUSDT")
	assert.False(t, ok, "no virtual position without exchange confirmation")
	acct, err := h.accounts.Get("LLM-A")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(dec(1000)), "balance untouched")
}

func TestCloseRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	open := &decision.Decision{
		Action: decision.ActionBuy, Symbol: "ETHUSDT",
		Open: &decision.OpenParams{SizeUSD: dec(500), Leverage: 5},
	}
	require.Equal(t, core.ExecutionStatusExecuted, h.executor.Execute(ctx, "LLM-A", open, prices()).Status)

	h.exchange.SetPrice("ETHUSDT", dec(2600))
	res := h.executor.Execute(ctx, "LLM-A",
		&decision.Decision{Action: decision.ActionClose, Symbol: "ETHUSDT"},
		map[string]decimal.Decimal{"ETHUSDT": dec(2600)})

	require.Equal(t, core.ExecutionStatusExecuted, res.Status, "err=%s", res.Err)
	require.Len(t, h.exchange.PlacedOrders, 2)
	closeReq := h.exchange.PlacedOrders[1]
	assert.Equal(t, core.OrderSideSell, closeReq.Side)
	assert.True(t, closeReq.ReduceOnly)

	_, ok := h.accounts.Position("LLM-A", "ETHUSDT")
	assert.False(t, ok)

	trades, err := h.store.ListTrades(ctx, "LLM-A", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	// pnl = (2600-2500) * 0.2 * 5 = 100
	assert.True(t, trades[0].PnL.Equal(dec(100)), "pnl %s", trades[0].PnL)
	assert.Equal(t, core.ExitReasonManual, trades[0].ExitReason)
}

func TestSetupGridDelegates(t *testing.T) {
	h := newHarness(t)
	res := h.executor.Execute(context.Background(), "LLM-A", &decision.Decision{
		Action: decision.ActionSetupGrid, Symbol: "BNBUSDT",
		Grid: &core.GridConfig{
			Upper: dec(200), Lower: dec(100), LevelCount: 6,
			Spacing: core.GridSpacingArithmetic, Leverage: 3,
			Investment: dec(120), StopLossPct: dec(12),
		},
	}, prices())

	require.Equal(t, core.ExecutionStatusExecuted, res.Status, "err=%s", res.Err)
	assert.Equal(t, 10, h.exchange.OpenOrderCount())
	require.Len(t, h.grids.Grids("LLM-A"), 1)

	stop := h.executor.Execute(context.Background(), "LLM-A",
		&decision.Decision{Action: decision.ActionStopGrid, Symbol: "BNBUSDT"}, prices())
	require.Equal(t, core.ExecutionStatusExecuted, stop.Status)
	assert.Equal(t, 0, h.exchange.OpenOrderCount())
}
