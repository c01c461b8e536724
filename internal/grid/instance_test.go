package grid

import (
	"testing"
	"time"

	"gridarena/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var feeRate = decimal.NewFromFloat(0.0005)

func newTestInstance(t *testing.T) *Instance {
	t.Helper()
	inst := NewInstance("LLM-A", "BNBUSDT", arithmeticConfig(), core.RealClock{})
	state := inst.Snapshot()
	require.Len(t, state.BuyLevels, 5)
	require.Len(t, state.SellLevels, 5)
	require.Equal(t, core.GridStatusActive, state.Status)
	require.Len(t, state.ShortID, 8)
	return inst
}

func fill(t *testing.T, inst *Instance, side core.OrderSide, index int, price decimal.Decimal) {
	t.Helper()
	var qty decimal.Decimal
	state := inst.Snapshot()
	levels := state.BuyLevels
	if side == core.OrderSideSell {
		levels = state.SellLevels
	}
	for _, lvl := range levels {
		if lvl.Index == index {
			qty = lvl.Quantity
		}
	}
	require.False(t, qty.IsZero(), "level %s %d not found", side, index)
	require.True(t, inst.ApplyFill(side, index, qty, price, time.Now()))
}

func TestCycleProfit(t *testing.T) {
	// Buy @ 100, sell @ 110, q = 0.5 on both legs.
	cfg := &core.GridConfig{
		Upper: dec(150), Lower: dec(100), LevelCount: 6,
		Spacing: core.GridSpacingArithmetic, Leverage: 1,
		Investment: dec(300), StopLossPct: dec(10),
	}
	// notional = 300/6 = 50; qty@100 = 0.5.
	inst := NewInstance("LLM-A", "BNBUSDT", cfg, core.RealClock{})

	fill(t, inst, core.OrderSideBuy, 0, dec(100))
	assert.Empty(t, inst.DetectCycles(feeRate), "a lone buy is not a cycle")

	fill(t, inst, core.OrderSideSell, 1, dec(110))
	cycles := inst.DetectCycles(feeRate)
	require.Len(t, cycles, 1)

	c := cycles[0]
	assert.True(t, c.Gross.Equal(dec(5)), "gross %s", c.Gross)
	assert.True(t, c.Fees.Equal(dec(0.0525)), "fees %s", c.Fees)
	assert.True(t, c.Net.Equal(dec(4.9475)), "net %s", c.Net)

	state := inst.Snapshot()
	assert.Equal(t, 1, state.CyclesCompleted)
	assert.True(t, state.NetProfit.Equal(state.GrossProfit.Sub(state.Fees)))

	// Both legs re-armed.
	assert.Equal(t, core.LevelStatusPending, state.BuyLevels[0].Status)
	assert.Equal(t, core.LevelStatusPending, state.SellLevels[0].Status)
	assert.Zero(t, state.BuyLevels[0].OrderID)
	assert.True(t, state.BuyLevels[0].FilledPrice.IsZero())
}

func TestCycleMatchesSmallestSellAbove(t *testing.T) {
	inst := newTestInstance(t)

	fill(t, inst, core.OrderSideBuy, 0, dec(100))
	fill(t, inst, core.OrderSideSell, 3, dec(160))
	fill(t, inst, core.OrderSideSell, 1, dec(120))

	cycles := inst.DetectCycles(feeRate)
	require.Len(t, cycles, 1)
	assert.Equal(t, 1, cycles[0].SellIndex, "must match the nearest sell, not the highest")
	assert.True(t, cycles[0].SellPrice.Equal(dec(120)))

	// The 160 sell stays FILLED, waiting for another buy below it.
	state := inst.Snapshot()
	var sell160 core.GridLevel
	for _, lvl := range state.SellLevels {
		if lvl.Index == 3 {
			sell160 = lvl
		}
	}
	assert.Equal(t, core.LevelStatusFilled, sell160.Status)
}

func TestSellAtOrBelowBuyNeverMatches(t *testing.T) {
	inst := newTestInstance(t)

	// A sell that executed at the buy's own price is not strictly above.
	fill(t, inst, core.OrderSideBuy, 1, dec(120))
	fill(t, inst, core.OrderSideSell, 1, dec(120))
	assert.Empty(t, inst.DetectCycles(feeRate))
}

func TestPartialFillAccumulates(t *testing.T) {
	inst := newTestInstance(t)
	state := inst.Snapshot()
	qty := state.BuyLevels[0].Quantity

	half := qty.Div(dec(2))
	assert.False(t, inst.ApplyFill(core.OrderSideBuy, 0, half, dec(100), time.Now()))

	state = inst.Snapshot()
	assert.Equal(t, core.LevelStatusPending, state.BuyLevels[0].Status)
	assert.True(t, state.BuyLevels[0].ExecutedQty.Equal(half))

	assert.True(t, inst.ApplyFill(core.OrderSideBuy, 0, qty, dec(100), time.Now()))
	state = inst.Snapshot()
	assert.Equal(t, core.LevelStatusFilled, state.BuyLevels[0].Status)
}

func TestMultipleCyclesRunToFixedPoint(t *testing.T) {
	inst := newTestInstance(t)

	fill(t, inst, core.OrderSideBuy, 0, dec(100))
	fill(t, inst, core.OrderSideBuy, 1, dec(120))
	fill(t, inst, core.OrderSideSell, 2, dec(140))
	fill(t, inst, core.OrderSideSell, 3, dec(160))

	cycles := inst.DetectCycles(feeRate)
	assert.Len(t, cycles, 2)
	state := inst.Snapshot()
	assert.Equal(t, 2, state.CyclesCompleted)
	assert.True(t, state.NetProfit.Equal(state.GrossProfit.Sub(state.Fees)))
}

func TestStoppedIsTerminal(t *testing.T) {
	inst := newTestInstance(t)
	require.True(t, inst.SetStatus(core.GridStatusStopped))
	assert.False(t, inst.SetStatus(core.GridStatusActive))
	assert.Equal(t, core.GridStatusStopped, inst.Status())
}

func TestShouldStopBoundary(t *testing.T) {
	inst := newTestInstance(t) // lower=100, stop_loss_pct=12 -> stop at 88
	assert.False(t, inst.ShouldStop(dec(88.01)))
	assert.True(t, inst.ShouldStop(dec(88)))
	assert.True(t, inst.ShouldStop(dec(87.5)))
}
