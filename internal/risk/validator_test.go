package risk

import (
	"testing"

	"gridarena/internal/config"
	"gridarena/internal/core"
	"gridarena/internal/decision"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func testValidator() *Validator {
	return NewValidator(
		config.RiskConfig{
			MinTrade: 10, MaxTrade: 500,
			MaxOpenPositions: 3, MaxLeverage: 20,
			StopLossMinPct: 1, StopLossMaxPct: 20,
			TakeProfitMinPct: 1, TakeProfitMaxPct: 50,
		},
		config.GridConfig{LevelMin: 5, LevelMax: 8, InvestmentMin: 50, InvestmentMax: 5000},
		[]string{"BTCUSDT", "ETHUSDT", "BNBUSDT"},
	)
}

func testSnapshot(balance float64) *Snapshot {
	return &Snapshot{
		Account: &core.TraderAccount{
			TraderID:         "LLM-A",
			Balance:          dec(balance),
			MaxOpenPositions: 3,
		},
	}
}

func prices() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"BTCUSDT": dec(60000),
		"ETHUSDT": dec(2500),
		"BNBUSDT": dec(600),
	}
}

func buy(size float64, leverage int) *decision.Decision {
	return &decision.Decision{
		Action: decision.ActionBuy,
		Symbol: "ETHUSDT",
		Open: &decision.OpenParams{
			SizeUSD:  dec(size),
			Leverage: leverage,
		},
	}
}

func TestMarginAgainstFreeBalance(t *testing.T) {
	v := testValidator()
	snap := testSnapshot(30)

	// 40 USDT at 3x needs 13.33 margin, under the 30 available.
	rej := v.Validate(buy(40, 3), snap, prices())
	assert.Nil(t, rej)

	// Same notional at 1x needs the full 40.
	rej = v.Validate(buy(40, 1), snap, prices())
	require.NotNil(t, rej)
	assert.Equal(t, ReasonInsufficientBalance, rej.Code)
}

func TestHoldAlwaysPasses(t *testing.T) {
	v := testValidator()
	rej := v.Validate(&decision.Decision{Action: decision.ActionHold}, testSnapshot(0), prices())
	assert.Nil(t, rej)
}

func TestSymbolAndPriceGates(t *testing.T) {
	v := testValidator()
	snap := testSnapshot(1000)

	d := buy(40, 3)
	d.Symbol = "DOGEUSDT"
	rej := v.Validate(d, snap, prices())
	require.NotNil(t, rej)
	assert.Equal(t, ReasonSymbolNotAllowed, rej.Code)

	rej = v.Validate(buy(40, 3), snap, map[string]decimal.Decimal{})
	require.NotNil(t, rej)
	assert.Equal(t, ReasonNoPrice, rej.Code)
}

func TestOpenRejections(t *testing.T) {
	v := testValidator()

	t.Run("position exists", func(t *testing.T) {
		snap := testSnapshot(1000)
		snap.Positions = []*core.Position{{
			Symbol: "ETHUSDT", Status: core.PositionStatusOpen,
		}}
		rej := v.Validate(buy(40, 3), snap, prices())
		require.NotNil(t, rej)
		assert.Equal(t, ReasonPositionExists, rej.Code)
	})

	t.Run("max positions", func(t *testing.T) {
		snap := testSnapshot(1000)
		for _, s := range []string{"BTCUSDT", "BNBUSDT", "SOLUSDT"} {
			snap.Positions = append(snap.Positions, &core.Position{
				Symbol: s, Status: core.PositionStatusOpen,
			})
		}
		rej := v.Validate(buy(40, 3), snap, prices())
		require.NotNil(t, rej)
		assert.Equal(t, ReasonMaxPositions, rej.Code)
	})

	t.Run("size below minimum", func(t *testing.T) {
		rej := v.Validate(buy(5, 3), testSnapshot(1000), prices())
		require.NotNil(t, rej)
		assert.Equal(t, ReasonSizeOutOfRange, rej.Code)
	})

	t.Run("leverage above cap", func(t *testing.T) {
		rej := v.Validate(buy(40, 50), testSnapshot(1000), prices())
		require.NotNil(t, rej)
		assert.Equal(t, ReasonLeverageOutOfRange, rej.Code)
	})

	t.Run("stop loss out of band", func(t *testing.T) {
		d := buy(40, 3)
		d.Open.StopLossPct = dec(45)
		rej := v.Validate(d, testSnapshot(1000), prices())
		require.NotNil(t, rej)
		assert.Equal(t, ReasonStopLossOutOfRange, rej.Code)
	})
}

func TestCloseRequiresPosition(t *testing.T) {
	v := testValidator()
	d := &decision.Decision{Action: decision.ActionClose, Symbol: "ETHUSDT"}

	rej := v.Validate(d, testSnapshot(100), prices())
	require.NotNil(t, rej)
	assert.Equal(t, ReasonNoPosition, rej.Code)

	snap := testSnapshot(100)
	snap.Positions = []*core.Position{{Symbol: "ETHUSDT", Status: core.PositionStatusOpen}}
	assert.Nil(t, v.Validate(d, snap, prices()))
}

func gridDecision(action decision.Action) *decision.Decision {
	return &decision.Decision{
		Action: action,
		Symbol: "BNBUSDT",
		Grid: &core.GridConfig{
			Upper: dec(700), Lower: dec(500), LevelCount: 6,
			Spacing: core.GridSpacingArithmetic, Leverage: 3,
			Investment: dec(120), StopLossPct: dec(12),
		},
	}
}

func TestGridValidation(t *testing.T) {
	v := testValidator()

	t.Run("setup accepted", func(t *testing.T) {
		assert.Nil(t, v.Validate(gridDecision(decision.ActionSetupGrid), testSnapshot(500), prices()))
	})

	t.Run("level count out of range", func(t *testing.T) {
		d := gridDecision(decision.ActionSetupGrid)
		d.Grid.LevelCount = 12
		rej := v.Validate(d, testSnapshot(500), prices())
		require.NotNil(t, rej)
		assert.Equal(t, ReasonGridLevelsOutOfRange, rej.Code)
	})

	t.Run("inverted bounds", func(t *testing.T) {
		d := gridDecision(decision.ActionSetupGrid)
		d.Grid.Upper, d.Grid.Lower = d.Grid.Lower, d.Grid.Upper
		rej := v.Validate(d, testSnapshot(500), prices())
		require.NotNil(t, rej)
		assert.Equal(t, ReasonGridBoundsInvalid, rej.Code)
	})

	t.Run("duplicate active grid", func(t *testing.T) {
		snap := testSnapshot(500)
		snap.Grids = []*core.GridState{{Symbol: "BNBUSDT", Status: core.GridStatusActive}}
		rej := v.Validate(gridDecision(decision.ActionSetupGrid), snap, prices())
		require.NotNil(t, rej)
		assert.Equal(t, ReasonGridExists, rej.Code)
	})

	t.Run("investment over balance", func(t *testing.T) {
		rej := v.Validate(gridDecision(decision.ActionSetupGrid), testSnapshot(100), prices())
		require.NotNil(t, rej)
		assert.Equal(t, ReasonInsufficientBalance, rej.Code)
	})

	t.Run("stop without grid", func(t *testing.T) {
		d := &decision.Decision{Action: decision.ActionStopGrid, Symbol: "BNBUSDT"}
		rej := v.Validate(d, testSnapshot(500), prices())
		require.NotNil(t, rej)
		assert.Equal(t, ReasonNoGrid, rej.Code)
	})
}

func TestTriggerQueries(t *testing.T) {
	long := &core.Position{
		PositionID: "p1", Symbol: "ETHUSDT", Side: core.PositionSideLong,
		EntryPrice: dec(2500), Quantity: dec(1), Leverage: 5,
		StopLossPrice: dec(2400), TakeProfitPrice: dec(2700),
		Status: core.PositionStatusOpen,
	}
	short := &core.Position{
		PositionID: "p2", Symbol: "BTCUSDT", Side: core.PositionSideShort,
		EntryPrice: dec(60000), Quantity: dec(0.1), Leverage: 5,
		StopLossPrice: dec(63000), TakeProfitPrice: dec(55000),
		Status: core.PositionStatusOpen,
	}
	positions := []*core.Position{long, short}

	t.Run("stop loss", func(t *testing.T) {
		hit := StopLossTriggers(positions, map[string]decimal.Decimal{
			"ETHUSDT": dec(2399), "BTCUSDT": dec(61000),
		})
		require.Len(t, hit, 1)
		assert.Equal(t, "p1", hit[0].PositionID)
	})

	t.Run("take profit short", func(t *testing.T) {
		hit := TakeProfitTriggers(positions, map[string]decimal.Decimal{
			"ETHUSDT": dec(2500), "BTCUSDT": dec(54900),
		})
		require.Len(t, hit, 1)
		assert.Equal(t, "p2", hit[0].PositionID)
	})

	t.Run("liquidation proximity", func(t *testing.T) {
		// 5x long from 2500 liquidates near 2000.
		assert.True(t, LiquidationPrice(long).Equal(dec(2000)))

		near := LiquidationProximity(positions, map[string]decimal.Decimal{
			"ETHUSDT": dec(2030), "BTCUSDT": dec(60000),
		}, 2.0)
		require.Len(t, near, 1)
		assert.Equal(t, "p1", near[0].PositionID)
	})
}
