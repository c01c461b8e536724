// Package grid runs the grid trading engine: ladder generation, per-grid
// state machines over level fills, cycle profit accounting and restart
// recovery from exchange open orders.
package grid

import (
	"fmt"
	"math"

	"gridarena/internal/core"

	"github.com/shopspring/decimal"
)

// LadderPrices generates the N ladder prices for a grid configuration.
// Arithmetic: lower + i*(upper-lower)/(N-1). Geometric: lower * r^i with
// r = (upper/lower)^(1/(N-1)); the top rung is pinned to upper exactly so
// float exponentiation cannot drift the boundary.
func LadderPrices(cfg *core.GridConfig) []decimal.Decimal {
	n := cfg.LevelCount
	prices := make([]decimal.Decimal, n)
	prices[0] = cfg.Lower
	prices[n-1] = cfg.Upper

	switch cfg.Spacing {
	case core.GridSpacingGeometric:
		lower, _ := cfg.Lower.Float64()
		upper, _ := cfg.Upper.Float64()
		ratio := math.Pow(upper/lower, 1/float64(n-1))
		for i := 1; i < n-1; i++ {
			prices[i] = decimal.NewFromFloat(lower * math.Pow(ratio, float64(i)))
		}
	default: // arithmetic
		step := cfg.Upper.Sub(cfg.Lower).Div(decimal.NewFromInt(int64(n - 1)))
		for i := 1; i < n-1; i++ {
			prices[i] = cfg.Lower.Add(step.Mul(decimal.NewFromInt(int64(i))))
		}
	}
	return prices
}

// BuildLevels expands a configuration into buy and sell level ladders.
// Buys sit on indices [0, N-2], sells on [1, N-1]: every interior price is
// reachable from above as a buy and from below as a sell, so a fill on
// either side always has a sibling one index away.
func BuildLevels(gridID string, cfg *core.GridConfig) (buys, sells []core.GridLevel) {
	prices := LadderPrices(cfg)
	n := cfg.LevelCount

	notional := cfg.Investment.
		Mul(decimal.NewFromInt(int64(cfg.Leverage))).
		Div(decimal.NewFromInt(int64(n)))

	buys = make([]core.GridLevel, 0, n-1)
	sells = make([]core.GridLevel, 0, n-1)
	for i := 0; i < n; i++ {
		qty := notional.Div(prices[i])
		if i <= n-2 {
			buys = append(buys, core.GridLevel{
				LevelID:  LevelID(gridID, core.OrderSideBuy, i),
				Index:    i,
				Side:     core.OrderSideBuy,
				Price:    prices[i],
				Quantity: qty,
				Status:   core.LevelStatusPending,
			})
		}
		if i >= 1 {
			sells = append(sells, core.GridLevel{
				LevelID:  LevelID(gridID, core.OrderSideSell, i),
				Index:    i,
				Side:     core.OrderSideSell,
				Price:    prices[i],
				Quantity: qty,
				Status:   core.LevelStatusPending,
			})
		}
	}
	return buys, sells
}

// LevelID derives the stable level identifier from its grid, side and index.
func LevelID(gridID string, side core.OrderSide, index int) string {
	return fmt.Sprintf("%s_%s_%d", gridID, side, index)
}

// StopPrice is the price at which a grid's stop-loss fires:
// lower * (1 - stop_loss_pct/100).
func StopPrice(cfg *core.GridConfig) decimal.Decimal {
	return cfg.Lower.Mul(
		decimal.NewFromInt(1).Sub(cfg.StopLossPct.Div(decimal.NewFromInt(100))))
}
