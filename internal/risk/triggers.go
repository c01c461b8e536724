package risk

import (
	"gridarena/internal/core"

	"github.com/shopspring/decimal"
)

// StopLossTriggers returns the open positions whose stop-loss price has been
// crossed by the current mark price. Positions without a stop are skipped.
func StopLossTriggers(positions []*core.Position, prices map[string]decimal.Decimal) []*core.Position {
	var hit []*core.Position
	for _, p := range positions {
		price, ok := prices[p.Symbol]
		if !ok || p.Status != core.PositionStatusOpen || p.StopLossPrice.IsZero() {
			continue
		}
		switch p.Side {
		case core.PositionSideLong:
			if price.LessThanOrEqual(p.StopLossPrice) {
				hit = append(hit, p)
			}
		case core.PositionSideShort:
			if price.GreaterThanOrEqual(p.StopLossPrice) {
				hit = append(hit, p)
			}
		}
	}
	return hit
}

// TakeProfitTriggers returns the open positions whose take-profit price has
// been reached.
func TakeProfitTriggers(positions []*core.Position, prices map[string]decimal.Decimal) []*core.Position {
	var hit []*core.Position
	for _, p := range positions {
		price, ok := prices[p.Symbol]
		if !ok || p.Status != core.PositionStatusOpen || p.TakeProfitPrice.IsZero() {
			continue
		}
		switch p.Side {
		case core.PositionSideLong:
			if price.GreaterThanOrEqual(p.TakeProfitPrice) {
				hit = append(hit, p)
			}
		case core.PositionSideShort:
			if price.LessThanOrEqual(p.TakeProfitPrice) {
				hit = append(hit, p)
			}
		}
	}
	return hit
}

// LiquidationPrice estimates the price at which an isolated position burns
// its margin: entry * (1 -/+ 1/leverage) for LONG/SHORT.
func LiquidationPrice(p *core.Position) decimal.Decimal {
	if p.Leverage <= 0 {
		return decimal.Zero
	}
	frac := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(p.Leverage)))
	if p.Side == core.PositionSideLong {
		return p.EntryPrice.Mul(decimal.NewFromInt(1).Sub(frac))
	}
	return p.EntryPrice.Mul(decimal.NewFromInt(1).Add(frac))
}

// LiquidationProximity returns the open positions whose mark price sits
// within thresholdPct of the estimated liquidation price.
func LiquidationProximity(positions []*core.Position, prices map[string]decimal.Decimal, thresholdPct float64) []*core.Position {
	threshold := decimal.NewFromFloat(thresholdPct).Div(decimal.NewFromInt(100))
	var near []*core.Position
	for _, p := range positions {
		price, ok := prices[p.Symbol]
		if !ok || p.Status != core.PositionStatusOpen {
			continue
		}
		liq := LiquidationPrice(p)
		if liq.IsZero() {
			continue
		}
		distance := price.Sub(liq).Abs().Div(liq)
		if distance.LessThanOrEqual(threshold) {
			near = append(near, p)
		}
	}
	return near
}

// NearLiquidation reports whether one position is within thresholdPct of its
// estimated liquidation price at the given mark.
func NearLiquidation(p *core.Position, price decimal.Decimal, thresholdPct float64) bool {
	liq := LiquidationPrice(p)
	if liq.IsZero() {
		return false
	}
	threshold := decimal.NewFromFloat(thresholdPct).Div(decimal.NewFromInt(100))
	return price.Sub(liq).Abs().Div(liq).LessThanOrEqual(threshold)
}
