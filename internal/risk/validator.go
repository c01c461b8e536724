// Package risk validates decisions before any order leaves the process and
// answers stop-loss / take-profit / liquidation-proximity queries.
package risk

import (
	"fmt"

	"gridarena/internal/config"
	"gridarena/internal/core"
	"gridarena/internal/decision"

	"github.com/shopspring/decimal"
)

// Rejection reason codes. Machine-readable; the message is for humans.
const (
	ReasonSymbolNotAllowed     = "symbol_not_allowed"
	ReasonNoPrice              = "no_price"
	ReasonNoPosition           = "no_position"
	ReasonPositionExists       = "position_exists"
	ReasonMaxPositions         = "max_positions"
	ReasonSizeOutOfRange       = "size_out_of_range"
	ReasonLeverageOutOfRange   = "leverage_out_of_range"
	ReasonInsufficientBalance  = "insufficient_balance"
	ReasonStopLossOutOfRange   = "stop_loss_out_of_range"
	ReasonTakeProfitOutOfRange = "take_profit_out_of_range"
	ReasonGridBoundsInvalid    = "grid_bounds_invalid"
	ReasonGridLevelsOutOfRange = "grid_levels_out_of_range"
	ReasonGridInvestmentRange  = "grid_investment_out_of_range"
	ReasonGridExists           = "grid_exists"
	ReasonNoGrid               = "no_grid"
)

// Rejection is a structured validation failure.
type Rejection struct {
	Code    string
	Message string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

// Validator is a pure decision gate. It never mutates its inputs; an
// acceptance is a nil rejection.
type Validator struct {
	risk    config.RiskConfig
	grid    config.GridConfig
	allowed map[string]bool
}

// NewValidator creates a validator from configuration.
func NewValidator(risk config.RiskConfig, grid config.GridConfig, allowedSymbols []string) *Validator {
	allowed := make(map[string]bool, len(allowedSymbols))
	for _, s := range allowedSymbols {
		allowed[s] = true
	}
	return &Validator{risk: risk, grid: grid, allowed: allowed}
}

// Snapshot is the per-trader state a validation runs against.
type Snapshot struct {
	Account   *core.TraderAccount
	Positions []*core.Position
	Grids     []*core.GridState
}

// Validate gates one decision. HOLD always passes.
func (v *Validator) Validate(d *decision.Decision, snap *Snapshot, prices map[string]decimal.Decimal) *Rejection {
	if d.Action == decision.ActionHold {
		return nil
	}

	if !v.allowed[d.Symbol] {
		return &Rejection{Code: ReasonSymbolNotAllowed,
			Message: fmt.Sprintf("symbol %s is not in the allow-list", d.Symbol)}
	}
	if _, ok := prices[d.Symbol]; !ok {
		return &Rejection{Code: ReasonNoPrice,
			Message: fmt.Sprintf("no current price for %s", d.Symbol)}
	}

	switch d.Action {
	case decision.ActionBuy, decision.ActionSell:
		return v.validateOpen(d, snap)
	case decision.ActionClose:
		if findPosition(snap.Positions, d.Symbol) == nil {
			return &Rejection{Code: ReasonNoPosition,
				Message: fmt.Sprintf("no open position on %s to close", d.Symbol)}
		}
	case decision.ActionSetupGrid:
		if rej := v.validateGridConfig(d.Grid); rej != nil {
			return rej
		}
		if findActiveGrid(snap.Grids, d.Symbol) != nil {
			return &Rejection{Code: ReasonGridExists,
				Message: fmt.Sprintf("an active grid already exists on %s", d.Symbol)}
		}
		if d.Grid.Investment.GreaterThan(snap.Account.Balance) {
			return &Rejection{Code: ReasonInsufficientBalance,
				Message: fmt.Sprintf("grid investment %s exceeds free balance %s",
					d.Grid.Investment, snap.Account.Balance)}
		}
	case decision.ActionUpdateGrid:
		if rej := v.validateGridConfig(d.Grid); rej != nil {
			return rej
		}
		if findActiveGrid(snap.Grids, d.Symbol) == nil {
			return &Rejection{Code: ReasonNoGrid,
				Message: fmt.Sprintf("no active grid on %s to update", d.Symbol)}
		}
	case decision.ActionStopGrid:
		if findActiveGrid(snap.Grids, d.Symbol) == nil {
			return &Rejection{Code: ReasonNoGrid,
				Message: fmt.Sprintf("no active grid on %s to stop", d.Symbol)}
		}
	}

	return nil
}

func (v *Validator) validateOpen(d *decision.Decision, snap *Snapshot) *Rejection {
	if findPosition(snap.Positions, d.Symbol) != nil {
		return &Rejection{Code: ReasonPositionExists,
			Message: fmt.Sprintf("a position already exists on %s", d.Symbol)}
	}
	if len(snap.Positions) >= snap.Account.MaxOpenPositions {
		return &Rejection{Code: ReasonMaxPositions,
			Message: fmt.Sprintf("open positions at limit (%d)", snap.Account.MaxOpenPositions)}
	}

	open := d.Open
	minTrade := decimal.NewFromFloat(v.risk.MinTrade)
	maxTrade := decimal.NewFromFloat(v.risk.MaxTrade)
	if open.SizeUSD.LessThan(minTrade) || (maxTrade.IsPositive() && open.SizeUSD.GreaterThan(maxTrade)) {
		return &Rejection{Code: ReasonSizeOutOfRange,
			Message: fmt.Sprintf("size %s outside [%s, %s]", open.SizeUSD, minTrade, maxTrade)}
	}

	if open.Leverage < 1 || open.Leverage > v.risk.MaxLeverage {
		return &Rejection{Code: ReasonLeverageOutOfRange,
			Message: fmt.Sprintf("leverage %d outside [1, %d]", open.Leverage, v.risk.MaxLeverage)}
	}

	required := open.SizeUSD.Div(decimal.NewFromInt(int64(open.Leverage)))
	if required.GreaterThan(snap.Account.Balance) {
		return &Rejection{Code: ReasonInsufficientBalance,
			Message: fmt.Sprintf("required margin %s exceeds free balance %s",
				required.Round(2), snap.Account.Balance)}
	}

	if !open.StopLossPct.IsZero() {
		if rej := v.checkBand(open.StopLossPct, v.risk.StopLossMinPct, v.risk.StopLossMaxPct,
			ReasonStopLossOutOfRange, "stop-loss"); rej != nil {
			return rej
		}
	}
	if !open.TakeProfitPct.IsZero() {
		if rej := v.checkBand(open.TakeProfitPct, v.risk.TakeProfitMinPct, v.risk.TakeProfitMaxPct,
			ReasonTakeProfitOutOfRange, "take-profit"); rej != nil {
			return rej
		}
	}
	return nil
}

func (v *Validator) checkBand(pct decimal.Decimal, min, max float64, code, label string) *Rejection {
	lo := decimal.NewFromFloat(min)
	hi := decimal.NewFromFloat(max)
	if pct.LessThan(lo) || pct.GreaterThan(hi) {
		return &Rejection{Code: code,
			Message: fmt.Sprintf("%s %s%% outside [%s, %s]", label, pct, lo, hi)}
	}
	return nil
}

func (v *Validator) validateGridConfig(cfg *core.GridConfig) *Rejection {
	if cfg.Upper.LessThanOrEqual(cfg.Lower) || cfg.Lower.LessThanOrEqual(decimal.Zero) {
		return &Rejection{Code: ReasonGridBoundsInvalid,
			Message: fmt.Sprintf("grid bounds [%s, %s] invalid", cfg.Lower, cfg.Upper)}
	}
	if cfg.LevelCount < v.grid.LevelMin || cfg.LevelCount > v.grid.LevelMax {
		return &Rejection{Code: ReasonGridLevelsOutOfRange,
			Message: fmt.Sprintf("level count %d outside [%d, %d]",
				cfg.LevelCount, v.grid.LevelMin, v.grid.LevelMax)}
	}
	if cfg.Leverage < 1 || cfg.Leverage > v.risk.MaxLeverage {
		return &Rejection{Code: ReasonLeverageOutOfRange,
			Message: fmt.Sprintf("grid leverage %d outside [1, %d]", cfg.Leverage, v.risk.MaxLeverage)}
	}
	lo := decimal.NewFromFloat(v.grid.InvestmentMin)
	hi := decimal.NewFromFloat(v.grid.InvestmentMax)
	if cfg.Investment.LessThan(lo) || (hi.IsPositive() && cfg.Investment.GreaterThan(hi)) {
		return &Rejection{Code: ReasonGridInvestmentRange,
			Message: fmt.Sprintf("investment %s outside [%s, %s]", cfg.Investment, lo, hi)}
	}
	return nil
}

func findPosition(positions []*core.Position, symbol string) *core.Position {
	for _, p := range positions {
		if p.Symbol == symbol && p.Status == core.PositionStatusOpen {
			return p
		}
	}
	return nil
}

func findActiveGrid(grids []*core.GridState, symbol string) *core.GridState {
	for _, g := range grids {
		if g.Symbol == symbol && g.Status == core.GridStatusActive {
			return g
		}
	}
	return nil
}
