// Package decision defines the trading decision shape, the provider-output
// parser, and the provider registry.
package decision

import (
	"gridarena/internal/core"

	"github.com/shopspring/decimal"
)

// Action is the closed set of decision verbs.
type Action string

const (
	ActionHold       Action = "HOLD"
	ActionBuy        Action = "BUY"
	ActionSell       Action = "SELL"
	ActionClose      Action = "CLOSE"
	ActionSetupGrid  Action = "SETUP_GRID"
	ActionUpdateGrid Action = "UPDATE_GRID"
	ActionStopGrid   Action = "STOP_GRID"
)

var validActions = map[Action]bool{
	ActionHold:       true,
	ActionBuy:        true,
	ActionSell:       true,
	ActionClose:      true,
	ActionSetupGrid:  true,
	ActionUpdateGrid: true,
	ActionStopGrid:   true,
}

// OpenParams carries the sizing of a BUY/SELL decision. SizeUSD is notional;
// base quantity is derived at execution from the current price.
type OpenParams struct {
	SizeUSD       decimal.Decimal
	Leverage      int
	StopLossPct   decimal.Decimal
	TakeProfitPct decimal.Decimal
}

// Decision is the parsed, validated provider output. Exactly one payload
// field is set, discriminated by Action.
type Decision struct {
	Action     Action
	Symbol     string
	Reasoning  string
	Confidence float64

	Open *OpenParams      // BUY / SELL
	Grid *core.GridConfig // SETUP_GRID / UPDATE_GRID
}

// NeedsSymbol reports whether the action requires a symbol.
func (d *Decision) NeedsSymbol() bool {
	return d.Action != ActionHold
}
