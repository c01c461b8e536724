// Package executor turns validated decisions into exchange orders and books
// the results into the virtual accounts. Every order it sends carries a
// client order ID encoding the owning trader; the reconciler depends on it.
package executor

import (
	"context"
	"errors"
	"fmt"

	"gridarena/internal/account"
	"gridarena/internal/core"
	"gridarena/internal/decision"
	"gridarena/internal/grid"
	"gridarena/internal/risk"
	"gridarena/pkg/apperrors"
	"gridarena/pkg/orderid"
	"gridarena/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

// Executor dispatches decisions. It owns no state of its own; all virtual
// mutation goes through the account service and the grid engine, and only
// after the exchange has confirmed.
type Executor struct {
	exchange  core.Exchange
	accounts  *account.Service
	grids     *grid.Engine
	validator *risk.Validator
	limiter   *rate.Limiter
	clock     core.Clock
	logger    core.ILogger

	executions metric.Int64Counter
}

// NewExecutor wires an executor. The limiter throttles order-mutating calls
// across all traders.
func NewExecutor(exchange core.Exchange, accounts *account.Service, grids *grid.Engine,
	validator *risk.Validator, limiter *rate.Limiter, logger core.ILogger) *Executor {

	meter := telemetry.GetMeter("gridarena/executor")
	executions, _ := meter.Int64Counter("executions_total",
		metric.WithDescription("Executed decisions by action and status"))

	return &Executor{
		exchange:   exchange,
		accounts:   accounts,
		grids:      grids,
		validator:  validator,
		limiter:    limiter,
		clock:      core.RealClock{},
		logger:     logger.WithField("component", "executor"),
		executions: executions,
	}
}

// SetClock replaces the time source. Test hook.
func (x *Executor) SetClock(c core.Clock) { x.clock = c }

// Execute runs one decision for one trader against current prices.
func (x *Executor) Execute(ctx context.Context, traderID string, d *decision.Decision, prices map[string]decimal.Decimal) *core.ExecutionResult {
	result := &core.ExecutionResult{
		TraderID: traderID,
		Action:   string(d.Action),
		Symbol:   d.Symbol,
	}
	defer func() {
		x.executions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action", result.Action),
			attribute.String("status", string(result.Status)),
		))
	}()

	if d.Action == decision.ActionHold {
		result.Status = core.ExecutionStatusHeld
		return result
	}

	snap, err := x.riskSnapshot(traderID)
	if err != nil {
		result.Status = core.ExecutionStatusError
		result.Err = err.Error()
		return result
	}
	if rej := x.validator.Validate(d, snap, prices); rej != nil {
		result.Status = core.ExecutionStatusRejected
		result.Reason = rej.Code
		result.Err = rej.Message
		x.logger.Info("decision rejected", "trader_id", traderID,
			"action", string(d.Action), "symbol", d.Symbol, "reason", rej.Code)
		return result
	}

	switch d.Action {
	case decision.ActionBuy, decision.ActionSell:
		x.open(ctx, traderID, d, prices[d.Symbol], result)
	case decision.ActionClose:
		x.close(ctx, traderID, d.Symbol, result)
	case decision.ActionSetupGrid:
		x.gridOp(result, func() (*core.GridState, error) {
			return x.grids.Setup(ctx, traderID, d.Symbol, d.Grid)
		})
	case decision.ActionUpdateGrid:
		x.gridOp(result, func() (*core.GridState, error) {
			return x.grids.Update(ctx, traderID, d.Symbol, prices[d.Symbol], d.Grid)
		})
	case decision.ActionStopGrid:
		x.gridOp(result, func() (*core.GridState, error) {
			return x.grids.Stop(ctx, traderID, d.Symbol, prices[d.Symbol], core.ExitReasonStrategy)
		})
	default:
		result.Status = core.ExecutionStatusError
		result.Err = fmt.Sprintf("unsupported action %s", d.Action)
	}
	return result
}

func (x *Executor) riskSnapshot(traderID string) (*risk.Snapshot, error) {
	acct, err := x.accounts.Get(traderID)
	if err != nil {
		return nil, err
	}
	positions, err := x.accounts.Positions(traderID)
	if err != nil {
		return nil, err
	}
	return &risk.Snapshot{
		Account:   acct,
		Positions: positions,
		Grids:     x.grids.Grids(traderID),
	}, nil
}

func (x *Executor) open(ctx context.Context, traderID string, d *decision.Decision, price decimal.Decimal, result *core.ExecutionResult) {
	side := core.OrderSideBuy
	posSide := core.PositionSideLong
	if d.Action == decision.ActionSell {
		side = core.OrderSideSell
		posSide = core.PositionSideShort
	}

	if err := x.waitLimiter(ctx, result); err != nil {
		return
	}
	if err := x.exchange.SetLeverage(ctx, d.Symbol, d.Open.Leverage); err != nil {
		x.logger.Warn("set leverage failed, keeping exchange default",
			"trader_id", traderID, "symbol", d.Symbol, "error", err.Error())
	}

	qty := x.exchange.RoundStep(d.Symbol, d.Open.SizeUSD.Div(price))
	if qty.IsZero() {
		result.Status = core.ExecutionStatusRejected
		result.Reason = risk.ReasonSizeOutOfRange
		result.Err = fmt.Sprintf("size %s rounds to zero at %s", d.Open.SizeUSD, price)
		return
	}

	clientID := orderid.New(traderID, d.Symbol, x.clock.Now())
	order, err := x.exchange.PlaceOrder(ctx, &core.OrderRequest{
		Symbol:        d.Symbol,
		Side:          side,
		Type:          core.OrderTypeMarket,
		Quantity:      qty,
		ClientOrderID: clientID,
	})
	if err != nil {
		x.fail(result, err)
		return
	}

	entry := order.AvgPrice
	if entry.IsZero() {
		entry = price
	}
	pos := &core.Position{
		TraderID:        traderID,
		Symbol:          d.Symbol,
		Side:            posSide,
		EntryPrice:      entry,
		Quantity:        order.ExecutedQty,
		Leverage:        d.Open.Leverage,
		StopLossPrice:   protectivePrice(entry, d.Open.StopLossPct, posSide, false),
		TakeProfitPrice: protectivePrice(entry, d.Open.TakeProfitPct, posSide, true),
		OpenedAt:        x.clock.Now(),
	}
	if err := x.accounts.OpenPosition(ctx, pos); err != nil {
		// The exchange holds a position the books refused. Leave it to
		// the reconciler and report the error.
		result.Status = core.ExecutionStatusError
		result.Err = fmt.Sprintf("order filled but booking failed: %v", err)
		x.logger.Error("booking failure after fill", "trader_id", traderID,
			"symbol", d.Symbol, "order_id", order.OrderID, "error", err.Error())
		return
	}

	result.Status = core.ExecutionStatusExecuted
	result.OrderID = order.OrderID
	result.ClientOrderID = clientID
}

func (x *Executor) close(ctx context.Context, traderID, symbol string, result *core.ExecutionResult) {
	pos, ok := x.accounts.Position(traderID, symbol)
	if !ok {
		result.Status = core.ExecutionStatusRejected
		result.Reason = risk.ReasonNoPosition
		return
	}

	side := core.OrderSideSell
	if pos.Side == core.PositionSideShort {
		side = core.OrderSideBuy
	}

	if err := x.waitLimiter(ctx, result); err != nil {
		return
	}
	clientID := orderid.New(traderID, symbol, x.clock.Now())
	order, err := x.exchange.PlaceOrder(ctx, &core.OrderRequest{
		Symbol:        symbol,
		Side:          side,
		Type:          core.OrderTypeMarket,
		Quantity:      x.exchange.RoundStep(symbol, pos.Quantity),
		ReduceOnly:    true,
		ClientOrderID: clientID,
	})
	if err != nil {
		x.fail(result, err)
		return
	}

	exit := order.AvgPrice
	if exit.IsZero() {
		exit = pos.EntryPrice
	}
	trade, err := x.accounts.ClosePosition(ctx, traderID, symbol, exit, core.ExitReasonManual)
	if err != nil {
		result.Status = core.ExecutionStatusError
		result.Err = fmt.Sprintf("order filled but settlement failed: %v", err)
		return
	}

	result.Status = core.ExecutionStatusExecuted
	result.OrderID = order.OrderID
	result.ClientOrderID = clientID
	x.logger.Info("position closed by decision", "trader_id", traderID,
		"symbol", symbol, "pnl", trade.PnL.String())
}

func (x *Executor) gridOp(result *core.ExecutionResult, op func() (*core.GridState, error)) {
	state, err := op()
	if err != nil {
		x.fail(result, err)
		return
	}
	result.Status = core.ExecutionStatusExecuted
	result.Reason = state.GridID
}

func (x *Executor) waitLimiter(ctx context.Context, result *core.ExecutionResult) error {
	if x.limiter == nil {
		return nil
	}
	if err := x.limiter.Wait(ctx); err != nil {
		result.Status = core.ExecutionStatusError
		result.Err = err.Error()
		return err
	}
	return nil
}

// fail classifies an exchange failure into the result. Protocol errors keep
// the provider's code so the decision record shows why the venue said no.
func (x *Executor) fail(result *core.ExecutionResult, err error) {
	result.Status = core.ExecutionStatusError
	result.Err = err.Error()
	var protocol *apperrors.ProtocolError
	if errors.As(err, &protocol) {
		result.Reason = fmt.Sprintf("exchange_code_%d", protocol.Code)
	} else if errors.Is(err, apperrors.ErrRateLimitExceeded) {
		result.Reason = "rate_limited"
	} else {
		result.Reason = "transport_error"
	}
}

// protectivePrice converts a stop/take-profit percentage into a price level
// relative to entry. takeProfit flips the direction; SHORT flips it again.
func protectivePrice(entry, pct decimal.Decimal, side core.PositionSide, takeProfit bool) decimal.Decimal {
	if pct.IsZero() {
		return decimal.Zero
	}
	frac := pct.Div(decimal.NewFromInt(100))
	up := takeProfit
	if side == core.PositionSideShort {
		up = !up
	}
	if up {
		return entry.Mul(decimal.NewFromInt(1).Add(frac))
	}
	return entry.Mul(decimal.NewFromInt(1).Sub(frac))
}
