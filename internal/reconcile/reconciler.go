// Package reconcile re-aligns the virtual per-trader books with exchange
// truth. It is the only component besides the executor allowed to create or
// destroy positions, and it attributes exchange state back to traders
// through the client-order-id contract.
package reconcile

import (
	"context"
	"fmt"
	"sort"

	"gridarena/internal/account"
	"gridarena/internal/core"
	"gridarena/internal/risk"
	"gridarena/pkg/orderid"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Delta is the per-trader outcome of one reconciliation pass. Symbols list
// what changed; an all-empty delta means the books already matched.
type Delta struct {
	TraderID string
	Added    []string
	Updated  []string
	Removed  []string
}

func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

// Reconciler drives the periodic pass.
type Reconciler struct {
	exchange        core.Exchange
	accounts        *account.Service
	symbols         []string
	liqThresholdPct float64
	logger          core.ILogger
}

// NewReconciler wires a reconciler over the tracked symbols. liqThresholdPct
// decides whether a vanished position is closed as LIQUIDATION or MANUAL.
func NewReconciler(exchange core.Exchange, accounts *account.Service, symbols []string, liqThresholdPct float64, logger core.ILogger) *Reconciler {
	return &Reconciler{
		exchange:        exchange,
		accounts:        accounts,
		symbols:         symbols,
		liqThresholdPct: liqThresholdPct,
		logger:          logger.WithField("component", "reconciler"),
	}
}

// snapshot is one consistent read of exchange state.
type snapshot struct {
	positions []core.ExchangePosition
	owners    map[string]string // symbol -> trader_id, "" when ambiguous
}

// Run executes one reconciliation pass and returns the per-trader deltas.
func (r *Reconciler) Run(ctx context.Context) ([]Delta, error) {
	snap, err := r.snapshotExchange(ctx)
	if err != nil {
		return nil, err
	}

	// Index exchange positions by (trader, symbol). Positions that cannot
	// be attributed are flagged and skipped.
	byOwner := make(map[string]map[string]core.ExchangePosition)
	for _, pos := range snap.positions {
		owner := snap.owners[pos.Symbol]
		if owner == "" {
			r.logger.Warn("unowned exchange position", "symbol", pos.Symbol,
				"amount", pos.PositionAmt.String())
			continue
		}
		if byOwner[owner] == nil {
			byOwner[owner] = make(map[string]core.ExchangePosition)
		}
		byOwner[owner][pos.Symbol] = pos
	}

	// Per-trader locks are taken inside the account service; iterating
	// traders in lexicographic order keeps the lock order stable.
	traderIDs := r.accounts.TraderIDs()
	sort.Strings(traderIDs)

	var deltas []Delta
	for _, traderID := range traderIDs {
		delta, err := r.reconcileTrader(ctx, traderID, byOwner[traderID])
		if err != nil {
			r.logger.Error("trader reconciliation failed", "trader_id", traderID, "error", err.Error())
			continue
		}
		if !delta.Empty() {
			r.logger.Info("state divergence repaired", "trader_id", traderID,
				"added", len(delta.Added), "updated", len(delta.Updated), "removed", len(delta.Removed))
		}
		deltas = append(deltas, delta)
	}

	if err := r.accounts.SyncAll(ctx); err != nil {
		return deltas, fmt.Errorf("flush accounts: %w", err)
	}
	return deltas, nil
}

// snapshotExchange reads positions and open orders in parallel, then builds
// the symbol ownership map from parsed client order IDs. A symbol worked by
// two traders at once cannot be attributed and maps to "".
func (r *Reconciler) snapshotExchange(ctx context.Context) (*snapshot, error) {
	var positions []core.ExchangePosition
	orderSets := make([][]core.ExchangeOrder, len(r.symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		positions, err = r.exchange.GetPositions(gctx)
		if err != nil {
			return fmt.Errorf("read positions: %w", err)
		}
		return nil
	})
	for i, symbol := range r.symbols {
		g.Go(func() error {
			var err error
			orderSets[i], err = r.exchange.GetOpenOrders(gctx, symbol)
			if err != nil {
				return fmt.Errorf("read open orders for %s: %w", symbol, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	owners := make(map[string]string)
	ambiguous := make(map[string]bool)
	for _, orders := range orderSets {
		for _, order := range orders {
			own, ok := orderid.Parse(order.ClientOrderID)
			if !ok {
				continue
			}
			if prev, seen := owners[order.Symbol]; seen && prev != own.TraderID {
				ambiguous[order.Symbol] = true
				continue
			}
			owners[order.Symbol] = own.TraderID
		}
	}
	for symbol := range ambiguous {
		r.logger.Warn("symbol worked by multiple traders, attribution skipped", "symbol", symbol)
		owners[symbol] = ""
	}
	return &snapshot{positions: positions, owners: owners}, nil
}

func (r *Reconciler) reconcileTrader(ctx context.Context, traderID string, onExchange map[string]core.ExchangePosition) (Delta, error) {
	delta := Delta{TraderID: traderID}

	booked, err := r.accounts.Positions(traderID)
	if err != nil {
		return delta, err
	}
	bookedBySymbol := make(map[string]*core.Position, len(booked))
	for _, p := range booked {
		bookedBySymbol[p.Symbol] = p
	}

	// Exchange has it, the books do not: adopt it.
	for symbol, ex := range onExchange {
		if _, ok := bookedBySymbol[symbol]; ok {
			continue
		}
		side := core.PositionSideLong
		qty := ex.PositionAmt
		if qty.IsNegative() {
			side = core.PositionSideShort
			qty = qty.Neg()
		}
		leverage := ex.Leverage
		if leverage < 1 {
			leverage = 1
		}
		err := r.accounts.OpenPosition(ctx, &core.Position{
			TraderID:      traderID,
			Symbol:        symbol,
			Side:          side,
			EntryPrice:    ex.EntryPrice,
			Quantity:      qty,
			Leverage:      leverage,
			UnrealizedPnL: ex.UnrealizedPnL,
		})
		if err != nil {
			r.logger.Error("adopting exchange position failed", "trader_id", traderID,
				"symbol", symbol, "error", err.Error())
			continue
		}
		delta.Added = append(delta.Added, symbol)
	}

	for symbol, p := range bookedBySymbol {
		ex, ok := onExchange[symbol]
		if !ok {
			// The exchange no longer has it. Decide liquidation vs
			// manual from the last state the books saw.
			reason := core.ExitReasonManual
			mark := lastSeenMark(p)
			if risk.NearLiquidation(p, mark, r.liqThresholdPct) {
				reason = core.ExitReasonLiquidation
			}
			if _, err := r.accounts.ClosePosition(ctx, traderID, symbol, mark, reason); err != nil {
				return delta, fmt.Errorf("close vanished position %s: %w", symbol, err)
			}
			delta.Removed = append(delta.Removed, symbol)
			continue
		}

		qty := ex.PositionAmt.Abs()
		if p.EntryPrice.Equal(ex.EntryPrice) && p.Quantity.Equal(qty) && p.UnrealizedPnL.Equal(ex.UnrealizedPnL) {
			continue
		}
		if err := r.accounts.UpdatePosition(ctx, traderID, symbol, ex.EntryPrice, qty, ex.UnrealizedPnL); err != nil {
			return delta, fmt.Errorf("update position %s: %w", symbol, err)
		}
		delta.Updated = append(delta.Updated, symbol)
	}

	sort.Strings(delta.Added)
	sort.Strings(delta.Updated)
	sort.Strings(delta.Removed)
	return delta, nil
}

// lastSeenMark reconstructs the last mark price implied by the booked
// unrealized PnL: entry +/- upnl / (qty * leverage).
func lastSeenMark(p *core.Position) decimal.Decimal {
	if p.Quantity.IsZero() || p.Leverage < 1 {
		return p.EntryPrice
	}
	move := p.UnrealizedPnL.Div(p.Quantity.Mul(decimal.NewFromInt(int64(p.Leverage))))
	if p.Side == core.PositionSideShort {
		move = move.Neg()
	}
	return p.EntryPrice.Add(move)
}
