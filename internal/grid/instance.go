package grid

import (
	"strings"
	"sync"
	"time"

	"gridarena/internal/core"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Instance is one grid's state machine. All mutation goes through its lock;
// concurrent fill ingestion is serialized here and cycle detection re-runs
// after every ingestion.
type Instance struct {
	mu    sync.Mutex
	state *core.GridState
	clock core.Clock
}

// NewInstance creates a fresh ACTIVE grid with a generated ladder. The
// short ID is the first 8 hex chars of the grid UUID; it goes into every
// level's client order ID.
func NewInstance(traderID, symbol string, cfg *core.GridConfig, clock core.Clock) *Instance {
	gridID := uuid.NewString()
	shortID := strings.ReplaceAll(gridID, "-", "")[:8]
	buys, sells := BuildLevels(gridID, cfg)
	now := clock.Now()
	return &Instance{
		state: &core.GridState{
			GridID:      gridID,
			ShortID:     shortID,
			TraderID:    traderID,
			Symbol:      symbol,
			Config:      *cfg,
			BuyLevels:   buys,
			SellLevels:  sells,
			GrossProfit: decimal.Zero,
			Fees:        decimal.Zero,
			NetProfit:   decimal.Zero,
			Status:      core.GridStatusActive,
			CreatedAt:   now,
			LastUpdate:  now,
		},
		clock: clock,
	}
}

// FromState wraps a persisted grid state. Restart path.
func FromState(state *core.GridState, clock core.Clock) *Instance {
	return &Instance{state: state, clock: clock}
}

// Snapshot returns a deep copy of the grid state.
func (g *Instance) Snapshot() *core.GridState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshotLocked()
}

func (g *Instance) snapshotLocked() *core.GridState {
	cp := *g.state
	cp.BuyLevels = append([]core.GridLevel(nil), g.state.BuyLevels...)
	cp.SellLevels = append([]core.GridLevel(nil), g.state.SellLevels...)
	return &cp
}

// Keys returns the identifying fields without copying the ladders.
func (g *Instance) Keys() (gridID, shortID, traderID, symbol string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.GridID, g.state.ShortID, g.state.TraderID, g.state.Symbol
}

// Status returns the current lifecycle status.
func (g *Instance) Status() core.GridStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.Status
}

// SetStatus transitions the lifecycle state. Transitions out of STOPPED are
// ignored; STOPPED is terminal.
func (g *Instance) SetStatus(status core.GridStatus) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.Status == core.GridStatusStopped {
		return false
	}
	g.state.Status = status
	g.state.LastUpdate = g.clock.Now()
	return true
}

func (g *Instance) level(side core.OrderSide, index int) *core.GridLevel {
	levels := g.state.BuyLevels
	if side == core.OrderSideSell {
		levels = g.state.SellLevels
	}
	for i := range levels {
		if levels[i].Index == index {
			return &levels[i]
		}
	}
	return nil
}

// RecordOrder attaches the exchange order ID to a pending level after
// placement.
func (g *Instance) RecordOrder(side core.OrderSide, index int, orderID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if lvl := g.level(side, index); lvl != nil {
		lvl.OrderID = orderID
		g.state.LastUpdate = g.clock.Now()
	}
}

// ApplyFill ingests an order status update for one level. Executed quantity
// accumulates across partial fills; the level transitions to FILLED only
// when the full level quantity is done. Returns true when the level newly
// became FILLED.
func (g *Instance) ApplyFill(side core.OrderSide, index int, executedQty, fillPrice decimal.Decimal, at time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	lvl := g.level(side, index)
	if lvl == nil || lvl.Status != core.LevelStatusPending {
		return false
	}

	lvl.ExecutedQty = executedQty
	g.state.LastUpdate = g.clock.Now()
	if executedQty.LessThan(lvl.Quantity) {
		return false
	}

	lvl.Status = core.LevelStatusFilled
	lvl.FilledPrice = fillPrice
	if lvl.FilledPrice.IsZero() {
		lvl.FilledPrice = lvl.Price
	}
	lvl.FilledAt = at
	return true
}

// Cycle is one matched buy/sell round-trip on the ladder.
type Cycle struct {
	BuyIndex  int
	SellIndex int
	BuyPrice  decimal.Decimal
	SellPrice decimal.Decimal
	Quantity  decimal.Decimal
	Gross     decimal.Decimal
	Fees      decimal.Decimal
	Net       decimal.Decimal
}

// DetectCycles matches FILLED buys with the smallest FILLED sell strictly
// above each, lowest buys first. Matched pairs re-arm (FILLED -> PENDING,
// order IDs cleared) and the profit counters advance. The caller re-places
// the re-armed levels. Runs to a fixed point in one call.
func (g *Instance) DetectCycles(feeRate decimal.Decimal) []Cycle {
	g.mu.Lock()
	defer g.mu.Unlock()

	var cycles []Cycle
	for {
		buy, sell := g.matchLocked()
		if buy == nil {
			break
		}

		// The cycle quantity is the bought quantity: a cycle realizes
		// the round-trip of the base units acquired at the buy rung.
		qty := buy.Quantity
		gross := sell.FilledPrice.Sub(buy.FilledPrice).Mul(qty)
		fees := buy.FilledPrice.Add(sell.FilledPrice).Mul(qty).Mul(feeRate)
		net := gross.Sub(fees)

		g.state.CyclesCompleted++
		g.state.GrossProfit = g.state.GrossProfit.Add(gross)
		g.state.Fees = g.state.Fees.Add(fees)
		g.state.NetProfit = g.state.NetProfit.Add(net)

		cycles = append(cycles, Cycle{
			BuyIndex:  buy.Index,
			SellIndex: sell.Index,
			BuyPrice:  buy.FilledPrice,
			SellPrice: sell.FilledPrice,
			Quantity:  qty,
			Gross:     gross,
			Fees:      fees,
			Net:       net,
		})

		rearm(buy)
		rearm(sell)
		g.state.LastUpdate = g.clock.Now()
	}
	return cycles
}

func (g *Instance) matchLocked() (buy, sell *core.GridLevel) {
	for i := range g.state.BuyLevels {
		b := &g.state.BuyLevels[i]
		if b.Status != core.LevelStatusFilled {
			continue
		}
		var best *core.GridLevel
		for j := range g.state.SellLevels {
			s := &g.state.SellLevels[j]
			if s.Status != core.LevelStatusFilled || !s.FilledPrice.GreaterThan(b.FilledPrice) {
				continue
			}
			if best == nil || s.FilledPrice.LessThan(best.FilledPrice) {
				best = s
			}
		}
		if best != nil {
			return b, best
		}
	}
	return nil, nil
}

func rearm(lvl *core.GridLevel) {
	lvl.Status = core.LevelStatusPending
	lvl.OrderID = 0
	lvl.ExecutedQty = decimal.Zero
	lvl.FilledPrice = decimal.Zero
	lvl.FilledAt = time.Time{}
}

// PendingUnplaced returns copies of PENDING levels with no exchange order.
func (g *Instance) PendingUnplaced() []core.GridLevel {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []core.GridLevel
	for _, lvl := range append(append([]core.GridLevel(nil), g.state.BuyLevels...), g.state.SellLevels...) {
		if lvl.Status == core.LevelStatusPending && lvl.OrderID == 0 {
			out = append(out, lvl)
		}
	}
	return out
}

// PendingPlaced returns copies of PENDING levels that have a live exchange
// order to poll.
func (g *Instance) PendingPlaced() []core.GridLevel {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []core.GridLevel
	for _, lvl := range append(append([]core.GridLevel(nil), g.state.BuyLevels...), g.state.SellLevels...) {
		if lvl.Status == core.LevelStatusPending && lvl.OrderID != 0 {
			out = append(out, lvl)
		}
	}
	return out
}

// ShouldStop reports whether price has crossed the grid's stop level.
func (g *Instance) ShouldStop(price decimal.Decimal) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return price.LessThanOrEqual(StopPrice(&g.state.Config))
}
