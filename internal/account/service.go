// Package account owns the virtual trader accounts: balances, locked margin,
// open positions and realized trade history. All monetary mutation of a
// trader's state goes through here so the books stay balanced.
package account

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gridarena/internal/core"
	"gridarena/pkg/apperrors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PositionPnL is the leveraged mark-to-market of one position.
// LONG: (price - entry) * qty * leverage. SHORT inverts the price delta.
func PositionPnL(p *core.Position, price decimal.Decimal) decimal.Decimal {
	delta := price.Sub(p.EntryPrice)
	if p.Side == core.PositionSideShort {
		delta = delta.Neg()
	}
	return delta.Mul(p.Quantity).Mul(decimal.NewFromInt(int64(p.Leverage)))
}

// MarginFor is entry * qty / leverage.
func MarginFor(entry, qty decimal.Decimal, leverage int) decimal.Decimal {
	return entry.Mul(qty).Div(decimal.NewFromInt(int64(leverage)))
}

type entry struct {
	mu        sync.Mutex
	account   *core.TraderAccount
	positions map[string]*core.Position // symbol -> open position
}

// Service keeps every trader's account and open positions in memory and
// writes through to the record store on each mutation.
type Service struct {
	mu      sync.RWMutex
	entries map[string]*entry
	store   core.RecordStore
	clock   core.Clock
	logger  core.ILogger
}

// NewService creates an empty account service.
func NewService(store core.RecordStore, logger core.ILogger) *Service {
	return &Service{
		entries: make(map[string]*entry),
		store:   store,
		clock:   core.RealClock{},
		logger:  logger.WithField("component", "account"),
	}
}

// SetClock replaces the time source. Test hook.
func (s *Service) SetClock(c core.Clock) { s.clock = c }

// Store exposes the backing record store for read paths that need trade or
// decision history alongside account state.
func (s *Service) Store() core.RecordStore { return s.store }

// Boot loads or creates one account per trader ID. Existing rows win over
// the configured initial balance; accounts are never reset on restart.
func (s *Service) Boot(ctx context.Context, traderIDs []string, initialBalance decimal.Decimal, maxOpenPositions int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range traderIDs {
		acct, err := s.store.GetAccount(ctx, id)
		switch {
		case err == nil:
			s.logger.Info("account restored", "trader_id", id,
				"balance", acct.Balance.String(), "equity", acct.Equity().String())
		case errors.Is(err, apperrors.ErrNotFound):
			acct = &core.TraderAccount{
				TraderID:         id,
				InitialBalance:   initialBalance,
				Balance:          initialBalance,
				MaxOpenPositions: maxOpenPositions,
				UpdatedAt:        s.clock.Now(),
			}
			if err := s.store.SaveAccount(ctx, acct); err != nil {
				return fmt.Errorf("create account %s: %w", id, err)
			}
			s.logger.Info("account created", "trader_id", id, "balance", initialBalance.String())
		default:
			return fmt.Errorf("load account %s: %w", id, err)
		}

		e := &entry{account: acct, positions: make(map[string]*core.Position)}
		open, err := s.store.ListOpenPositions(ctx, id)
		if err != nil {
			return fmt.Errorf("load positions %s: %w", id, err)
		}
		for _, p := range open {
			e.positions[p.Symbol] = p
		}
		s.entries[id] = e
	}
	return nil
}

func (s *Service) entryFor(traderID string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.entries[traderID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("trader %s: %w", traderID, apperrors.ErrNotFound)
	}
	return e, nil
}

// Get returns a copy of one trader's account.
func (s *Service) Get(traderID string) (*core.TraderAccount, error) {
	e, err := s.entryFor(traderID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	snapshot := *e.account
	return &snapshot, nil
}

// Positions returns copies of one trader's open positions.
func (s *Service) Positions(traderID string) ([]*core.Position, error) {
	e, err := s.entryFor(traderID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*core.Position, 0, len(e.positions))
	for _, p := range e.positions {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// Position returns a copy of the open position on one symbol, if any.
func (s *Service) Position(traderID, symbol string) (*core.Position, bool) {
	e, err := s.entryFor(traderID)
	if err != nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.positions[symbol]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// OpenPosition books a new position: margin moves from free balance to
// margin_locked and the position is persisted. The caller provides entry
// price and quantity from the actual fill.
func (s *Service) OpenPosition(ctx context.Context, pos *core.Position) error {
	e, err := s.entryFor(pos.TraderID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.positions[pos.Symbol]; exists {
		return fmt.Errorf("position already open on %s for %s", pos.Symbol, pos.TraderID)
	}

	margin := MarginFor(pos.EntryPrice, pos.Quantity, pos.Leverage)
	if margin.GreaterThan(e.account.Balance) {
		return fmt.Errorf("margin %s exceeds balance %s: %w",
			margin, e.account.Balance, apperrors.ErrInsufficientFunds)
	}

	pos.MarginUsed = margin
	pos.Status = core.PositionStatusOpen
	if pos.PositionID == "" {
		pos.PositionID = uuid.NewString()
	}
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = s.clock.Now()
	}

	e.account.Balance = e.account.Balance.Sub(margin)
	e.account.MarginLocked = e.account.MarginLocked.Add(margin)
	e.account.UpdatedAt = s.clock.Now()
	e.positions[pos.Symbol] = pos

	if err := s.store.SavePosition(ctx, pos); err != nil {
		return fmt.Errorf("persist position: %w", err)
	}
	if err := s.store.SaveAccount(ctx, e.account); err != nil {
		return fmt.Errorf("persist account: %w", err)
	}
	s.logger.Info("position opened", "trader_id", pos.TraderID, "symbol", pos.Symbol,
		"side", string(pos.Side), "entry", pos.EntryPrice.String(),
		"qty", pos.Quantity.String(), "margin", margin.String())
	return nil
}

// ClosePosition settles the open position on symbol at exitPrice: margin is
// released, realized PnL credited, the win/loss counters advance and an
// immutable Trade is written. Returns the trade.
func (s *Service) ClosePosition(ctx context.Context, traderID, symbol string, exitPrice decimal.Decimal, reason core.ExitReason) (*core.Trade, error) {
	e, err := s.entryFor(traderID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.positions[symbol]
	if !ok {
		return nil, fmt.Errorf("no open position on %s for %s: %w", symbol, traderID, apperrors.ErrNotFound)
	}

	pnl := PositionPnL(pos, exitPrice)
	pnlPct := decimal.Zero
	if !pos.MarginUsed.IsZero() {
		pnlPct = pnl.Div(pos.MarginUsed).Mul(decimal.NewFromInt(100))
	}

	now := s.clock.Now()
	trade := &core.Trade{
		TradeID:    uuid.NewString(),
		PositionID: pos.PositionID,
		TraderID:   traderID,
		Symbol:     symbol,
		Side:       pos.Side,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  exitPrice,
		Quantity:   pos.Quantity,
		Leverage:   pos.Leverage,
		PnL:        pnl,
		PnLPct:     pnlPct,
		OpenedAt:   pos.OpenedAt,
		ClosedAt:   now,
		ExitReason: reason,
	}

	e.account.Balance = e.account.Balance.Add(pos.MarginUsed).Add(pnl)
	if e.account.Balance.IsNegative() {
		// A leveraged loss can exceed the margin; the virtual account
		// floors at zero like an isolated wallet would.
		e.account.Balance = decimal.Zero
	}
	e.account.MarginLocked = e.account.MarginLocked.Sub(pos.MarginUsed)
	e.account.RealizedPnL = e.account.RealizedPnL.Add(pnl)
	e.account.TotalTrades++
	if pnl.IsPositive() {
		e.account.WinningTrades++
	} else {
		e.account.LosingTrades++
	}
	e.account.UpdatedAt = now

	pos.Status = core.PositionStatusClosed
	if reason == core.ExitReasonLiquidation {
		pos.Status = core.PositionStatusLiquidated
	}
	delete(e.positions, symbol)

	if err := s.store.SavePosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("persist closed position: %w", err)
	}
	if err := s.store.SaveTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("persist trade: %w", err)
	}
	if err := s.store.SaveAccount(ctx, e.account); err != nil {
		return nil, fmt.Errorf("persist account: %w", err)
	}
	s.logger.Info("position closed", "trader_id", traderID, "symbol", symbol,
		"exit", exitPrice.String(), "pnl", pnl.String(), "reason", string(reason))
	return trade, nil
}

// Settle books a trade that realized entirely on the exchange, such as a
// grid cycle or a grid stop. No Position is involved: the PnL credits free
// balance and realized PnL directly and the trade counters advance.
func (s *Service) Settle(ctx context.Context, trade *core.Trade) error {
	e, err := s.entryFor(trade.TraderID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.account.Balance = e.account.Balance.Add(trade.PnL)
	if e.account.Balance.IsNegative() {
		e.account.Balance = decimal.Zero
	}
	e.account.RealizedPnL = e.account.RealizedPnL.Add(trade.PnL)
	e.account.TotalTrades++
	if trade.PnL.IsPositive() {
		e.account.WinningTrades++
	} else {
		e.account.LosingTrades++
	}
	e.account.UpdatedAt = s.clock.Now()

	if err := s.store.SaveTrade(ctx, trade); err != nil {
		return fmt.Errorf("persist trade: %w", err)
	}
	if err := s.store.SaveAccount(ctx, e.account); err != nil {
		return fmt.Errorf("persist account: %w", err)
	}
	s.logger.Info("trade settled", "trader_id", trade.TraderID, "symbol", trade.Symbol,
		"pnl", trade.PnL.String(), "reason", string(trade.ExitReason))
	return nil
}

// UpdatePosition overwrites entry price, quantity and unrealized PnL of an
// existing open position. Margin is re-derived so the books keep the
// invariant margin = entry * qty / leverage.
func (s *Service) UpdatePosition(ctx context.Context, traderID, symbol string, entryPrice, quantity, unrealized decimal.Decimal) error {
	e, err := s.entryFor(traderID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.positions[symbol]
	if !ok {
		return fmt.Errorf("no open position on %s for %s: %w", symbol, traderID, apperrors.ErrNotFound)
	}

	oldMargin := pos.MarginUsed
	pos.EntryPrice = entryPrice
	pos.Quantity = quantity
	pos.UnrealizedPnL = unrealized
	pos.MarginUsed = MarginFor(entryPrice, quantity, pos.Leverage)

	marginDelta := pos.MarginUsed.Sub(oldMargin)
	e.account.Balance = e.account.Balance.Sub(marginDelta)
	e.account.MarginLocked = e.account.MarginLocked.Add(marginDelta)
	e.account.UpdatedAt = s.clock.Now()

	if err := s.store.SavePosition(ctx, pos); err != nil {
		return fmt.Errorf("persist position: %w", err)
	}
	return s.store.SaveAccount(ctx, e.account)
}

// UpdateUnrealized marks every open position to the given prices and rolls
// the per-account unrealized PnL up from its positions. Symbols without a
// price keep their last mark.
func (s *Service) UpdateUnrealized(prices map[string]decimal.Decimal) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.entries {
		e.mu.Lock()
		total := decimal.Zero
		for _, p := range e.positions {
			if price, ok := prices[p.Symbol]; ok {
				p.UnrealizedPnL = PositionPnL(p, price)
			}
			total = total.Add(p.UnrealizedPnL)
		}
		e.account.UnrealizedPnL = total
		e.mu.Unlock()
	}
}

// SyncAll flushes every account and open position to the store.
func (s *Service) SyncAll(ctx context.Context) error {
	for _, e := range s.sortedEntries() {
		e.mu.Lock()
		err := s.store.SaveAccount(ctx, e.account)
		if err == nil {
			for _, p := range e.positions {
				if err = s.store.SavePosition(ctx, p); err != nil {
					break
				}
			}
		}
		e.mu.Unlock()
		if err != nil {
			return fmt.Errorf("flush %s: %w", e.account.TraderID, err)
		}
	}
	return nil
}

// TraderIDs lists managed trader IDs in lexicographic order.
func (s *Service) TraderIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Service) sortedEntries() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*entry, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.entries[id])
	}
	return out
}

// LeaderboardRow is one trader's standing.
type LeaderboardRow struct {
	TraderID    string
	Equity      decimal.Decimal
	Balance     decimal.Decimal
	RealizedPnL decimal.Decimal
	ReturnPct   decimal.Decimal
	Trades      int
	Wins        int
	Losses      int
	UpdatedAt   time.Time
}

// Leaderboard ranks traders by equity, best first.
func (s *Service) Leaderboard() []LeaderboardRow {
	entries := s.sortedEntries()
	rows := make([]LeaderboardRow, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		a := e.account
		equity := a.Equity()
		ret := decimal.Zero
		if a.InitialBalance.IsPositive() {
			ret = equity.Sub(a.InitialBalance).Div(a.InitialBalance).Mul(decimal.NewFromInt(100))
		}
		rows = append(rows, LeaderboardRow{
			TraderID:    a.TraderID,
			Equity:      equity,
			Balance:     a.Balance,
			RealizedPnL: a.RealizedPnL,
			ReturnPct:   ret,
			Trades:      a.TotalTrades,
			Wins:        a.WinningTrades,
			Losses:      a.LosingTrades,
			UpdatedAt:   a.UpdatedAt,
		})
		e.mu.Unlock()
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].Equity.Equal(rows[j].Equity) {
			return rows[i].Equity.GreaterThan(rows[j].Equity)
		}
		return rows[i].TraderID < rows[j].TraderID
	})
	return rows
}
