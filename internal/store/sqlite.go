// Package store persists platform records in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"gridarena/internal/core"
	"gridarena/pkg/apperrors"

	"github.com/shopspring/decimal"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements core.RecordStore on a single SQLite file.
// Monetary values are stored as canonical decimal strings; grid levels are
// stored as a JSON document on the grid row (levels are owned by the grid,
// never queried independently).
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS trader_accounts (
	trader_id        TEXT PRIMARY KEY,
	initial_balance  TEXT NOT NULL,
	balance          TEXT NOT NULL,
	margin_locked    TEXT NOT NULL,
	unrealized_pnl   TEXT NOT NULL,
	realized_pnl     TEXT NOT NULL,
	total_trades     INTEGER NOT NULL,
	winning_trades   INTEGER NOT NULL,
	losing_trades    INTEGER NOT NULL,
	max_open_positions INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	position_id      TEXT PRIMARY KEY,
	trader_id        TEXT NOT NULL,
	symbol           TEXT NOT NULL,
	side             TEXT NOT NULL,
	entry_price      TEXT NOT NULL,
	quantity         TEXT NOT NULL,
	leverage         INTEGER NOT NULL,
	margin_used      TEXT NOT NULL,
	stop_loss_price  TEXT NOT NULL,
	take_profit_price TEXT NOT NULL,
	unrealized_pnl   TEXT NOT NULL,
	opened_at        INTEGER NOT NULL,
	status           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_positions_trader ON positions(trader_id, status);

CREATE TABLE IF NOT EXISTS trades (
	trade_id     TEXT PRIMARY KEY,
	position_id  TEXT NOT NULL,
	trader_id    TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	side         TEXT NOT NULL,
	entry_price  TEXT NOT NULL,
	exit_price   TEXT NOT NULL,
	quantity     TEXT NOT NULL,
	leverage     INTEGER NOT NULL,
	pnl          TEXT NOT NULL,
	pnl_pct      TEXT NOT NULL,
	opened_at    INTEGER NOT NULL,
	closed_at    INTEGER NOT NULL,
	exit_reason  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_trader ON trades(trader_id, closed_at DESC);

CREATE TABLE IF NOT EXISTS grids (
	grid_id          TEXT PRIMARY KEY,
	short_id         TEXT NOT NULL,
	trader_id        TEXT NOT NULL,
	symbol           TEXT NOT NULL,
	config           TEXT NOT NULL,
	buy_levels       TEXT NOT NULL,
	sell_levels      TEXT NOT NULL,
	cycles_completed INTEGER NOT NULL,
	gross_profit     TEXT NOT NULL,
	fees             TEXT NOT NULL,
	net_profit       TEXT NOT NULL,
	status           TEXT NOT NULL,
	created_at       INTEGER NOT NULL,
	last_update      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_grids_trader ON grids(trader_id, status);

CREATE TABLE IF NOT EXISTS decisions (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	trader_id    TEXT NOT NULL,
	cycle_number INTEGER NOT NULL,
	input_digest TEXT NOT NULL,
	raw_response TEXT NOT NULL,
	action       TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	reason       TEXT NOT NULL,
	tokens_in    INTEGER NOT NULL,
	tokens_out   INTEGER NOT NULL,
	cost_usd     REAL NOT NULL,
	latency_ms   INTEGER NOT NULL,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_trader ON decisions(trader_id, created_at DESC);

CREATE TABLE IF NOT EXISTS market_data (
	symbol       TEXT NOT NULL,
	price        TEXT NOT NULL,
	change_24h   TEXT NOT NULL,
	high_24h     TEXT NOT NULL,
	low_24h      TEXT NOT NULL,
	volume_24h   TEXT NOT NULL,
	rsi_14       REAL NOT NULL,
	ema_20       REAL NOT NULL,
	ema_50       REAL NOT NULL,
	macd         REAL NOT NULL,
	macd_signal  REAL NOT NULL,
	macd_hist    REAL NOT NULL,
	created_at   INTEGER NOT NULL,
	PRIMARY KEY (symbol, created_at)
);
`

// NewSQLiteStore opens (creating if needed) the record store at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveAccount(ctx context.Context, acct *core.TraderAccount) error {
	query := `INSERT INTO trader_accounts
		(trader_id, initial_balance, balance, margin_locked, unrealized_pnl, realized_pnl,
		 total_trades, winning_trades, losing_trades, max_open_positions, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trader_id) DO UPDATE SET
		 balance=excluded.balance, margin_locked=excluded.margin_locked,
		 unrealized_pnl=excluded.unrealized_pnl, realized_pnl=excluded.realized_pnl,
		 total_trades=excluded.total_trades, winning_trades=excluded.winning_trades,
		 losing_trades=excluded.losing_trades, max_open_positions=excluded.max_open_positions,
		 updated_at=excluded.updated_at`
	_, err := s.db.ExecContext(ctx, query,
		acct.TraderID, acct.InitialBalance.String(), acct.Balance.String(),
		acct.MarginLocked.String(), acct.UnrealizedPnL.String(), acct.RealizedPnL.String(),
		acct.TotalTrades, acct.WinningTrades, acct.LosingTrades, acct.MaxOpenPositions,
		time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save account %s: %w", acct.TraderID, err)
	}
	return nil
}

func (s *SQLiteStore) GetAccount(ctx context.Context, traderID string) (*core.TraderAccount, error) {
	query := `SELECT trader_id, initial_balance, balance, margin_locked, unrealized_pnl,
		realized_pnl, total_trades, winning_trades, losing_trades, max_open_positions, updated_at
		FROM trader_accounts WHERE trader_id = ?`
	row := s.db.QueryRowContext(ctx, query, traderID)
	acct, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrNotFound
	}
	return acct, err
}

func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]*core.TraderAccount, error) {
	query := `SELECT trader_id, initial_balance, balance, margin_locked, unrealized_pnl,
		realized_pnl, total_trades, winning_trades, losing_trades, max_open_positions, updated_at
		FROM trader_accounts ORDER BY trader_id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*core.TraderAccount
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*core.TraderAccount, error) {
	var acct core.TraderAccount
	var initial, balance, locked, upnl, rpnl string
	var updatedAt int64
	err := row.Scan(&acct.TraderID, &initial, &balance, &locked, &upnl, &rpnl,
		&acct.TotalTrades, &acct.WinningTrades, &acct.LosingTrades, &acct.MaxOpenPositions, &updatedAt)
	if err != nil {
		return nil, err
	}
	if acct.InitialBalance, err = decimal.NewFromString(initial); err != nil {
		return nil, fmt.Errorf("corrupt initial_balance for %s: %w", acct.TraderID, err)
	}
	if acct.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("corrupt balance for %s: %w", acct.TraderID, err)
	}
	if acct.MarginLocked, err = decimal.NewFromString(locked); err != nil {
		return nil, fmt.Errorf("corrupt margin_locked for %s: %w", acct.TraderID, err)
	}
	if acct.UnrealizedPnL, err = decimal.NewFromString(upnl); err != nil {
		return nil, fmt.Errorf("corrupt unrealized_pnl for %s: %w", acct.TraderID, err)
	}
	if acct.RealizedPnL, err = decimal.NewFromString(rpnl); err != nil {
		return nil, fmt.Errorf("corrupt realized_pnl for %s: %w", acct.TraderID, err)
	}
	acct.UpdatedAt = time.UnixMilli(updatedAt)
	return &acct, nil
}

func (s *SQLiteStore) SavePosition(ctx context.Context, pos *core.Position) error {
	query := `INSERT INTO positions
		(position_id, trader_id, symbol, side, entry_price, quantity, leverage, margin_used,
		 stop_loss_price, take_profit_price, unrealized_pnl, opened_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(position_id) DO UPDATE SET
		 entry_price=excluded.entry_price, quantity=excluded.quantity,
		 margin_used=excluded.margin_used, stop_loss_price=excluded.stop_loss_price,
		 take_profit_price=excluded.take_profit_price, unrealized_pnl=excluded.unrealized_pnl,
		 status=excluded.status`
	_, err := s.db.ExecContext(ctx, query,
		pos.PositionID, pos.TraderID, pos.Symbol, string(pos.Side),
		pos.EntryPrice.String(), pos.Quantity.String(), pos.Leverage, pos.MarginUsed.String(),
		pos.StopLossPrice.String(), pos.TakeProfitPrice.String(), pos.UnrealizedPnL.String(),
		pos.OpenedAt.UnixMilli(), string(pos.Status))
	if err != nil {
		return fmt.Errorf("failed to save position %s: %w", pos.PositionID, err)
	}
	return nil
}

func (s *SQLiteStore) GetPosition(ctx context.Context, positionID string) (*core.Position, error) {
	query := `SELECT position_id, trader_id, symbol, side, entry_price, quantity, leverage,
		margin_used, stop_loss_price, take_profit_price, unrealized_pnl, opened_at, status
		FROM positions WHERE position_id = ?`
	row := s.db.QueryRowContext(ctx, query, positionID)
	pos, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrNotFound
	}
	return pos, err
}

func (s *SQLiteStore) ListOpenPositions(ctx context.Context, traderID string) ([]*core.Position, error) {
	query := `SELECT position_id, trader_id, symbol, side, entry_price, quantity, leverage,
		margin_used, stop_loss_price, take_profit_price, unrealized_pnl, opened_at, status
		FROM positions WHERE trader_id = ? AND status = 'OPEN'`
	rows, err := s.db.QueryContext(ctx, query, traderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions for %s: %w", traderID, err)
	}
	defer rows.Close()

	var positions []*core.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

func scanPosition(row rowScanner) (*core.Position, error) {
	var pos core.Position
	var side, status string
	var entry, qty, margin, sl, tp, upnl string
	var openedAt int64
	err := row.Scan(&pos.PositionID, &pos.TraderID, &pos.Symbol, &side, &entry, &qty,
		&pos.Leverage, &margin, &sl, &tp, &upnl, &openedAt, &status)
	if err != nil {
		return nil, err
	}
	pos.Side = core.PositionSide(side)
	pos.Status = core.PositionStatus(status)
	if pos.EntryPrice, err = decimal.NewFromString(entry); err != nil {
		return nil, fmt.Errorf("corrupt entry_price for %s: %w", pos.PositionID, err)
	}
	if pos.Quantity, err = decimal.NewFromString(qty); err != nil {
		return nil, fmt.Errorf("corrupt quantity for %s: %w", pos.PositionID, err)
	}
	if pos.MarginUsed, err = decimal.NewFromString(margin); err != nil {
		return nil, fmt.Errorf("corrupt margin_used for %s: %w", pos.PositionID, err)
	}
	if pos.StopLossPrice, err = decimal.NewFromString(sl); err != nil {
		return nil, fmt.Errorf("corrupt stop_loss_price for %s: %w", pos.PositionID, err)
	}
	if pos.TakeProfitPrice, err = decimal.NewFromString(tp); err != nil {
		return nil, fmt.Errorf("corrupt take_profit_price for %s: %w", pos.PositionID, err)
	}
	if pos.UnrealizedPnL, err = decimal.NewFromString(upnl); err != nil {
		return nil, fmt.Errorf("corrupt unrealized_pnl for %s: %w", pos.PositionID, err)
	}
	pos.OpenedAt = time.UnixMilli(openedAt)
	return &pos, nil
}

func (s *SQLiteStore) SaveTrade(ctx context.Context, trade *core.Trade) error {
	query := `INSERT OR IGNORE INTO trades
		(trade_id, position_id, trader_id, symbol, side, entry_price, exit_price, quantity,
		 leverage, pnl, pnl_pct, opened_at, closed_at, exit_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		trade.TradeID, trade.PositionID, trade.TraderID, trade.Symbol, string(trade.Side),
		trade.EntryPrice.String(), trade.ExitPrice.String(), trade.Quantity.String(),
		trade.Leverage, trade.PnL.String(), trade.PnLPct.String(),
		trade.OpenedAt.UnixMilli(), trade.ClosedAt.UnixMilli(), string(trade.ExitReason))
	if err != nil {
		return fmt.Errorf("failed to save trade %s: %w", trade.TradeID, err)
	}
	return nil
}

func (s *SQLiteStore) ListTrades(ctx context.Context, traderID string, limit int) ([]*core.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT trade_id, position_id, trader_id, symbol, side, entry_price, exit_price,
		quantity, leverage, pnl, pnl_pct, opened_at, closed_at, exit_reason
		FROM trades WHERE trader_id = ? ORDER BY closed_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, traderID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades for %s: %w", traderID, err)
	}
	defer rows.Close()

	var trades []*core.Trade
	for rows.Next() {
		var t core.Trade
		var side, reason string
		var entry, exit, qty, pnl, pnlPct string
		var openedAt, closedAt int64
		if err := rows.Scan(&t.TradeID, &t.PositionID, &t.TraderID, &t.Symbol, &side,
			&entry, &exit, &qty, &t.Leverage, &pnl, &pnlPct, &openedAt, &closedAt, &reason); err != nil {
			return nil, err
		}
		t.Side = core.PositionSide(side)
		t.ExitReason = core.ExitReason(reason)
		if t.EntryPrice, err = decimal.NewFromString(entry); err != nil {
			return nil, fmt.Errorf("corrupt entry_price for %s: %w", t.TradeID, err)
		}
		if t.ExitPrice, err = decimal.NewFromString(exit); err != nil {
			return nil, fmt.Errorf("corrupt exit_price for %s: %w", t.TradeID, err)
		}
		if t.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("corrupt quantity for %s: %w", t.TradeID, err)
		}
		if t.PnL, err = decimal.NewFromString(pnl); err != nil {
			return nil, fmt.Errorf("corrupt pnl for %s: %w", t.TradeID, err)
		}
		if t.PnLPct, err = decimal.NewFromString(pnlPct); err != nil {
			return nil, fmt.Errorf("corrupt pnl_pct for %s: %w", t.TradeID, err)
		}
		t.OpenedAt = time.UnixMilli(openedAt)
		t.ClosedAt = time.UnixMilli(closedAt)
		trades = append(trades, &t)
	}
	return trades, rows.Err()
}

// gridConfigDoc mirrors core.GridConfig for JSON persistence.
type gridConfigDoc struct {
	Upper       string `json:"upper"`
	Lower       string `json:"lower"`
	LevelCount  int    `json:"level_count"`
	Spacing     string `json:"spacing"`
	Leverage    int    `json:"leverage"`
	Investment  string `json:"investment"`
	StopLossPct string `json:"stop_loss_pct"`
}

type gridLevelDoc struct {
	LevelID     string `json:"level_id"`
	Index       int    `json:"index"`
	Side        string `json:"side"`
	Price       string `json:"price"`
	Quantity    string `json:"quantity"`
	Status      string `json:"status"`
	OrderID     int64  `json:"order_id,omitempty"`
	ExecutedQty string `json:"executed_qty"`
	FilledPrice string `json:"filled_price"`
	FilledAt    int64  `json:"filled_at,omitempty"`
}

func encodeLevels(levels []core.GridLevel) (string, error) {
	docs := make([]gridLevelDoc, 0, len(levels))
	for _, lv := range levels {
		doc := gridLevelDoc{
			LevelID:     lv.LevelID,
			Index:       lv.Index,
			Side:        string(lv.Side),
			Price:       lv.Price.String(),
			Quantity:    lv.Quantity.String(),
			Status:      string(lv.Status),
			OrderID:     lv.OrderID,
			ExecutedQty: lv.ExecutedQty.String(),
			FilledPrice: lv.FilledPrice.String(),
		}
		if !lv.FilledAt.IsZero() {
			doc.FilledAt = lv.FilledAt.UnixMilli()
		}
		docs = append(docs, doc)
	}
	data, err := json.Marshal(docs)
	if err != nil {
		return "", fmt.Errorf("failed to encode levels: %w", err)
	}
	return string(data), nil
}

func decodeLevels(data string) ([]core.GridLevel, error) {
	var docs []gridLevelDoc
	if err := json.Unmarshal([]byte(data), &docs); err != nil {
		return nil, fmt.Errorf("failed to decode levels: %w", err)
	}
	levels := make([]core.GridLevel, 0, len(docs))
	for _, doc := range docs {
		lv := core.GridLevel{
			LevelID: doc.LevelID,
			Index:   doc.Index,
			Side:    core.OrderSide(doc.Side),
			Status:  core.LevelStatus(doc.Status),
			OrderID: doc.OrderID,
		}
		var err error
		if lv.Price, err = decimal.NewFromString(doc.Price); err != nil {
			return nil, fmt.Errorf("corrupt level price: %w", err)
		}
		if lv.Quantity, err = decimal.NewFromString(doc.Quantity); err != nil {
			return nil, fmt.Errorf("corrupt level quantity: %w", err)
		}
		if lv.ExecutedQty, err = decimal.NewFromString(doc.ExecutedQty); err != nil {
			return nil, fmt.Errorf("corrupt level executed_qty: %w", err)
		}
		if lv.FilledPrice, err = decimal.NewFromString(doc.FilledPrice); err != nil {
			return nil, fmt.Errorf("corrupt level filled_price: %w", err)
		}
		if doc.FilledAt > 0 {
			lv.FilledAt = time.UnixMilli(doc.FilledAt)
		}
		levels = append(levels, lv)
	}
	return levels, nil
}

func (s *SQLiteStore) SaveGrid(ctx context.Context, state *core.GridState) error {
	cfgDoc := gridConfigDoc{
		Upper:       state.Config.Upper.String(),
		Lower:       state.Config.Lower.String(),
		LevelCount:  state.Config.LevelCount,
		Spacing:     string(state.Config.Spacing),
		Leverage:    state.Config.Leverage,
		Investment:  state.Config.Investment.String(),
		StopLossPct: state.Config.StopLossPct.String(),
	}
	cfgJSON, err := json.Marshal(cfgDoc)
	if err != nil {
		return fmt.Errorf("failed to encode grid config: %w", err)
	}
	buyJSON, err := encodeLevels(state.BuyLevels)
	if err != nil {
		return err
	}
	sellJSON, err := encodeLevels(state.SellLevels)
	if err != nil {
		return err
	}

	query := `INSERT INTO grids
		(grid_id, short_id, trader_id, symbol, config, buy_levels, sell_levels,
		 cycles_completed, gross_profit, fees, net_profit, status, created_at, last_update)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(grid_id) DO UPDATE SET
		 buy_levels=excluded.buy_levels, sell_levels=excluded.sell_levels,
		 cycles_completed=excluded.cycles_completed, gross_profit=excluded.gross_profit,
		 fees=excluded.fees, net_profit=excluded.net_profit, status=excluded.status,
		 last_update=excluded.last_update`
	_, err = s.db.ExecContext(ctx, query,
		state.GridID, state.ShortID, state.TraderID, state.Symbol,
		string(cfgJSON), buyJSON, sellJSON,
		state.CyclesCompleted, state.GrossProfit.String(), state.Fees.String(),
		state.NetProfit.String(), string(state.Status),
		state.CreatedAt.UnixMilli(), state.LastUpdate.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save grid %s: %w", state.GridID, err)
	}
	return nil
}

func (s *SQLiteStore) GetGrid(ctx context.Context, gridID string) (*core.GridState, error) {
	query := `SELECT grid_id, short_id, trader_id, symbol, config, buy_levels, sell_levels,
		cycles_completed, gross_profit, fees, net_profit, status, created_at, last_update
		FROM grids WHERE grid_id = ?`
	row := s.db.QueryRowContext(ctx, query, gridID)
	state, err := scanGrid(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrNotFound
	}
	return state, err
}

func (s *SQLiteStore) ListGrids(ctx context.Context, traderID string, active bool) ([]*core.GridState, error) {
	query := `SELECT grid_id, short_id, trader_id, symbol, config, buy_levels, sell_levels,
		cycles_completed, gross_profit, fees, net_profit, status, created_at, last_update
		FROM grids WHERE (? = '' OR trader_id = ?)`
	if active {
		query += ` AND status = 'ACTIVE'`
	}
	rows, err := s.db.QueryContext(ctx, query, traderID, traderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list grids: %w", err)
	}
	defer rows.Close()

	var grids []*core.GridState
	for rows.Next() {
		state, err := scanGrid(rows)
		if err != nil {
			return nil, err
		}
		grids = append(grids, state)
	}
	return grids, rows.Err()
}

func scanGrid(row rowScanner) (*core.GridState, error) {
	var state core.GridState
	var cfgJSON, buyJSON, sellJSON, status string
	var gross, fees, net string
	var createdAt, lastUpdate int64
	err := row.Scan(&state.GridID, &state.ShortID, &state.TraderID, &state.Symbol,
		&cfgJSON, &buyJSON, &sellJSON, &state.CyclesCompleted,
		&gross, &fees, &net, &status, &createdAt, &lastUpdate)
	if err != nil {
		return nil, err
	}

	var cfgDoc gridConfigDoc
	if err := json.Unmarshal([]byte(cfgJSON), &cfgDoc); err != nil {
		return nil, fmt.Errorf("corrupt grid config for %s: %w", state.GridID, err)
	}
	cfg := core.GridConfig{
		LevelCount: cfgDoc.LevelCount,
		Spacing:    core.GridSpacing(cfgDoc.Spacing),
		Leverage:   cfgDoc.Leverage,
	}
	if cfg.Upper, err = decimal.NewFromString(cfgDoc.Upper); err != nil {
		return nil, fmt.Errorf("corrupt grid upper for %s: %w", state.GridID, err)
	}
	if cfg.Lower, err = decimal.NewFromString(cfgDoc.Lower); err != nil {
		return nil, fmt.Errorf("corrupt grid lower for %s: %w", state.GridID, err)
	}
	if cfg.Investment, err = decimal.NewFromString(cfgDoc.Investment); err != nil {
		return nil, fmt.Errorf("corrupt grid investment for %s: %w", state.GridID, err)
	}
	if cfg.StopLossPct, err = decimal.NewFromString(cfgDoc.StopLossPct); err != nil {
		return nil, fmt.Errorf("corrupt grid stop_loss_pct for %s: %w", state.GridID, err)
	}
	state.Config = cfg

	if state.BuyLevels, err = decodeLevels(buyJSON); err != nil {
		return nil, fmt.Errorf("grid %s: %w", state.GridID, err)
	}
	if state.SellLevels, err = decodeLevels(sellJSON); err != nil {
		return nil, fmt.Errorf("grid %s: %w", state.GridID, err)
	}
	if state.GrossProfit, err = decimal.NewFromString(gross); err != nil {
		return nil, fmt.Errorf("corrupt gross_profit for %s: %w", state.GridID, err)
	}
	if state.Fees, err = decimal.NewFromString(fees); err != nil {
		return nil, fmt.Errorf("corrupt fees for %s: %w", state.GridID, err)
	}
	if state.NetProfit, err = decimal.NewFromString(net); err != nil {
		return nil, fmt.Errorf("corrupt net_profit for %s: %w", state.GridID, err)
	}
	state.Status = core.GridStatus(status)
	state.CreatedAt = time.UnixMilli(createdAt)
	state.LastUpdate = time.UnixMilli(lastUpdate)
	return &state, nil
}

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *core.MarketSnapshot) error {
	query := `INSERT OR IGNORE INTO market_data
		(symbol, price, change_24h, high_24h, low_24h, volume_24h,
		 rsi_14, ema_20, ema_50, macd, macd_signal, macd_hist, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		snap.Symbol, snap.Price.String(), snap.Change24hPct.String(),
		snap.High24h.String(), snap.Low24h.String(), snap.Volume24h.String(),
		snap.RSI14, snap.EMA20, snap.EMA50, snap.MACD, snap.MACDSignal, snap.MACDHist,
		snap.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save snapshot for %s: %w", snap.Symbol, err)
	}
	return nil
}

func (s *SQLiteStore) SaveDecision(ctx context.Context, rec *core.DecisionRecord) error {
	query := `INSERT INTO decisions
		(trader_id, cycle_number, input_digest, raw_response, action, symbol, outcome,
		 reason, tokens_in, tokens_out, cost_usd, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		rec.TraderID, rec.CycleNumber, rec.InputDigest, rec.RawResponse, rec.Action,
		rec.Symbol, rec.Outcome, rec.Reason, rec.TokensIn, rec.TokensOut,
		rec.CostUSD, rec.LatencyMs, rec.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save decision for %s: %w", rec.TraderID, err)
	}
	return nil
}

func (s *SQLiteStore) ListDecisions(ctx context.Context, traderID string, limit int) ([]*core.DecisionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT trader_id, cycle_number, input_digest, raw_response, action, symbol,
		outcome, reason, tokens_in, tokens_out, cost_usd, latency_ms, created_at
		FROM decisions WHERE trader_id = ? ORDER BY created_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, traderID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions for %s: %w", traderID, err)
	}
	defer rows.Close()

	var records []*core.DecisionRecord
	for rows.Next() {
		var rec core.DecisionRecord
		var createdAt int64
		if err := rows.Scan(&rec.TraderID, &rec.CycleNumber, &rec.InputDigest, &rec.RawResponse,
			&rec.Action, &rec.Symbol, &rec.Outcome, &rec.Reason, &rec.TokensIn, &rec.TokensOut,
			&rec.CostUSD, &rec.LatencyMs, &createdAt); err != nil {
			return nil, err
		}
		rec.Timestamp = time.UnixMilli(createdAt)
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
