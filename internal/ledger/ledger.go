// Package ledger provides the persistent store of strategies, runs,
// trades, positions, account snapshots and backtest results.
//
// Layout:
//   - strategies/runs/trades/positions are flat records linked by id;
//     the single-open-run invariant is enforced by a partial unique
//     index on runs(strategy_id) WHERE stopped_at IS NULL.
//   - AppendTrade is one transaction: trade insert plus run counter
//     update, failing if the run has closed in the meantime.
//   - Snapshots are pruned on open against a retention window.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/wangxso/ftrader/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS strategies (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    name        TEXT     NOT NULL,
    description TEXT     NOT NULL DEFAULT '',
    kind        TEXT     NOT NULL,
    config      TEXT     NOT NULL,
    status      TEXT     NOT NULL,
    created_at  DATETIME NOT NULL,
    updated_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    strategy_id   INTEGER  NOT NULL REFERENCES strategies(id),
    started_at    DATETIME NOT NULL,
    stopped_at    DATETIME,
    start_balance TEXT     NOT NULL,
    end_balance   TEXT,
    total_trades  INTEGER  NOT NULL DEFAULT 0,
    win_trades    INTEGER  NOT NULL DEFAULT 0,
    loss_trades   INTEGER  NOT NULL DEFAULT 0,
    realized_pnl  TEXT     NOT NULL DEFAULT '0',
    status        TEXT     NOT NULL
);

-- at most one open run per strategy
CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_single_open
    ON runs(strategy_id) WHERE stopped_at IS NULL;

CREATE TABLE IF NOT EXISTS trades (
    id          TEXT PRIMARY KEY,
    strategy_id INTEGER  NOT NULL,
    run_id      INTEGER  NOT NULL REFERENCES runs(id),
    kind        TEXT     NOT NULL,
    side        TEXT     NOT NULL,
    symbol      TEXT     NOT NULL,
    price       TEXT     NOT NULL,
    quantity    TEXT     NOT NULL,
    pnl         TEXT,
    executed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_run      ON trades(run_id);
CREATE INDEX IF NOT EXISTS idx_trades_strategy ON trades(strategy_id, executed_at DESC);

CREATE TABLE IF NOT EXISTS positions (
    run_id      INTEGER PRIMARY KEY REFERENCES runs(id),
    symbol      TEXT     NOT NULL,
    side        TEXT     NOT NULL,
    entry_price TEXT     NOT NULL,
    quantity    TEXT     NOT NULL,
    notional    TEXT     NOT NULL,
    leverage    INTEGER  NOT NULL DEFAULT 1,
    opened_at   DATETIME NOT NULL,
    mark_price  TEXT     NOT NULL DEFAULT '0',
    additions   INTEGER  NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS account_snapshots (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    taken_at   DATETIME NOT NULL,
    total      TEXT     NOT NULL,
    free       TEXT     NOT NULL,
    used       TEXT     NOT NULL,
    unrealized TEXT     NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_snapshots_at ON account_snapshots(taken_at DESC);

CREATE TABLE IF NOT EXISTS backtests (
    id           TEXT PRIMARY KEY,
    params       TEXT     NOT NULL,
    status       TEXT     NOT NULL,
    error        TEXT     NOT NULL DEFAULT '',
    equity_curve TEXT     NOT NULL DEFAULT '[]',
    trades       TEXT     NOT NULL DEFAULT '[]',
    stats        TEXT,
    created_at   DATETIME NOT NULL,
    completed_at DATETIME
);
`

// snapshotRetention bounds how long account snapshots are kept.
const snapshotRetention = 7 * 24 * time.Hour

// Ledger is the SQLite-backed store. SQLite is single-writer; writes
// from concurrent strategy loops are additionally serialized here.
type Ledger struct {
	db     *sql.DB
	logger *zap.Logger
	mu     sync.Mutex
}

// Open opens (or creates) the database at path, applies the schema and
// prunes expired snapshots.
func Open(path string, logger *zap.Logger) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, types.WrapErr(types.ErrKindLedger, "ledger.Open", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, types.WrapErr(types.ErrKindLedger, "ledger.Open", err)
	}

	l := &Ledger{db: db, logger: logger.Named("ledger")}
	l.pruneSnapshots(context.Background())
	return l, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error { return l.db.Close() }

// --- strategies ---

// CreateStrategy inserts a definition and returns its id.
func (l *Ledger) CreateStrategy(ctx context.Context, s *types.Strategy) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, err := json.Marshal(s.Config)
	if err != nil {
		return 0, types.WrapErr(types.ErrKindLedger, "ledger.CreateStrategy", err)
	}
	now := time.Now().UTC()
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO strategies (name, description, kind, config, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.Name, s.Description, string(s.Kind), string(cfg), string(types.StrategyStatusStopped), now, now)
	if err != nil {
		return 0, types.WrapErr(types.ErrKindLedger, "ledger.CreateStrategy", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, types.WrapErr(types.ErrKindLedger, "ledger.CreateStrategy", err)
	}
	s.ID = id
	s.Status = types.StrategyStatusStopped
	s.CreatedAt = now
	s.UpdatedAt = now
	return id, nil
}

// UpdateStrategy rewrites name, description and configuration. Edits
// while running are rejected upstream by the supervisor.
func (l *Ledger) UpdateStrategy(ctx context.Context, s *types.Strategy) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, err := json.Marshal(s.Config)
	if err != nil {
		return types.WrapErr(types.ErrKindLedger, "ledger.UpdateStrategy", err)
	}
	res, err := l.db.ExecContext(ctx,
		`UPDATE strategies SET name = ?, description = ?, config = ?, updated_at = ? WHERE id = ?`,
		s.Name, s.Description, string(cfg), time.Now().UTC(), s.ID)
	if err != nil {
		return types.WrapErr(types.ErrKindLedger, "ledger.UpdateStrategy", err)
	}
	return requireRow(res, "ledger.UpdateStrategy", s.ID)
}

// SetStrategyStatus updates the lifecycle status.
func (l *Ledger) SetStrategyStatus(ctx context.Context, id int64, status types.StrategyStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.db.ExecContext(ctx,
		`UPDATE strategies SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return types.WrapErr(types.ErrKindLedger, "ledger.SetStrategyStatus", err)
	}
	return requireRow(res, "ledger.SetStrategyStatus", id)
}

// DeleteStrategy removes a definition. Deletion is forbidden while a
// run is open.
func (l *Ledger) DeleteStrategy(ctx context.Context, id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var open int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE strategy_id = ? AND stopped_at IS NULL`, id).Scan(&open)
	if err != nil {
		return types.WrapErr(types.ErrKindLedger, "ledger.DeleteStrategy", err)
	}
	if open > 0 {
		return types.E(types.ErrKindLedger, "ledger.DeleteStrategy", "strategy %d has an open run", id)
	}

	res, err := l.db.ExecContext(ctx, `DELETE FROM strategies WHERE id = ?`, id)
	if err != nil {
		return types.WrapErr(types.ErrKindLedger, "ledger.DeleteStrategy", err)
	}
	return requireRow(res, "ledger.DeleteStrategy", id)
}

// GetStrategy loads one definition.
func (l *Ledger) GetStrategy(ctx context.Context, id int64) (*types.Strategy, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT id, name, description, kind, config, status, created_at, updated_at
		 FROM strategies WHERE id = ?`, id)
	s, err := scanStrategy(row)
	if err == sql.ErrNoRows {
		return nil, types.E(types.ErrKindLedger, "ledger.GetStrategy", "strategy %d not found", id)
	}
	if err != nil {
		return nil, types.WrapErr(types.ErrKindLedger, "ledger.GetStrategy", err)
	}
	return s, nil
}

// ListStrategies returns all definitions ordered by id.
func (l *Ledger) ListStrategies(ctx context.Context) ([]types.Strategy, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, name, description, kind, config, status, created_at, updated_at
		 FROM strategies ORDER BY id`)
	if err != nil {
		return nil, types.WrapErr(types.ErrKindLedger, "ledger.ListStrategies", err)
	}
	defer rows.Close()

	var out []types.Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, types.WrapErr(types.ErrKindLedger, "ledger.ListStrategies", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanStrategy(r rowScanner) (*types.Strategy, error) {
	var s types.Strategy
	var kind, cfg, status string
	if err := r.Scan(&s.ID, &s.Name, &s.Description, &kind, &cfg, &status, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Kind = types.StrategyKind(kind)
	s.Status = types.StrategyStatus(status)
	if err := json.Unmarshal([]byte(cfg), &s.Config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &s, nil
}

// --- runs ---

// OpenRun starts a new run. The partial unique index turns a second
// open run for the same strategy into a constraint violation.
func (l *Ledger) OpenRun(ctx context.Context, strategyID int64, startBalance decimal.Decimal) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.db.ExecContext(ctx,
		`INSERT INTO runs (strategy_id, started_at, start_balance, status)
		 VALUES (?, ?, ?, ?)`,
		strategyID, time.Now().UTC(), startBalance.String(), string(types.RunStatusOpen))
	if err != nil {
		if isUniqueViolation(err) {
			return 0, types.E(types.ErrKindLedger, "ledger.OpenRun", "strategy %d already has an open run", strategyID)
		}
		return 0, types.WrapErr(types.ErrKindLedger, "ledger.OpenRun", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, types.WrapErr(types.ErrKindLedger, "ledger.OpenRun", err)
	}
	return id, nil
}

// CloseRun stamps the stop time, ending balance and terminal status,
// and removes any lingering position row.
func (l *Ledger) CloseRun(ctx context.Context, runID int64, endBalance decimal.Decimal, status types.RunStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return types.WrapErr(types.ErrKindLedger, "ledger.CloseRun", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET stopped_at = ?, end_balance = ?, status = ?
		 WHERE id = ? AND stopped_at IS NULL`,
		time.Now().UTC(), endBalance.String(), string(status), runID)
	if err != nil {
		return types.WrapErr(types.ErrKindLedger, "ledger.CloseRun", err)
	}
	if err := requireRow(res, "ledger.CloseRun", runID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM positions WHERE run_id = ?`, runID); err != nil {
		return types.WrapErr(types.ErrKindLedger, "ledger.CloseRun", err)
	}
	if err := tx.Commit(); err != nil {
		return types.WrapErr(types.ErrKindLedger, "ledger.CloseRun", err)
	}
	return nil
}

// GetRun loads one run.
func (l *Ledger) GetRun(ctx context.Context, runID int64) (*types.Run, error) {
	row := l.db.QueryRowContext(ctx, selectRun+` WHERE id = ?`, runID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, types.E(types.ErrKindLedger, "ledger.GetRun", "run %d not found", runID)
	}
	if err != nil {
		return nil, types.WrapErr(types.ErrKindLedger, "ledger.GetRun", err)
	}
	return r, nil
}

// OpenRunFor returns the strategy's open run, or nil if none exists.
func (l *Ledger) OpenRunFor(ctx context.Context, strategyID int64) (*types.Run, error) {
	row := l.db.QueryRowContext(ctx,
		selectRun+` WHERE strategy_id = ? AND stopped_at IS NULL`, strategyID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, types.WrapErr(types.ErrKindLedger, "ledger.OpenRunFor", err)
	}
	return r, nil
}

// ListRuns returns all runs of a strategy, newest first.
func (l *Ledger) ListRuns(ctx context.Context, strategyID int64) ([]types.Run, error) {
	rows, err := l.db.QueryContext(ctx,
		selectRun+` WHERE strategy_id = ? ORDER BY id DESC`, strategyID)
	if err != nil {
		return nil, types.WrapErr(types.ErrKindLedger, "ledger.ListRuns", err)
	}
	defer rows.Close()

	var out []types.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, types.WrapErr(types.ErrKindLedger, "ledger.ListRuns", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

const selectRun = `SELECT id, strategy_id, started_at, stopped_at, start_balance, end_balance,
       total_trades, win_trades, loss_trades, realized_pnl, status FROM runs`

func scanRun(r rowScanner) (*types.Run, error) {
	var run types.Run
	var stoppedAt sql.NullTime
	var startBal, status string
	var endBal sql.NullString
	var realized string
	if err := r.Scan(&run.ID, &run.StrategyID, &run.StartedAt, &stoppedAt, &startBal, &endBal,
		&run.TotalTrades, &run.WinTrades, &run.LossTrades, &realized, &status); err != nil {
		return nil, err
	}
	var err error
	if run.StartBalance, err = decimal.NewFromString(startBal); err != nil {
		return nil, err
	}
	if run.RealizedPnL, err = decimal.NewFromString(realized); err != nil {
		return nil, err
	}
	if stoppedAt.Valid {
		t := stoppedAt.Time
		run.StoppedAt = &t
	}
	if endBal.Valid {
		d, err := decimal.NewFromString(endBal.String)
		if err != nil {
			return nil, err
		}
		run.EndBalance = &d
	}
	run.Status = types.RunStatus(status)
	return &run, nil
}

// --- trades ---

// AppendTrade atomically inserts the trade and updates the run
// counters. The append fails if the run has already closed; the
// supervisor treats that as a reconciliation anomaly.
func (l *Ledger) AppendTrade(ctx context.Context, t *types.Trade) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return types.WrapErr(types.ErrKindLedger, "ledger.AppendTrade", err)
	}
	defer tx.Rollback()

	var stoppedAt sql.NullTime
	var realized string
	err = tx.QueryRowContext(ctx,
		`SELECT stopped_at, realized_pnl FROM runs WHERE id = ?`, t.RunID).Scan(&stoppedAt, &realized)
	if err == sql.ErrNoRows {
		return types.E(types.ErrKindLedger, "ledger.AppendTrade", "run %d not found", t.RunID)
	}
	if err != nil {
		return types.WrapErr(types.ErrKindLedger, "ledger.AppendTrade", err)
	}
	if stoppedAt.Valid {
		return types.E(types.ErrKindLedger, "ledger.AppendTrade", "run %d is closed", t.RunID)
	}
	realizedPnL, err := decimal.NewFromString(realized)
	if err != nil {
		return types.WrapErr(types.ErrKindLedger, "ledger.AppendTrade", err)
	}

	var pnl sql.NullString
	if t.PnL != nil {
		pnl = sql.NullString{String: t.PnL.String(), Valid: true}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO trades (id, strategy_id, run_id, kind, side, symbol, price, quantity, pnl, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.StrategyID, t.RunID, string(t.Kind), string(t.Side), t.Symbol,
		t.Price.String(), t.Quantity.String(), pnl, t.ExecutedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return types.E(types.ErrKindLedger, "ledger.AppendTrade", "duplicate trade id %s", t.ID)
		}
		return types.WrapErr(types.ErrKindLedger, "ledger.AppendTrade", err)
	}

	wins, losses := 0, 0
	if t.PnL != nil {
		realizedPnL = realizedPnL.Add(*t.PnL)
		if t.PnL.IsPositive() {
			wins = 1
		} else if t.PnL.IsNegative() {
			losses = 1
		}
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET total_trades = total_trades + 1,
		        win_trades  = win_trades + ?,
		        loss_trades = loss_trades + ?,
		        realized_pnl = ?
		 WHERE id = ?`,
		wins, losses, realizedPnL.String(), t.RunID)
	if err != nil {
		return types.WrapErr(types.ErrKindLedger, "ledger.AppendTrade", err)
	}

	if err := tx.Commit(); err != nil {
		return types.WrapErr(types.ErrKindLedger, "ledger.AppendTrade", err)
	}
	return nil
}

// ListTrades pages trades filtered by strategy and/or run; zero ids
// mean "any". Items are newest first.
func (l *Ledger) ListTrades(ctx context.Context, strategyID, runID int64, offset, limit int) (*types.TradePage, error) {
	if limit <= 0 {
		limit = 50
	}

	where := make([]string, 0, 2)
	args := make([]any, 0, 4)
	if strategyID != 0 {
		where = append(where, "strategy_id = ?")
		args = append(args, strategyID)
	}
	if runID != 0 {
		where = append(where, "run_id = ?")
		args = append(args, runID)
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trades`+cond, args...).Scan(&total); err != nil {
		return nil, types.WrapErr(types.ErrKindLedger, "ledger.ListTrades", err)
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT id, strategy_id, run_id, kind, side, symbol, price, quantity, pnl, executed_at
		 FROM trades`+cond+` ORDER BY executed_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, types.WrapErr(types.ErrKindLedger, "ledger.ListTrades", err)
	}
	defer rows.Close()

	page := &types.TradePage{Total: total}
	for rows.Next() {
		var t types.Trade
		var kind, side, price, qty string
		var pnl sql.NullString
		if err := rows.Scan(&t.ID, &t.StrategyID, &t.RunID, &kind, &side, &t.Symbol,
			&price, &qty, &pnl, &t.ExecutedAt); err != nil {
			return nil, types.WrapErr(types.ErrKindLedger, "ledger.ListTrades", err)
		}
		t.Kind = types.TradeKind(kind)
		t.Side = types.Side(side)
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, types.WrapErr(types.ErrKindLedger, "ledger.ListTrades", err)
		}
		if t.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, types.WrapErr(types.ErrKindLedger, "ledger.ListTrades", err)
		}
		if pnl.Valid {
			d, err := decimal.NewFromString(pnl.String)
			if err != nil {
				return nil, types.WrapErr(types.ErrKindLedger, "ledger.ListTrades", err)
			}
			t.PnL = &d
		}
		page.Items = append(page.Items, t)
	}
	return page, rows.Err()
}

// --- positions ---

// UpsertPosition writes the run's position; nil removes it.
func (l *Ledger) UpsertPosition(ctx context.Context, runID int64, pos *types.Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if pos == nil {
		_, err := l.db.ExecContext(ctx, `DELETE FROM positions WHERE run_id = ?`, runID)
		if err != nil {
			return types.WrapErr(types.ErrKindLedger, "ledger.UpsertPosition", err)
		}
		return nil
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO positions (run_id, symbol, side, entry_price, quantity, notional, leverage, opened_at, mark_price, additions)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
		     symbol = excluded.symbol, side = excluded.side,
		     entry_price = excluded.entry_price, quantity = excluded.quantity,
		     notional = excluded.notional, leverage = excluded.leverage,
		     opened_at = excluded.opened_at, mark_price = excluded.mark_price,
		     additions = excluded.additions`,
		runID, pos.Symbol, string(pos.Side), pos.EntryPrice.String(), pos.Quantity.String(),
		pos.Notional.String(), pos.Leverage, pos.OpenedAt.UTC(), pos.MarkPrice.String(), pos.Additions)
	if err != nil {
		return types.WrapErr(types.ErrKindLedger, "ledger.UpsertPosition", err)
	}
	return nil
}

// GetPosition loads the run's position, or nil if flat.
func (l *Ledger) GetPosition(ctx context.Context, runID int64) (*types.Position, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT symbol, side, entry_price, quantity, notional, leverage, opened_at, mark_price, additions
		 FROM positions WHERE run_id = ?`, runID)

	var p types.Position
	var side, entry, qty, notional, mark string
	err := row.Scan(&p.Symbol, &side, &entry, &qty, &notional, &p.Leverage, &p.OpenedAt, &mark, &p.Additions)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, types.WrapErr(types.ErrKindLedger, "ledger.GetPosition", err)
	}
	p.Side = types.Side(side)
	if p.EntryPrice, err = decimal.NewFromString(entry); err != nil {
		return nil, types.WrapErr(types.ErrKindLedger, "ledger.GetPosition", err)
	}
	if p.Quantity, err = decimal.NewFromString(qty); err != nil {
		return nil, types.WrapErr(types.ErrKindLedger, "ledger.GetPosition", err)
	}
	if p.Notional, err = decimal.NewFromString(notional); err != nil {
		return nil, types.WrapErr(types.ErrKindLedger, "ledger.GetPosition", err)
	}
	if p.MarkPrice, err = decimal.NewFromString(mark); err != nil {
		return nil, types.WrapErr(types.ErrKindLedger, "ledger.GetPosition", err)
	}
	return &p, nil
}

// --- account snapshots ---

// SnapshotAccount appends a periodic account capture.
func (l *Ledger) SnapshotAccount(ctx context.Context, snap types.AccountSnapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO account_snapshots (taken_at, total, free, used, unrealized)
		 VALUES (?, ?, ?, ?, ?)`,
		snap.Timestamp.UTC(), snap.TotalBalance.String(), snap.FreeBalance.String(),
		snap.UsedBalance.String(), snap.UnrealizedPnL.String())
	if err != nil {
		return types.WrapErr(types.ErrKindLedger, "ledger.SnapshotAccount", err)
	}
	return nil
}

// QuerySnapshots returns snapshots taken at or after since, oldest
// first.
func (l *Ledger) QuerySnapshots(ctx context.Context, since time.Time) ([]types.AccountSnapshot, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT taken_at, total, free, used, unrealized FROM account_snapshots
		 WHERE taken_at >= ? ORDER BY taken_at`, since.UTC())
	if err != nil {
		return nil, types.WrapErr(types.ErrKindLedger, "ledger.QuerySnapshots", err)
	}
	defer rows.Close()

	var out []types.AccountSnapshot
	for rows.Next() {
		var s types.AccountSnapshot
		var total, free, used, unreal string
		if err := rows.Scan(&s.Timestamp, &total, &free, &used, &unreal); err != nil {
			return nil, types.WrapErr(types.ErrKindLedger, "ledger.QuerySnapshots", err)
		}
		if s.TotalBalance, err = decimal.NewFromString(total); err != nil {
			return nil, types.WrapErr(types.ErrKindLedger, "ledger.QuerySnapshots", err)
		}
		if s.FreeBalance, err = decimal.NewFromString(free); err != nil {
			return nil, types.WrapErr(types.ErrKindLedger, "ledger.QuerySnapshots", err)
		}
		if s.UsedBalance, err = decimal.NewFromString(used); err != nil {
			return nil, types.WrapErr(types.ErrKindLedger, "ledger.QuerySnapshots", err)
		}
		if s.UnrealizedPnL, err = decimal.NewFromString(unreal); err != nil {
			return nil, types.WrapErr(types.ErrKindLedger, "ledger.QuerySnapshots", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (l *Ledger) pruneSnapshots(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-snapshotRetention)
	res, err := l.db.ExecContext(ctx, `DELETE FROM account_snapshots WHERE taken_at < ?`, cutoff)
	if err != nil {
		l.logger.Warn("snapshot prune failed", zap.Error(err))
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		l.logger.Info("pruned account snapshots", zap.Int64("rows", n))
	}
}

// --- backtests ---

// SaveBacktest inserts a new backtest record.
func (l *Ledger) SaveBacktest(ctx context.Context, bt *types.Backtest) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeBacktest(ctx, bt, true)
}

// UpdateBacktest rewrites an existing backtest record.
func (l *Ledger) UpdateBacktest(ctx context.Context, bt *types.Backtest) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeBacktest(ctx, bt, false)
}

func (l *Ledger) writeBacktest(ctx context.Context, bt *types.Backtest, insert bool) error {
	op := "ledger.UpdateBacktest"
	if insert {
		op = "ledger.SaveBacktest"
	}

	params, err := json.Marshal(bt.Params)
	if err != nil {
		return types.WrapErr(types.ErrKindLedger, op, err)
	}
	curve, err := json.Marshal(bt.EquityCurve)
	if err != nil {
		return types.WrapErr(types.ErrKindLedger, op, err)
	}
	trades, err := json.Marshal(bt.Trades)
	if err != nil {
		return types.WrapErr(types.ErrKindLedger, op, err)
	}
	var stats sql.NullString
	if bt.Stats != nil {
		b, err := json.Marshal(bt.Stats)
		if err != nil {
			return types.WrapErr(types.ErrKindLedger, op, err)
		}
		stats = sql.NullString{String: string(b), Valid: true}
	}
	var completed sql.NullTime
	if bt.CompletedAt != nil {
		completed = sql.NullTime{Time: bt.CompletedAt.UTC(), Valid: true}
	}

	if insert {
		_, err = l.db.ExecContext(ctx,
			`INSERT INTO backtests (id, params, status, error, equity_curve, trades, stats, created_at, completed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			bt.ID, string(params), string(bt.Status), bt.Error, string(curve), string(trades),
			stats, bt.CreatedAt.UTC(), completed)
	} else {
		var res sql.Result
		res, err = l.db.ExecContext(ctx,
			`UPDATE backtests SET params = ?, status = ?, error = ?, equity_curve = ?, trades = ?, stats = ?, completed_at = ?
			 WHERE id = ?`,
			string(params), string(bt.Status), bt.Error, string(curve), string(trades), stats, completed, bt.ID)
		if err == nil {
			err = requireRowStr(res, op, bt.ID)
		}
	}
	if err != nil {
		if _, ok := err.(*types.Error); ok {
			return err
		}
		return types.WrapErr(types.ErrKindLedger, op, err)
	}
	return nil
}

// GetBacktest loads a backtest with its equity curve and trade log.
func (l *Ledger) GetBacktest(ctx context.Context, id string) (*types.Backtest, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT id, params, status, error, equity_curve, trades, stats, created_at, completed_at
		 FROM backtests WHERE id = ?`, id)

	bt, err := scanBacktest(row)
	if err == sql.ErrNoRows {
		return nil, types.E(types.ErrKindLedger, "ledger.GetBacktest", "backtest %s not found", id)
	}
	if err != nil {
		return nil, types.WrapErr(types.ErrKindLedger, "ledger.GetBacktest", err)
	}
	return bt, nil
}

// ListBacktests returns all backtests, newest first, without the
// equity curves and trade logs.
func (l *Ledger) ListBacktests(ctx context.Context) ([]types.Backtest, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, params, status, error, stats, created_at, completed_at
		 FROM backtests ORDER BY created_at DESC`)
	if err != nil {
		return nil, types.WrapErr(types.ErrKindLedger, "ledger.ListBacktests", err)
	}
	defer rows.Close()

	var out []types.Backtest
	for rows.Next() {
		var bt types.Backtest
		var params, status string
		var stats sql.NullString
		var completed sql.NullTime
		if err := rows.Scan(&bt.ID, &params, &status, &bt.Error, &stats, &bt.CreatedAt, &completed); err != nil {
			return nil, types.WrapErr(types.ErrKindLedger, "ledger.ListBacktests", err)
		}
		if err := json.Unmarshal([]byte(params), &bt.Params); err != nil {
			return nil, types.WrapErr(types.ErrKindLedger, "ledger.ListBacktests", err)
		}
		bt.Status = types.BacktestStatus(status)
		if stats.Valid {
			bt.Stats = &types.BacktestStats{}
			if err := json.Unmarshal([]byte(stats.String), bt.Stats); err != nil {
				return nil, types.WrapErr(types.ErrKindLedger, "ledger.ListBacktests", err)
			}
		}
		if completed.Valid {
			t := completed.Time
			bt.CompletedAt = &t
		}
		out = append(out, bt)
	}
	return out, rows.Err()
}

// DeleteBacktest removes a backtest record.
func (l *Ledger) DeleteBacktest(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.db.ExecContext(ctx, `DELETE FROM backtests WHERE id = ?`, id)
	if err != nil {
		return types.WrapErr(types.ErrKindLedger, "ledger.DeleteBacktest", err)
	}
	return requireRowStr(res, "ledger.DeleteBacktest", id)
}

func scanBacktest(r rowScanner) (*types.Backtest, error) {
	var bt types.Backtest
	var params, status, curve, trades string
	var stats sql.NullString
	var completed sql.NullTime
	if err := r.Scan(&bt.ID, &params, &status, &bt.Error, &curve, &trades, &stats, &bt.CreatedAt, &completed); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(params), &bt.Params); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(curve), &bt.EquityCurve); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(trades), &bt.Trades); err != nil {
		return nil, err
	}
	if stats.Valid {
		bt.Stats = &types.BacktestStats{}
		if err := json.Unmarshal([]byte(stats.String), bt.Stats); err != nil {
			return nil, err
		}
	}
	bt.Status = types.BacktestStatus(status)
	if completed.Valid {
		t := completed.Time
		bt.CompletedAt = &t
	}
	return &bt, nil
}

// --- helpers ---

func requireRow(res sql.Result, op string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return types.WrapErr(types.ErrKindLedger, op, err)
	}
	if n == 0 {
		return types.E(types.ErrKindLedger, op, "record %d not found", id)
	}
	return nil
}

func requireRowStr(res sql.Result, op, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return types.WrapErr(types.ErrKindLedger, op, err)
	}
	if n == 0 {
		return types.E(types.ErrKindLedger, op, "record %s not found", id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
