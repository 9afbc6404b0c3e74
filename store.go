// FILE: store.go
// Package main – durable Store backed by embedded DuckDB.
//
// Grounded in NimbleMarkets-dbn-go's cache.go: database/sql against the
// duckdb-go/v2 driver (blank-imported for its side-effecting driver
// registration) and hand-written SQL over typed Scan targets rather than an
// ORM. Unlike the cache in that teacher file (a read-mostly parquet-view
// cache), this Store is the system of record: klines, positions, trades,
// logs (§3). Klines are written by the Market Feed; positions, trades and
// logs by the single Engine task (§5).
package main

import (
	"context"
	"database/sql"

	_ "github.com/duckdb/duckdb-go/v2"
)

// Store is the durable append-oriented store with the four relations named
// in the data model. All methods are safe for concurrent callers; the
// Engine is the sole writer of positions/trades, but Dashboard readers may
// run concurrently against the same *sql.DB.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if absent) the DuckDB file at path and
// initializes schema. A failure here is fatal at startup (exit code 4).
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &StorageError{Op: "ping", Err: err}
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE SEQUENCE IF NOT EXISTS trades_id_seq START 1`,
		`CREATE SEQUENCE IF NOT EXISTS logs_id_seq START 1`,
		`CREATE TABLE IF NOT EXISTS klines (
			symbol TEXT NOT NULL,
			interval TEXT NOT NULL,
			open_time BIGINT NOT NULL,
			close_time BIGINT NOT NULL,
			open DOUBLE NOT NULL,
			high DOUBLE NOT NULL,
			low DOUBLE NOT NULL,
			close DOUBLE NOT NULL,
			volume DOUBLE NOT NULL,
			quote_volume DOUBLE NOT NULL,
			trades BIGINT NOT NULL,
			taker_buy_base DOUBLE NOT NULL,
			taker_buy_quote DOUBLE NOT NULL,
			PRIMARY KEY (symbol, interval, open_time)
		)`,
		`CREATE TABLE IF NOT EXISTS positions (
			symbol TEXT PRIMARY KEY,
			side TEXT NOT NULL,
			qty DOUBLE NOT NULL,
			entry_price DOUBLE NOT NULL,
			opened_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS trades (
			id BIGINT PRIMARY KEY DEFAULT nextval('trades_id_seq'),
			ts BIGINT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			qty DOUBLE NOT NULL,
			price DOUBLE NOT NULL,
			fee DOUBLE NOT NULL,
			pnl DOUBLE NOT NULL,
			simulate BOOLEAN NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS logs (
			id BIGINT PRIMARY KEY DEFAULT nextval('logs_id_seq'),
			ts BIGINT NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return &StorageError{Op: "migrate", Err: err}
		}
	}
	return nil
}

// UpsertKlines inserts or replaces rows keyed by (symbol, interval,
// open_time). Returns the number of rows that were new vs. already present,
// so repeated bootstraps over overlapping windows are observably idempotent.
func (s *Store) UpsertKlines(ctx context.Context, rows []Kline) (inserted, replaced int, err error) {
	if len(rows) == 0 {
		return 0, 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, &StorageError{Op: "upsert_klines/begin", Err: err}
	}
	defer tx.Rollback()

	checkStmt, err := tx.PrepareContext(ctx, `SELECT 1 FROM klines WHERE symbol=? AND interval=? AND open_time=?`)
	if err != nil {
		return 0, 0, &StorageError{Op: "upsert_klines/prepare_check", Err: err}
	}
	defer checkStmt.Close()

	upsertStmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO klines
		(symbol, interval, open_time, close_time, open, high, low, close, volume, quote_volume, trades, taker_buy_base, taker_buy_quote)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return 0, 0, &StorageError{Op: "upsert_klines/prepare_upsert", Err: err}
	}
	defer upsertStmt.Close()

	for _, k := range rows {
		var exists int
		existsErr := checkStmt.QueryRowContext(ctx, k.Symbol, string(k.Interval), k.OpenTime).Scan(&exists)
		if existsErr == nil {
			replaced++
		} else {
			inserted++
		}
		if _, err := upsertStmt.ExecContext(ctx, k.Symbol, string(k.Interval), k.OpenTime, k.CloseTime,
			k.Open, k.High, k.Low, k.Close, k.Volume, k.QuoteVolume, k.Trades, k.TakerBuyBase, k.TakerBuyQuote); err != nil {
			return 0, 0, &StorageError{Op: "upsert_klines/exec", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, &StorageError{Op: "upsert_klines/commit", Err: err}
	}
	return inserted, replaced, nil
}

// FetchKlines returns the last limit rows ascending by open_time, including
// any still-forming tail row the feed has upserted. Engine must not use this
// directly (see FetchClosedKlines); it exists for read-only consumers like
// the status snapshot that want the freshest data regardless of finality.
func (s *Store) FetchKlines(ctx context.Context, symbol string, interval Interval, limit int) ([]Kline, error) {
	return s.queryKlines(ctx, `SELECT symbol, interval, open_time, close_time, open, high, low, close,
		volume, quote_volume, trades, taker_buy_base, taker_buy_quote
		FROM klines WHERE symbol=? AND interval=? ORDER BY open_time DESC LIMIT ?`,
		"fetch_klines", symbol, string(interval), limit)
}

// FetchClosedKlines returns the last limit rows with open_time <= asOf,
// ascending by open_time. This is the Engine's window read (§4.5 "last P
// closes, including the just-closed one"): bounding by the BarClosed event's
// own open_time keeps a concurrently-upserted, still-forming tail bar (§4.3)
// out of the indicator's input no matter how the Feed and Engine goroutines
// happen to interleave.
func (s *Store) FetchClosedKlines(ctx context.Context, symbol string, interval Interval, asOf int64, limit int) ([]Kline, error) {
	return s.queryKlines(ctx, `SELECT symbol, interval, open_time, close_time, open, high, low, close,
		volume, quote_volume, trades, taker_buy_base, taker_buy_quote
		FROM klines WHERE symbol=? AND interval=? AND open_time<=? ORDER BY open_time DESC LIMIT ?`,
		"fetch_closed_klines", symbol, string(interval), asOf, limit)
}

func (s *Store) queryKlines(ctx context.Context, query, op string, args ...any) ([]Kline, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &StorageError{Op: op, Err: err}
	}
	defer rows.Close()

	var out []Kline
	for rows.Next() {
		var k Kline
		var ivl string
		if err := rows.Scan(&k.Symbol, &ivl, &k.OpenTime, &k.CloseTime, &k.Open, &k.High, &k.Low, &k.Close,
			&k.Volume, &k.QuoteVolume, &k.Trades, &k.TakerBuyBase, &k.TakerBuyQuote); err != nil {
			return nil, &StorageError{Op: op + "/scan", Err: err}
		}
		k.Interval = Interval(ivl)
		out = append(out, k)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

// LatestKlineTime returns the max open_time for symbol/interval, or 0 if none.
func (s *Store) LatestKlineTime(ctx context.Context, symbol string, interval Interval) (int64, error) {
	var t sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(open_time) FROM klines WHERE symbol=? AND interval=?`,
		symbol, string(interval)).Scan(&t)
	if err != nil {
		return 0, &StorageError{Op: "latest_kline_time", Err: err}
	}
	return t.Int64, nil
}

// GetPosition returns the open position for symbol, or ok=false if flat.
func (s *Store) GetPosition(ctx context.Context, symbol string) (Position, bool, error) {
	var p Position
	var side string
	err := s.db.QueryRowContext(ctx, `SELECT symbol, side, qty, entry_price, opened_at FROM positions WHERE symbol=?`, symbol).
		Scan(&p.Symbol, &side, &p.Qty, &p.EntryPrice, &p.OpenedAt)
	if err == sql.ErrNoRows {
		return Position{}, false, nil
	}
	if err != nil {
		return Position{}, false, &StorageError{Op: "get_position", Err: err}
	}
	p.Side = Side(side)
	return p, true, nil
}

// SetPosition atomically replaces the position row for symbol.
func (s *Store) SetPosition(ctx context.Context, p Position) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO positions (symbol, side, qty, entry_price, opened_at) VALUES (?,?,?,?,?)`,
		p.Symbol, string(p.Side), p.Qty, p.EntryPrice, p.OpenedAt)
	if err != nil {
		return &StorageError{Op: "set_position", Err: err}
	}
	return nil
}

// ClearPosition removes the position row for symbol, leaving it flat.
func (s *Store) ClearPosition(ctx context.Context, symbol string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE symbol=?`, symbol)
	if err != nil {
		return &StorageError{Op: "clear_position", Err: err}
	}
	return nil
}

// CommitTransition writes a set of Trade rows and the resulting position
// (nil if the symbol ends flat) inside a single transaction, so the
// engine's compound close-then-open transitions (§4.6) commit as a unit:
// either every trade and the final position land together, or none do.
func (s *Store) CommitTransition(ctx context.Context, trades []Trade, symbol string, final *Position) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "commit_transition/begin", Err: err}
	}
	defer tx.Rollback()

	for _, t := range trades {
		if _, err := tx.ExecContext(ctx, `INSERT INTO trades (ts, symbol, side, qty, price, fee, pnl, simulate)
			VALUES (?,?,?,?,?,?,?,?)`, t.TS, t.Symbol, string(t.Side), t.Qty, t.Price, t.Fee, t.PnL, t.Simulate); err != nil {
			return &StorageError{Op: "commit_transition/trade", Err: err}
		}
	}
	if final == nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM positions WHERE symbol=?`, symbol); err != nil {
			return &StorageError{Op: "commit_transition/clear_position", Err: err}
		}
	} else {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO positions (symbol, side, qty, entry_price, opened_at) VALUES (?,?,?,?,?)`,
			final.Symbol, string(final.Side), final.Qty, final.EntryPrice, final.OpenedAt); err != nil {
			return &StorageError{Op: "commit_transition/set_position", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "commit_transition/commit", Err: err}
	}
	return nil
}

// AppendTrade writes one immutable ledger row and returns its assigned id.
func (s *Store) AppendTrade(ctx context.Context, t Trade) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `INSERT INTO trades (ts, symbol, side, qty, price, fee, pnl, simulate)
		VALUES (?,?,?,?,?,?,?,?) RETURNING id`,
		t.TS, t.Symbol, string(t.Side), t.Qty, t.Price, t.Fee, t.PnL, t.Simulate).Scan(&id)
	if err != nil {
		return 0, &StorageError{Op: "append_trade", Err: err}
	}
	return id, nil
}

// logCap bounds the logs table to the most recent rows (§3 expansion: a
// capped ring of log entries, carried over from the original's max_logs=100).
const logCap = 100

// AppendLog writes one log line to the append-only ring, then trims it back
// to logCap rows so the table never grows unbounded across a long-running
// process.
func (s *Store) AppendLog(ctx context.Context, ts int64, level LogLevel, message string) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO logs (ts, level, message) VALUES (?,?,?)`, ts, string(level), message); err != nil {
		return &StorageError{Op: "append_log", Err: err}
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM logs WHERE id NOT IN (SELECT id FROM logs ORDER BY id DESC LIMIT ?)`, logCap); err != nil {
		return &StorageError{Op: "append_log/trim", Err: err}
	}
	return nil
}

// RecentTrades returns the last n trades for symbol, descending by ts.
func (s *Store) RecentTrades(ctx context.Context, symbol string, n int) ([]Trade, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, ts, symbol, side, qty, price, fee, pnl, simulate
		FROM trades WHERE symbol=? ORDER BY ts DESC LIMIT ?`, symbol, n)
	if err != nil {
		return nil, &StorageError{Op: "recent_trades", Err: err}
	}
	defer rows.Close()
	var out []Trade
	for rows.Next() {
		var t Trade
		var side string
		if err := rows.Scan(&t.ID, &t.TS, &t.Symbol, &side, &t.Qty, &t.Price, &t.Fee, &t.PnL, &t.Simulate); err != nil {
			return nil, &StorageError{Op: "recent_trades/scan", Err: err}
		}
		t.Side = TradeSide(side)
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecentLogs returns the last n log lines, descending by ts.
func (s *Store) RecentLogs(ctx context.Context, n int) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, ts, level, message FROM logs ORDER BY ts DESC LIMIT ?`, n)
	if err != nil {
		return nil, &StorageError{Op: "recent_logs", Err: err}
	}
	defer rows.Close()
	var out []LogEntry
	for rows.Next() {
		var l LogEntry
		var level string
		if err := rows.Scan(&l.ID, &l.TS, &level, &l.Message); err != nil {
			return nil, &StorageError{Op: "recent_logs/scan", Err: err}
		}
		l.Level = LogLevel(level)
		out = append(out, l)
	}
	return out, rows.Err()
}

// DailyProfit is one row of the per-day PnL aggregation.
type DailyProfit struct {
	Day       string
	RealizedPnL float64
	Fees      float64
	Trades    int64
}

// DailyProfitSummary aggregates realized PnL and fees by UTC calendar day.
// Read-only; consumed by Dashboard, never by Engine.
func (s *Store) DailyProfitSummary(ctx context.Context, symbol string) ([]DailyProfit, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT strftime(to_timestamp(ts/1000), '%Y-%m-%d') AS day,
			SUM(pnl) AS realized_pnl, SUM(fee) AS fees, COUNT(*) AS n
		FROM trades WHERE symbol=? GROUP BY day ORDER BY day DESC`, symbol)
	if err != nil {
		return nil, &StorageError{Op: "daily_profit_summary", Err: err}
	}
	defer rows.Close()
	var out []DailyProfit
	for rows.Next() {
		var d DailyProfit
		if err := rows.Scan(&d.Day, &d.RealizedPnL, &d.Fees, &d.Trades); err != nil {
			return nil, &StorageError{Op: "daily_profit_summary/scan", Err: err}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
