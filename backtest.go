// FILE: backtest.go
// Package main – CSV replay harness for the `backtest` subcommand.
//
// Grounded in the teacher's backtest.go (feed a CSV of candles through the
// trading loop one row at a time) and generalized from per-row ML-signal
// scoring to bar-by-bar BOLL state-machine replay: each row becomes one
// Store upsert followed by one Engine.BarClosed call, exactly the sequence
// MarketFeed drives in production, so the same determinism property (§8.5)
// holds for backtests. Timestamps are parsed with
// github.com/relvacode/iso8601, matching how dbn-go-hist parses the
// --start/--end flags of its own CLI.
package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/relvacode/iso8601"
)

// runBacktest replays the candles in path (columns: open_time,open,high,low,
// close,volume, where open_time is either unix millis or an ISO-8601
// timestamp) through a fresh in-memory Store, the Engine, and a SimAdapter
// seeded from cfg.InitialSimBalance.
func runBacktest(ctx context.Context, cfg Config, path string) error {
	rows, err := readBacktestCSV(path, cfg.Symbol, cfg.Interval)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("backtest: no rows in %s", path)
	}

	store, err := OpenStore("")
	if err != nil {
		return err
	}
	defer store.Close()

	adapter := NewSimAdapter(cfg.InitialSimBalance, cfg.FeeRate)
	engine := NewEngine(cfg, store, adapter)

	for _, row := range rows {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, _, err := store.UpsertKlines(ctx, []Kline{row}); err != nil {
			return err
		}
		if err := engine.BarClosed(ctx, row.OpenTime, row.Close); err != nil {
			return err
		}
	}

	trades, err := store.RecentTrades(ctx, cfg.Symbol, 1<<20)
	if err != nil {
		return err
	}
	var realized, fees float64
	for _, t := range trades {
		realized += t.PnL
		fees += t.Fee
	}
	fmt.Printf("backtest: %d bars, %d trades, final state=%s, realized_pnl=%.8f fees=%.8f\n",
		len(rows), len(trades), engine.State(), realized, fees)
	return nil
}

func readBacktestCSV(path, symbol string, interval Interval) ([]Kline, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("backtest csv: %v", err)}
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	d, _ := intervalDuration(interval)

	var out []Kline
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("backtest csv: %w", err)
		}
		if len(rec) < 6 || rec[0] == "open_time" {
			continue // header or short row
		}
		openTime, err := parseBacktestTime(rec[0])
		if err != nil {
			return nil, fmt.Errorf("backtest csv: row %v: %w", rec, err)
		}
		open, _ := strconv.ParseFloat(rec[1], 64)
		high, _ := strconv.ParseFloat(rec[2], 64)
		low, _ := strconv.ParseFloat(rec[3], 64)
		close_, _ := strconv.ParseFloat(rec[4], 64)
		volume, _ := strconv.ParseFloat(rec[5], 64)
		out = append(out, Kline{
			Symbol:    symbol,
			Interval:  interval,
			OpenTime:  openTime,
			CloseTime: openTime + d.Milliseconds(),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     close_,
			Volume:    volume,
		})
	}
	return out, nil
}

// parseBacktestTime accepts either a raw unix-millis integer or an
// ISO-8601 timestamp string, since hand-curated fixture CSVs commonly use
// the latter while exported venue data uses the former.
func parseBacktestTime(s string) (int64, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, nil
	}
	t, err := iso8601.ParseString(s)
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}
