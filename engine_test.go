package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdapter is a deterministic TradingAdapter fake for engine tests: it
// fills at whatever price the test sets, manufactures a qty-for-qty fill
// (no partial fills unless partialFrac < 1), and can be told to fail its
// next call by name (scenario E, §8 adapter-failure property).
type fakeAdapter struct {
	balance     float64
	feeRate     float64
	lastPrice   float64
	position    map[string]Position
	failNextOp  string
	partialFrac float64 // 1.0 = full fill; <1 simulates a partial fill
}

func newFakeAdapter(balance, feeRate float64) *fakeAdapter {
	return &fakeAdapter{balance: balance, feeRate: feeRate, position: map[string]Position{}, partialFrac: 1.0}
}

func (f *fakeAdapter) Balance(ctx context.Context) (float64, error) { return f.balance, nil }
func (f *fakeAdapter) Positions(ctx context.Context, symbol string) ([]Position, error) {
	if p, ok := f.position[symbol]; ok {
		return []Position{p}, nil
	}
	return nil, nil
}
func (f *fakeAdapter) ExchangeFilters(ctx context.Context, symbol string) (ExFilters, error) {
	return ExFilters{BaseStep: 0}, nil // no rounding, so tests can assert exact qty
}

func (f *fakeAdapter) maybeFail(op string) error {
	if f.failNextOp == op {
		f.failNextOp = ""
		return errors.New("injected failure: " + op)
	}
	return nil
}

func (f *fakeAdapter) open(symbol string, side Side, qty float64) (Fill, error) {
	if err := f.maybeFail("open_" + string(side)); err != nil {
		return Fill{}, err
	}
	fee := qty * f.lastPrice * f.feeRate
	f.balance -= fee
	f.position[symbol] = Position{Symbol: symbol, Side: side, Qty: qty, EntryPrice: f.lastPrice}
	return Fill{FillPrice: f.lastPrice, FillQty: qty, Fee: fee}, nil
}

func (f *fakeAdapter) close(symbol string, side Side, qty float64) (Fill, error) {
	if err := f.maybeFail("close_" + string(side)); err != nil {
		return Fill{}, err
	}
	pos := f.position[symbol]
	filled := qty * f.partialFrac
	fee := filled * f.lastPrice * f.feeRate
	var pnl float64
	if side == SideLong {
		pnl = (f.lastPrice - pos.EntryPrice) * filled
	} else {
		pnl = (pos.EntryPrice - f.lastPrice) * filled
	}
	f.balance += pnl - fee
	residual := pos.Qty - filled
	if residual > 1e-12 {
		pos.Qty = residual
		f.position[symbol] = pos
	} else {
		delete(f.position, symbol)
	}
	return Fill{FillPrice: f.lastPrice, FillQty: filled, Fee: fee}, nil
}

func (f *fakeAdapter) OpenLong(ctx context.Context, symbol string, qty float64) (Fill, error) {
	return f.open(symbol, SideLong, qty)
}
func (f *fakeAdapter) OpenShort(ctx context.Context, symbol string, qty float64) (Fill, error) {
	return f.open(symbol, SideShort, qty)
}
func (f *fakeAdapter) CloseLong(ctx context.Context, symbol string, qty float64) (Fill, error) {
	return f.close(symbol, SideLong, qty)
}
func (f *fakeAdapter) CloseShort(ctx context.Context, symbol string, qty float64) (Fill, error) {
	return f.close(symbol, SideShort, qty)
}

// testEngine builds a Store+Engine pair seeded with period closes at flat
// price basePrice, so the first BarClosed call after seeding always has a
// Defined band. Returns the engine, the fake adapter, the store (closed via
// t.Cleanup), and the open_time of the last seeded bar.
func testEngine(t *testing.T, period int, k, leverage, feeRate, tradePct float64, basePrice float64) (*Engine, *fakeAdapter, *Store, int64) {
	t.Helper()
	store, err := OpenStore("")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := Config{
		Symbol: "BTCUSDT", Interval: Interval1m, BollPeriod: period, BollStd: k,
		Leverage: int(leverage), TradePercent: tradePct, FeeRate: feeRate, Mode: ModeSim,
	}
	adapter := newFakeAdapter(1000, feeRate)
	engine := NewEngine(cfg, store, adapter)

	ctx := context.Background()
	var ts int64
	var rows []Kline
	for i := 0; i < period; i++ {
		ts += 60000
		rows = append(rows, Kline{Symbol: cfg.Symbol, Interval: cfg.Interval, OpenTime: ts, CloseTime: ts + 60000,
			Open: basePrice, High: basePrice, Low: basePrice, Close: basePrice})
	}
	_, _, err = store.UpsertKlines(ctx, rows)
	require.NoError(t, err)
	adapter.lastPrice = basePrice
	return engine, adapter, store, ts
}

func pushClose(t *testing.T, store *Store, symbol string, interval Interval, ts int64, close float64) int64 {
	t.Helper()
	ts += 60000
	_, _, err := store.UpsertKlines(context.Background(), []Kline{{
		Symbol: symbol, Interval: interval, OpenTime: ts, CloseTime: ts + 60000,
		Open: close, High: close, Low: close, Close: close,
	}})
	require.NoError(t, err)
	return ts
}

// TestStrictCrossEquality: Scenario F — c == up exactly must not cross.
func TestStrictCrossEquality(t *testing.T) {
	engine, adapter, store, ts := testEngine(t, 20, 2, 10, 0.0005, 0.7, 100)
	ctx := context.Background()

	rows, err := store.FetchKlines(ctx, "BTCUSDT", Interval1m, 20)
	require.NoError(t, err)
	closes := make([]float64, len(rows))
	for i, r := range rows {
		closes[i] = r.Close
	}
	band := BollingerLast(closes, 20, 2)
	require.True(t, band.Defined)

	adapter.lastPrice = band.Upper
	ts = pushClose(t, store, "BTCUSDT", Interval1m, ts, band.Upper)
	require.NoError(t, engine.BarClosed(ctx, ts, band.Upper))
	assert.Equal(t, StateWaiting, engine.State())
}

// advanceBar computes the live band from whatever window the engine would
// see right now, pushes one more close at an offset from its upper band,
// and drives the engine with it. Recomputing the band fresh at every step
// (rather than assuming it stays fixed) matches how the window actually
// shifts as new closes enter it.
func advanceBar(t *testing.T, engine *Engine, adapter *fakeAdapter, store *Store, ts int64, period int, k, offset float64) (newTS int64, close float64) {
	t.Helper()
	up := bandUpperFor(t, store, period, k)
	close = up + offset
	adapter.lastPrice = close
	newTS = pushClose(t, store, "BTCUSDT", Interval1m, ts, close)
	require.NoError(t, engine.BarClosed(context.Background(), newTS, close))
	return newTS, close
}

// TestScenarioA: short entry and stop (S0->S1->S2->S3).
func TestScenarioA(t *testing.T) {
	engine, adapter, store, ts := testEngine(t, 20, 2, 10, 0.0005, 0.7, 100)
	ctx := context.Background()

	// c_t1 = up + 5 -> S0 -> S1
	ts, _ = advanceBar(t, engine, adapter, store, ts, 20, 2, 5)
	require.Equal(t, StateAboveUpWaitFall, engine.State())

	// c_t2 = up - 1 -> S1 -> open_short -> S2
	ts, entryPrice := advanceBar(t, engine, adapter, store, ts, 20, 2, -1)
	require.Equal(t, StateHoldingShort, engine.State())

	// c_t3 = up + 2 -> S2 -> close_short (stop) -> S3
	_, exitPrice := advanceBar(t, engine, adapter, store, ts, 20, 2, 2)
	require.Equal(t, StateAboveUpStoppedWaitFall, engine.State())

	trades, err := store.RecentTrades(ctx, "BTCUSDT", 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	// descending by ts: [CLOSE_SHORT, SELL]
	assert.Equal(t, TradeCloseShort, trades[0].Side)
	assert.Equal(t, TradeSell, trades[1].Side)
	expectedPnL := (entryPrice - exitPrice) * trades[0].Qty
	assert.InDelta(t, expectedPnL, trades[0].PnL, 1e-6)
}

// TestScenarioPartialFillResidual: the stop-close on S2->S3 only partially
// fills; the engine must persist the filled leg, keep the residual position
// open, and remain in S2 rather than advance (§4.6 partial-fill policy). The
// next bar then fills the residual fully and the state advances normally.
func TestScenarioPartialFillResidual(t *testing.T) {
	engine, adapter, store, ts := testEngine(t, 20, 2, 10, 0.0005, 0.7, 100)
	ctx := context.Background()

	ts, _ = advanceBar(t, engine, adapter, store, ts, 20, 2, 5)
	require.Equal(t, StateAboveUpWaitFall, engine.State())

	ts, _ = advanceBar(t, engine, adapter, store, ts, 20, 2, -1)
	require.Equal(t, StateHoldingShort, engine.State())

	posBefore, ok, err := store.GetPosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.True(t, ok)

	adapter.partialFrac = 0.5
	ts, _ = advanceBar(t, engine, adapter, store, ts, 20, 2, 2)
	require.Equal(t, StateHoldingShort, engine.State(), "partial fill must not advance the state")

	posAfter, ok, err := store.GetPosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.True(t, ok, "residual position must remain open")
	assert.InDelta(t, posBefore.Qty*0.5, posAfter.Qty, 1e-9)

	trades, err := store.RecentTrades(ctx, "BTCUSDT", 10)
	require.NoError(t, err)
	require.Len(t, trades, 2) // [CLOSE_SHORT (partial), SELL (open)]
	assert.Equal(t, TradeCloseShort, trades[0].Side)
	assert.InDelta(t, posBefore.Qty*0.5, trades[0].Qty, 1e-9)

	adapter.partialFrac = 1.0
	_, _ = advanceBar(t, engine, adapter, store, ts, 20, 2, 2)
	require.Equal(t, StateAboveUpStoppedWaitFall, engine.State(), "residual close must complete on the next bar")

	_, ok, err = store.GetPosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.False(t, ok, "position must be flat once the residual is closed")
}

// TestScenarioE: adapter fails on the open-short leg during S1->S2;
// engine must revert to S1, no SELL row, one error log.
func TestScenarioE(t *testing.T) {
	engine, adapter, store, ts := testEngine(t, 20, 2, 10, 0.0005, 0.7, 100)
	ctx := context.Background()

	ts, _ = advanceBar(t, engine, adapter, store, ts, 20, 2, 5)
	require.Equal(t, StateAboveUpWaitFall, engine.State())

	adapter.failNextOp = "open_short"
	_, _ = advanceBar(t, engine, adapter, store, ts, 20, 2, -1)

	assert.Equal(t, StateAboveUpWaitFall, engine.State(), "must revert to S1, not advance to S2")

	trades, err := store.RecentTrades(ctx, "BTCUSDT", 10)
	require.NoError(t, err)
	assert.Len(t, trades, 0, "no SELL row should be persisted on adapter failure")

	logs, err := store.RecentLogs(ctx, 5)
	require.NoError(t, err)
	var sawError bool
	for _, l := range logs {
		if l.Level == LogError {
			sawError = true
		}
	}
	assert.True(t, sawError, "an error log must be recorded")
}

// TestOnePositionInvariant: across a scenario-A run, at most one position
// row exists for the symbol at any observable instant (§8 property 2).
func TestOnePositionInvariant(t *testing.T) {
	engine, adapter, store, ts := testEngine(t, 20, 2, 10, 0.0005, 0.7, 100)
	ctx := context.Background()

	for _, offset := range []float64{5, -1, 2} {
		var err error
		ts, _ = advanceBar(t, engine, adapter, store, ts, 20, 2, offset)
		_, _, err = store.GetPosition(ctx, "BTCUSDT")
		require.NoError(t, err)
		var n int
		require.NoError(t, store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM positions WHERE symbol=?`, "BTCUSDT").Scan(&n))
		assert.LessOrEqual(t, n, 1)
	}
}

func bandUpperFor(t *testing.T, store *Store, period int, k float64) float64 {
	t.Helper()
	rows, err := store.FetchKlines(context.Background(), "BTCUSDT", Interval1m, period)
	require.NoError(t, err)
	closes := make([]float64, len(rows))
	for i, r := range rows {
		closes[i] = r.Close
	}
	band := BollingerLast(closes, period, k)
	require.True(t, band.Defined)
	return band.Upper
}
