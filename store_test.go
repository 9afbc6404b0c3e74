package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore("")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleKlines(symbol string, n int) []Kline {
	out := make([]Kline, n)
	var ts int64
	for i := range out {
		ts += 60000
		out[i] = Kline{Symbol: symbol, Interval: Interval1m, OpenTime: ts, CloseTime: ts + 60000,
			Open: 100, High: 101, Low: 99, Close: 100 + float64(i)}
	}
	return out
}

// TestIdempotentIngest: a repeated, overlapping upsert of the same rows
// leaves the klines table unchanged and counts every overlapping row as
// replaced (§8 property 1, Scenario D). Delivery order is not varied.
func TestIdempotentIngest(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	rows := sampleKlines("BTCUSDT", 60)
	_, _, err := store.UpsertKlines(ctx, rows)
	require.NoError(t, err)

	// shut down and "bootstrap again" with an overlapping window (Scenario D)
	overlap := rows[20:]
	_, replaced, err := store.UpsertKlines(ctx, overlap)
	require.NoError(t, err)
	assert.Equal(t, len(overlap), replaced)

	got, err := store.FetchKlines(ctx, "BTCUSDT", Interval1m, 1000)
	require.NoError(t, err)
	require.Len(t, got, 60)
	for i, k := range got {
		assert.Equal(t, rows[i].OpenTime, k.OpenTime)
		assert.Equal(t, rows[i].Close, k.Close)
	}
}

func TestLatestKlineTimeEmptyIsZero(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	ts, err := store.LatestKlineTime(ctx, "BTCUSDT", Interval1m)
	require.NoError(t, err)
	assert.Equal(t, int64(0), ts)
}

// TestPositionReplaceIsAtomic: CommitTransition's single position row per
// symbol is atomically replaced across a compound close-then-open.
func TestPositionReplaceIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	require.NoError(t, store.SetPosition(ctx, Position{Symbol: "BTCUSDT", Side: SideShort, Qty: 1, EntryPrice: 100, OpenedAt: 1}))
	_, ok, err := store.GetPosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.True(t, ok)

	closeTrade := Trade{TS: 2, Symbol: "BTCUSDT", Side: TradeCloseShort, Qty: 1, Price: 98, Fee: 0.1, PnL: 2}
	openTrade := Trade{TS: 2, Symbol: "BTCUSDT", Side: TradeBuy, Qty: 1, Price: 98, Fee: 0.1, PnL: 0}
	final := &Position{Symbol: "BTCUSDT", Side: SideLong, Qty: 1, EntryPrice: 98, OpenedAt: 2}

	require.NoError(t, store.CommitTransition(ctx, []Trade{closeTrade, openTrade}, "BTCUSDT", final))

	pos, ok, err := store.GetPosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, SideLong, pos.Side)
	assert.Equal(t, 98.0, pos.EntryPrice)

	trades, err := store.RecentTrades(ctx, "BTCUSDT", 10)
	require.NoError(t, err)
	assert.Len(t, trades, 2)
}

func TestClearPositionLeavesSymbolFlat(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	require.NoError(t, store.SetPosition(ctx, Position{Symbol: "ETHUSDT", Side: SideLong, Qty: 1, EntryPrice: 10, OpenedAt: 1}))
	require.NoError(t, store.ClearPosition(ctx, "ETHUSDT"))
	_, ok, err := store.GetPosition(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.False(t, ok)
}
