package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRestartRecoveryFromOpenPosition: on restart, the engine derives S2 if
// short, S5 if long, and S0 otherwise (§8 property 6, §4.6).
func TestRestartRecoveryFromOpenPosition(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	cfg := Config{Symbol: "BTCUSDT", Interval: Interval1m, BollPeriod: 20, BollStd: 2, Leverage: 10, TradePercent: 0.7, FeeRate: 0.0005, Mode: ModeSim}

	t.Run("flat", func(t *testing.T) {
		engine := NewEngine(cfg, store, newFakeAdapter(1000, cfg.FeeRate))
		require.NoError(t, engine.Restore(ctx))
		assert.Equal(t, StateWaiting, engine.State())
	})

	t.Run("short", func(t *testing.T) {
		require.NoError(t, store.SetPosition(ctx, Position{Symbol: "BTCUSDT", Side: SideShort, Qty: 1, EntryPrice: 100, OpenedAt: 1}))
		engine := NewEngine(cfg, store, newFakeAdapter(1000, cfg.FeeRate))
		require.NoError(t, engine.Restore(ctx))
		assert.Equal(t, StateHoldingShort, engine.State())
	})

	t.Run("long", func(t *testing.T) {
		require.NoError(t, store.SetPosition(ctx, Position{Symbol: "BTCUSDT", Side: SideLong, Qty: 1, EntryPrice: 100, OpenedAt: 1}))
		engine := NewEngine(cfg, store, newFakeAdapter(1000, cfg.FeeRate))
		require.NoError(t, engine.Restore(ctx))
		assert.Equal(t, StateHoldingLong, engine.State())
	})
}
