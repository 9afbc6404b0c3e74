// FILE: wiring.go
// Package main – small process-wiring helpers shared by the cobra commands.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/adshao/go-binance/v2/futures"
)

// signalContext derives a cancelable context from parent that also cancels
// on SIGINT/SIGTERM, implementing the shutdown signal in §5/§6.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// newBinanceClient builds the futures REST/stream client used by MarketFeed
// and LiveAdapter. In sim mode it still talks to the real public REST/stream
// endpoints for market data (no credentials required for klines), matching
// the teacher's pattern of a market-data client independent of the broker.
func newBinanceClient(cfg Config) *futures.Client {
	return futures.NewClient(cfg.APIKey, cfg.APISecret)
}
