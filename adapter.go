// FILE: adapter.go
// Package main – Trading Adapter abstraction shared by live and sim backends.
//
// Grounded in the teacher's broker.go Broker interface, trimmed to exactly
// the capability set the engine needs: balance, open positions, and the
// four order actions. The maker-first/limit-order surface in the teacher
// (PlaceLimitPostOnly, GetOrder, CancelOrder, GetBBO) has no equivalent here
// — the engine only ever submits immediate-fill opens/closes on a bar close.
package main

import "context"

// Fill is the normalized result of any order action: a single filled price,
// fee charged, and the timestamp the fill was recorded.
type Fill struct {
	OrderID   string
	FillPrice float64
	FillQty   float64 // may be less than requested on partial fill
	Fee       float64
	TS        int64
}

// ExFilters holds venue rounding constraints for a symbol.
type ExFilters struct {
	BaseStep    float64 // quantity lot step
	PriceTick   float64
	MinNotional float64
}

// TradingAdapter is the capability set both live and sim implementations
// provide identically (§4.4). Opens may increase but not reverse an
// existing same-direction position in a single call; reversing long<->short
// is modeled as two calls (close then open), orchestrated by the engine.
type TradingAdapter interface {
	Balance(ctx context.Context) (float64, error)
	Positions(ctx context.Context, symbol string) ([]Position, error)

	OpenLong(ctx context.Context, symbol string, qty float64) (Fill, error)
	OpenShort(ctx context.Context, symbol string, qty float64) (Fill, error)
	CloseLong(ctx context.Context, symbol string, qty float64) (Fill, error)
	CloseShort(ctx context.Context, symbol string, qty float64) (Fill, error)

	ExchangeFilters(ctx context.Context, symbol string) (ExFilters, error)
}

// roundToStep floors qty/price to the nearest multiple of step. A
// non-positive step disables rounding (used when a venue reports no filter).
func roundToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	units := float64(int64(value/step + 1e-9))
	return units * step
}
