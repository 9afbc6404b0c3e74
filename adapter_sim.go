// FILE: adapter_sim.go
// Package main – Simulated Trading Adapter (local ledger, no exchange calls).
//
// Grounded in the teacher's broker_paper.go: a mutex-protected in-memory
// broker that manufactures fills at the last known price and uses
// uuid.New() for order ids. Generalized here from the teacher's single
// "PlaceMarketQuote" call into the four open/close actions the engine uses,
// with fee and realized-pnl bookkeeping per §4.4's sim contract.
package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SimAdapter maintains a local balance initialized from config; it fills at
// the last bar's close price, charges qty*price*fee as fee, and updates
// balance by -fee on opens and by realized_pnl-fee on closes.
type SimAdapter struct {
	mu        sync.Mutex
	balance   float64
	feeRate   float64
	lastPrice float64
	positions map[string]Position
}

// NewSimAdapter builds a SimAdapter with the given starting balance and fee rate.
func NewSimAdapter(initialBalance, feeRate float64) *SimAdapter {
	return &SimAdapter{
		balance:   initialBalance,
		feeRate:   feeRate,
		positions: make(map[string]Position),
	}
}

// SetLastPrice updates the fill price used by the next order action. The
// Engine calls this with each BarClosed close before invoking any action.
func (s *SimAdapter) SetLastPrice(price float64) {
	s.mu.Lock()
	s.lastPrice = price
	s.mu.Unlock()
}

func (s *SimAdapter) Balance(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance, nil
}

func (s *SimAdapter) Positions(ctx context.Context, symbol string) ([]Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.positions[symbol]; ok {
		return []Position{p}, nil
	}
	return nil, nil
}

func (s *SimAdapter) ExchangeFilters(ctx context.Context, symbol string) (ExFilters, error) {
	return ExFilters{BaseStep: 0.001, PriceTick: 0.01, MinNotional: 5}, nil
}

func (s *SimAdapter) openAt(symbol string, side Side, qty float64, ts int64) (Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if qty <= 0 {
		return Fill{}, errors.New("qty must be > 0")
	}
	price := s.lastPrice
	fee := qty * price * s.feeRate
	s.balance -= fee
	s.positions[symbol] = Position{Symbol: symbol, Side: side, Qty: qty, EntryPrice: price, OpenedAt: ts}
	return Fill{OrderID: uuid.New().String(), FillPrice: price, FillQty: qty, Fee: fee, TS: ts}, nil
}

func (s *SimAdapter) closeAt(symbol string, want Side, qty float64, ts int64) (Fill, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[symbol]
	if !ok || pos.Side != want {
		return Fill{}, 0, errors.New("no matching open position to close")
	}
	filled := qty
	if filled > pos.Qty {
		filled = pos.Qty
	}
	price := s.lastPrice
	fee := filled * price * s.feeRate
	var pnl float64
	if want == SideLong {
		pnl = (price - pos.EntryPrice) * filled
	} else {
		pnl = (pos.EntryPrice - price) * filled
	}
	s.balance += pnl - fee

	residual := pos.Qty - filled
	if residual <= 1e-12 {
		delete(s.positions, symbol)
	} else {
		pos.Qty = residual
		s.positions[symbol] = pos
	}
	return Fill{OrderID: uuid.New().String(), FillPrice: price, FillQty: filled, Fee: fee, TS: ts}, pnl, nil
}

func (s *SimAdapter) OpenLong(ctx context.Context, symbol string, qty float64) (Fill, error) {
	return s.openAt(symbol, SideLong, qty, time.Now().UnixMilli())
}

func (s *SimAdapter) OpenShort(ctx context.Context, symbol string, qty float64) (Fill, error) {
	return s.openAt(symbol, SideShort, qty, time.Now().UnixMilli())
}

func (s *SimAdapter) CloseLong(ctx context.Context, symbol string, qty float64) (Fill, error) {
	f, _, err := s.closeAt(symbol, SideLong, qty, time.Now().UnixMilli())
	return f, err
}

func (s *SimAdapter) CloseShort(ctx context.Context, symbol string, qty float64) (Fill, error) {
	f, _, err := s.closeAt(symbol, SideShort, qty, time.Now().UnixMilli())
	return f, err
}
