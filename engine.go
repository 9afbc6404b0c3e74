// FILE: engine.go
// Package main – the Bollinger Band state machine.
//
// This replaces the teacher's trader.go/step.go entirely: those files
// implement multi-lot pyramiding with maker-first repricing (≈3,500 lines
// combined) that has no counterpart in this engine's single-lot, eight-state
// design. What survives from the teacher is its texture: the mutex-guarded
// struct, "release the lock around I/O" discipline for adapter/store calls,
// and fee-aware PnL bookkeeping on every close.
//
// One Engine instance owns one symbol. It never ticks on wall-clock time —
// only BarClosed drives it — and it is the sole writer of that symbol's
// position/trade rows (§5).
package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// errZeroQtySkip marks an open aborted because the sized quantity rounded to
// zero. It is not logged as an error: open() already records a warning, and
// the caller simply remains in its pre-open state (§4.5).
var errZeroQtySkip = errors.New("position size rounded to zero after rounding")

// Engine drives the eight-state machine for one symbol.
type Engine struct {
	symbol   string
	interval Interval

	period   int
	k        float64
	leverage int
	tradePct float64
	feeRate  float64

	store   *Store
	adapter TradingAdapter

	mu    sync.Mutex
	state EngineState
}

// NewEngine builds an Engine in the initial waiting state. Call Restore
// before the first BarClosed to recover state across process restarts.
func NewEngine(cfg Config, store *Store, adapter TradingAdapter) *Engine {
	return &Engine{
		symbol:   cfg.Symbol,
		interval: cfg.Interval,
		period:   cfg.BollPeriod,
		k:        cfg.BollStd,
		leverage: cfg.Leverage,
		tradePct: cfg.TradePercent,
		feeRate:  cfg.FeeRate,
		store:    store,
		adapter:  adapter,
		state:    StateWaiting,
	}
}

// Restore derives engine state from the currently open position: S2 if
// short, S5 if long, otherwise waiting. Band-relation state (S1/S3/S4/S6/S7)
// cannot be recovered and is not attempted — per §4.6, restart always
// resolves to one of {waiting, holding_short, holding_long}.
func (e *Engine) Restore(ctx context.Context) error {
	pos, ok, err := e.store.GetPosition(ctx, e.symbol)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !ok {
		e.state = StateWaiting
		return nil
	}
	switch pos.Side {
	case SideShort:
		e.state = StateHoldingShort
	case SideLong:
		e.state = StateHoldingLong
	default:
		e.state = StateWaiting
	}
	return nil
}

// State returns the current state under lock.
func (e *Engine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// BarClosed is the sole trigger the engine responds to. t is the bar's
// open_time in unix millis; c is its close price.
func (e *Engine) BarClosed(ctx context.Context, t int64, c float64) error {
	if sim, ok := e.adapter.(*SimAdapter); ok {
		sim.SetLastPrice(c)
	}

	rows, err := e.store.FetchClosedKlines(ctx, e.symbol, e.interval, t, e.period)
	if err != nil {
		return err
	}
	if len(rows) < e.period {
		return nil // not enough history yet
	}
	closes := make([]float64, len(rows))
	for i, r := range rows {
		closes[i] = r.Close
	}
	band := BollingerLast(closes, e.period, e.k)
	if !band.Defined {
		return nil
	}
	mtxBarClosed.Inc()

	e.mu.Lock()
	prior := e.state
	e.mu.Unlock()

	trades, final, next, err := e.step(ctx, prior, c, band, t)
	if err != nil {
		if !errors.Is(err, errZeroQtySkip) {
			_ = e.store.AppendLog(ctx, nowMillis(), LogError,
				fmt.Sprintf("transition aborted in %s: %v", prior, err))
		}
		return nil // adapter/invariant failure: stay in prior state, not fatal
	}

	if len(trades) > 0 || next != prior {
		if commitErr := e.store.CommitTransition(ctx, trades, e.symbol, final); commitErr != nil {
			return commitErr // StorageError: fatal for this bar; state is not advanced (engineLoop logs it and keeps consuming)
		}
	}
	for _, tr := range trades {
		mtxTrades.WithLabelValues(string(tr.Side)).Inc()
		mtxRealizedPnL.Add(tr.PnL)
		mtxFeesPaid.Add(tr.Fee)
	}

	e.mu.Lock()
	e.state = next
	e.mu.Unlock()
	if next != prior {
		mtxStateTransitions.WithLabelValues(prior.String(), next.String()).Inc()
	}
	setEngineStateMetric(next)

	if err := e.store.AppendLog(ctx, nowMillis(), LogInfo,
		fmt.Sprintf("bar close=%.8f up=%.8f mid=%.8f dn=%.8f %s->%s", c, band.Upper, band.Mid, band.Lower, prior, next)); err != nil {
		return err
	}
	return e.store.AppendLog(ctx, nowMillis(), LogInfo, bandPositionCommentary(c, band))
}

// bandPositionCommentary describes where the close sits relative to the
// bands in plain language, independent of any state transition it may also
// have caused. Restores the running commentary the original strategy logged
// on every close (e.g. "price between mid and lower band").
func bandPositionCommentary(c float64, band BandPoint) string {
	switch {
	case c > band.Upper:
		return "price above upper band"
	case c > band.Mid:
		return "price between upper and mid band"
	case c > band.Lower:
		return "price between mid and lower band"
	default:
		return "price below lower band"
	}
}

// step computes the next state and the trades/position that result,
// without committing anything. Exactly equal comparisons never cross
// (strict-cross semantics, §4.6 edge cases).
func (e *Engine) step(ctx context.Context, state EngineState, c float64, band BandPoint, ts int64) ([]Trade, *Position, EngineState, error) {
	up, mid, dn := band.Upper, band.Mid, band.Lower

	switch state {
	case StateWaiting: // S0
		if c > up {
			return nil, nil, StateAboveUpWaitFall, nil
		}
		return nil, nil, state, nil

	case StateAboveUpWaitFall: // S1
		if c < up {
			trade, pos, err := e.open(ctx, SideShort, c, ts)
			if err != nil {
				return nil, nil, state, err
			}
			return []Trade{trade}, &pos, StateHoldingShort, nil
		}
		return nil, nil, state, nil

	case StateHoldingShort: // S2
		if c > up {
			trade, residual, err := e.close(ctx, SideShort, c, ts)
			if err != nil {
				return nil, nil, state, err
			}
			if residual != nil {
				return []Trade{trade}, residual, state, nil // partial fill: stay in S2
			}
			return []Trade{trade}, nil, StateAboveUpStoppedWaitFall, nil
		}
		if c < mid {
			return nil, nil, StateBelowMidWait, nil
		}
		return nil, nil, state, nil

	case StateAboveUpStoppedWaitFall: // S3
		if c < up {
			trade, pos, err := e.open(ctx, SideShort, c, ts)
			if err != nil {
				return nil, nil, state, err
			}
			return []Trade{trade}, &pos, StateHoldingShort, nil
		}
		return nil, nil, state, nil

	case StateBelowMidWait: // S4
		if c > mid {
			closeTrade, residual, err := e.close(ctx, SideShort, c, ts)
			if err != nil {
				return nil, nil, state, err
			}
			if residual != nil {
				return []Trade{closeTrade}, residual, state, nil // partial fill: stay in S4
			}
			openTrade, pos, err := e.open(ctx, SideLong, c, ts)
			if err != nil {
				// first leg already committed at the adapter; per §4.6 we do not
				// attempt the second leg on failure and must not silently lose
				// the completed close — persist it and land in the flat state.
				return []Trade{closeTrade}, nil, StateWaiting, nil
			}
			return []Trade{closeTrade, openTrade}, &pos, StateHoldingLong, nil
		}
		if c < dn {
			return nil, nil, StateBelowDnWaitReclaim, nil
		}
		return nil, nil, state, nil

	case StateHoldingLong: // S5
		if c < mid {
			trade, residual, err := e.close(ctx, SideLong, c, ts)
			if err != nil {
				return nil, nil, state, err
			}
			if residual != nil {
				return []Trade{trade}, residual, state, nil // partial fill: stay in S5
			}
			return []Trade{trade}, nil, StateWaiting, nil
		}
		if c > up {
			closeTrade, residual, err := e.close(ctx, SideLong, c, ts)
			if err != nil {
				return nil, nil, state, err
			}
			if residual != nil {
				return []Trade{closeTrade}, residual, state, nil // partial fill: stay in S5
			}
			openTrade, pos, err := e.open(ctx, SideShort, c, ts)
			if err != nil {
				return []Trade{closeTrade}, nil, StateWaiting, nil
			}
			return []Trade{closeTrade, openTrade}, &pos, StateHoldingShort, nil
		}
		return nil, nil, state, nil

	case StateBelowDnWaitReclaim: // S6
		if c > dn {
			return e.reclaimToLong(ctx, c, ts)
		}
		return nil, nil, state, nil

	case StateAboveMidWait: // S7
		if c > up {
			return nil, nil, StateAboveUpWaitFall, nil
		}
		if c < mid {
			closeTrade, residual, err := e.close(ctx, SideLong, c, ts)
			if err != nil {
				return nil, nil, state, err
			}
			if residual != nil {
				return []Trade{closeTrade}, residual, state, nil // partial fill: stay in S7
			}
			openTrade, pos, err := e.open(ctx, SideShort, c, ts)
			if err != nil {
				return []Trade{closeTrade}, nil, StateWaiting, nil
			}
			return []Trade{closeTrade, openTrade}, &pos, StateHoldingShort, nil
		}
		return nil, nil, state, nil

	default:
		return nil, nil, state, &InvariantError{Msg: fmt.Sprintf("unhandled engine state %d", int(state))}
	}
}

// reclaimToLong implements S6's resolved reverse path: close any open short
// with take-profit, then open long. If no short is open, it opens long
// directly.
func (e *Engine) reclaimToLong(ctx context.Context, c float64, ts int64) ([]Trade, *Position, EngineState, error) {
	pos, ok, err := e.store.GetPosition(ctx, e.symbol)
	if err != nil {
		return nil, nil, StateBelowDnWaitReclaim, err
	}
	var trades []Trade
	if ok && pos.Side == SideShort {
		closeTrade, residual, err := e.close(ctx, SideShort, c, ts)
		if err != nil {
			return nil, nil, StateBelowDnWaitReclaim, err
		}
		if residual != nil {
			return []Trade{closeTrade}, residual, StateBelowDnWaitReclaim, nil // partial fill: stay in S6
		}
		trades = append(trades, closeTrade)
	}
	openTrade, newPos, err := e.open(ctx, SideLong, c, ts)
	if err != nil {
		if len(trades) > 0 {
			// short leg already committed at the adapter; land flat rather than
			// silently drop the realized close.
			return trades, nil, StateWaiting, nil
		}
		return nil, nil, StateBelowDnWaitReclaim, err
	}
	trades = append(trades, openTrade)
	return trades, &newPos, StateHoldingLong, nil
}

// open sizes and submits an opening order: qty = (balance*F*L)/c, rounded
// to the symbol's lot step. A non-positive result after rounding aborts the
// open (the caller remains in the pre-open state) and logs a warning.
func (e *Engine) open(ctx context.Context, side Side, c float64, ts int64) (Trade, Position, error) {
	balance, err := e.adapter.Balance(ctx)
	if err != nil {
		mtxAdapterErrors.WithLabelValues("balance").Inc()
		return Trade{}, Position{}, &AdapterError{Op: "balance", Err: err}
	}
	mtxBalance.Set(balance)
	filters, err := e.adapter.ExchangeFilters(ctx, e.symbol)
	if err != nil {
		mtxAdapterErrors.WithLabelValues("exchange_filters").Inc()
		return Trade{}, Position{}, &AdapterError{Op: "exchange_filters", Err: err}
	}
	qty := roundToStep((balance*e.tradePct*float64(e.leverage))/c, filters.BaseStep)
	if qty <= 0 {
		_ = e.store.AppendLog(ctx, nowMillis(), LogWarn, "position size rounded to zero, skipping open")
		return Trade{}, Position{}, errZeroQtySkip
	}

	var fill Fill
	var tradeSide TradeSide
	if side == SideLong {
		tradeSide = TradeBuy
		fill, err = e.adapter.OpenLong(ctx, e.symbol, qty)
	} else {
		tradeSide = TradeSell
		fill, err = e.adapter.OpenShort(ctx, e.symbol, qty)
	}
	if err != nil {
		mtxAdapterErrors.WithLabelValues("open_" + string(side)).Inc()
		return Trade{}, Position{}, &AdapterError{Op: "open_" + string(side), Err: err}
	}

	trade := Trade{
		TS:       ts,
		Symbol:   e.symbol,
		Side:     tradeSide,
		Qty:      fill.FillQty,
		Price:    fill.FillPrice,
		Fee:      fill.Fee,
		PnL:      0,
		Simulate: e.isSimulated(),
	}
	pos := Position{Symbol: e.symbol, Side: side, Qty: fill.FillQty, EntryPrice: fill.FillPrice, OpenedAt: ts}
	return trade, pos, nil
}

// close submits a closing order for the currently open position of the
// given side. If the fill reports a smaller qty than requested (partial
// fill), the returned *Position is non-nil and holds the residual qty:
// the caller must persist the filled trade but keep the position open and
// remain in the pre-close state (§4.6 edge case policy) rather than
// advancing to the next state.
func (e *Engine) close(ctx context.Context, side Side, c float64, ts int64) (Trade, *Position, error) {
	pos, ok, err := e.store.GetPosition(ctx, e.symbol)
	if err != nil {
		return Trade{}, nil, err
	}
	if !ok || pos.Side != side {
		return Trade{}, nil, &AdapterError{Op: "close_" + string(side), Err: fmt.Errorf("no matching open position")}
	}

	var fill Fill
	var tradeSide TradeSide
	if side == SideLong {
		tradeSide = TradeCloseLong
		fill, err = e.adapter.CloseLong(ctx, e.symbol, pos.Qty)
	} else {
		tradeSide = TradeCloseShort
		fill, err = e.adapter.CloseShort(ctx, e.symbol, pos.Qty)
	}
	if err != nil {
		mtxAdapterErrors.WithLabelValues("close_" + string(side)).Inc()
		return Trade{}, nil, &AdapterError{Op: "close_" + string(side), Err: err}
	}

	var pnl float64
	if side == SideLong {
		pnl = (fill.FillPrice - pos.EntryPrice) * fill.FillQty
	} else {
		pnl = (pos.EntryPrice - fill.FillPrice) * fill.FillQty
	}

	trade := Trade{
		TS:       ts,
		Symbol:   e.symbol,
		Side:     tradeSide,
		Qty:      fill.FillQty,
		Price:    fill.FillPrice,
		Fee:      fill.Fee,
		PnL:      pnl,
		Simulate: e.isSimulated(),
	}

	residual := pos.Qty - fill.FillQty
	if residual > 1e-12 {
		return trade, &Position{Symbol: e.symbol, Side: side, Qty: residual, EntryPrice: pos.EntryPrice, OpenedAt: pos.OpenedAt}, nil
	}
	return trade, nil, nil
}

func (e *Engine) isSimulated() bool {
	_, ok := e.adapter.(*SimAdapter)
	return ok
}

func nowMillis() int64 { return time.Now().UnixMilli() }
