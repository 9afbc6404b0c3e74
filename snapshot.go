// FILE: snapshot.go
// Package main – EngineSnapshot, the read-only view `status` and an external
// Dashboard process would project over Store (§6 "Dashboard, inbound").
//
// Grounded in NimbleMarkets-dbn-go's cmd/dbn-go-hist, which decodes/encodes
// its job records with github.com/segmentio/encoding/json as a drop-in
// faster encoding/json, and formats human-facing summaries with
// github.com/dustin/go-humanize (humanize.Comma, humanize.Time).
package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/segmentio/encoding/json"
)

// EngineSnapshot is the pure projection of Store (plus config) that a
// Dashboard would render: current position, last bar's indicator values,
// and the most recent trade. It never mutates state.
type EngineSnapshot struct {
	Symbol   string  `json:"symbol"`
	Interval string  `json:"interval"`
	LastBar  *BarView `json:"last_bar,omitempty"`
	Position *Position `json:"position,omitempty"`
	LastTrade *Trade  `json:"last_trade,omitempty"`
}

// BarView is the newest stored bar's close price (that bar may still be
// forming) and, when the window has enough history, its Bollinger Band values.
type BarView struct {
	OpenTime int64   `json:"open_time"`
	Close    float64 `json:"close"`
	Mid      float64 `json:"mid,omitempty"`
	Upper    float64 `json:"upper,omitempty"`
	Lower    float64 `json:"lower,omitempty"`
	Defined  bool    `json:"defined"`
}

func buildSnapshot(cfg Config, rows []Kline, pos Position, hasPos bool, trades []Trade) EngineSnapshot {
	snap := EngineSnapshot{Symbol: cfg.Symbol, Interval: string(cfg.Interval)}
	if len(rows) > 0 {
		closes := make([]float64, len(rows))
		for i, r := range rows {
			closes[i] = r.Close
		}
		band := BollingerLast(closes, cfg.BollPeriod, cfg.BollStd)
		last := rows[len(rows)-1]
		snap.LastBar = &BarView{OpenTime: last.OpenTime, Close: last.Close,
			Mid: band.Mid, Upper: band.Upper, Lower: band.Lower, Defined: band.Defined}
	}
	if hasPos {
		p := pos
		snap.Position = &p
	}
	if len(trades) > 0 {
		t := trades[0]
		snap.LastTrade = &t
	}
	return snap
}

// Describe renders a human-readable one-line summary using go-humanize for
// relative time and thousands separators, ahead of the raw JSON snapshot.
func (s EngineSnapshot) Describe() string {
	if s.LastBar == nil {
		return fmt.Sprintf("%s %s: no bars yet", s.Symbol, s.Interval)
	}
	ago := humanize.Time(time.UnixMilli(s.LastBar.OpenTime))
	posDesc := "flat"
	if s.Position != nil {
		posDesc = fmt.Sprintf("%s %s @ %.8f (notional %s)", s.Position.Side, humanize.Ftoa(s.Position.Qty),
			s.Position.EntryPrice, humanize.Commaf(s.Position.Notional()))
	}
	return fmt.Sprintf("%s %s: last bar close=%.8f (%s), position=%s", s.Symbol, s.Interval, s.LastBar.Close, ago, posDesc)
}

func marshalSnapshot(s EngineSnapshot) ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}
