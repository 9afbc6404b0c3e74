// FILE: kline.go
// Package main – Candlestick ("kline") type shared by Store, Market Feed,
// Indicator and Engine.
package main

import "time"

// Kline is one OHLCV candle. The tail row for a symbol/interval may be a
// still-forming (partial) bar while it is being streamed; all earlier rows
// are closed and immutable once upserted.
type Kline struct {
	Symbol   string
	Interval Interval

	OpenTime  int64 // unix millis
	CloseTime int64 // unix millis

	Open  float64
	High  float64
	Low   float64
	Close float64

	Volume        float64
	QuoteVolume   float64
	Trades        int64
	TakerBuyBase  float64
	TakerBuyQuote float64
}

// Valid checks the invariants required by the data model: open before
// close, low/high bracket the other prices, and the bar spans exactly one
// interval.
func (k Kline) Valid() bool {
	if k.OpenTime >= k.CloseTime {
		return false
	}
	if k.Low > k.Open || k.Low > k.Close || k.Low > k.High {
		return false
	}
	if k.High < k.Open || k.High < k.Close {
		return false
	}
	d, ok := intervalDuration(k.Interval)
	if !ok {
		return false
	}
	return k.CloseTime-k.OpenTime == d.Milliseconds()
}

// intervalDuration maps the enumerated Interval to its wall-clock span.
func intervalDuration(i Interval) (time.Duration, bool) {
	switch i {
	case Interval1m:
		return time.Minute, true
	case Interval5m:
		return 5 * time.Minute, true
	case Interval15m:
		return 15 * time.Minute, true
	case Interval1h:
		return time.Hour, true
	case Interval4h:
		return 4 * time.Hour, true
	case Interval1d:
		return 24 * time.Hour, true
	default:
		return 0, false
	}
}
