// FILE: feed.go
// Package main – Market Feed: REST bootstrap + live streaming, per §4.3.
//
// Grounded in the teacher's live.go warmup/paging loop (fetch N recent
// candles, then poll), generalized from HTTP-polling a FastAPI bridge to
// go-binance/v2's futures REST (NewKlinesService) and websocket
// (WsKlineServe) clients, the pattern used throughout
// yohannesjx-sniperterminal's trend_analyzer.go. Reconnect backoff reuses
// go-retryablehttp's DefaultBackoff curve (the same exponential-with-cap
// shape NimbleMarkets-dbn-go relies on for its own HTTP retries) purely as a
// duration calculator, since go-binance's websocket client owns its own
// socket rather than an *http.Client we could hand a retryablehttp transport.
package main

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/hashicorp/go-retryablehttp"
)

// BarClosedEvent is the sole trigger the Engine responds to (§4.6): a
// finalized bar's open time and close price.
type BarClosedEvent struct {
	OpenTime int64
	Close    float64
}

// MarketFeed owns the durable kline cache (via Store) and produces
// BarClosed events for the Engine task. It never mutates Engine state
// itself.
type MarketFeed struct {
	symbol   string
	interval Interval
	period   int

	store  *Store
	client *futures.Client

	backoffMin time.Duration
	backoffMax time.Duration
}

// NewMarketFeed builds a feed for symbol/interval backed by client and
// store. period is the Bollinger period P, used to size the bootstrap
// window (max(P, 50)).
func NewMarketFeed(symbol string, interval Interval, period int, store *Store, client *futures.Client) *MarketFeed {
	return &MarketFeed{
		symbol:     symbol,
		interval:   interval,
		period:     period,
		store:      store,
		client:     client,
		backoffMin: time.Second,
		backoffMax: 30 * time.Second,
	}
}

func (f *MarketFeed) bootstrapWindow() int {
	if f.period > 50 {
		return f.period
	}
	return 50
}

// Bootstrap fetches the most recent bootstrapWindow() closed klines via REST
// and upserts them into Store, gap-filling any range older than one interval
// before the newest REST row that Store is missing. Retries with
// retryablehttp's exponential-with-cap backoff; after maxAttempts failures
// it returns a *NetworkError so the caller can refuse to start (exit code 3).
func (f *MarketFeed) Bootstrap(ctx context.Context) error {
	const maxAttempts = 5
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			wait := retryablehttp.DefaultBackoff(f.backoffMin, f.backoffMax, attempt, nil)
			log.Printf("bootstrap retry %d/%d in %s: %v", attempt, maxAttempts, wait, lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		if err := f.bootstrapOnce(ctx); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return &NetworkError{Op: "bootstrap", Err: fmt.Errorf("giving up after %d attempts: %w", maxAttempts, lastErr)}
}

func (f *MarketFeed) bootstrapOnce(ctx context.Context) error {
	rows, err := f.fetchKlines(ctx, f.bootstrapWindow(), 0, 0)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	latest, err := f.store.LatestKlineTime(ctx, f.symbol, f.interval)
	if err != nil {
		return err
	}
	if _, _, err := f.store.UpsertKlines(ctx, rows); err != nil {
		return err
	}

	newest := rows[len(rows)-1].OpenTime
	d, _ := intervalDuration(f.interval)
	gapStart := newest - d.Milliseconds()
	if latest > 0 && latest < gapStart {
		gapRows, err := f.fetchKlines(ctx, 1000, latest, newest)
		if err != nil {
			return err
		}
		if _, _, err := f.store.UpsertKlines(ctx, gapRows); err != nil {
			return err
		}
	}
	return nil
}

// fetchKlines wraps go-binance's futures KlinesService. startTime/endTime of
// 0 means unbounded on that side.
func (f *MarketFeed) fetchKlines(ctx context.Context, limit int, startTime, endTime int64) ([]Kline, error) {
	svc := f.client.NewKlinesService().Symbol(f.symbol).Interval(string(f.interval)).Limit(limit)
	if startTime > 0 {
		svc = svc.StartTime(startTime)
	}
	if endTime > 0 {
		svc = svc.EndTime(endTime)
	}
	raw, err := svc.Do(ctx)
	if err != nil {
		return nil, &NetworkError{Op: "klines", Err: err}
	}
	out := make([]Kline, 0, len(raw))
	for _, k := range raw {
		row, err := klineFromBinance(f.symbol, f.interval, k)
		if err != nil {
			return nil, &NetworkError{Op: "klines/parse", Err: err}
		}
		out = append(out, row)
	}
	return out, nil
}

func klineFromBinance(symbol string, interval Interval, k *futures.Kline) (Kline, error) {
	parse := func(s string) float64 {
		v, _ := strconv.ParseFloat(s, 64)
		return v
	}
	return Kline{
		Symbol:        symbol,
		Interval:      interval,
		OpenTime:      k.OpenTime,
		CloseTime:     k.CloseTime,
		Open:          parse(k.Open),
		High:          parse(k.High),
		Low:           parse(k.Low),
		Close:         parse(k.Close),
		Volume:        parse(k.Volume),
		QuoteVolume:   parse(k.QuoteAssetVolume),
		Trades:        k.TradeNum,
		TakerBuyBase:  parse(k.TakerBuyBaseAssetVolume),
		TakerBuyQuote: parse(k.TakerBuyQuoteAssetVolume),
	}, nil
}

// Run subscribes to the live kline stream and blocks until ctx is canceled.
// Partial-bar messages update the tail row in place for live-preview readers
// but never emit on barClosed. Finalized bars are upserted and emit exactly
// one BarClosedEvent. On stream error it reconnects with capped exponential
// backoff and re-runs Bootstrap to recover any bars missed during the
// outage; the idempotent upsert absorbs duplicates, and the first event
// emitted after reconnect is naturally the first bar whose open_time
// exceeds the pre-disconnect maximum, since Store already holds everything
// up to that point.
func (f *MarketFeed) Run(ctx context.Context, barClosed chan<- BarClosedEvent) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		started := time.Now()
		err := f.streamOnce(ctx, barClosed)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(started) > f.backoffMax {
			attempt = 0 // the stream was healthy for a while: start the curve over
		}
		wait := retryablehttp.DefaultBackoff(f.backoffMin, f.backoffMax, attempt, nil)
		attempt++
		log.Printf("stream disconnected: %v; reconnecting in %s", err, wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if err := f.Bootstrap(ctx); err != nil {
			log.Printf("post-reconnect bootstrap failed: %v", err)
		}
	}
}

func (f *MarketFeed) streamOnce(ctx context.Context, barClosed chan<- BarClosedEvent) error {
	errCh := make(chan error, 1)
	handler := func(event *futures.WsKlineEvent) {
		k := event.Kline
		if !k.IsFinal {
			f.updatePartial(ctx, k)
			return
		}
		row, perr := klineFromWsKline(f.symbol, f.interval, k)
		if perr != nil {
			return
		}
		if _, _, err := f.store.UpsertKlines(ctx, []Kline{row}); err != nil {
			select {
			case errCh <- err:
			default:
			}
			return
		}
		select {
		case barClosed <- BarClosedEvent{OpenTime: row.OpenTime, Close: row.Close}:
		case <-ctx.Done():
		}
	}
	wsErrHandler := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}

	doneC, stopC, err := futures.WsKlineServe(f.symbol, string(f.interval), handler, wsErrHandler)
	if err != nil {
		return &NetworkError{Op: "ws_kline_serve", Err: err}
	}
	select {
	case <-ctx.Done():
		close(stopC)
		<-doneC
		return nil
	case err := <-errCh:
		close(stopC)
		<-doneC
		return err
	case <-doneC:
		return fmt.Errorf("kline stream closed unexpectedly")
	}
}

// updatePartial mutates the tail row's high/low/close for live-preview
// consumers only; it never emits a BarClosed event (§4.3).
func (f *MarketFeed) updatePartial(ctx context.Context, k futures.WsKline) {
	row, err := klineFromWsKline(f.symbol, f.interval, k)
	if err != nil {
		return
	}
	_, _, _ = f.store.UpsertKlines(ctx, []Kline{row})
}

func klineFromWsKline(symbol string, interval Interval, k futures.WsKline) (Kline, error) {
	parse := func(s string) float64 {
		v, _ := strconv.ParseFloat(s, 64)
		return v
	}
	return Kline{
		Symbol:        symbol,
		Interval:      interval,
		OpenTime:      k.StartTime,
		CloseTime:     k.EndTime,
		Open:          parse(k.Open),
		High:          parse(k.High),
		Low:           parse(k.Low),
		Close:         parse(k.Close),
		Volume:        parse(k.Volume),
		QuoteVolume:   parse(k.QuoteVolume),
		Trades:        k.TradeNum,
		TakerBuyBase:  parse(k.ActiveBuyVolume),
		TakerBuyQuote: parse(k.ActiveBuyQuoteVolume),
	}, nil
}
