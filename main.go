// FILE: main.go
// Package main – Program entrypoint: cobra control surface over run/status/
// backfill/backtest (§6 "Engine control surface" + §6 EXPANSION CLI surface).
//
// Boot sequence for `run`:
//   1) loadEnvFile()          – hydrate process env from ./.env (godotenv)
//   2) loadConfigFromEnv()    – build the immutable Config
//   3) Validate()             – fatal config error -> exit 2
//   4) OpenStore()            – fatal storage-open failure -> exit 4
//   5) wire Adapter (live or sim) + MarketFeed + Engine
//   6) Bootstrap()            – fatal after retries -> exit 3
//   7) run the three-task model (§5) until a shutdown signal
//
// No package-level singletons: every component is constructed here and
// threaded explicitly into runDaemon(), replacing the teacher's global client/
// trader pattern (Design Notes §9).
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/neomantra/ymdflag"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func main() {
	loadEnvFile()

	root := &cobra.Command{
		Use:   "boll-price",
		Short: "Bollinger Band perpetual-futures trading daemon",
	}
	root.AddCommand(newRunCmd(), newStatusCmd(), newBackfillCmd(), newBacktestCmd())

	if err := root.Execute(); err != nil {
		log.Println(err)
		var cfgErr *ConfigError
		if errors.As(err, &cfgErr) {
			os.Exit(ExitConfigError)
		}
		var netErr *NetworkError
		if errors.As(err, &netErr) {
			os.Exit(ExitExchangeUnreach)
		}
		var stoErr *StorageError
		if errors.As(err, &stoErr) {
			os.Exit(ExitStorageOpenFail)
		}
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the engine: bootstrap, stream, trade until shutdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}
}

// runDaemon is the start()/stop() control surface: it constructs every
// component and threads them into the three-task model of §5, blocking
// until SIGINT/SIGTERM.
func runDaemon(parentCtx context.Context) error {
	cfg := loadConfigFromEnv()
	if err := cfg.Validate(); err != nil {
		return err
	}

	store, err := OpenStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	adapter := newAdapter(cfg)
	engine := NewEngine(cfg, store, adapter)
	if err := engine.Restore(parentCtx); err != nil {
		return err
	}
	log.Printf("restored engine state=%s symbol=%s interval=%s mode=%s",
		engine.State(), cfg.Symbol, cfg.Interval, cfg.Mode)

	client := newBinanceClient(cfg)
	feed := NewMarketFeed(cfg.Symbol, cfg.Interval, cfg.BollPeriod, store, client)

	if err := feed.Bootstrap(parentCtx); err != nil {
		return err
	}

	ctx, cancel := signalContext(parentCtx)
	defer cancel()

	srv := startMetricsServer(cfg)
	defer shutdownHTTP(srv)

	barClosed := make(chan BarClosedEvent, 8) // §5: bounded, capacity 8, backpressured not dropped

	feedDone := make(chan error, 1)
	go func() {
		feedDone <- feed.Run(ctx, barClosed)
	}()

	engineLoop(ctx, engine, barClosed)

	select {
	case err := <-feedDone:
		if err != nil && ctx.Err() == nil {
			return err
		}
	case <-time.After(3 * time.Second): // §5 drain deadline
	}
	return nil
}

// engineLoop is the single-threaded Engine task consumer (§5): the sole
// writer of this symbol's position/trade rows. It drains pending
// BarClosed events up to a 3s deadline on shutdown before returning.
func engineLoop(ctx context.Context, engine *Engine, barClosed <-chan BarClosedEvent) {
	for {
		select {
		case ev := <-barClosed:
			bctx, cancel := context.WithTimeout(context.Background(), 10*time.Second) // §5 adapter-call timeout
			if err := engine.BarClosed(bctx, ev.OpenTime, ev.Close); err != nil {
				log.Printf("bar-close handler error: %v", err)
			}
			cancel()
		case <-ctx.Done():
			drainDeadline := time.After(3 * time.Second)
			for {
				select {
				case ev := <-barClosed:
					bctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					_ = engine.BarClosed(bctx, ev.OpenTime, ev.Close)
					cancel()
				case <-drainDeadline:
					return
				default:
					return
				}
			}
		}
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the last stored bar with its bands, the open position, and the latest trade (not the engine state)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printStatus(cmd.Context())
		},
	}
}

func printStatus(ctx context.Context) error {
	cfg := loadConfigFromEnv()
	if err := cfg.Validate(); err != nil {
		return err
	}
	store, err := OpenStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	rows, err := store.FetchKlines(ctx, cfg.Symbol, cfg.Interval, cfg.BollPeriod)
	if err != nil {
		return err
	}
	pos, hasPos, err := store.GetPosition(ctx, cfg.Symbol)
	if err != nil {
		return err
	}
	trades, err := store.RecentTrades(ctx, cfg.Symbol, 1)
	if err != nil {
		return err
	}

	snap := buildSnapshot(cfg, rows, pos, hasPos, trades)
	fmt.Println(snap.Describe())
	out, err := marshalSnapshot(snap)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func newBackfillCmd() *cobra.Command {
	var fromTime, toTime time.Time
	fromFlag := ymdflag.NewYMDFlag(fromTime)
	toFlag := ymdflag.NewYMDFlag(toTime)
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Run Market Feed's Bootstrap phase standalone to pre-warm the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigFromEnv()
			if err := cfg.Validate(); err != nil {
				return err
			}
			store, err := OpenStore(cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			client := newBinanceClient(cfg)
			feed := NewMarketFeed(cfg.Symbol, cfg.Interval, cfg.BollPeriod, store, client)
			if fromFlag.String() != "" {
				log.Printf("backfill requested range %s..%s (bootstrap always fetches the latest window first)",
					fromFlag.String(), toFlag.String())
			}
			return feed.Bootstrap(cmd.Context())
		},
	}
	cmd.Flags().Var(fromFlag, "from", "start date YYYYMMDD (informational; bootstrap gap-fills from the newest row backward)")
	cmd.Flags().Var(toFlag, "to", "end date YYYYMMDD")
	return cmd
}

func newBacktestCmd() *cobra.Command {
	var csvPath string
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Replay a CSV of historical candles through the engine with the sim adapter",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigFromEnv()
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runBacktest(cmd.Context(), cfg, csvPath)
		},
	}
	cmd.Flags().StringVar(&csvPath, "csv", "", "path to CSV (open_time,open,high,low,close,volume)")
	_ = cmd.MarkFlagRequired("csv")
	return cmd
}

func newAdapter(cfg Config) TradingAdapter {
	if cfg.Mode == ModeLive {
		return NewLiveAdapter(cfg.APIKey, cfg.APISecret, cfg.Testnet, cfg.FeeRate)
	}
	return NewSimAdapter(cfg.InitialSimBalance, cfg.FeeRate)
}

func startMetricsServer(cfg Config) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf("%s:%d", cfg.WebHost, cfg.WebPort)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Printf("serving metrics on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server: %v", err)
		}
	}()
	return srv
}

func shutdownHTTP(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second) // §5 dashboard drain deadline
	defer cancel()
	_ = srv.Shutdown(ctx)
}
