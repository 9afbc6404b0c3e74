// FILE: config.go
// Package main – Runtime configuration model and loader.
//
// Config is immutable once built and is read once at startup by runDaemon()
// and the other cobra commands in main.go. It is populated from environment
// variables only (hydrated by loadEnvFile, see env.go); no command-line flag
// overrides these values before Validate() runs.
package main

import "strings"

// Mode selects whether the Trading Adapter talks to the real exchange or a
// local simulated ledger.
type Mode string

const (
	ModeLive Mode = "live"
	ModeSim  Mode = "sim"
)

// Interval is one of the six supported kline granularities.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
)

// Valid reports whether i is one of the six supported intervals.
func (i Interval) Valid() bool {
	switch i {
	case Interval1m, Interval5m, Interval15m, Interval1h, Interval4h, Interval1d:
		return true
	default:
		return false
	}
}

// Config holds every runtime knob the daemon needs: symbol/interval,
// Bollinger parameters, leverage/sizing/fee, mode, credentials, and the
// dashboard bind address.
type Config struct {
	Symbol   string
	Interval Interval

	BollPeriod int     // P, default 20
	BollStd    float64 // K, default 2

	Leverage     int     // L, default 10
	TradePercent float64 // F, 0<F<=1, default 0.70
	FeeRate      float64 // phi, default 0.0005

	Mode Mode

	APIKey    string
	APISecret string
	Testnet   bool // routes the live adapter to Binance's futures testnet instead of production

	WebHost string
	WebPort int

	DBPath string // DuckDB file path for Store

	InitialSimBalance float64 // sim-mode starting USDT balance
}

// loadConfigFromEnv reads the process env (already hydrated by loadEnvFile)
// and returns a Config with sane defaults for any unset key.
func loadConfigFromEnv() Config {
	return Config{
		Symbol:   strings.ToUpper(getEnv("SYMBOL", "BTCUSDT")),
		Interval: Interval(getEnv("INTERVAL", "1m")),

		BollPeriod: getEnvInt("BOLL_PERIOD", 20),
		BollStd:    getEnvFloat("BOLL_STD", 2.0),

		Leverage:     getEnvInt("LEVERAGE", 10),
		TradePercent: getEnvFloat("TRADE_PERCENT", 0.70),
		FeeRate:      getEnvFloat("FEE_RATE", 0.0005),

		Mode: Mode(getEnv("MODE", string(ModeSim))),

		APIKey:    getEnv("API_KEY", ""),
		APISecret: getEnv("API_SECRET", ""),
		Testnet:   getEnvBool("TESTNET", false),

		WebHost: getEnv("WEB_HOST", "127.0.0.1"),
		WebPort: getEnvInt("WEB_PORT", 8080),

		DBPath: getEnv("DB_PATH", "boll-price.duckdb"),

		InitialSimBalance: getEnvFloat("SIM_BALANCE", 1000.0),
	}
}

// Validate enforces the configuration invariants before any component is
// constructed; a non-nil error here is fatal at startup (exit code 2).
func (c *Config) Validate() error {
	if c.Symbol == "" {
		return &ConfigError{Msg: "symbol must not be empty"}
	}
	if !c.Interval.Valid() {
		return &ConfigError{Msg: "interval must be one of 1m,5m,15m,1h,4h,1d, got " + string(c.Interval)}
	}
	if c.BollPeriod < 2 {
		return &ConfigError{Msg: "boll_period must be >= 2"}
	}
	if c.BollStd <= 0 {
		return &ConfigError{Msg: "boll_std must be > 0"}
	}
	if c.Leverage < 1 {
		return &ConfigError{Msg: "leverage must be >= 1"}
	}
	if c.TradePercent <= 0 || c.TradePercent > 1 {
		return &ConfigError{Msg: "trade_percent must satisfy 0 < F <= 1"}
	}
	if c.FeeRate < 0 {
		return &ConfigError{Msg: "fee_rate must be >= 0"}
	}
	if c.Mode != ModeLive && c.Mode != ModeSim {
		return &ConfigError{Msg: "mode must be 'live' or 'sim', got " + string(c.Mode)}
	}
	if c.Mode == ModeLive && (c.APIKey == "" || c.APISecret == "") {
		return &ConfigError{Msg: "api_key and api_secret are required in live mode"}
	}
	return nil
}
