// FILE: metrics.go
// Package main – Prometheus metrics for observability.
//
// Registered the same way as the teacher's metrics.go (package-level
// CounterVec/GaugeVec, MustRegister in init(), served by promhttp at
// /metrics in main.go) but relabeled for the eight-state engine instead of
// the teacher's ML/pyramiding metrics.
package main

import "github.com/prometheus/client_golang/prometheus"

var (
	mtxBarClosed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "boll_bars_closed_total",
			Help: "BarClosed events consumed by the engine.",
		},
	)

	mtxStateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boll_state_transitions_total",
			Help: "Engine state transitions by from/to state.",
		},
		[]string{"from", "to"},
	)

	mtxEngineState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "boll_engine_state",
			Help: "Current engine state indicator (one labeled series per state, 1 for active).",
		},
		[]string{"state"},
	)

	mtxTrades = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boll_trades_total",
			Help: "Trades executed by side.",
		},
		[]string{"side"},
	)

	mtxRealizedPnL = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "boll_realized_pnl_total",
			Help: "Cumulative realized PnL across all closes (gross of fees).",
		},
	)

	mtxFeesPaid = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "boll_fees_paid_total",
			Help: "Cumulative fees paid on opens and closes.",
		},
	)

	mtxAdapterErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boll_adapter_errors_total",
			Help: "Trading adapter errors by operation.",
		},
		[]string{"op"},
	)

	mtxBalance = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "boll_balance_usd",
			Help: "Last observed adapter balance in quote currency.",
		},
	)
)

func init() {
	prometheus.MustRegister(mtxBarClosed, mtxStateTransitions, mtxEngineState)
	prometheus.MustRegister(mtxTrades, mtxRealizedPnL, mtxFeesPaid)
	prometheus.MustRegister(mtxAdapterErrors, mtxBalance)
}

// setEngineStateMetric flips the single active state series to 1 and all
// others to 0, mirroring the teacher's SetModelModeMetric pattern.
func setEngineStateMetric(s EngineState) {
	for i := 0; i < 8; i++ {
		st := EngineState(i)
		v := 0.0
		if st == s {
			v = 1
		}
		mtxEngineState.WithLabelValues(st.String()).Set(v)
	}
}
