package trader

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics updated across the pipeline and served by the API
// server at /metrics.
var (
	mtxCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_cycles_total",
			Help: "Trading cycles run, by outcome",
		},
		[]string{"outcome"}, // ok | error
	)

	mtxSignals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_signals_total",
			Help: "Signal decisions, by action",
		},
		[]string{"action"}, // entry | averaging | none
	)

	mtxOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_orders_total",
			Help: "Orders placed on the exchange",
		},
		[]string{"side", "leg"}, // leg: entry | take_profit
	)

	mtxRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_order_rejections_total",
			Help: "Orders refused before or at the exchange",
		},
		[]string{"stage"}, // validation | exposure | exchange
	)

	mtxReconCorrections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_reconciliation_corrections_total",
			Help: "Ledger corrections applied by reconciliation",
		},
		[]string{"kind"}, // drift | synthesized | closed
	)

	mtxCriticalGaps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_critical_execution_gaps_total",
			Help: "Entry orders left without a take-profit leg",
		},
	)

	mtxOpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_open_positions",
			Help: "Open buy positions across all symbols",
		},
	)
)

func init() {
	prometheus.MustRegister(
		mtxCycles,
		mtxSignals,
		mtxOrders,
		mtxRejections,
		mtxReconCorrections,
		mtxCriticalGaps,
		mtxOpenPositions,
	)
}
