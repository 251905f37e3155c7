package supervisor

import "github.com/prometheus/client_golang/prometheus"

var (
	mtxTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ftrader_ticks_total",
			Help: "Strategy loop ticks executed",
		},
		[]string{"kernel"},
	)

	mtxTrades = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ftrader_trades_total",
			Help: "Trades appended to the ledger",
		},
		[]string{"kernel", "kind"},
	)

	mtxKernelErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ftrader_kernel_errors_total",
			Help: "Recoverable kernel errors",
		},
		[]string{"kernel"},
	)

	mtxRiskDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ftrader_risk_denials_total",
			Help: "Actions denied by the risk gate",
		},
		[]string{"reason"},
	)

	mtxForceCloses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ftrader_force_closes_total",
			Help: "Positions force-closed by the risk gate",
		},
		[]string{"reason"},
	)

	mtxActiveStrategies = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ftrader_active_strategies",
			Help: "Strategies currently running",
		},
	)

	mtxAccountEquity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ftrader_account_equity",
			Help: "Last observed total balance plus unrealized pnl",
		},
	)
)

func init() {
	prometheus.MustRegister(
		mtxTicks,
		mtxTrades,
		mtxKernelErrors,
		mtxRiskDenials,
		mtxForceCloses,
		mtxActiveStrategies,
		mtxAccountEquity,
	)
}
