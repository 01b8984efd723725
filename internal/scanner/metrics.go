package scanner

import "github.com/prometheus/client_golang/prometheus"

var (
	cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "wallet_guard",
		Subsystem: "scanner",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of allowance scan cycles in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	readErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "wallet_guard",
		Subsystem: "scanner",
		Name:      "read_errors_total",
		Help:      "Allowance reads that failed during a scan cycle.",
	})

	allowanceChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "wallet_guard",
		Subsystem: "scanner",
		Name:      "allowance_changes_total",
		Help:      "Allowances that differed from the previous snapshot.",
	})

	riskyAllowances = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wallet_guard",
		Subsystem: "scanner",
		Name:      "risky_allowances",
		Help:      "Non-SAFE allowances found in the most recent scan cycle.",
	})
)

func init() {
	prometheus.MustRegister(
		cycleDuration,
		readErrors,
		allowanceChanges,
		riskyAllowances,
	)
}
