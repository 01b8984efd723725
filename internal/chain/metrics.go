package chain

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	rpcCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wallet_guard",
		Subsystem: "chain",
		Name:      "rpc_calls_total",
		Help:      "RPC calls by method and outcome (ok, error, circuit_open).",
	}, []string{"method", "outcome"})

	rpcDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "wallet_guard",
		Subsystem: "chain",
		Name:      "rpc_duration_seconds",
		Help:      "RPC latency including retries, by method.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"method"})

	approvalLogs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wallet_guard",
		Subsystem: "chain",
		Name:      "approval_logs_total",
		Help:      "Approval logs received, by disposition (delivered, removed, malformed).",
	}, []string{"disposition"})

	streamReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "wallet_guard",
		Subsystem: "chain",
		Name:      "stream_reconnects_total",
		Help:      "Log subscription reconnects.",
	})
)

func init() {
	prometheus.MustRegister(rpcCalls, rpcDuration, approvalLogs, streamReconnects)
}

func observeRPC(method string, start time.Time, err error) {
	rpcDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	outcome := "ok"
	switch {
	case errors.Is(err, ErrCircuitOpen):
		outcome = "circuit_open"
	case err != nil:
		outcome = "error"
	}
	rpcCalls.WithLabelValues(method, outcome).Inc()
}
