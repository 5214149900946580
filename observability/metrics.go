package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SettlementMetrics records engine activity for the metrics endpoint.
type SettlementMetrics struct {
	Created    *prometheus.CounterVec
	Settled    *prometheus.CounterVec
	Disputes   prometheus.Counter
	Rejections prometheus.Counter
	SweepRuns  prometheus.Counter
}

var (
	settlementOnce sync.Once
	settlementReg  *SettlementMetrics
)

// Settlement returns the lazily-initialised settlement metrics registry.
func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementReg = &SettlementMetrics{
			Created: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proofpay",
				Subsystem: "settlement",
				Name:      "records_created_total",
				Help:      "Total settlement records created, segmented by proof policy and denom.",
			}, []string{"policy", "denom"}),
			Settled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proofpay",
				Subsystem: "settlement",
				Name:      "records_settled_total",
				Help:      "Total records reaching a terminal status, segmented by status.",
			}, []string{"status"}),
			Disputes: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "proofpay",
				Subsystem: "settlement",
				Name:      "disputes_total",
				Help:      "Total disputes raised.",
			}),
			Rejections: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "proofpay",
				Subsystem: "settlement",
				Name:      "proof_rejections_total",
				Help:      "Total proof rejections recorded.",
			}),
			SweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "proofpay",
				Subsystem: "settlement",
				Name:      "sweep_runs_total",
				Help:      "Total deadline and release-window sweep passes.",
			}),
		}
		prometheus.MustRegister(
			settlementReg.Created,
			settlementReg.Settled,
			settlementReg.Disputes,
			settlementReg.Rejections,
			settlementReg.SweepRuns,
		)
	})
	return settlementReg
}

// RPCMetrics records request durations and outcomes on the JSON-RPC surface.
type RPCMetrics struct {
	Duration *prometheus.HistogramVec
}

var (
	rpcOnce sync.Once
	rpcReg  *RPCMetrics
)

// RPC returns the lazily-initialised RPC metrics registry.
func RPC() *RPCMetrics {
	rpcOnce.Do(func() {
		rpcReg = &RPCMetrics{
			Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "proofpay",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "JSON-RPC request latency, segmented by method and outcome.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method", "outcome"}),
		}
		prometheus.MustRegister(rpcReg.Duration)
	})
	return rpcReg
}

// ObserveRPC records one completed RPC call.
func (m *RPCMetrics) ObserveRPC(method, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.Duration.WithLabelValues(method, outcome).Observe(seconds)
}

// Handler exposes the default prometheus registry over HTTP.
func Handler() http.Handler {
	return promhttp.Handler()
}
