/*
Package metrics exports the engine's Prometheus instrumentation.

PURPOSE:
  One registry-backed set of collectors shared by the scheduled cycles
  and the HTTP layer. Handler() serves it on /metrics.

SEE ALSO:
  - api/worker.go: the cycle instrumentation call sites
*/
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the engine's collectors.
type Metrics struct {
	registry *prometheus.Registry

	CycleRuns     *prometheus.CounterVec
	CycleFailures *prometheus.CounterVec
	CycleDuration *prometheus.HistogramVec

	HoldsActive         prometheus.Gauge
	StagnationAccrued   prometheus.Counter
	DisbursedTotal      prometheus.Counter
	DisbursementsFailed prometheus.Counter
	WaterLevel          prometheus.Gauge
	WaterLevelRatio     prometheus.Gauge
	PoolsSuspended      prometheus.Counter
}

// New builds and registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		CycleRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_cycle_runs_total",
			Help: "Completed scheduled cycle runs by task.",
		}, []string{"task"}),
		CycleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_cycle_failures_total",
			Help: "Failed scheduled cycle runs by task.",
		}, []string{"task"}),
		CycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escrow_cycle_duration_seconds",
			Help:    "Scheduled cycle run duration by task.",
			Buckets: prometheus.DefBuckets,
		}, []string{"task"}),
		HoldsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "escrow_holds_active",
			Help: "Holds currently in the active state.",
		}),
		StagnationAccrued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "escrow_stagnation_accruals_total",
			Help: "Holds that accrued stagnation fees, per daily cycle.",
		}),
		DisbursedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "escrow_disbursed_total",
			Help: "Cumulative amount disbursed, in currency units.",
		}),
		DisbursementsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "escrow_disbursements_failed_total",
			Help: "Disbursement attempts that failed.",
		}),
		WaterLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "escrow_water_level",
			Help: "Last computed water level.",
		}),
		WaterLevelRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "escrow_water_level_ratio",
			Help: "Last computed water level ratio, in [0, 1].",
		}),
		PoolsSuspended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "escrow_pools_suspended_total",
			Help: "Pools suspended by the stop-loss monitor.",
		}),
	}
	reg.MustRegister(
		m.CycleRuns, m.CycleFailures, m.CycleDuration,
		m.HoldsActive, m.StagnationAccrued,
		m.DisbursedTotal, m.DisbursementsFailed,
		m.WaterLevel, m.WaterLevelRatio, m.PoolsSuspended,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
