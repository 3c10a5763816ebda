// Package metrics exposes Prometheus instrumentation for the consensus
// engine: provider call counters and latency, cost, convergence and
// sycophancy counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	ProviderCallsTotal *prometheus.CounterVec
	ProviderLatency    *prometheus.HistogramVec
	CostUSD            *prometheus.CounterVec

	ThreadsTotal     *prometheus.CounterVec
	RoundsTotal      prometheus.Counter
	ConvergedTotal   prometheus.Counter
	SycophancyTotal  *prometheus.CounterVec
	ChallengesTotal  *prometheus.CounterVec
	RateLimitedTotal prometheus.Counter

	TemporalUp            prometheus.Gauge
	TemporalCircuitState  prometheus.Gauge   // 0=closed, 1=open, 2=half-open
	TemporalFallbackTotal prometheus.Counter // runs that fell back to the in-process engine
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		ProviderCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quorum_provider_calls_total",
			Help: "Total provider calls issued by the engine",
		}, []string{"model", "status"}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quorum_provider_latency_ms",
			Help:    "Provider call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}, []string{"model"}),
		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quorum_cost_usd_total",
			Help: "Accumulated USD cost per model",
		}, []string{"model"}),
		ThreadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quorum_threads_total",
			Help: "Debate threads by protocol and final status",
		}, []string{"protocol", "status"}),
		RoundsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quorum_rounds_total",
			Help: "Completed debate rounds",
		}),
		ConvergedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quorum_converged_total",
			Help: "Threads that stopped early on challenge convergence",
		}),
		SycophancyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quorum_sycophancy_total",
			Help: "Challenges flagged as sycophantic, per model",
		}, []string{"model"}),
		ChallengesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quorum_challenges_total",
			Help: "Challenges recorded, per framing",
		}, []string{"framing"}),
		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quorum_rate_limited_total",
			Help: "Total HTTP requests rejected by the rate limiter",
		}),
		TemporalUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quorum_temporal_up",
			Help: "Whether the Temporal workflow engine is connected (1=up, 0=down/disabled)",
		}),
		TemporalCircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quorum_temporal_circuit_state",
			Help: "Temporal circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		TemporalFallbackTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quorum_temporal_fallback_total",
			Help: "Runs executed in-process after a failed Temporal dispatch",
		}),
	}
	reg.MustRegister(
		m.ProviderCallsTotal, m.ProviderLatency, m.CostUSD,
		m.ThreadsTotal, m.RoundsTotal, m.ConvergedTotal,
		m.SycophancyTotal, m.ChallengesTotal, m.RateLimitedTotal,
		m.TemporalUp, m.TemporalCircuitState, m.TemporalFallbackTotal,
	)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
