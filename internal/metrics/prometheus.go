// Package metrics provides Prometheus metrics for the query router.
package metrics

import (
	"strconv"
	"time"

	"github.com/devrev/pairdb/queryrouter/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "queryrouter"

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Query plan metrics
	PlansTotal       *prometheus.CounterVec
	PlanHostsYielded *prometheus.CounterVec
	EmptyPlansTotal  *prometheus.CounterVec

	// Topology metrics
	RegistryHosts       *prometheus.GaugeVec
	TopologyEventsTotal *prometheus.CounterVec

	// Token ring metrics
	RingRebuildsTotal   prometheus.Counter
	RingRebuildDuration prometheus.Histogram
	RingTokens          prometheus.Gauge

	// Execution metrics
	ExecuteAttemptsTotal *prometheus.CounterVec

	// Admin HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates the metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PlansTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plans_total",
				Help:      "Total number of query plans generated",
			},
			[]string{"policy", "routing"},
		),
		PlanHostsYielded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plan_hosts_yielded_total",
				Help:      "Total number of hosts handed out by query plans",
			},
			[]string{"policy"},
		),
		EmptyPlansTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "empty_plans_total",
				Help:      "Total number of query plans that had no candidate host",
			},
			[]string{"policy"},
		),
		RegistryHosts: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "registry_hosts",
				Help:      "Number of known hosts by lifecycle state",
			},
			[]string{"state"},
		),
		TopologyEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "topology_events_total",
				Help:      "Total number of topology events received by the registry",
			},
			[]string{"type", "outcome"},
		),
		RingRebuildsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ring_rebuilds_total",
			Help:      "Total number of token ring rebuilds",
		}),
		RingRebuildDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ring_rebuild_duration_seconds",
			Help:      "Duration of token ring rebuilds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		RingTokens: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ring_tokens",
			Help:      "Number of tokens in the published token ring",
		}),
		ExecuteAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "execute_attempts_total",
				Help:      "Total number of host attempts made while executing plans",
			},
			[]string{"outcome"},
		),
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of admin HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Admin HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// RecordPlan records a generated plan
func (m *Metrics) RecordPlan(policy, routing string) {
	if m == nil {
		return
	}
	m.PlansTotal.WithLabelValues(policy, routing).Inc()
}

// RecordHostYielded records a host handed out by a plan
func (m *Metrics) RecordHostYielded(policy string) {
	if m == nil {
		return
	}
	m.PlanHostsYielded.WithLabelValues(policy).Inc()
}

// RecordEmptyPlan records a plan that produced no host at all
func (m *Metrics) RecordEmptyPlan(policy string) {
	if m == nil {
		return
	}
	m.EmptyPlansTotal.WithLabelValues(policy).Inc()
}

// RecordTopologyEvent records a registry event and what the registry did with it
func (m *Metrics) RecordTopologyEvent(eventType model.EventType, outcome string) {
	if m == nil {
		return
	}
	m.TopologyEventsTotal.WithLabelValues(string(eventType), outcome).Inc()
}

// SetHostCounts publishes the per-state host gauge
func (m *Metrics) SetHostCounts(counts map[model.HostState]int) {
	if m == nil {
		return
	}
	for _, state := range []model.HostState{model.HostStateUp, model.HostStateDown, model.HostStateAdded} {
		m.RegistryHosts.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

// RecordRingRebuild records a completed token ring rebuild
func (m *Metrics) RecordRingRebuild(tokens int, duration time.Duration) {
	if m == nil {
		return
	}
	m.RingRebuildsTotal.Inc()
	m.RingRebuildDuration.Observe(duration.Seconds())
	m.RingTokens.Set(float64(tokens))
}

// RecordAttempt records one host attempt made by the executor
func (m *Metrics) RecordAttempt(success bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.ExecuteAttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordHTTPRequest records an admin HTTP request
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
