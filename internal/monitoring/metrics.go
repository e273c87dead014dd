package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chain_rpc_router_requests_total",
			Help: "Total number of RPC requests",
		},
		[]string{"provider", "chain", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chain_rpc_router_request_duration_seconds",
			Help:    "RPC request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider", "chain"},
	)

	ProviderHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chain_rpc_router_provider_healthy",
			Help: "Health status for each provider (1 = healthy, 0 = unhealthy)",
		},
		[]string{"provider"},
	)

	ProviderBlacklisted = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chain_rpc_router_provider_blacklisted",
			Help: "Blacklist status for each provider (1 = blacklisted, 0 = eligible)",
		},
		[]string{"provider"},
	)

	ProviderCostToday = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chain_rpc_router_provider_cost_today",
			Help: "Accumulated cost since UTC midnight for each provider",
		},
		[]string{"provider"},
	)

	SelectionRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chain_rpc_router_selection_rejected_total",
			Help: "Total number of times a provider was rejected during selection",
		},
		[]string{"reason"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chain_rpc_router_queue_depth",
			Help: "Current depth of the dispatch queue per chain",
		},
		[]string{"chain"},
	)

	QueueDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chain_rpc_router_queue_dispatched_total",
			Help: "Total number of queued requests dispatched per chain",
		},
		[]string{"chain"},
	)

	PoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chain_rpc_router_pool_connections",
			Help: "Pooled connections per provider and state (busy/idle)",
		},
		[]string{"provider", "state"},
	)

	PoolWaiters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chain_rpc_router_pool_waiters",
			Help: "Number of callers waiting for a pooled connection",
		},
	)

	PoolScaleEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chain_rpc_router_pool_scale_events_total",
			Help: "Total number of pool auto-scaling events",
		},
		[]string{"direction"},
	)
)

type Metrics struct {
	enabled bool
}

func New(enabled bool) *Metrics {
	return &Metrics{
		enabled: enabled,
	}
}

func (m *Metrics) isEnabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) RecordRequest(provider, chain string, success bool, duration time.Duration) {
	if !m.isEnabled() {
		return
	}

	status := "success"
	if !success {
		status = "error"
	}
	RequestsTotal.WithLabelValues(provider, chain, status).Inc()
	RequestDuration.WithLabelValues(provider, chain).Observe(duration.Seconds())
}

func (m *Metrics) RecordSelectionRejected(reason string) {
	if !m.isEnabled() {
		return
	}
	SelectionRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) UpdateProviderHealth(provider string, healthy, blacklisted bool) {
	if !m.isEnabled() {
		return
	}
	ProviderHealthy.WithLabelValues(provider).Set(boolGauge(healthy))
	ProviderBlacklisted.WithLabelValues(provider).Set(boolGauge(blacklisted))
}

func (m *Metrics) UpdateProviderCost(provider string, costToday float64) {
	if !m.isEnabled() {
		return
	}
	ProviderCostToday.WithLabelValues(provider).Set(costToday)
}

func (m *Metrics) UpdateQueueDepth(chain string, depth int) {
	if !m.isEnabled() {
		return
	}
	QueueDepth.WithLabelValues(chain).Set(float64(depth))
}

func (m *Metrics) RecordDispatched(chain string, count int) {
	if !m.isEnabled() {
		return
	}
	QueueDispatchedTotal.WithLabelValues(chain).Add(float64(count))
}

func (m *Metrics) UpdatePoolState(provider string, busy, idle, waiters int) {
	if !m.isEnabled() {
		return
	}
	PoolConnections.WithLabelValues(provider, "busy").Set(float64(busy))
	PoolConnections.WithLabelValues(provider, "idle").Set(float64(idle))
	PoolWaiters.Set(float64(waiters))
}

func (m *Metrics) RecordPoolScale(direction string) {
	if !m.isEnabled() {
		return
	}
	PoolScaleEvents.WithLabelValues(direction).Inc()
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
