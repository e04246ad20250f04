package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveLeases           = promauto.NewGauge(prometheus.GaugeOpts{Name: "portbroker_active_leases", Help: "Current port leases"})
	PoolCapacity           = promauto.NewGauge(prometheus.GaugeOpts{Name: "portbroker_pool_capacity", Help: "Ports in the allocatable range"})
	LiveSessions           = promauto.NewGauge(prometheus.GaugeOpts{Name: "portbroker_live_sessions", Help: "Authenticated SSH sessions"})
	LeasesCreatedTotal     = promauto.NewCounter(prometheus.CounterOpts{Name: "portbroker_leases_created_total", Help: "Leases created"})
	LeasesRemovedTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "portbroker_leases_removed_total", Help: "Leases removed by reason"}, []string{"reason"})
	PoolExhaustedTotal     = promauto.NewCounter(prometheus.CounterOpts{Name: "portbroker_pool_exhausted_total", Help: "Allocations refused because every port is leased"})
	PreemptionsTotal       = promauto.NewCounter(prometheus.CounterOpts{Name: "portbroker_preemptions_total", Help: "Live binders closed by a newer claimant"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "portbroker_errors_total", Help: "Errors by type"}, []string{"type"})
	ForwardedConnsTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "portbroker_forwarded_connections_total", Help: "Inbound connections relayed to tunnel clients"})
	SweepDurationSeconds   = promauto.NewHistogram(prometheus.HistogramOpts{Name: "portbroker_sweep_duration_seconds", Help: "Idle sweep duration", Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16)})
	SessionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "portbroker_session_duration_seconds", Help: "SSH session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 20)})
)
