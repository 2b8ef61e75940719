// Package metrics wraps the Prometheus counters/gauges this replica
// exposes on its admin HTTP surface: promauto-constructed collectors
// held as struct fields, one update method per domain event, rather
// than package-level globals or raw expvar ints.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements replication.MetricsSink plus the request/save
// counters recorded by the RPC dispatcher and the store adapter.
type Metrics struct {
	isLeader prometheus.Gauge
	replicas prometheus.Gauge

	heartbeatFailures prometheus.Counter

	rpcRequests *prometheus.CounterVec

	snapshotSaves       prometheus.Counter
	snapshotSaveErrors  prometheus.Counter
}

// New registers and returns the full set of collectors. Call once per
// process; a second call would panic on duplicate registration, matching
// promauto's documented behavior.
func New() *Metrics {
	return &Metrics{
		isLeader: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "replica_is_leader",
			Help: "1 if this replica currently holds the leader role, 0 otherwise.",
		}),
		replicas: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "replica_list_size",
			Help: "Number of addresses in this replica's known replica list.",
		}),
		heartbeatFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "heartbeat_failures_total",
			Help: "Total number of heartbeat RPCs that failed or timed out.",
		}),
		rpcRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "rpc_requests_total",
			Help: "Total number of RPC requests handled, by method name.",
		}, []string{"method"}),
		snapshotSaves: promauto.NewCounter(prometheus.CounterOpts{
			Name: "snapshot_saves_total",
			Help: "Total number of successful snapshot saves.",
		}),
		snapshotSaveErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "snapshot_save_errors_total",
			Help: "Total number of snapshot saves that returned an error.",
		}),
	}
}

// SetIsLeader implements replication.MetricsSink.
func (m *Metrics) SetIsLeader(leader bool) {
	if leader {
		m.isLeader.Set(1)
	} else {
		m.isLeader.Set(0)
	}
}

// SetReplicaCount implements replication.MetricsSink.
func (m *Metrics) SetReplicaCount(n int) {
	m.replicas.Set(float64(n))
}

// IncHeartbeatFailure implements replication.MetricsSink.
func (m *Metrics) IncHeartbeatFailure() {
	m.heartbeatFailures.Inc()
}

// ObserveRPC records one dispatched call to method.
func (m *Metrics) ObserveRPC(method string) {
	m.rpcRequests.WithLabelValues(method).Inc()
}

// ObserveSnapshotSave records the outcome of one Adapter.Save call.
func (m *Metrics) ObserveSnapshotSave(err error) {
	if err != nil {
		m.snapshotSaveErrors.Inc()
		return
	}
	m.snapshotSaves.Inc()
}
