package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CoordinatorMetrics holds the membership coordinator's metrics. A nil
// *CoordinatorMetrics records nothing.
type CoordinatorMetrics struct {
	RingSize          prometheus.Gauge
	ConnectedNodes    prometheus.Gauge
	MembershipChanges *prometheus.CounterVec
	Broadcasts        prometheus.Counter
	Evictions         *prometheus.CounterVec
	LockWaitDuration  *prometheus.HistogramVec
	InvalidRequests   *prometheus.CounterVec
}

// NewCoordinatorMetrics creates and registers coordinator metrics on reg
func NewCoordinatorMetrics(reg prometheus.Registerer) *CoordinatorMetrics {
	factory := promauto.With(reg)

	return &CoordinatorMetrics{
		RingSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pairkv",
			Subsystem: "coordinator",
			Name:      "ring_size",
			Help:      "Number of nodes in the ring",
		}),
		ConnectedNodes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pairkv",
			Subsystem: "coordinator",
			Name:      "connected_nodes",
			Help:      "Number of registered node connections",
		}),
		MembershipChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pairkv",
			Subsystem: "coordinator",
			Name:      "membership_changes_total",
			Help:      "Total number of joins and leaves",
		}, []string{"type"}),
		Broadcasts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pairkv",
			Subsystem: "coordinator",
			Name:      "broadcasts_total",
			Help:      "Total number of completed metadata broadcasts",
		}),
		Evictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pairkv",
			Subsystem: "coordinator",
			Name:      "evictions_total",
			Help:      "Total number of nodes removed without a leave, by reason",
		}, []string{"reason"}),
		LockWaitDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pairkv",
			Subsystem: "coordinator",
			Name:      "lock_wait_seconds",
			Help:      "Time from METADATA_LOCK to REQ_FIN",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"result"}),
		InvalidRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pairkv",
			Subsystem: "coordinator",
			Name:      "invalid_requests_total",
			Help:      "Total number of rejected node messages by reply status",
		}, []string{"status"}),
	}
}

// SetMembership updates the ring size and connection gauges
func (m *CoordinatorMetrics) SetMembership(ringSize, connected int) {
	if m == nil {
		return
	}
	m.RingSize.Set(float64(ringSize))
	m.ConnectedNodes.Set(float64(connected))
}

// RecordMembershipChange records a join or leave
func (m *CoordinatorMetrics) RecordMembershipChange(kind string) {
	if m == nil {
		return
	}
	m.MembershipChanges.WithLabelValues(kind).Inc()
}

// RecordBroadcast records a completed broadcast
func (m *CoordinatorMetrics) RecordBroadcast() {
	if m == nil {
		return
	}
	m.Broadcasts.Inc()
}

// RecordEviction records a node removed by the coordinator
func (m *CoordinatorMetrics) RecordEviction(reason string) {
	if m == nil {
		return
	}
	m.Evictions.WithLabelValues(reason).Inc()
}

// RecordLockWait records how a METADATA_LOCK ended
func (m *CoordinatorMetrics) RecordLockWait(result string, seconds float64) {
	if m == nil {
		return
	}
	m.LockWaitDuration.WithLabelValues(result).Observe(seconds)
}

// RecordInvalidRequest records a rejected node message
func (m *CoordinatorMetrics) RecordInvalidRequest(status string) {
	if m == nil {
		return
	}
	m.InvalidRequests.WithLabelValues(status).Inc()
}
