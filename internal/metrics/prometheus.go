package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for a storage node.
//
// Metrics register on the registry passed to NewMetrics rather than the
// global default, so several nodes can live in one process. A nil *Metrics
// records nothing.
type Metrics struct {
	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Storage metrics
	MemTableEntries       prometheus.Gauge
	MemTableFlushesTotal  prometheus.Counter
	MemTableFlushDuration prometheus.Histogram
	CommitLogAppendsTotal prometheus.Counter
	CompactionsTotal      *prometheus.CounterVec
	CompactionDuration    prometheus.Histogram
	StoreFileSearches     *prometheus.CounterVec

	// Cluster metrics
	NodeState          prometheus.Gauge
	RebalancesTotal    *prometheus.CounterVec
	RebalanceDuration  prometheus.Histogram
	ReplicationsTotal  *prometheus.CounterVec
	TransfersReceived  *prometheus.CounterVec
	NotificationsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all node metrics on reg
func NewMetrics(reg prometheus.Registerer, nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairkv",
			Subsystem:   "storage",
			Name:        "requests_total",
			Help:        "Total number of client requests by verb and response status",
			ConstLabels: labels,
		}, []string{"verb", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "pairkv",
			Subsystem:   "storage",
			Name:        "request_duration_seconds",
			Help:        "Histogram of client request durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"verb"}),

		MemTableEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairkv",
			Subsystem:   "storage",
			Name:        "memtable_entries",
			Help:        "Number of entries in the memtable",
			ConstLabels: labels,
		}),
		MemTableFlushesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairkv",
			Subsystem:   "storage",
			Name:        "memtable_flushes_total",
			Help:        "Total number of memtable dumps to store files",
			ConstLabels: labels,
		}),
		MemTableFlushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "pairkv",
			Subsystem:   "storage",
			Name:        "memtable_flush_duration_seconds",
			Help:        "Histogram of memtable dump durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		CommitLogAppendsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairkv",
			Subsystem:   "storage",
			Name:        "commitlog_appends_total",
			Help:        "Total number of WAL appends",
			ConstLabels: labels,
		}),
		CompactionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairkv",
			Subsystem:   "storage",
			Name:        "compactions_total",
			Help:        "Total number of compactions by result",
			ConstLabels: labels,
		}, []string{"result"}),
		CompactionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "pairkv",
			Subsystem:   "storage",
			Name:        "compaction_duration_seconds",
			Help:        "Histogram of compaction durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		StoreFileSearches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairkv",
			Subsystem:   "storage",
			Name:        "read_source_total",
			Help:        "Total number of reads by the layer that answered them",
			ConstLabels: labels,
		}, []string{"source"}),

		NodeState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairkv",
			Subsystem:   "node",
			Name:        "state",
			Help:        "Current node state (0 initializing, 1 available, 2 rebalancing, 3 unavailable)",
			ConstLabels: labels,
		}),
		RebalancesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairkv",
			Subsystem:   "node",
			Name:        "rebalances_total",
			Help:        "Total number of rebalances by type and result",
			ConstLabels: labels,
		}, []string{"type", "result"}),
		RebalanceDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "pairkv",
			Subsystem:   "node",
			Name:        "rebalance_duration_seconds",
			Help:        "Histogram of rebalance durations",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		ReplicationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairkv",
			Subsystem:   "node",
			Name:        "replications_total",
			Help:        "Total number of replica pushes by slot and result",
			ConstLabels: labels,
		}, []string{"slot", "result"}),
		TransfersReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairkv",
			Subsystem:   "node",
			Name:        "transfers_received_total",
			Help:        "Total number of incoming transfers by purpose and result",
			ConstLabels: labels,
		}, []string{"purpose", "result"}),
		NotificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairkv",
			Subsystem:   "node",
			Name:        "notifications_total",
			Help:        "Total number of subscriber notifications by result",
			ConstLabels: labels,
		}, []string{"result"}),
	}
}

// RecordRequest records one client request
func (m *Metrics) RecordRequest(verb, status string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(verb, status).Inc()
	m.RequestDuration.WithLabelValues(verb).Observe(seconds)
}

// RecordCommitLogAppend records a WAL append
func (m *Metrics) RecordCommitLogAppend() {
	if m == nil {
		return
	}
	m.CommitLogAppendsTotal.Inc()
}

// UpdateMemTableEntries sets the memtable size gauge
func (m *Metrics) UpdateMemTableEntries(entries int) {
	if m == nil {
		return
	}
	m.MemTableEntries.Set(float64(entries))
}

// RecordMemTableFlush records a dump
func (m *Metrics) RecordMemTableFlush(seconds float64) {
	if m == nil {
		return
	}
	m.MemTableFlushesTotal.Inc()
	m.MemTableFlushDuration.Observe(seconds)
}

// RecordCompaction records a compaction
func (m *Metrics) RecordCompaction(result string, seconds float64) {
	if m == nil {
		return
	}
	m.CompactionsTotal.WithLabelValues(result).Inc()
	m.CompactionDuration.Observe(seconds)
}

// RecordReadSource records which layer answered a read
func (m *Metrics) RecordReadSource(source string) {
	if m == nil {
		return
	}
	m.StoreFileSearches.WithLabelValues(source).Inc()
}

// SetNodeState sets the node state gauge
func (m *Metrics) SetNodeState(state int) {
	if m == nil {
		return
	}
	m.NodeState.Set(float64(state))
}

// RecordRebalance records a finished rebalance
func (m *Metrics) RecordRebalance(kind, result string, seconds float64) {
	if m == nil {
		return
	}
	m.RebalancesTotal.WithLabelValues(kind, result).Inc()
	m.RebalanceDuration.Observe(seconds)
}

// RecordReplication records one replica push
func (m *Metrics) RecordReplication(slot, result string) {
	if m == nil {
		return
	}
	m.ReplicationsTotal.WithLabelValues(slot, result).Inc()
}

// RecordTransferReceived records one incoming transfer
func (m *Metrics) RecordTransferReceived(purpose, result string) {
	if m == nil {
		return
	}
	m.TransfersReceived.WithLabelValues(purpose, result).Inc()
}

// RecordNotification records one subscriber notification attempt
func (m *Metrics) RecordNotification(result string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(result).Inc()
}
