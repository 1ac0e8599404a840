package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ClusterMetrics holds the metrics of the replication metadata components.
type ClusterMetrics struct {
	// PrimaryChanges counts the primaries elected or overridden, labeled by virtual storage and
	// by the cause of the change.
	PrimaryChanges *prometheus.CounterVec
	// ReplicationFactorChanges counts the applied replication factor changes, labeled by virtual
	// storage and by direction.
	ReplicationFactorChanges *prometheus.CounterVec
	// DatalossSkippedRecords counts the records skipped by dataloss scans because they couldn't
	// be read.
	DatalossSkippedRecords *prometheus.CounterVec
	// InvertedBehindBy counts the replicas found ahead of their repository's generation.
	InvertedBehindBy *prometheus.CounterVec
}

// NewClusterMetrics returns unregistered cluster metrics.
func NewClusterMetrics() *ClusterMetrics {
	return &ClusterMetrics{
		PrimaryChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gitaly",
			Subsystem: "praefect",
			Name:      "primary_changes_total",
			Help:      "Number of times the primary of a repository changed.",
		}, []string{"virtual_storage", "reason"}),
		ReplicationFactorChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gitaly",
			Subsystem: "praefect",
			Name:      "replication_factor_changes_total",
			Help:      "Number of replication factor changes applied to repositories.",
		}, []string{"virtual_storage", "direction"}),
		DatalossSkippedRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gitaly",
			Subsystem: "praefect",
			Name:      "dataloss_skipped_records_total",
			Help:      "Number of repository records skipped by dataloss checks because they could not be read.",
		}, []string{"virtual_storage"}),
		InvertedBehindBy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gitaly",
			Subsystem: "praefect",
			Name:      "dataloss_replicas_ahead_total",
			Help:      "Number of replicas found on a generation ahead of their repository by dataloss checks.",
		}, []string{"virtual_storage"}),
	}
}

// Describe implements prometheus.Collector.
func (m *ClusterMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.PrimaryChanges.Describe(ch)
	m.ReplicationFactorChanges.Describe(ch)
	m.DatalossSkippedRecords.Describe(ch)
	m.InvertedBehindBy.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *ClusterMetrics) Collect(ch chan<- prometheus.Metric) {
	m.PrimaryChanges.Collect(ch)
	m.ReplicationFactorChanges.Collect(ch)
	m.DatalossSkippedRecords.Collect(ch)
	m.InvertedBehindBy.Collect(ch)
}
