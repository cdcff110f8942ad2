package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// BatchesReceivedTotal is the total number of non-empty batches fetched from the transport.
	BatchesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubfence",
			Name:      "batches_received_total",
			Help:      "Non-empty batches fetched from the partition.",
		},
		[]string{"partition"},
	)

	// RecordsDeliveredTotal is the total number of records handed to the handler.
	RecordsDeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubfence",
			Name:      "records_delivered_total",
			Help:      "Records delivered to the handler, by result.",
		},
		[]string{"partition", "result"},
	)

	// HandlerDurationSeconds is the time spent inside the handler per batch.
	HandlerDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hubfence",
			Name:      "handler_duration_seconds",
			Help:      "Time spent handling one batch.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"partition"},
	)

	// CheckpointsCommittedTotal is the total number of committed resume positions.
	CheckpointsCommittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubfence",
			Name:      "checkpoints_committed_total",
			Help:      "Resume positions committed to the lease store.",
		},
		[]string{"partition"},
	)

	// CheckpointErrorsTotal is the total number of failed position commits.
	CheckpointErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubfence",
			Name:      "checkpoint_errors_total",
			Help:      "Failed resume position commits.",
		},
		[]string{"partition"},
	)

	// LeaseEpoch is the epoch committed by the most recent acquisition.
	LeaseEpoch = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "hubfence",
			Name:      "lease_epoch",
			Help:      "Epoch held by the current partition reader.",
		},
		[]string{"partition"},
	)

	// LeaseAcquisitionsTotal counts acquisition attempts by result.
	LeaseAcquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubfence",
			Name:      "lease_acquisitions_total",
			Help:      "Lease acquisition attempts, by result.",
		},
		[]string{"partition", "result"},
	)

	// LoopFailuresTotal counts failures seen by supervised loops, by classification.
	LoopFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubfence",
			Name:      "loop_failures_total",
			Help:      "Failures observed by supervised loops, by class.",
		},
		[]string{"loop", "class"},
	)

	// LagSeconds is the lag between enqueue time of the last record in a batch and its handling.
	LagSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hubfence",
			Name:      "lag_seconds",
			Help:      "Lag between record enqueue time and handling.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"partition"},
	)

	// LeadershipTransitionsTotal counts leader election transitions seen by the host.
	LeadershipTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubfence",
			Name:      "leadership_transitions_total",
			Help:      "Leader election transitions, by direction.",
		},
		[]string{"partition", "direction"},
	)
)

func init() {
	metrics.Registry.MustRegister(
		BatchesReceivedTotal,
		RecordsDeliveredTotal,
		HandlerDurationSeconds,
		CheckpointsCommittedTotal,
		CheckpointErrorsTotal,
		LeaseEpoch,
		LeaseAcquisitionsTotal,
		LoopFailuresTotal,
		LagSeconds,
		LeadershipTransitionsTotal,
	)
}
