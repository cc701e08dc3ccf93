package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsPolled counts records produced by sources.
	RecordsPolled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_records_polled_total",
			Help: "Total number of records polled from sources",
		},
		[]string{"pipeline"},
	)

	// RecordsDelivered counts records confirmed by sinks.
	RecordsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_records_delivered_total",
			Help: "Total number of records delivered to sinks",
		},
		[]string{"pipeline"},
	)

	// RecordsRetried counts record-level retry rounds.
	RecordsRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_records_retried_total",
			Help: "Total number of record write retries",
		},
		[]string{"pipeline"},
	)

	// RecordsRescued counts records routed to the rescue sink.
	RecordsRescued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_records_rescued_total",
			Help: "Total number of records quarantined to the rescue sink",
		},
		[]string{"pipeline"},
	)

	// RecordsLost counts records dropped with no terminal state. It stays
	// at zero in correct operation; any increase is an alerting signal.
	RecordsLost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_records_lost_total",
			Help: "Total number of records lost without a terminal outcome (should be zero)",
		},
		[]string{"pipeline"},
	)

	// BatchesCommitted counts checkpoint commits.
	BatchesCommitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_batches_committed_total",
			Help: "Total number of batches whose checkpoint was committed",
		},
		[]string{"pipeline"},
	)

	// BatchDuration observes poll-to-commit latency per batch.
	BatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conveyor_batch_duration_seconds",
			Help:    "Latency from batch poll to checkpoint commit",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"pipeline"},
	)

	// InflightBatches gauges batches between poll and commit.
	InflightBatches = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conveyor_inflight_batches",
			Help: "Batches currently between poll and checkpoint commit",
		},
		[]string{"pipeline"},
	)
)

// metricSet binds the pipeline label once so the hot path avoids the
// label lookup per observation.
type metricSet struct {
	polled    prometheus.Counter
	delivered prometheus.Counter
	retried   prometheus.Counter
	rescued   prometheus.Counter
	lost      prometheus.Counter
	committed prometheus.Counter
	latency   prometheus.Observer
	inflight  prometheus.Gauge
}

func newMetricSet(pipeline string) *metricSet {
	return &metricSet{
		polled:    RecordsPolled.WithLabelValues(pipeline),
		delivered: RecordsDelivered.WithLabelValues(pipeline),
		retried:   RecordsRetried.WithLabelValues(pipeline),
		rescued:   RecordsRescued.WithLabelValues(pipeline),
		lost:      RecordsLost.WithLabelValues(pipeline),
		committed: BatchesCommitted.WithLabelValues(pipeline),
		latency:   BatchDuration.WithLabelValues(pipeline),
		inflight:  InflightBatches.WithLabelValues(pipeline),
	}
}
