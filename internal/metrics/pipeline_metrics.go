package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// All metrics are low-cardinality (no camera_id/segment_id labels)

var (
	SegmentsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_segments_total",
			Help: "Total segment uploads by outcome",
		},
		[]string{"outcome"}, // stored, duplicate, conflict, storage_full
	)

	SegmentsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_segments_processed_total",
			Help: "Total segments leaving the pipeline by terminal state",
		},
		[]string{"state"}, // processed, failed
	)

	SegmentClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_segment_claims_total",
			Help: "Claim attempts by outcome",
		},
		[]string{"outcome"}, // won, lost
	)

	InferenceAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_inference_attempts_total",
			Help: "Inference calls by outcome",
		},
		[]string{"outcome"}, // ok, unavailable, exhausted
	)

	InferenceLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingest_inference_latency_ms",
			Help:    "Inference round-trip latency in milliseconds",
			Buckets: []float64{50, 100, 200, 500, 1000, 2000, 5000, 10000},
		},
	)

	DetectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_detections_total",
			Help: "Normalizer output by outcome",
		},
		[]string{"outcome"}, // normalized, dropped
	)

	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_incident_events_total",
			Help: "Correlator decisions",
		},
		[]string{"action"}, // created, merged, duplicate, closed
	)

	RetentionDeletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_retention_segments_deleted_total",
			Help: "Segments removed by the retention sweep",
		},
	)

	WorkersBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingest_workers_busy",
			Help: "Workers currently processing a segment",
		},
	)
)
