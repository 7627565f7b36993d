package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BatchesTotal tracks batches run per pipeline, origin and outcome
	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "categorizer_batches_total",
			Help: "Total number of batches run",
		},
		[]string{"pipeline", "origin", "outcome"},
	)

	// RecordsTotal tracks recorded case outcomes per status
	RecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "categorizer_records_total",
			Help: "Total number of case outcomes recorded",
		},
		[]string{"pipeline", "status"},
	)

	// RowsDropped tracks rows dropped during extraction
	RowsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "categorizer_rows_dropped_total",
			Help: "Total number of rows dropped during extraction",
		},
		[]string{"pipeline"},
	)

	// WritesTotal tracks result write-back per outcome (written, skipped)
	WritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "categorizer_writes_total",
			Help: "Total number of results written back or skipped",
		},
		[]string{"pipeline", "outcome"},
	)

	// ClassifierCallsTotal tracks classifier attempts per backend and result
	ClassifierCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "categorizer_classifier_calls_total",
			Help: "Total number of classifier call attempts",
		},
		[]string{"backend", "result"},
	)

	// ClassifierLatency tracks classifier call latency
	ClassifierLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "categorizer_classifier_latency_seconds",
			Help:    "Classifier call latency in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		},
		[]string{"backend"},
	)

	// CursorPosition tracks the last processed row index
	CursorPosition = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "categorizer_cursor_position",
			Help: "Last processed row index of the primary pass",
		},
		[]string{"pipeline"},
	)

	// TotalRows tracks the row count observed by the cursor
	TotalRows = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "categorizer_total_rows",
			Help: "Row count observed on the last batch",
		},
		[]string{"pipeline"},
	)

	// FailedCases tracks cases awaiting an explicit retry
	FailedCases = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "categorizer_failed_cases",
			Help: "Cases that are failed, malformed or left pending by an interrupted retry",
		},
		[]string{"pipeline"},
	)

	// StatusTransitionsTotal tracks persisted ledger transitions
	StatusTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "categorizer_status_transitions_total",
			Help: "Total number of case status transitions recorded in the ledger",
		},
		[]string{"pipeline", "from", "to"},
	)
)
