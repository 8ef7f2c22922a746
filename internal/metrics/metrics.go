package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Capture metrics
	RecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "domspy_records_total",
			Help: "Total number of records accepted into a ring buffer",
		},
		[]string{"buffer"},
	)

	RecordsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "domspy_records_dropped_total",
			Help: "Total number of records dropped because capture failed",
		},
		[]string{"source"},
	)

	Evictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "domspy_evictions_total",
			Help: "Total number of records evicted for capacity",
		},
		[]string{"buffer"},
	)

	BufferSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "domspy_buffer_size",
			Help: "Current number of records held per buffer",
		},
		[]string{"buffer"},
	)

	// Analysis metrics
	AnalysisCycles = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "domspy_analysis_cycles_total",
			Help: "Total number of analysis cycles run",
		},
	)

	AnalysisErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "domspy_analysis_errors_total",
			Help: "Total number of failed analysis stages",
		},
		[]string{"stage"},
	)

	AnalysisDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "domspy_analysis_duration_seconds",
			Help:    "Duration of one analysis cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Replay metrics
	ReplayDispatch = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "domspy_replay_dispatch_total",
			Help: "Replayed interaction records by outcome",
		},
		[]string{"outcome"},
	)
)
