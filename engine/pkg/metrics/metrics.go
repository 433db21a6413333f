package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "transmute_build_info",
			Help: "Build information of the transmute engine",
		},
		[]string{"version", "commit", "date"},
	)

	StageRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transmute_stage_runs_total",
			Help: "Total number of pipeline stage runs",
		},
		[]string{"stage", "status"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "transmute_stage_duration_seconds",
			Help:    "Duration of pipeline stages",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~41s
		},
		[]string{"stage"},
	)

	PipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transmute_pipeline_runs_total",
			Help: "Total number of pipeline runs",
		},
		[]string{"kind", "status"},
	)

	LandedRowsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "transmute_landed_rows_total",
			Help: "Total number of rows written to landing tables",
		},
	)

	ValidationRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transmute_validation_rows_total",
			Help: "Total number of typed rows by validity",
		},
		[]string{"validity"},
	)

	MergeRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transmute_merge_rows_total",
			Help: "Total number of incoming dimension rows by merge outcome",
		},
		[]string{"outcome"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transmute_http_requests_total",
			Help: "Total number of HTTP API requests",
		},
		[]string{"route", "code"},
	)
)
