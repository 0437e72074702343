package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "medgraph_queries_total",
		Help: "Queries processed, labeled by cache status.",
	}, []string{"cache_status"})

	QueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "medgraph_query_duration_seconds",
		Help:    "End-to-end query pipeline latency.",
		Buckets: prometheus.DefBuckets,
	})

	PHIDetectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "medgraph_phi_detections_total",
		Help: "PHI detection events, labeled by category.",
	}, []string{"category"})

	SanitizerRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "medgraph_sanitizer_rejections_total",
		Help: "Generated queries rejected by the sanitizer.",
	})

	FetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "medgraph_fetches_total",
		Help: "External fetch attempts, labeled by outcome.",
	}, []string{"outcome"})

	ValidationReportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "medgraph_validation_reports_total",
		Help: "Validation reports produced, labeled by compliance outcome.",
	}, []string{"hipaa_compliant"})

	RetentionDeletionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "medgraph_retention_deletions_total",
		Help: "Rows removed by retention sweeps, labeled by table.",
	}, []string{"table"})

	GraphUpsertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "medgraph_graph_upserts_total",
		Help: "Graph upserts, labeled by object type.",
	}, []string{"type"})
)
