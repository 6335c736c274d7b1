package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_sessions_active",
		Help: "Currently connected device sessions",
	})

	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_sessions_total",
		Help: "Total device sessions accepted",
	})

	SamplesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_samples_received_total",
		Help: "Inbound samples by kind",
	}, []string{"kind"})

	GateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_gate_decisions_total",
		Help: "Stream gate admissions and rejections by kind",
	}, []string{"kind", "decision"})

	OracleCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oracle_calls_total",
		Help: "Reasoning oracle calls by backend and outcome",
	}, []string{"backend", "outcome"})

	OracleRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oracle_retries_total",
		Help: "Oracle attempts beyond the first",
	})

	OracleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oracle_call_duration_seconds",
		Help:    "Oracle call latency by stage",
		Buckets: []float64{0.2, 0.5, 1.0, 2.0, 5.0, 10.0, 20.0, 40.0},
	}, []string{"stage"})

	StageResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stage_results_total",
		Help: "Stage results by stage and status",
	}, []string{"stage", "status"})

	AlertsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alerts_emitted_total",
		Help: "Alerts produced by the router, by category",
	}, []string{"category"})

	AlertsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alerts_delivered_total",
		Help: "Alerts handed to a delivery channel, by channel",
	}, []string{"channel"})

	InsightRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insight_runs_total",
		Help: "Batch insight runs by terminal status",
	}, []string{"status"})

	InsightStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "insight_stage_duration_seconds",
		Help:    "Per-stage latency of the batch insight pipeline",
		Buckets: []float64{0.5, 1.0, 2.0, 5.0, 10.0, 20.0, 40.0, 80.0},
	}, []string{"stage"})

	ContextEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "context_window_evictions_total",
		Help: "Ring-buffer evictions in session context windows, by kind",
	}, []string{"kind"})

	RegionLookupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "region_lookup_duration_seconds",
		Help:    "Region knowledge retrieval latency (embed + search)",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1.0},
	})
)
