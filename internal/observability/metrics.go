// Package observability provides Prometheus metrics and OpenTelemetry tracing.
package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects retrieval and evaluation metrics.
//
// All methods are safe on a nil *Metrics, so components can run without
// instrumentation in tests and one-off tools.
type Metrics struct {
	// RetrieveRequests counts retrieve calls.
	// Labels: status (ok|degraded|<error kind>)
	RetrieveRequests *prometheus.CounterVec

	// StageDuration measures pipeline stage latency in seconds.
	// Labels: stage (embed|search|rerank|total)
	StageDuration *prometheus.HistogramVec

	// DegradedResponses counts responses served in similarity order.
	// Labels: reason
	DegradedResponses *prometheus.CounterVec

	// EvaluationQueries counts evaluated gold queries.
	// Labels: outcome (evaluated|excluded|failed)
	EvaluationQueries *prometheus.CounterVec

	// EvaluationRecall holds mean Recall@K of the last evaluation run.
	// Labels: k
	EvaluationRecall *prometheus.GaugeVec

	// EvaluationMRR holds the MRR of the last evaluation run.
	EvaluationMRR prometheus.Gauge

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, route, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics registers the metrics with reg. Pass prometheus.DefaultRegisterer
// in servers and a fresh prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RetrieveRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "costrag_retrieve_requests_total",
				Help: "Total number of retrieve requests by status",
			},
			[]string{"status"},
		),
		StageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "costrag_stage_duration_seconds",
				Help:    "Duration of retrieval pipeline stages in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"stage"},
		),
		DegradedResponses: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "costrag_degraded_responses_total",
				Help: "Responses served without reranking, by reason",
			},
			[]string{"reason"},
		),
		EvaluationQueries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "costrag_evaluation_queries_total",
				Help: "Gold queries processed by evaluation runs, by outcome",
			},
			[]string{"outcome"},
		),
		EvaluationRecall: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "costrag_evaluation_recall",
				Help: "Mean Recall@K of the most recent evaluation run",
			},
			[]string{"k"},
		),
		EvaluationMRR: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "costrag_evaluation_mrr",
				Help: "Mean reciprocal rank of the most recent evaluation run",
			},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "costrag_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"method", "route", "status_code"},
		),
	}
}

// RetrieveDone records the outcome of one retrieve call.
func (m *Metrics) RetrieveDone(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RetrieveRequests.WithLabelValues(status).Inc()
	m.StageDuration.WithLabelValues("total").Observe(d.Seconds())
}

// Stage records the latency of one pipeline stage.
func (m *Metrics) Stage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// Degraded counts a response served without reranking.
func (m *Metrics) Degraded(reason string) {
	if m == nil {
		return
	}
	m.DegradedResponses.WithLabelValues(reason).Inc()
}

// EvaluationRun records the outcome counts and aggregates of one run.
func (m *Metrics) EvaluationRun(evaluated, excluded, failed int, recall map[int]float64, mrr float64) {
	if m == nil {
		return
	}
	m.EvaluationQueries.WithLabelValues("evaluated").Add(float64(evaluated))
	m.EvaluationQueries.WithLabelValues("excluded").Add(float64(excluded))
	m.EvaluationQueries.WithLabelValues("failed").Add(float64(failed))
	for k, v := range recall {
		m.EvaluationRecall.WithLabelValues(strconv.Itoa(k)).Set(v)
	}
	m.EvaluationMRR.Set(mrr)
}

// HTTPRequest records one HTTP request.
func (m *Metrics) HTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
