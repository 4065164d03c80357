// Package metrics provides Prometheus collectors for Kestrel.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every Kestrel collector. All methods are safe on a nil receiver.
type Metrics struct {
	// Scoring outcomes by model type and risk level
	ScoreOutcome *prometheus.CounterVec

	// Scoring latency by model type
	ScoreLatency *prometheus.HistogramVec

	// Scoring failures by model type and error kind
	ScoreErrors *prometheus.CounterVec

	// Text signal degradations by reason (timeout, error)
	TextSignalDegraded *prometheus.CounterVec

	// Text signal cache hits and misses
	TextSignalCache *prometheus.CounterVec

	// Published artifacts by model type and source (upload, training, seed)
	ModelsPublished *prometheus.CounterVec

	// Training runs by model type and outcome
	TrainingRuns     *prometheus.CounterVec
	TrainingDuration prometheus.Histogram

	// HTTP
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers all collectors with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		ScoreOutcome: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_score_outcomes_total",
			Help: "Total scoring outcomes by model type and risk level",
		}, []string{"model_type", "risk_level"}),

		ScoreLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kestrel_score_duration_seconds",
			Help:    "Duration of scoring one record, including feature engineering",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"model_type"}),

		ScoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_score_errors_total",
			Help: "Total scoring failures by model type and error kind",
		}, []string{"model_type", "kind"}),

		TextSignalDegraded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_textsignal_degraded_total",
			Help: "Text signal calls that fell back to zero",
		}, []string{"reason"}),

		TextSignalCache: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_textsignal_cache_total",
			Help: "Text signal cache lookups by result",
		}, []string{"result"}),

		ModelsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_models_published_total",
			Help: "Model artifacts published by type and source",
		}, []string{"model_type", "source"}),

		TrainingRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_training_runs_total",
			Help: "Online training runs by model type and outcome",
		}, []string{"model_type", "outcome"}),

		TrainingDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "kestrel_training_duration_seconds",
			Help:    "Duration of an online training run",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_http_requests_total",
			Help: "HTTP requests by route pattern, method and status",
		}, []string{"route", "method", "status"}),

		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kestrel_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// ObserveScore records a successful score.
func (m *Metrics) ObserveScore(modelType, level string, d time.Duration) {
	if m != nil {
		m.ScoreOutcome.WithLabelValues(modelType, level).Inc()
		m.ScoreLatency.WithLabelValues(modelType).Observe(d.Seconds())
	}
}

// IncrementScoreError records a failed score.
func (m *Metrics) IncrementScoreError(modelType, kind string) {
	if m != nil {
		m.ScoreErrors.WithLabelValues(modelType, kind).Inc()
	}
}

// IncrementTextSignalDegraded records a text signal that fell back to zero.
func (m *Metrics) IncrementTextSignalDegraded(reason string) {
	if m != nil {
		m.TextSignalDegraded.WithLabelValues(reason).Inc()
	}
}

// IncrementTextSignalCache records a cache lookup ("hit" or "miss").
func (m *Metrics) IncrementTextSignalCache(result string) {
	if m != nil {
		m.TextSignalCache.WithLabelValues(result).Inc()
	}
}

// IncrementPublished records a new catalog entry.
func (m *Metrics) IncrementPublished(modelType, source string) {
	if m != nil {
		m.ModelsPublished.WithLabelValues(modelType, source).Inc()
	}
}

// ObserveTraining records a training run.
func (m *Metrics) ObserveTraining(modelType, outcome string, d time.Duration) {
	if m != nil {
		m.TrainingRuns.WithLabelValues(modelType, outcome).Inc()
		m.TrainingDuration.Observe(d.Seconds())
	}
}

// ObserveHTTP records one HTTP request.
func (m *Metrics) ObserveHTTP(route, method, status string, d time.Duration) {
	if m != nil {
		m.HTTPRequests.WithLabelValues(route, method, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(route).Observe(d.Seconds())
	}
}
