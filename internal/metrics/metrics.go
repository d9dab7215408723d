// Package metrics provides Prometheus metrics collection for the setup scorer.
// It defines the prediction, model and audit metrics exposed via the
// Prometheus metrics endpoint for monitoring and alerting.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prediction sources.
const (
	SourceModel    = "model"
	SourceFallback = "fallback"
)

// Metrics holds all Prometheus metrics for the scorer.
type Metrics struct {
	// Prediction metrics
	PredictionsTotal  *prometheus.CounterVec   // Served predictions by strategy and source
	InferenceFailures *prometheus.CounterVec   // Loaded models that failed to score a request
	MalformedRequests *prometheus.CounterVec   // Requests rejected before dispatch
	UnauthorizedTotal prometheus.Counter       // Requests rejected by the API key check
	PredictionLatency *prometheus.HistogramVec // End-to-end dispatch latency in seconds
	PredictionScores  *prometheus.HistogramVec // Distribution of positive class probabilities

	// Model metrics
	ModelLoaded *prometheus.GaugeVec // 1 when a strategy has a model, 0 otherwise
	ModelAge    *prometheus.GaugeVec // Seconds since the artifact was last modified

	// Audit metrics
	AuditErrors *prometheus.CounterVec // Failed audit writes by sink
}

// New creates and registers all Prometheus metrics using the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		PredictionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "predictions_total",
			Help: "Total number of predictions served",
		}, []string{"strategy", "source"}),
		InferenceFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "inference_failures_total",
			Help: "Total number of inference failures of loaded models",
		}, []string{"strategy"}),
		MalformedRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "malformed_requests_total",
			Help: "Total number of requests rejected for schema violations",
		}, []string{"strategy"}),
		UnauthorizedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "unauthorized_requests_total",
			Help: "Total number of requests with a missing or invalid API key",
		}),
		PredictionLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "prediction_latency_seconds",
			Help:    "Prediction latency in seconds (dispatch to result)",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"strategy"}),
		PredictionScores: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "prediction_scores",
			Help:    "Distribution of model probabilities",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}, []string{"strategy"}),
		ModelLoaded: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "model_loaded",
			Help: "Whether a model is loaded for the strategy (1) or absent (0)",
		}, []string{"strategy"}),
		ModelAge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "model_age_seconds",
			Help: "Age of the loaded model artifact in seconds",
		}, []string{"strategy"}),
		AuditErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_errors_total",
			Help: "Total number of failed audit writes",
		}, []string{"sink"}),
	}
}
