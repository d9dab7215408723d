package metrics

import "time"

// MetricsWrapper provides a simple interface for the dispatcher, the HTTP
// layer and the audit sinks to use metrics.
type MetricsWrapper struct {
	m *Metrics
}

func NewWrapper(m *Metrics) *MetricsWrapper {
	return &MetricsWrapper{m: m}
}

func (w *MetricsWrapper) PredictionInc(strategy string, fallback bool) {
	source := SourceModel
	if fallback {
		source = SourceFallback
	}
	w.m.PredictionsTotal.WithLabelValues(strategy, source).Inc()
}

func (w *MetricsWrapper) InferenceFailureInc(strategy string) {
	w.m.InferenceFailures.WithLabelValues(strategy).Inc()
}

func (w *MetricsWrapper) LatencyObserve(strategy string, seconds float64) {
	w.m.PredictionLatency.WithLabelValues(strategy).Observe(seconds)
}

func (w *MetricsWrapper) ScoreObserve(strategy string, score float64) {
	w.m.PredictionScores.WithLabelValues(strategy).Observe(score)
}

func (w *MetricsWrapper) MalformedInc(strategy string) {
	w.m.MalformedRequests.WithLabelValues(strategy).Inc()
}

func (w *MetricsWrapper) UnauthorizedInc() {
	w.m.UnauthorizedTotal.Inc()
}

func (w *MetricsWrapper) AuditErrorInc(sink string) {
	w.m.AuditErrors.WithLabelValues(sink).Inc()
}

// SetModelLoaded records whether strategy has a model and, when it does, the
// artifact age relative to now.
func (w *MetricsWrapper) SetModelLoaded(strategy string, loaded bool, modifiedAt *time.Time, now time.Time) {
	if !loaded {
		w.m.ModelLoaded.WithLabelValues(strategy).Set(0)
		return
	}
	w.m.ModelLoaded.WithLabelValues(strategy).Set(1)
	if modifiedAt != nil {
		w.m.ModelAge.WithLabelValues(strategy).Set(now.Sub(*modifiedAt).Seconds())
	}
}
