package ml

import "sync"

// MockMetrics implements MetricsInterface for testing
type MockMetrics struct {
	mu          sync.Mutex
	predictions map[string]int
	fallbacks   map[string]int
	failures    map[string]int
	latencies   int
	scores      []float64
}

func NewMockMetrics() *MockMetrics {
	return &MockMetrics{
		predictions: make(map[string]int),
		fallbacks:   make(map[string]int),
		failures:    make(map[string]int),
	}
}

func (m *MockMetrics) PredictionInc(strategy string, fallback bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predictions[strategy]++
	if fallback {
		m.fallbacks[strategy]++
	}
}

func (m *MockMetrics) InferenceFailureInc(strategy string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[strategy]++
}

func (m *MockMetrics) LatencyObserve(string, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies++
}

func (m *MockMetrics) ScoreObserve(_ string, score float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores = append(m.scores, score)
}

func (m *MockMetrics) snapshot() (predictions, fallbacks, failures map[string]int, latencies int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := func(src map[string]int) map[string]int {
		out := make(map[string]int, len(src))
		for k, v := range src {
			out[k] = v
		}
		return out
	}
	return cp(m.predictions), cp(m.fallbacks), cp(m.failures), m.latencies
}
