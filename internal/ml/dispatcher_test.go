package ml

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"setup-scorer/internal/features"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sampleRecord = features.Record{ATR: 0.0012, ADX: 28.5, Spread: 1.2, EMASlope: 0.0004, Volume: 150, Hour: 14}

func constant(p float64) Classifier {
	return ClassifierFunc(func(context.Context, features.Frame) (Probabilities, error) {
		return Probabilities{1 - p, p}, nil
	})
}

func TestDispatcher_AbsentModelReturnsDefault(t *testing.T) {
	metrics := NewMockMetrics()
	registry := NewRegistry([]string{"swing", "scalping"}, nil)
	d := NewDispatcher(registry, metrics)

	res, err := d.Predict(context.Background(), "swing", sampleRecord)
	require.NoError(t, err)
	assert.Equal(t, 0.50, res.Probability)
	assert.True(t, res.Fallback)

	predictions, fallbacks, failures, latencies := metrics.snapshot()
	assert.Equal(t, 1, predictions["swing"])
	assert.Equal(t, 1, fallbacks["swing"])
	assert.Empty(t, failures)
	assert.Equal(t, 1, latencies)
}

func TestDispatcher_DefaultIsIndependentOfInput(t *testing.T) {
	d := NewDispatcher(NewRegistry([]string{"scalping"}, nil), nil)

	inputs := []features.Record{
		{},
		sampleRecord,
		{ATR: -1, ADX: 500, Spread: -3, EMASlope: math.MaxFloat64, Volume: -10, Hour: 99},
	}
	for _, rec := range inputs {
		res, err := d.Predict(context.Background(), "scalping", rec)
		require.NoError(t, err)
		assert.Equal(t, DefaultProbability, res.Probability)
	}
}

func TestDispatcher_LoadedModelReturnsPositiveClass(t *testing.T) {
	metrics := NewMockMetrics()
	registry := NewRegistry([]string{"swing", "scalping"}, map[string]Classifier{"swing": constant(0.65)})
	d := NewDispatcher(registry, metrics)

	res, err := d.Predict(context.Background(), "swing", sampleRecord)
	require.NoError(t, err)
	assert.InDelta(t, 0.65, res.Probability, 1e-12)
	assert.False(t, res.Fallback)

	res, err = d.Predict(context.Background(), "scalping", sampleRecord)
	require.NoError(t, err)
	assert.Equal(t, 0.50, res.Probability)

	assert.Equal(t, []float64{0.65}, metrics.scores)
}

func TestDispatcher_ModelReceivesTrainingColumnOrder(t *testing.T) {
	var got features.Frame
	model := ClassifierFunc(func(_ context.Context, row features.Frame) (Probabilities, error) {
		got = row
		return Probabilities{0.3, 0.7}, nil
	})
	d := NewDispatcher(NewRegistry([]string{"swing"}, map[string]Classifier{"swing": model}), nil)

	_, err := d.Predict(context.Background(), "swing", sampleRecord)
	require.NoError(t, err)
	assert.Equal(t, features.Columns(), got.Columns)
	assert.Equal(t, []float64{0.0012, 28.5, 1.2, 0.0004, 150, 14}, got.Values)
}

func TestDispatcher_Deterministic(t *testing.T) {
	model, err := ParseJSON([]byte(logisticArtifact))
	require.NoError(t, err)
	d := NewDispatcher(NewRegistry([]string{"swing"}, map[string]Classifier{"swing": model}), nil)

	first, err := d.Predict(context.Background(), "swing", sampleRecord)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		res, err := d.Predict(context.Background(), "swing", sampleRecord)
		require.NoError(t, err)
		assert.Equal(t, first.Probability, res.Probability)
	}
	assert.GreaterOrEqual(t, first.Probability, 0.0)
	assert.LessOrEqual(t, first.Probability, 1.0)
}

func TestDispatcher_InferenceFailures(t *testing.T) {
	tests := []struct {
		name  string
		model Classifier
	}{
		{"error", ClassifierFunc(func(context.Context, features.Frame) (Probabilities, error) {
			return Probabilities{}, errors.New("boom")
		})},
		{"panic", ClassifierFunc(func(context.Context, features.Frame) (Probabilities, error) {
			panic("index out of range")
		})},
		{"nan", ClassifierFunc(func(context.Context, features.Frame) (Probabilities, error) {
			return Probabilities{math.NaN(), math.NaN()}, nil
		})},
		{"out of range", ClassifierFunc(func(context.Context, features.Frame) (Probabilities, error) {
			return Probabilities{-0.2, 1.2}, nil
		})},
		{"does not sum to one", ClassifierFunc(func(context.Context, features.Frame) (Probabilities, error) {
			return Probabilities{0.5, 0.6}, nil
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := NewMockMetrics()
			d := NewDispatcher(NewRegistry([]string{"swing"}, map[string]Classifier{"swing": tt.model}), metrics)

			res, err := d.Predict(context.Background(), "swing", sampleRecord)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInferenceFailure))
			assert.Equal(t, Result{}, res)

			var ierr *InferenceError
			require.True(t, errors.As(err, &ierr))
			assert.Equal(t, "swing", ierr.Strategy)

			_, _, failures, _ := metrics.snapshot()
			assert.Equal(t, 1, failures["swing"])
		})
	}
}

func TestDispatcher_CancelledContext(t *testing.T) {
	called := false
	model := ClassifierFunc(func(context.Context, features.Frame) (Probabilities, error) {
		called = true
		return Probabilities{0.5, 0.5}, nil
	})
	d := NewDispatcher(NewRegistry([]string{"swing"}, map[string]Classifier{"swing": model}), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Predict(ctx, "swing", sampleRecord)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInferenceFailure))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, called)
}

func TestDispatcher_Concurrent(t *testing.T) {
	metrics := NewMockMetrics()
	registry := NewRegistry([]string{"swing", "scalping"}, map[string]Classifier{"swing": constant(0.65)})
	d := NewDispatcher(registry, metrics)

	const workers = 16
	const perWorker = 50

	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			strategy := "swing"
			want := 0.65
			if w%2 == 1 {
				strategy = "scalping"
				want = DefaultProbability
			}
			for i := 0; i < perWorker; i++ {
				res, err := d.Predict(context.Background(), strategy, sampleRecord)
				if err != nil {
					errs <- err
					continue
				}
				if math.Abs(res.Probability-want) > 1e-12 {
					errs <- errors.New("unexpected probability")
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}

	predictions, _, _, _ := metrics.snapshot()
	assert.Equal(t, workers/2*perWorker, predictions["swing"])
	assert.Equal(t, workers/2*perWorker, predictions["scalping"])
}
