package ml

import (
	"context"
	"fmt"
	"strings"
	"time"

	"setup-scorer/internal/features"

	"github.com/rs/zerolog/log"
)

// DefaultProbability is returned for strategies without a loaded model.
const DefaultProbability = 0.50

// MetricsInterface defines metrics methods needed by the dispatcher
type MetricsInterface interface {
	PredictionInc(strategy string, fallback bool)
	InferenceFailureInc(strategy string)
	LatencyObserve(strategy string, seconds float64)
	ScoreObserve(strategy string, score float64)
}

// Result is the outcome of one scoring request.
type Result struct {
	Probability float64 `json:"probability"`
	Fallback    bool    `json:"-"`
}

// Dispatcher routes a record to the classifier of the requested strategy.
type Dispatcher struct {
	registry *Registry
	metrics  MetricsInterface
}

// NewDispatcher creates a dispatcher over an already loaded registry.
// metrics may be nil.
func NewDispatcher(registry *Registry, metrics MetricsInterface) *Dispatcher {
	return &Dispatcher{registry: registry, metrics: metrics}
}

// Registry returns the registry the dispatcher reads from.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Predict scores rec with the model deployed for strategy. When the strategy
// has no model the neutral DefaultProbability is returned without error. A
// loaded model that fails, panics or returns unusable probabilities yields an
// *InferenceError; no fallback value is substituted in that case.
func (d *Dispatcher) Predict(ctx context.Context, strategy string, rec features.Record) (Result, error) {
	start := time.Now()
	defer func() {
		if d.metrics != nil {
			d.metrics.LatencyObserve(strategy, time.Since(start).Seconds())
		}
	}()

	model, ok := d.registry.Model(strategy)
	if !ok {
		res := Result{Probability: DefaultProbability, Fallback: true}
		d.logResult(strategy, rec, res)
		if d.metrics != nil {
			d.metrics.PredictionInc(strategy, true)
		}
		return res, nil
	}

	if err := ctx.Err(); err != nil {
		return Result{}, d.fail(strategy, rec, err)
	}

	probs, err := safePredict(ctx, model, features.Encode(rec))
	if err == nil {
		err = probs.Validate()
	}
	if err != nil {
		return Result{}, d.fail(strategy, rec, err)
	}

	res := Result{Probability: probs.Positive()}
	d.logResult(strategy, rec, res)
	if d.metrics != nil {
		d.metrics.PredictionInc(strategy, false)
		d.metrics.ScoreObserve(strategy, res.Probability)
	}
	return res, nil
}

func safePredict(ctx context.Context, model Classifier, row features.Frame) (probs Probabilities, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("classifier panic: %v", r)
		}
	}()
	return model.PredictProba(ctx, row)
}

func (d *Dispatcher) fail(strategy string, rec features.Record, cause error) error {
	log.Error().
		Err(cause).
		Str("strategy", strategy).
		EmbedObject(rec).
		Msg("Inference failed")
	if d.metrics != nil {
		d.metrics.InferenceFailureInc(strategy)
	}
	return &InferenceError{Strategy: strategy, Err: cause}
}

func (d *Dispatcher) logResult(strategy string, rec features.Record, res Result) {
	log.Info().
		Str("strategy", strategy).
		EmbedObject(rec).
		Str("probability", fmt.Sprintf("%.4f", res.Probability)).
		Bool("fallback", res.Fallback).
		Msgf("[%s] Input: %s -> Probability: %.4f", strings.ToUpper(strategy), rec, res.Probability)
}
