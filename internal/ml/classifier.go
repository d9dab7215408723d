// Package ml loads pre-trained binary classifiers for each trading strategy
// and dispatches scoring requests to them.
//
// Artifacts are loaded once at start into an immutable Registry. A strategy
// whose artifact is missing or unreadable stays absent and is scored with a
// neutral default probability instead of failing the request.
package ml

import (
	"context"
	"fmt"
	"math"

	"setup-scorer/internal/features"
)

// Classifier is the only capability the dispatcher needs from a trained model.
// Implementations must be safe for concurrent use and must not mutate state
// between calls.
type Classifier interface {
	// PredictProba scores one encoded row and returns the class-membership
	// probabilities (negative, positive).
	PredictProba(ctx context.Context, row features.Frame) (Probabilities, error)
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(ctx context.Context, row features.Frame) (Probabilities, error)

func (f ClassifierFunc) PredictProba(ctx context.Context, row features.Frame) (Probabilities, error) {
	return f(ctx, row)
}

// Probabilities holds [negative, positive] class probabilities.
type Probabilities [2]float64

func (p Probabilities) Negative() float64 { return p[0] }
func (p Probabilities) Positive() float64 { return p[1] }

const probabilitySumTolerance = 1e-6

// Validate checks that both values are finite, within [0,1] and sum to 1.
func (p Probabilities) Validate() error {
	for i, v := range p {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("probability %d is not finite: %v", i, v)
		}
		if v < 0 || v > 1 {
			return fmt.Errorf("probability %d outside [0,1]: %f", i, v)
		}
	}
	if sum := p[0] + p[1]; math.Abs(sum-1) > probabilitySumTolerance {
		return fmt.Errorf("probabilities sum to %f, expected 1", sum)
	}
	return nil
}

// checkFrame rejects rows whose column sequence differs from the training order.
func checkFrame(row features.Frame) error {
	expected := features.Columns()
	if len(row.Columns) != len(expected) || len(row.Values) != len(expected) {
		return fmt.Errorf("expected %d columns, got %d columns and %d values",
			len(expected), len(row.Columns), len(row.Values))
	}
	for i, c := range expected {
		if row.Columns[i] != c {
			return fmt.Errorf("column %d is %q, expected %q", i, row.Columns[i], c)
		}
	}
	return nil
}
