package ml

import (
	"errors"
	"fmt"
)

var (
	// ErrArtifactMissing means no artifact file exists for a strategy.
	ErrArtifactMissing = errors.New("model artifact not found")
	// ErrArtifactCorrupt means an artifact exists but could not be turned into a classifier.
	ErrArtifactCorrupt = errors.New("model artifact corrupt")
	// ErrInferenceFailure matches every *InferenceError.
	ErrInferenceFailure = errors.New("inference failure")
)

// InferenceError reports a loaded classifier that failed to produce a usable
// probability for one request.
type InferenceError struct {
	Strategy string
	Err      error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed for strategy %s: %v", e.Strategy, e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}

func (e *InferenceError) Is(target error) bool {
	return target == ErrInferenceFailure
}
