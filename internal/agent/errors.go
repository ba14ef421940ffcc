package agent

import (
	"errors"
	"fmt"
)

// ErrTimeout is returned when the responder deadline fires before the
// loop reaches a final answer.
var ErrTimeout = errors.New("responder timed out")

// ModelInvocationError is returned when the model call fails after
// retries, or fails with a non-transient error.
type ModelInvocationError struct {
	Model    string
	Attempts int
	Err      error
}

func (e *ModelInvocationError) Error() string {
	return fmt.Sprintf("model %s failed after %d attempt(s): %v", e.Model, e.Attempts, e.Err)
}

func (e *ModelInvocationError) Unwrap() error {
	return e.Err
}

// IterationLimitError describes a run that stopped at its step cap.
// It is reported as a warning on a degraded result, not returned as a
// failure.
type IterationLimitError struct {
	Limit int
}

func (e *IterationLimitError) Error() string {
	return fmt.Sprintf("iteration limit of %d reached; answer may be incomplete", e.Limit)
}

// PanicError wraps a panic raised inside the loop itself.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("agent loop panicked: %v", e.Value)
}
