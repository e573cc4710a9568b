package pipeline

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrNoStages is returned when a runner is executed with an empty stage list.
	ErrNoStages = errors.New("pipeline has no stages")

	// ErrRunAborted wraps the first stage failure of a run.
	ErrRunAborted = errors.New("pipeline run aborted")
)

// StageError wraps a stage failure with the stage name.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// NewStageError creates a new StageError.
func NewStageError(stage string, err error) *StageError {
	return &StageError{Stage: stage, Err: err}
}
