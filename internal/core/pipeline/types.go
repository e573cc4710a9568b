// Package pipeline contains the run model and the sequential stage runner.
// Following ADR-002: Values as Boundaries - stage actions do I/O, this package
// only sequences them.
package pipeline

import (
	"context"
	"time"
)

// =============================================================================
// Run Status
// =============================================================================

// RunStatus represents the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed
}

// =============================================================================
// Stage Status
// =============================================================================

// StageStatus represents the lifecycle state of a single stage within a run.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	// StageSkipped marks stages that never ran because an earlier stage failed.
	StageSkipped StageStatus = "skipped"
)

// =============================================================================
// Run
// =============================================================================

// Run represents a single pipeline execution.
type Run struct {
	ID       string
	Branch   string
	Revision string
	Status   RunStatus

	// GateVerdict is the quality gate outcome, empty until the gate stage ran.
	GateVerdict string

	// LockRegenerated records that the dependency stage rewrote the lock
	// artifact in the workspace. The regenerated file is not committed back
	// to source control.
	LockRegenerated bool

	// ErrorMessage holds the first stage failure, empty on success.
	ErrorMessage string

	Stages []StageResult

	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// StageResult records the outcome of one stage.
type StageResult struct {
	Name       string
	Seq        int
	Status     StageStatus
	Error      string
	StartedAt  *time.Time
	FinishedAt *time.Time
	Duration   time.Duration
}

// =============================================================================
// Stage Descriptor
// =============================================================================

// State is the mutable state shared by stages of one run. Stages communicate
// through it (the dependency stage sets LockRegenerated, the gate stage sets
// GateVerdict, the source stage sets Revision and WorkDir).
type State struct {
	Run     *Run
	WorkDir string
}

// Stage is one ordered unit of the pipeline: a name and an action.
type Stage struct {
	Name string
	Run  func(ctx context.Context, st *State) error
}

// Observer receives stage and run transitions as they happen. Implementations
// must be fast; the runner calls them inline.
type Observer interface {
	RunStarted(ctx context.Context, run *Run)
	StageStarted(ctx context.Context, run *Run, result *StageResult)
	StageFinished(ctx context.Context, run *Run, result *StageResult)
	RunFinished(ctx context.Context, run *Run)
}

// NopObserver is an Observer that does nothing.
type NopObserver struct{}

func (NopObserver) RunStarted(context.Context, *Run)                  {}
func (NopObserver) StageStarted(context.Context, *Run, *StageResult)  {}
func (NopObserver) StageFinished(context.Context, *Run, *StageResult) {}
func (NopObserver) RunFinished(context.Context, *Run)                 {}
