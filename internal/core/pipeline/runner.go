package pipeline

import (
	"context"
	"time"
)

// =============================================================================
// Runner
// =============================================================================

// Runner executes a fixed, ordered list of stages.
//
// Stages run strictly in declaration order. The first stage failure marks the
// run failed, marks every remaining stage skipped, and stops execution. The
// finalizer, when set, runs on every exit path - success, stage failure, or
// context cancellation - after the run reached its terminal status.
type Runner struct {
	stages    []Stage
	observer  Observer
	finalizer func(ctx context.Context, run *Run)
	clock     func() time.Time
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithObserver sets the observer notified of run and stage transitions.
func WithObserver(o Observer) RunnerOption {
	return func(r *Runner) {
		if o != nil {
			r.observer = o
		}
	}
}

// WithFinalizer sets a function that runs after the run finished, regardless
// of outcome.
func WithFinalizer(f func(ctx context.Context, run *Run)) RunnerOption {
	return func(r *Runner) { r.finalizer = f }
}

// withClock overrides the time source (tests only).
func withClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.clock = now }
}

// NewRunner creates a runner for the given stage list.
func NewRunner(stages []Stage, opts ...RunnerOption) *Runner {
	r := &Runner{
		stages:   stages,
		observer: NopObserver{},
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute runs all stages against the given state. It returns the StageError
// of the first failing stage (wrapped in ErrRunAborted chain), or nil when
// every stage succeeded. The run's Status, Stages, ErrorMessage and timestamps
// are updated in place.
func (r *Runner) Execute(ctx context.Context, st *State) error {
	run := st.Run

	if len(r.stages) == 0 {
		run.Status = RunFailed
		run.ErrorMessage = ErrNoStages.Error()
		return ErrNoStages
	}

	started := r.clock()
	run.Status = RunRunning
	run.StartedAt = &started

	// Pre-populate results so skipped stages are visible in the final record.
	run.Stages = make([]StageResult, len(r.stages))
	for i, stage := range r.stages {
		run.Stages[i] = StageResult{Name: stage.Name, Seq: i, Status: StagePending}
	}

	r.observer.RunStarted(ctx, run)

	var failure error
	if r.finalizer != nil {
		defer func() {
			r.finalizer(ctx, run)
		}()
	}

	for i, stage := range r.stages {
		result := &run.Stages[i]

		if failure != nil {
			result.Status = StageSkipped
			continue
		}

		stageStart := r.clock()
		result.Status = StageRunning
		result.StartedAt = &stageStart
		r.observer.StageStarted(ctx, run, result)

		err := r.runStage(ctx, stage, st)

		stageEnd := r.clock()
		result.FinishedAt = &stageEnd
		result.Duration = stageEnd.Sub(stageStart)

		if err != nil {
			result.Status = StageFailed
			result.Error = err.Error()
			failure = NewStageError(stage.Name, err)
		} else {
			result.Status = StageSucceeded
		}
		r.observer.StageFinished(ctx, run, result)
	}

	finished := r.clock()
	run.FinishedAt = &finished

	if failure != nil {
		run.Status = RunFailed
		run.ErrorMessage = failure.Error()
	} else {
		run.Status = RunSucceeded
	}

	r.observer.RunFinished(ctx, run)
	return failure
}

// runStage executes one stage action, honoring context cancellation before
// the stage starts.
func (r *Runner) runStage(ctx context.Context, stage Stage, st *State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return stage.Run(ctx, st)
}
