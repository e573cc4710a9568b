package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/gantry/internal/core/pipeline"
	"github.com/artpar/gantry/internal/shell/store"
	"github.com/google/uuid"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrRunActive is returned when a trigger arrives while a run is executing.
	ErrRunActive = errors.New("a pipeline run is already active")
)

// =============================================================================
// Launcher
// =============================================================================

// PipelineFunc executes one full pipeline run against the given run record.
// The run's status, stages and timestamps are updated in place.
type PipelineFunc func(ctx context.Context, run *pipeline.Run) error

// Launcher owns the single pipeline slot. Triggers are accepted only while no
// run is executing; the accepted run executes on a background goroutine. There
// is no queue, a rejected trigger must be retried by the caller.
type Launcher struct {
	execute       PipelineFunc
	store         store.Store
	defaultBranch string
	logger        *slog.Logger

	mu       sync.Mutex
	activeID string
	wg       sync.WaitGroup
}

// NewLauncher creates a launcher that persists runs in the given store and
// executes them with the given pipeline function.
func NewLauncher(execute PipelineFunc, s store.Store, defaultBranch string, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{
		execute:       execute,
		store:         s,
		defaultBranch: defaultBranch,
		logger:        logger,
	}
}

// Trigger starts a new run for the given branch (empty means the configured
// default). It returns ErrRunActive while a previous run is still executing.
// The returned run is a snapshot in pending state; progress is observable
// through the store.
func (l *Launcher) Trigger(ctx context.Context, branch string) (*pipeline.Run, error) {
	if branch == "" {
		branch = l.defaultBranch
	}

	run := &pipeline.Run{
		ID:        "run_" + uuid.New().String()[:8],
		Branch:    branch,
		Status:    pipeline.RunPending,
		CreatedAt: time.Now().UTC(),
	}

	l.mu.Lock()
	if l.activeID != "" {
		active := l.activeID
		l.mu.Unlock()
		l.logger.Warn("trigger rejected, run already active", "active_run_id", active)
		return nil, ErrRunActive
	}
	l.activeID = run.ID
	l.mu.Unlock()

	if err := l.store.CreateRun(ctx, run); err != nil {
		l.release(run.ID)
		return nil, err
	}

	l.wg.Add(1)
	go l.runPipeline(run)

	snapshot := *run
	return &snapshot, nil
}

// ActiveRunID returns the ID of the executing run, or empty when idle.
func (l *Launcher) ActiveRunID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.activeID
}

// Wait blocks until the active run (if any) finished or the context expired.
func (l *Launcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Launcher) runPipeline(run *pipeline.Run) {
	defer l.wg.Done()
	defer l.release(run.ID)

	// The run outlives the triggering HTTP request on purpose.
	ctx := context.Background()

	l.logger.Info("pipeline run started", "run_id", run.ID, "branch", run.Branch)
	if err := l.execute(ctx, run); err != nil {
		l.logger.Error("pipeline run failed", "run_id", run.ID, "error", err)
		return
	}
	l.logger.Info("pipeline run succeeded", "run_id", run.ID)
}

func (l *Launcher) release(runID string) {
	l.mu.Lock()
	if l.activeID == runID {
		l.activeID = ""
	}
	l.mu.Unlock()
}
