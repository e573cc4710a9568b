package store

import (
	"context"
	"log/slog"

	"github.com/artpar/gantry/internal/core/pipeline"
)

// =============================================================================
// Persisting Observer
// =============================================================================

// Observer persists run and stage transitions as the runner reports them, so
// run history survives a crash mid-pipeline. Write failures are logged and
// swallowed; persistence must not abort a running pipeline.
type Observer struct {
	store  Store
	logger *slog.Logger
}

// NewObserver creates an observer writing through the given store.
func NewObserver(store Store, logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{store: store, logger: logger}
}

func (o *Observer) RunStarted(ctx context.Context, run *pipeline.Run) {
	if err := o.store.UpdateRun(ctx, run); err != nil {
		o.logger.Error("failed to persist run start", "run_id", run.ID, "error", err)
	}
}

func (o *Observer) StageStarted(ctx context.Context, run *pipeline.Run, result *pipeline.StageResult) {
	if err := o.store.RecordStageResult(ctx, run.ID, result); err != nil {
		o.logger.Error("failed to persist stage start", "run_id", run.ID, "stage", result.Name, "error", err)
	}
}

func (o *Observer) StageFinished(ctx context.Context, run *pipeline.Run, result *pipeline.StageResult) {
	if err := o.store.RecordStageResult(ctx, run.ID, result); err != nil {
		o.logger.Error("failed to persist stage result", "run_id", run.ID, "stage", result.Name, "error", err)
	}
}

func (o *Observer) RunFinished(ctx context.Context, run *pipeline.Run) {
	if err := o.store.UpdateRun(ctx, run); err != nil {
		o.logger.Error("failed to persist run result", "run_id", run.ID, "error", err)
	}
}
