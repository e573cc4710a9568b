// Package store provides persistence for pipeline run history.
package store

import (
	"context"

	"github.com/artpar/gantry/internal/core/pipeline"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for runs and their stage results.
type Store interface {
	// Run operations
	CreateRun(ctx context.Context, run *pipeline.Run) error
	UpdateRun(ctx context.Context, run *pipeline.Run) error
	GetRun(ctx context.Context, id string) (*pipeline.Run, error)
	ListRuns(ctx context.Context, opts ListOptions) ([]pipeline.Run, error)

	// Stage result operations
	RecordStageResult(ctx context.Context, runID string, result *pipeline.StageResult) error
	ListStageResults(ctx context.Context, runID string) ([]pipeline.StageResult, error)

	// Lifecycle
	Close() error
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination options.
type ListOptions struct {
	Limit  int
	Offset int
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
