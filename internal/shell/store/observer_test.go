package store

import (
	"context"
	"testing"
	"time"

	"github.com/artpar/gantry/internal/core/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserver_PersistsFullRunLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := testRun("run-1")
	require.NoError(t, store.CreateRun(ctx, run))

	runner := pipeline.NewRunner([]pipeline.Stage{
		{Name: "source", Run: func(ctx context.Context, st *pipeline.State) error {
			st.Run.Revision = "0a1b2c3d4e5f"
			return nil
		}},
		{Name: "dependencies", Run: func(ctx context.Context, st *pipeline.State) error {
			return nil
		}},
	}, pipeline.WithObserver(NewObserver(store, nil)))

	err := runner.Execute(ctx, &pipeline.State{Run: run})
	require.NoError(t, err)

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunSucceeded, got.Status)
	assert.Equal(t, "0a1b2c3d4e5f", got.Revision)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)
	require.Len(t, got.Stages, 2)
	assert.Equal(t, pipeline.StageSucceeded, got.Stages[0].Status)
	assert.Equal(t, pipeline.StageSucceeded, got.Stages[1].Status)
}

func TestObserver_PersistsStageFailure(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := testRun("run-1")
	require.NoError(t, store.CreateRun(ctx, run))

	runner := pipeline.NewRunner([]pipeline.Stage{
		{Name: "source", Run: func(ctx context.Context, st *pipeline.State) error {
			return assert.AnError
		}},
		{Name: "deploy", Run: func(ctx context.Context, st *pipeline.State) error {
			t.Fatal("deploy must not run after a source failure")
			return nil
		}},
	}, pipeline.WithObserver(NewObserver(store, nil)))

	err := runner.Execute(ctx, &pipeline.State{Run: run})
	require.Error(t, err)

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunFailed, got.Status)
	assert.NotEmpty(t, got.ErrorMessage)
	require.Len(t, got.Stages, 1)
	assert.Equal(t, "source", got.Stages[0].Name)
	assert.Equal(t, pipeline.StageFailed, got.Stages[0].Status)
}

func TestObserver_SwallowsStoreFailures(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	// Run row never created, so every UpdateRun inside the observer fails.
	run := testRun("never-created")
	observer := NewObserver(store, nil)

	observer.RunStarted(ctx, run)
	started := time.Now()
	observer.StageFinished(ctx, run, &pipeline.StageResult{
		Name: "source", Seq: 0, Status: pipeline.StageSucceeded, StartedAt: &started,
	})
	observer.RunFinished(ctx, run)
}
