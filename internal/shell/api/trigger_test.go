package api

import (
	"context"
	"testing"
	"time"

	"github.com/artpar/gantry/internal/core/pipeline"
	"github.com/artpar/gantry/internal/shell/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLauncher_SerializesRuns(t *testing.T) {
	s := newTestStore(t)
	release := make(chan struct{})
	execute := func(ctx context.Context, run *pipeline.Run) error {
		<-release
		return nil
	}
	launcher := NewLauncher(execute, s, "main", nil)

	first, err := launcher.Trigger(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, launcher.ActiveRunID())

	_, err = launcher.Trigger(context.Background(), "")
	assert.ErrorIs(t, err, ErrRunActive)

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, launcher.Wait(ctx))

	// Slot is free again after the run finished.
	assert.Empty(t, launcher.ActiveRunID())
}

func TestLauncher_SlotFreedOnPipelineError(t *testing.T) {
	s := newTestStore(t)
	execute := func(ctx context.Context, run *pipeline.Run) error {
		return assert.AnError
	}
	launcher := NewLauncher(execute, s, "main", nil)

	_, err := launcher.Trigger(context.Background(), "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, launcher.Wait(ctx))
	assert.Empty(t, launcher.ActiveRunID())

	_, err = launcher.Trigger(context.Background(), "")
	require.NoError(t, err)
	require.NoError(t, launcher.Wait(ctx))
}

func TestLauncher_PersistsPendingRun(t *testing.T) {
	s := newTestStore(t)
	execute := func(ctx context.Context, run *pipeline.Run) error { return nil }
	launcher := NewLauncher(execute, s, "main", nil)

	run, err := launcher.Trigger(context.Background(), "develop")
	require.NoError(t, err)

	got, err := s.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, "develop", got.Branch)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, launcher.Wait(ctx))
}

func TestLauncher_SlotFreedWhenStoreRejectsRun(t *testing.T) {
	s := newTestStore(t)
	execute := func(ctx context.Context, run *pipeline.Run) error { return nil }
	launcher := NewLauncher(execute, s, "main", nil)

	// Force a CreateRun failure by closing the store.
	require.NoError(t, s.Close())

	_, err := launcher.Trigger(context.Background(), "")
	require.Error(t, err)
	assert.Empty(t, launcher.ActiveRunID())
}
