package readiness

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPoll_ReadyOnFirstAttempt(t *testing.T) {
	result := Poll(context.Background(), func(ctx context.Context) error {
		return nil
	}, 10, time.Millisecond)

	assert.True(t, result.Ready())
	assert.Equal(t, Ready, result.Outcome)
	assert.Equal(t, 1, result.Attempts)
	assert.NoError(t, result.LastErr)
}

func TestPoll_ReadyAfterRetries(t *testing.T) {
	attempts := 0
	notYet := errors.New("accepting connections: no")

	result := Poll(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 4 {
			return notYet
		}
		return nil
	}, 10, time.Millisecond)

	assert.True(t, result.Ready())
	assert.Equal(t, 4, result.Attempts)
	assert.NoError(t, result.LastErr)
}

func TestPoll_ExhaustsBudget(t *testing.T) {
	notYet := errors.New("connection refused")

	result := Poll(context.Background(), func(ctx context.Context) error {
		return notYet
	}, 3, time.Millisecond)

	assert.False(t, result.Ready())
	assert.Equal(t, TimedOut, result.Outcome)
	assert.Equal(t, 3, result.Attempts)
	assert.ErrorIs(t, result.LastErr, notYet)
}

func TestPoll_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0

	result := Poll(ctx, func(ctx context.Context) error {
		attempts++
		if attempts == 2 {
			cancel()
		}
		return errors.New("not ready")
	}, 10, time.Millisecond)

	assert.False(t, result.Ready())
	assert.Equal(t, TimedOut, result.Outcome)
	assert.ErrorIs(t, result.LastErr, context.Canceled)
	assert.Equal(t, 2, result.Attempts)
}

func TestPoll_DefaultsApplied(t *testing.T) {
	// Zero attempts/interval fall back to the defaults; a check that succeeds
	// immediately never waits.
	result := Poll(context.Background(), func(ctx context.Context) error {
		return nil
	}, 0, 0)

	assert.True(t, result.Ready())
	assert.Equal(t, 1, result.Attempts)
}

func TestPoll_NoDelayAfterFinalAttempt(t *testing.T) {
	start := time.Now()
	Poll(context.Background(), func(ctx context.Context) error {
		return errors.New("never ready")
	}, 2, 20*time.Millisecond)

	// One inter-attempt delay only, not two.
	assert.Less(t, time.Since(start), 80*time.Millisecond)
}
