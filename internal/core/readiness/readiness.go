// Package readiness implements a bounded retry poll for dependent services.
// The poll reports timeout exhaustion explicitly; deciding whether a timeout
// is fatal belongs to the caller, never to the poll itself.
package readiness

import (
	"context"
	"time"
)

// =============================================================================
// Result
// =============================================================================

// Outcome is the terminal state of a readiness poll.
type Outcome string

const (
	Ready    Outcome = "ready"
	TimedOut Outcome = "timed_out"
)

// Result describes how a poll ended.
type Result struct {
	Outcome Outcome

	// Attempts is the number of checks performed.
	Attempts int

	// LastErr is the error from the final failed check. Nil when Ready on
	// the first attempt.
	LastErr error
}

// Ready reports whether the service became ready within the budget.
func (r Result) Ready() bool {
	return r.Outcome == Ready
}

// =============================================================================
// Poll
// =============================================================================

const (
	// DefaultAttempts is the default retry budget.
	DefaultAttempts = 10

	// DefaultInterval is the fixed delay between attempts.
	DefaultInterval = 2 * time.Second
)

// CheckFunc probes the service once. A nil return means ready.
type CheckFunc func(ctx context.Context) error

// Poll runs check up to attempts times with a fixed interval between
// attempts. It returns as soon as a check succeeds. Exhausting the budget
// yields Outcome TimedOut - the caller decides whether that aborts.
//
// Context cancellation stops the poll early and also yields TimedOut, with
// the context error as LastErr.
func Poll(ctx context.Context, check CheckFunc, attempts int, interval time.Duration) Result {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	if interval <= 0 {
		interval = DefaultInterval
	}

	result := Result{Outcome: TimedOut}

	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			result.LastErr = err
			return result
		}

		result.Attempts++
		err := check(ctx)
		if err == nil {
			result.Outcome = Ready
			result.LastErr = nil
			return result
		}
		result.LastErr = err

		// No delay after the final attempt.
		if i == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			result.LastErr = ctx.Err()
			return result
		case <-time.After(interval):
		}
	}

	return result
}
