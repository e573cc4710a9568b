// Package gate implements the quality gate wait: a bounded poll that always
// resolves to exactly one terminal verdict. The verdict itself is computed by
// the analysis server; this package owns only the polling and the bound.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// Verdict
// =============================================================================

// Verdict is the quality gate state.
type Verdict string

const (
	// VerdictPolling means the server has not computed a result yet.
	// Wait never returns this value.
	VerdictPolling Verdict = "polling"

	VerdictPassed   Verdict = "passed"
	VerdictFailed   Verdict = "failed"
	VerdictTimedOut Verdict = "timed_out"
)

// Terminal reports whether the verdict ends the wait.
func (v Verdict) Terminal() bool {
	return v == VerdictPassed || v == VerdictFailed || v == VerdictTimedOut
}

// Blocks reports whether the verdict aborts the pipeline. A timed-out gate is
// treated identically to a failed one.
func (v Verdict) Blocks() bool {
	return v == VerdictFailed || v == VerdictTimedOut
}

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrGateFailed is returned by Wait alongside VerdictFailed.
	ErrGateFailed = errors.New("quality gate failed")

	// ErrGateTimeout is returned by Wait alongside VerdictTimedOut.
	ErrGateTimeout = errors.New("quality gate timed out")
)

// =============================================================================
// Wait
// =============================================================================

const (
	// DefaultTimeout bounds the whole gate wait.
	DefaultTimeout = 5 * time.Minute

	// DefaultInterval is the delay between polls.
	DefaultInterval = 10 * time.Second
)

// PollFunc asks the analysis server for the current verdict. It returns
// VerdictPolling while the server is still computing. Transport errors are
// returned as errors, not verdicts.
type PollFunc func(ctx context.Context) (Verdict, error)

// Wait polls until the gate reaches a terminal verdict or the bound expires.
//
// It returns exactly one of VerdictPassed, VerdictFailed or VerdictTimedOut,
// never VerdictPolling. VerdictFailed and VerdictTimedOut come with a non-nil
// error so callers abort without inspecting the verdict. A poll transport
// error aborts the wait immediately - an unreachable server is fatal.
func Wait(ctx context.Context, poll PollFunc, interval, timeout time.Duration) (Verdict, error) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Poll once immediately; fast gates resolve on the first request.
	for {
		verdict, err := poll(waitCtx)
		if err != nil {
			// The deadline firing mid-request counts as the bound expiring.
			if waitCtx.Err() != nil && ctx.Err() == nil {
				return VerdictTimedOut, ErrGateTimeout
			}
			return "", fmt.Errorf("poll quality gate: %w", err)
		}

		switch verdict {
		case VerdictPassed:
			return VerdictPassed, nil
		case VerdictFailed:
			return VerdictFailed, ErrGateFailed
		case VerdictPolling:
			// keep waiting
		default:
			return "", fmt.Errorf("poll quality gate: unexpected verdict %q", verdict)
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return VerdictTimedOut, ErrGateTimeout
		case <-ticker.C:
		}
	}
}
