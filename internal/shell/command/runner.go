// Package command runs external programs for pipeline stages, capturing
// their output and exit status.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrProgramNotFound means the program is not installed or not on PATH.
	ErrProgramNotFound = errors.New("program not found")

	// ErrNonZeroExit means the program ran and exited with a non-zero code.
	ErrNonZeroExit = errors.New("command exited non-zero")
)

// CommandError wraps a command failure with invocation context.
type CommandError struct {
	Program  string
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Program, strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + lastLine(e.Stderr)
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// lastLine returns the final non-empty line of s, which for most tools is
// the actual error message.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// =============================================================================
// Runner
// =============================================================================

// Spec describes one command invocation.
type Spec struct {
	Program string
	Args    []string

	// Dir is the working directory; empty means the current directory.
	Dir string

	// Env is appended to the parent environment.
	Env map[string]string
}

// Result holds the output of a completed command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes external commands.
type Runner interface {
	Run(ctx context.Context, spec Spec) (*Result, error)
}

// ExecRunner is the os/exec based Runner used outside tests.
type ExecRunner struct{}

// NewExecRunner creates an ExecRunner.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes the spec. A non-zero exit returns the Result alongside a
// CommandError wrapping ErrNonZeroExit, so callers can inspect output.
// Context cancellation kills the process.
func (r *ExecRunner) Run(ctx context.Context, spec Spec) (*Result, error) {
	cmd := exec.CommandContext(ctx, spec.Program, spec.Args...)
	cmd.Dir = spec.Dir

	if len(spec.Env) > 0 {
		env := os.Environ()
		for k, v := range spec.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err == nil {
		return result, nil
	}

	// Context cancellation wins over whatever the killed process reported.
	if ctx.Err() != nil {
		return result, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, &CommandError{
			Program:  spec.Program,
			Args:     spec.Args,
			ExitCode: result.ExitCode,
			Stderr:   result.Stderr,
			Err:      ErrNonZeroExit,
		}
	}

	if errors.Is(err, exec.ErrNotFound) {
		return result, &CommandError{
			Program: spec.Program,
			Args:    spec.Args,
			Err:     ErrProgramNotFound,
		}
	}

	return result, &CommandError{
		Program: spec.Program,
		Args:    spec.Args,
		Err:     err,
	}
}
