// Package toolchain drives the project's Python tooling: pipenv for
// dependency management and pytest for the test suite.
package toolchain

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/artpar/gantry/internal/core/lockfile"
	"github.com/artpar/gantry/internal/shell/command"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrManagerUnavailable means pipenv is missing and could not be installed.
	ErrManagerUnavailable = errors.New("dependency manager unavailable")

	// ErrTestsFailed means the test suite ran and reported failures.
	ErrTestsFailed = errors.New("test suite failed")

	// ErrCoverageMissing means the test run produced no coverage report.
	ErrCoverageMissing = errors.New("coverage report missing")
)

// =============================================================================
// Pipenv Driver
// =============================================================================

// CoverageFile is the report path pytest writes, relative to the workspace.
const CoverageFile = "coverage.xml"

// coverageTarget is the package measured for coverage.
const coverageTarget = "app"

// Pipenv runs dependency and test operations inside a checked-out workspace.
type Pipenv struct {
	runner command.Runner
	logger *slog.Logger
}

// NewPipenv creates a Pipenv driver.
func NewPipenv(runner command.Runner, logger *slog.Logger) *Pipenv {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipenv{runner: runner, logger: logger}
}

// EnsureManager verifies pipenv is callable, installing it with pip when it
// is not. Returns ErrManagerUnavailable if neither works.
func (p *Pipenv) EnsureManager(ctx context.Context, workDir string) error {
	if _, err := p.runner.Run(ctx, command.Spec{
		Program: "pipenv",
		Args:    []string{"--version"},
		Dir:     workDir,
	}); err == nil {
		return nil
	}

	p.logger.Info("pipenv not found, installing with pip")

	if _, err := p.runner.Run(ctx, command.Spec{
		Program: "pip",
		Args:    []string{"install", "--user", "pipenv"},
		Dir:     workDir,
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrManagerUnavailable, err)
	}

	if _, err := p.runner.Run(ctx, command.Spec{
		Program: "pipenv",
		Args:    []string{"--version"},
		Dir:     workDir,
	}); err != nil {
		return fmt.Errorf("%w: installed but not callable: %v", ErrManagerUnavailable, err)
	}
	return nil
}

// CheckLock compares Pipfile.lock against the Pipfile and regenerates the
// lock when it is stale or missing. Returns true if the lock was
// regenerated, so the run record can flag the drift.
func (p *Pipenv) CheckLock(ctx context.Context, workDir string) (bool, error) {
	manifest := filepath.Join(workDir, "Pipfile")
	lock := filepath.Join(workDir, "Pipfile.lock")

	decision, err := lockfile.Check(manifest, lock)
	if err != nil {
		return false, err
	}

	if !decision.NeedsRegeneration() {
		p.logger.Debug("lock file in sync with manifest")
		return false, nil
	}

	p.logger.Warn("lock file out of sync, regenerating", "decision", string(decision))

	if _, err := p.runner.Run(ctx, command.Spec{
		Program: "pipenv",
		Args:    []string{"lock"},
		Dir:     workDir,
	}); err != nil {
		return false, fmt.Errorf("regenerate lock: %w", err)
	}
	return true, nil
}

// Sync installs the locked dependency set, dev packages included, into the
// project virtualenv.
func (p *Pipenv) Sync(ctx context.Context, workDir string) error {
	if _, err := p.runner.Run(ctx, command.Spec{
		Program: "pipenv",
		Args:    []string{"sync", "--dev"},
		Dir:     workDir,
	}); err != nil {
		return fmt.Errorf("install dependencies: %w", err)
	}
	return nil
}

// RunTests executes pytest with coverage enabled. Test failures surface as
// ErrTestsFailed with pytest's output attached.
func (p *Pipenv) RunTests(ctx context.Context, workDir string) error {
	result, err := p.runner.Run(ctx, command.Spec{
		Program: "pipenv",
		Args: []string{
			"run", "pytest",
			"--cov=" + coverageTarget,
			"--cov-report=xml:" + CoverageFile,
		},
		Dir: workDir,
	})
	if err == nil {
		return nil
	}

	if errors.Is(err, command.ErrNonZeroExit) {
		// Runner implementations may return a nil result with the error.
		output := ""
		if result != nil {
			output = tail(result.Stdout)
		}
		return fmt.Errorf("%w: %s", ErrTestsFailed, output)
	}
	return err
}

// CoverageReport verifies the coverage report exists and is well-formed XML
// before the scanner consumes it, and returns its path.
func (p *Pipenv) CoverageReport(workDir string) (string, error) {
	path := filepath.Join(workDir, CoverageFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrCoverageMissing, path)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("%w: %s is empty", ErrCoverageMissing, path)
	}

	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		_, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: %s is not well-formed XML: %v", ErrCoverageMissing, path, err)
		}
	}
	return path, nil
}

// tail keeps the last chunk of command output for error messages. pytest
// prints its summary at the end.
func tail(s string) string {
	const limit = 2000
	if len(s) <= limit {
		return s
	}
	return "..." + s[len(s)-limit:]
}
