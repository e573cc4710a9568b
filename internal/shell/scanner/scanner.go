// Package scanner submits workspaces to the static analysis server and
// tracks the server-side processing that feeds the quality gate.
package scanner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/artpar/gantry/internal/shell/command"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrReportTaskMissing means the scanner ran but left no report task
	// metadata, so server-side processing cannot be tracked.
	ErrReportTaskMissing = errors.New("report task metadata missing")

	// ErrReportTaskInvalid means the metadata file could not be parsed.
	ErrReportTaskInvalid = errors.New("report task metadata invalid")
)

// =============================================================================
// Report Task Metadata
// =============================================================================

// reportTaskPath is where the scanner CLI writes its metadata, relative to
// the analyzed directory.
const reportTaskPath = ".scannerwork/report-task.txt"

// ReportTask identifies one server-side analysis task, parsed from the
// metadata the scanner CLI leaves behind.
type ReportTask struct {
	ProjectKey   string
	TaskID       string
	TaskURL      string
	ServerURL    string
	DashboardURL string
}

// ParseReportTask parses the key=value metadata file. Values may contain
// '=' (URLs with query strings), so only the first separator splits.
func ParseReportTask(data []byte) (*ReportTask, error) {
	task := &ReportTask{}

	sc := bufio.NewScanner(strings.NewReader(string(data)))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		switch key {
		case "projectKey":
			task.ProjectKey = value
		case "ceTaskId":
			task.TaskID = value
		case "ceTaskUrl":
			task.TaskURL = value
		case "serverUrl":
			task.ServerURL = value
		case "dashboardUrl":
			task.DashboardURL = value
		}
	}

	if task.TaskID == "" {
		return nil, fmt.Errorf("%w: no ceTaskId entry", ErrReportTaskInvalid)
	}
	return task, nil
}

// =============================================================================
// Analyzer - Scanner CLI Invocation
// =============================================================================

// Properties configures one analysis submission.
type Properties struct {
	// ProjectKey identifies the project on the analysis server.
	ProjectKey string

	// Sources is the source root relative to the workspace; empty means ".".
	Sources string

	// Exclusions are glob patterns left out of analysis.
	Exclusions []string

	// IgnoreHeaderComments keeps file header comments out of analysis.
	IgnoreHeaderComments bool

	// CoverageReport is the coverage XML path relative to the workspace.
	CoverageReport string

	// ServerURL is the analysis server base URL.
	ServerURL string

	// Token authenticates the submission.
	Token string
}

// Analyzer runs the scanner CLI against a workspace.
type Analyzer struct {
	runner command.Runner
	logger *slog.Logger
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(runner command.Runner, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{runner: runner, logger: logger}
}

// Submit runs the scanner over workDir and returns the report task for the
// queued server-side analysis. The token travels in the environment rather
// than argv so it does not show up in process listings.
func (a *Analyzer) Submit(ctx context.Context, workDir string, props Properties) (*ReportTask, error) {
	sources := props.Sources
	if sources == "" {
		sources = "."
	}

	args := []string{
		"-Dsonar.projectKey=" + props.ProjectKey,
		"-Dsonar.sources=" + sources,
		"-Dsonar.host.url=" + props.ServerURL,
	}
	if props.CoverageReport != "" {
		args = append(args, "-Dsonar.python.coverage.reportPaths="+props.CoverageReport)
	}
	if len(props.Exclusions) > 0 {
		args = append(args, "-Dsonar.exclusions="+strings.Join(props.Exclusions, ","))
	}
	if props.IgnoreHeaderComments {
		args = append(args, "-Dsonar.python.ignoreHeaderComments=true")
	}

	a.logger.Info("submitting analysis",
		"project_key", props.ProjectKey,
		"server", props.ServerURL,
	)

	if _, err := a.runner.Run(ctx, command.Spec{
		Program: "sonar-scanner",
		Args:    args,
		Dir:     workDir,
		Env:     map[string]string{"SONAR_TOKEN": props.Token},
	}); err != nil {
		return nil, fmt.Errorf("run scanner: %w", err)
	}

	data, err := os.ReadFile(filepath.Join(workDir, reportTaskPath))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReportTaskMissing, err)
	}

	task, err := ParseReportTask(data)
	if err != nil {
		return nil, err
	}

	a.logger.Debug("analysis queued", "task_id", task.TaskID, "task_url", task.TaskURL)
	return task, nil
}
