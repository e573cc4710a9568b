package scanner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/artpar/gantry/internal/shell/command"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// ParseReportTask Tests
// =============================================================================

const sampleReportTask = `projectKey=campus-api
serverUrl=https://sonar.example.com
dashboardUrl=https://sonar.example.com/dashboard?id=campus-api
ceTaskId=AYx1q2w3e4r5
ceTaskUrl=https://sonar.example.com/api/ce/task?id=AYx1q2w3e4r5
`

func TestParseReportTask(t *testing.T) {
	task, err := ParseReportTask([]byte(sampleReportTask))

	require.NoError(t, err)
	assert.Equal(t, "campus-api", task.ProjectKey)
	assert.Equal(t, "AYx1q2w3e4r5", task.TaskID)
	assert.Equal(t, "https://sonar.example.com/api/ce/task?id=AYx1q2w3e4r5", task.TaskURL)
	assert.Equal(t, "https://sonar.example.com", task.ServerURL)
	assert.Equal(t, "https://sonar.example.com/dashboard?id=campus-api", task.DashboardURL)
}

func TestParseReportTask_SkipsCommentsAndBlanks(t *testing.T) {
	data := "# generated\n\nceTaskId=abc\n"

	task, err := ParseReportTask([]byte(data))
	require.NoError(t, err)
	assert.Equal(t, "abc", task.TaskID)
}

func TestParseReportTask_MissingTaskID(t *testing.T) {
	_, err := ParseReportTask([]byte("projectKey=campus-api\n"))
	assert.ErrorIs(t, err, ErrReportTaskInvalid)
}

// =============================================================================
// Analyzer Tests
// =============================================================================

// reportWritingRunner pretends to be the scanner CLI: it records the spec
// and drops a report-task file into the workspace.
type reportWritingRunner struct {
	spec    command.Spec
	content string
	err     error
}

func (r *reportWritingRunner) Run(_ context.Context, spec command.Spec) (*command.Result, error) {
	r.spec = spec
	if r.err != nil {
		return &command.Result{}, r.err
	}
	if r.content != "" {
		dir := filepath.Join(spec.Dir, ".scannerwork")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(dir, "report-task.txt"), []byte(r.content), 0o644); err != nil {
			return nil, err
		}
	}
	return &command.Result{}, nil
}

func TestSubmit_BuildsScannerInvocation(t *testing.T) {
	runner := &reportWritingRunner{content: sampleReportTask}
	workDir := t.TempDir()

	task, err := NewAnalyzer(runner, nil).Submit(context.Background(), workDir, Properties{
		ProjectKey:     "campus-api",
		Exclusions:     []string{"**/migrations/**", "**/tests/**"},
		CoverageReport: "coverage.xml",
		ServerURL:      "https://sonar.example.com",
		Token:          "squ_abc",
	})

	require.NoError(t, err)
	assert.Equal(t, "AYx1q2w3e4r5", task.TaskID)

	assert.Equal(t, "sonar-scanner", runner.spec.Program)
	assert.Equal(t, workDir, runner.spec.Dir)
	joined := strings.Join(runner.spec.Args, " ")
	assert.Contains(t, joined, "-Dsonar.projectKey=campus-api")
	assert.Contains(t, joined, "-Dsonar.sources=.")
	assert.Contains(t, joined, "-Dsonar.host.url=https://sonar.example.com")
	assert.Contains(t, joined, "-Dsonar.python.coverage.reportPaths=coverage.xml")
	assert.Contains(t, joined, "-Dsonar.exclusions=**/migrations/**,**/tests/**")
}

func TestSubmit_HeaderCommentFlag(t *testing.T) {
	runner := &reportWritingRunner{content: sampleReportTask}

	_, err := NewAnalyzer(runner, nil).Submit(context.Background(), t.TempDir(), Properties{
		ProjectKey:           "campus-api",
		ServerURL:            "https://sonar.example.com",
		IgnoreHeaderComments: true,
	})
	require.NoError(t, err)
	assert.Contains(t, runner.spec.Args, "-Dsonar.python.ignoreHeaderComments=true")

	// Off means the property is not sent at all.
	runner = &reportWritingRunner{content: sampleReportTask}
	_, err = NewAnalyzer(runner, nil).Submit(context.Background(), t.TempDir(), Properties{
		ProjectKey: "campus-api",
		ServerURL:  "https://sonar.example.com",
	})
	require.NoError(t, err)
	assert.NotContains(t, strings.Join(runner.spec.Args, " "), "ignoreHeaderComments")
}

func TestSubmit_TokenInEnvironmentNotArgs(t *testing.T) {
	runner := &reportWritingRunner{content: sampleReportTask}

	_, err := NewAnalyzer(runner, nil).Submit(context.Background(), t.TempDir(), Properties{
		ProjectKey: "campus-api",
		ServerURL:  "https://sonar.example.com",
		Token:      "squ_abc",
	})

	require.NoError(t, err)
	assert.Equal(t, "squ_abc", runner.spec.Env["SONAR_TOKEN"])
	assert.NotContains(t, strings.Join(runner.spec.Args, " "), "squ_abc")
}

func TestSubmit_ScannerFails(t *testing.T) {
	runner := &reportWritingRunner{
		err: &command.CommandError{Program: "sonar-scanner", ExitCode: 2, Err: command.ErrNonZeroExit},
	}

	_, err := NewAnalyzer(runner, nil).Submit(context.Background(), t.TempDir(), Properties{
		ProjectKey: "campus-api",
		ServerURL:  "https://sonar.example.com",
	})

	assert.ErrorIs(t, err, command.ErrNonZeroExit)
}

func TestSubmit_MissingReportTask(t *testing.T) {
	runner := &reportWritingRunner{} // succeeds but writes nothing

	_, err := NewAnalyzer(runner, nil).Submit(context.Background(), t.TempDir(), Properties{
		ProjectKey: "campus-api",
		ServerURL:  "https://sonar.example.com",
	})

	assert.ErrorIs(t, err, ErrReportTaskMissing)
}
