package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/artpar/gantry/internal/core/lockfile"
	"github.com/artpar/gantry/internal/core/pipeline"
	"github.com/artpar/gantry/internal/shell/command"
	"github.com/artpar/gantry/internal/shell/deploy"
	"github.com/artpar/gantry/internal/shell/docker"
	"github.com/artpar/gantry/internal/shell/git"
	"github.com/artpar/gantry/internal/shell/scanner"
	"github.com/artpar/gantry/internal/shell/store"
	"github.com/artpar/gantry/internal/shell/toolchain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Fakes
// =============================================================================

const testPipfile = `[[source]]
url = "https://pypi.org/simple"
verify_ssl = true
name = "pypi"

[packages]
fastapi = "==0.110.0"

[requires]
python_version = "3.12"
`

// fakeCloner materializes a synced Python project instead of cloning.
type fakeCloner struct {
	revision string
	err      error
	cloned   []git.Options
}

func (f *fakeCloner) Clone(_ context.Context, dir string, opts git.Options) (*git.Checkout, error) {
	f.cloned = append(f.cloned, opts)
	if f.err != nil {
		return nil, f.err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "Pipfile"), []byte(testPipfile), 0o644); err != nil {
		return nil, err
	}
	hash, err := lockfile.ManifestHash([]byte(testPipfile))
	if err != nil {
		return nil, err
	}
	lock := fmt.Sprintf(`{"_meta": {"hash": {"sha256": %q}}, "default": {}, "develop": {}}`, hash)
	if err := os.WriteFile(filepath.Join(dir, "Pipfile.lock"), []byte(lock), 0o644); err != nil {
		return nil, err
	}
	return &git.Checkout{Dir: dir, Revision: f.revision}, nil
}

// fakeRunner scripts errors per command line and simulates tool side effects:
// pytest writes the coverage report, the scanner CLI writes report-task.txt.
type fakeRunner struct {
	calls    []string
	failLine string
	failErr  error
}

func (f *fakeRunner) Run(_ context.Context, spec command.Spec) (*command.Result, error) {
	line := spec.Program + " " + strings.Join(spec.Args, " ")
	f.calls = append(f.calls, line)
	if f.failLine != "" && strings.Contains(line, f.failLine) {
		return &command.Result{ExitCode: 1}, f.failErr
	}

	switch {
	case strings.Contains(line, "pytest"):
		if err := os.WriteFile(filepath.Join(spec.Dir, toolchain.CoverageFile), []byte("<coverage/>"), 0o644); err != nil {
			return nil, err
		}
	case spec.Program == "sonar-scanner":
		dir := filepath.Join(spec.Dir, ".scannerwork")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		content := "projectKey=campus-api\nceTaskId=TASK-1\nserverUrl=http://sonar.local\n"
		if err := os.WriteFile(filepath.Join(dir, "report-task.txt"), []byte(content), 0o644); err != nil {
			return nil, err
		}
	}
	return &command.Result{}, nil
}

// fakeDocker implements the engine client for the app-only deployment path.
type fakeDocker struct {
	builds  []docker.BuildSpec
	created []docker.ContainerSpec
	started []string
}

func (f *fakeDocker) CreateContainer(spec docker.ContainerSpec) (string, error) {
	f.created = append(f.created, spec)
	return "ctr-" + spec.Name, nil
}
func (f *fakeDocker) StartContainer(id string) error {
	f.started = append(f.started, id)
	return nil
}
func (f *fakeDocker) StopContainer(string, *time.Duration) error         { return nil }
func (f *fakeDocker) RemoveContainer(string, docker.RemoveOptions) error { return nil }
func (f *fakeDocker) RemoveContainerByName(string) error                 { return nil }
func (f *fakeDocker) FindContainerByName(string) (*docker.ContainerInfo, error) {
	return nil, nil
}
func (f *fakeDocker) InspectContainer(string) (*docker.ContainerInfo, error) { return nil, nil }
func (f *fakeDocker) ListContainers(docker.ListOptions) ([]docker.ContainerInfo, error) {
	return nil, nil
}
func (f *fakeDocker) ContainerLogs(string, docker.LogOptions) (io.ReadCloser, error) {
	return nil, nil
}
func (f *fakeDocker) ExecInContainer(context.Context, string, docker.ExecSpec) (*docker.ExecResult, error) {
	return &docker.ExecResult{}, nil
}
func (f *fakeDocker) EnsureNetwork(spec docker.NetworkSpec) (string, error) {
	return "net-" + spec.Name, nil
}
func (f *fakeDocker) RemoveNetwork(string) error { return nil }
func (f *fakeDocker) CreateVolume(spec docker.VolumeSpec) (string, error) {
	return spec.Name, nil
}
func (f *fakeDocker) RemoveVolume(string, bool) error { return nil }
func (f *fakeDocker) BuildImage(_ context.Context, spec docker.BuildSpec) error {
	f.builds = append(f.builds, spec)
	return nil
}
func (f *fakeDocker) PullImage(string, docker.PullOptions) error { return nil }
func (f *fakeDocker) ImageExists(string) (bool, error)           { return true, nil }
func (f *fakeDocker) Ping() error                                { return nil }
func (f *fakeDocker) Close() error                               { return nil }

// =============================================================================
// Fixture
// =============================================================================

// fakeSonar serves the compute task and quality gate endpoints.
func fakeSonar(t *testing.T, gateStatus string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/ce/task":
			fmt.Fprint(w, `{"task":{"id":"TASK-1","status":"SUCCESS","analysisId":"AN-1"}}`)
		case "/api/qualitygates/project_status":
			fmt.Fprintf(w, `{"projectStatus":{"status":%q}}`, gateStatus)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

type pipelineFixture struct {
	pipeline *Pipeline
	store    store.Store
	cloner   *fakeCloner
	runner   *fakeRunner
	docker   *fakeDocker
}

func setupPipeline(t *testing.T, gateStatus string) *pipelineFixture {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	sonar := fakeSonar(t, gateStatus)

	cfg, err := LoadConfig("", "")
	require.NoError(t, err)
	cfg.Source.URL = "https://git.example.com/campus/api.git"
	cfg.Source.WorkspaceRoot = t.TempDir()
	cfg.Scanner.ServerURL = sonar.URL
	cfg.Scanner.ProjectKey = "campus-api"
	cfg.Gate.Interval = time.Millisecond
	cfg.Gate.Timeout = time.Second
	cfg.Image.Name = "campus-api"
	cfg.Deploy.Project = "campus-api"
	cfg.Deploy.AppService = "api"
	cfg.Deploy.HostPort = 8000
	cfg.Deploy.ContainerPort = 8000

	f := &pipelineFixture{
		store:  s,
		cloner: &fakeCloner{revision: "0a1b2c3d4e5f6a7b8c9d"},
		runner: &fakeRunner{},
		docker: &fakeDocker{},
	}

	secrets := Secrets{
		DatabaseURL:  "postgresql://campus:hunter2@db:5432/campus",
		SecretKey:    "k1",
		DBUser:       "campus",
		DBPassword:   "hunter2",
		ScannerToken: "sq-token",
	}

	f.pipeline = NewPipeline(PipelineParams{
		Config:       cfg,
		Secrets:      secrets,
		Cloner:       f.cloner,
		Toolchain:    toolchain.NewPipenv(f.runner, nil),
		Analyzer:     scanner.NewAnalyzer(f.runner, nil),
		GateClient:   scanner.NewClient(scanner.Config{BaseURL: sonar.URL, Token: "sq-token"}, nil),
		Docker:       f.docker,
		Orchestrator: deploy.NewOrchestrator(f.docker, nil),
		Store:        s,
		Logger:       nil,
	})
	return f
}

func newRun(t *testing.T, s store.Store) *pipeline.Run {
	t.Helper()
	run := &pipeline.Run{
		ID:        "run_e2e1",
		Branch:    "main",
		Status:    pipeline.RunPending,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

// =============================================================================
// Tests
// =============================================================================

func TestPipeline_FullRunSucceeds(t *testing.T) {
	f := setupPipeline(t, "OK")
	run := newRun(t, f.store)

	require.NoError(t, f.pipeline.Execute(context.Background(), run))

	assert.Equal(t, pipeline.RunSucceeded, run.Status)
	assert.Equal(t, "0a1b2c3d4e5f6a7b8c9d", run.Revision)
	assert.Equal(t, "passed", run.GateVerdict)
	assert.False(t, run.LockRegenerated)

	// Image built and tagged with the run ID.
	require.Len(t, f.docker.builds, 1)
	assert.Contains(t, f.docker.builds[0].Tags, "campus-api:run_e2e1")

	// App container created from that image with secrets in its env.
	require.Len(t, f.docker.created, 1)
	app := f.docker.created[0]
	assert.Equal(t, "campus-api-api", app.Name)
	assert.Equal(t, "campus-api:run_e2e1", app.Image)
	assert.Equal(t, "postgresql://campus:hunter2@db:5432/campus", app.Env["DATABASE_URL"])

	// Every stage outcome persisted.
	stored, err := f.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunSucceeded, stored.Status)
	require.Len(t, stored.Stages, 6)
	for _, sr := range stored.Stages {
		assert.Equal(t, pipeline.StageSucceeded, sr.Status, sr.Name)
	}
}

func TestPipeline_StageOrder(t *testing.T) {
	f := setupPipeline(t, "OK")
	run := newRun(t, f.store)

	require.NoError(t, f.pipeline.Execute(context.Background(), run))

	names := make([]string, len(run.Stages))
	for i, sr := range run.Stages {
		names[i] = sr.Name
	}
	assert.Equal(t, []string{
		"source",
		"dependencies-and-tests",
		"analysis",
		"quality-gate",
		"image-build",
		"deploy",
	}, names)
}

func TestPipeline_GateFailureStopsBeforeBuild(t *testing.T) {
	f := setupPipeline(t, "ERROR")
	run := newRun(t, f.store)

	err := f.pipeline.Execute(context.Background(), run)
	require.Error(t, err)

	assert.Equal(t, pipeline.RunFailed, run.Status)
	assert.Equal(t, "failed", run.GateVerdict)
	assert.Empty(t, f.docker.builds)
	assert.Empty(t, f.docker.created)

	// Skipped stages are persisted too.
	stored, err := f.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, stored.Stages, 6)
	assert.Equal(t, pipeline.StageFailed, stored.Stages[3].Status)
	assert.Equal(t, pipeline.StageSkipped, stored.Stages[4].Status)
	assert.Equal(t, pipeline.StageSkipped, stored.Stages[5].Status)
}

func TestPipeline_CloneFailureSkipsEverything(t *testing.T) {
	f := setupPipeline(t, "OK")
	f.cloner.err = git.ErrBranchNotFound
	run := newRun(t, f.store)

	err := f.pipeline.Execute(context.Background(), run)
	require.Error(t, err)

	assert.Equal(t, pipeline.RunFailed, run.Status)
	assert.Empty(t, f.runner.calls)
	assert.Empty(t, f.docker.builds)
}

func TestPipeline_TestFailureIsFatal(t *testing.T) {
	f := setupPipeline(t, "OK")
	f.runner.failLine = "pytest"
	f.runner.failErr = &command.CommandError{
		Program: "pipenv", ExitCode: 1, Err: command.ErrNonZeroExit,
	}
	run := newRun(t, f.store)

	err := f.pipeline.Execute(context.Background(), run)
	require.Error(t, err)
	assert.ErrorIs(t, err, toolchain.ErrTestsFailed)
	assert.Empty(t, f.docker.builds)
}

func TestPipeline_ScannerTokenPassedThroughEnv(t *testing.T) {
	f := setupPipeline(t, "OK")
	run := newRun(t, f.store)

	require.NoError(t, f.pipeline.Execute(context.Background(), run))

	for _, line := range f.runner.calls {
		assert.NotContains(t, line, "sq-token")
	}
}
