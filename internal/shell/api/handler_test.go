package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/artpar/gantry/internal/core/pipeline"
	"github.com/artpar/gantry/internal/shell/api/middleware"
	"github.com/artpar/gantry/internal/shell/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// =============================================================================
// Test Helpers
// =============================================================================

const testToken = "test-token"

type testEnv struct {
	store    store.Store
	launcher *Launcher
	handler  http.Handler

	// release unblocks the pipeline function of the active run.
	release chan struct{}
	// executed receives the run handed to the pipeline function.
	executed chan *pipeline.Run
}

func setupTestAPI(t *testing.T) *testEnv {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	env := &testEnv{
		store:    s,
		release:  make(chan struct{}),
		executed: make(chan *pipeline.Run, 4),
	}

	execute := func(ctx context.Context, run *pipeline.Run) error {
		env.executed <- run
		<-env.release
		run.Status = pipeline.RunSucceeded
		return s.UpdateRun(ctx, run)
	}
	env.launcher = NewLauncher(execute, s, "main", nil)

	hash, err := bcrypt.GenerateFromPassword([]byte(testToken), bcrypt.MinCost)
	require.NoError(t, err)
	auth := middleware.NewBearerAuth(string(hash), nil)

	env.handler = NewHandler(s, env.launcher, auth, nil, "test").Routes()

	t.Cleanup(func() {
		// Unblock any still-running pipeline goroutine.
		close(env.release)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		env.launcher.Wait(ctx)
	})

	return env
}

func (e *testEnv) request(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeRun(t *testing.T, rec *httptest.ResponseRecorder) RunResponse {
	t.Helper()
	var resp RunResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

// =============================================================================
// Health and OpenAPI
// =============================================================================

func TestHealthz_NoAuthRequired(t *testing.T) {
	env := setupTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestOpenAPI_DocumentServed(t *testing.T) {
	env := setupTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/openapi.json", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var doc map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&doc))
	assert.Equal(t, "3.0.3", doc["openapi"])

	paths, ok := doc["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/api/v1/runs")
	assert.Contains(t, paths, "/api/v1/runs/{id}")
	assert.Contains(t, paths, "/healthz")
}

func TestAPI_RequiresToken(t *testing.T) {
	env := setupTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// =============================================================================
// Trigger
// =============================================================================

func TestTriggerRun_Accepted(t *testing.T) {
	env := setupTestAPI(t)

	rec := env.request(t, http.MethodPost, "/api/v1/runs", `{"branch":"develop"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	resp := decodeRun(t, rec)
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "develop", resp.Branch)
	assert.Equal(t, string(pipeline.RunPending), resp.Status)

	run := <-env.executed
	assert.Equal(t, resp.ID, run.ID)
}

func TestTriggerRun_DefaultBranch(t *testing.T) {
	env := setupTestAPI(t)

	rec := env.request(t, http.MethodPost, "/api/v1/runs", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "main", decodeRun(t, rec).Branch)
}

func TestTriggerRun_ConflictWhileActive(t *testing.T) {
	env := setupTestAPI(t)

	first := env.request(t, http.MethodPost, "/api/v1/runs", "")
	require.Equal(t, http.StatusAccepted, first.Code)
	<-env.executed

	second := env.request(t, http.MethodPost, "/api/v1/runs", "")
	assert.Equal(t, http.StatusConflict, second.Code)
	assert.Contains(t, second.Body.String(), "run_active")
}

func TestTriggerRun_InvalidJSON(t *testing.T) {
	env := setupTestAPI(t)

	rec := env.request(t, http.MethodPost, "/api/v1/runs", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// Run Retrieval
// =============================================================================

func TestGetRun_Success(t *testing.T) {
	env := setupTestAPI(t)
	ctx := context.Background()

	run := &pipeline.Run{
		ID:          "run_aaaa1111",
		Branch:      "main",
		Revision:    "0a1b2c3d4e5f",
		Status:      pipeline.RunSucceeded,
		GateVerdict: "OK",
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, env.store.CreateRun(ctx, run))
	require.NoError(t, env.store.RecordStageResult(ctx, run.ID, &pipeline.StageResult{
		Name: "source", Seq: 0, Status: pipeline.StageSucceeded, Duration: 2 * time.Second,
	}))

	rec := env.request(t, http.MethodGet, "/api/v1/runs/run_aaaa1111", "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeRun(t, rec)
	assert.Equal(t, "OK", resp.GateVerdict)
	require.Len(t, resp.Stages, 1)
	assert.Equal(t, "source", resp.Stages[0].Name)
	assert.Equal(t, int64(2000), resp.Stages[0].DurationMS)
}

func TestGetRun_NotFound(t *testing.T) {
	env := setupTestAPI(t)

	rec := env.request(t, http.MethodGet, "/api/v1/runs/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "run_not_found")
}

func TestListRuns_ReturnsPage(t *testing.T) {
	env := setupTestAPI(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, id := range []string{"run_a", "run_b", "run_c"} {
		require.NoError(t, env.store.CreateRun(ctx, &pipeline.Run{
			ID:        id,
			Branch:    "main",
			Status:    pipeline.RunSucceeded,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	rec := env.request(t, http.MethodGet, "/api/v1/runs?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ListRunsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Runs, 2)
	assert.Equal(t, "run_c", resp.Runs[0].ID)
	assert.Equal(t, "run_b", resp.Runs[1].ID)
	assert.Equal(t, 2, resp.Limit)
}
