// Package e2e provides end-to-end tests for the serve mode HTTP surface. The
// pipeline behind the API is stubbed; the store, router, auth and trigger
// serialization are real.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/artpar/gantry/internal/core/pipeline"
	"github.com/artpar/gantry/internal/shell/api"
	"github.com/artpar/gantry/internal/shell/api/middleware"
	"github.com/artpar/gantry/internal/shell/store"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const apiToken = "e2e-token"

// =============================================================================
// Test Server
// =============================================================================

// testServer is a full serve mode stack over HTTP with a scripted pipeline.
type testServer struct {
	URL      string
	Store    store.Store
	Launcher *api.Launcher

	// Release unblocks the executing pipeline stub.
	Release chan struct{}
	// Started receives each run handed to the pipeline stub.
	Started chan *pipeline.Run
}

// startServer boots the API over a real listener. The pipeline stub blocks on
// Release, then marks the run succeeded.
func startServer(t *testing.T) *testServer {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ts := &testServer{
		Store:   s,
		Release: make(chan struct{}),
		Started: make(chan *pipeline.Run, 8),
	}

	execute := func(ctx context.Context, run *pipeline.Run) error {
		ts.Started <- run
		<-ts.Release
		now := time.Now().UTC()
		run.Status = pipeline.RunSucceeded
		run.Revision = "0a1b2c3d4e5f"
		run.GateVerdict = "passed"
		run.StartedAt = &now
		run.FinishedAt = &now
		return s.UpdateRun(ctx, run)
	}
	ts.Launcher = api.NewLauncher(execute, s, "main", nil)

	hash, err := bcrypt.GenerateFromPassword([]byte(apiToken), bcrypt.MinCost)
	require.NoError(t, err)
	auth := middleware.NewBearerAuth(string(hash), nil)

	handler := api.NewHandler(s, ts.Launcher, auth, nil, "e2e")
	srv := httptest.NewServer(handler.Routes())
	ts.URL = srv.URL

	t.Cleanup(func() {
		close(ts.Release)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ts.Launcher.Wait(ctx)
		srv.Close()
	})

	return ts
}

// =============================================================================
// HTTP Helpers
// =============================================================================

func httpDo(t *testing.T, method, url, body string, authed bool) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	if authed {
		req.Header.Set("Authorization", "Bearer "+apiToken)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, out), "body: %s", data)
}
