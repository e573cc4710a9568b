// Package api provides the HTTP surface of serve mode: run triggering and
// run history, plus health and OpenAPI endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/artpar/gantry/internal/shell/api/middleware"
	"github.com/artpar/gantry/internal/shell/store"
	"github.com/gorilla/mux"
)

// =============================================================================
// Handler
// =============================================================================

// Handler provides HTTP handlers for the API.
type Handler struct {
	store    store.Store
	launcher *Launcher
	auth     *middleware.BearerAuth
	logger   *slog.Logger
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(s store.Store, launcher *Launcher, auth *middleware.BearerAuth, logger *slog.Logger, version string) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if auth == nil {
		auth = middleware.NewBearerAuth("", logger)
	}
	return &Handler{
		store:    s,
		launcher: launcher,
		auth:     auth,
		logger:   logger,
		version:  version,
	}
}

// Routes returns the router with all routes configured. Health and the OpenAPI
// document stay reachable without a token; everything under /api/v1 requires
// one when auth is enabled.
func (h *Handler) Routes() http.Handler {
	r := mux.NewRouter()
	r.Use(h.jsonContentType)

	r.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/openapi.json", h.handleOpenAPI).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(h.auth.Handler)
	v1.HandleFunc("/runs", h.handleTriggerRun).Methods(http.MethodPost)
	v1.HandleFunc("/runs", h.handleListRuns).Methods(http.MethodGet)
	v1.HandleFunc("/runs/{id}", h.handleGetRun).Methods(http.MethodGet)

	return r
}

// =============================================================================
// Middleware
// =============================================================================

// jsonContentType sets Content-Type header to application/json.
func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Health Handler
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// =============================================================================
// Run Handlers
// =============================================================================

func (h *Handler) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	var req TriggerRunRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
			return
		}
	}

	run, err := h.launcher.Trigger(r.Context(), req.Branch)
	if err != nil {
		if errors.Is(err, ErrRunActive) {
			h.writeError(w, http.StatusConflict, "a pipeline run is already active", "run_active")
			return
		}
		h.logger.Error("failed to trigger run", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to trigger run", "internal_error")
		return
	}

	h.writeJSON(w, http.StatusAccepted, runToResponse(run))
}

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	opts := store.ListOptions{
		Limit:  queryInt(r, "limit"),
		Offset: queryInt(r, "offset"),
	}.Normalize()

	runs, err := h.store.ListRuns(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list runs", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list runs", "internal_error")
		return
	}

	resp := ListRunsResponse{
		Runs:   make([]RunResponse, 0, len(runs)),
		Limit:  opts.Limit,
		Offset: opts.Offset,
	}
	for i := range runs {
		resp.Runs = append(resp.Runs, runToResponse(&runs[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	run, err := h.store.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "run not found", "run_not_found")
			return
		}
		h.logger.Error("failed to get run", "run_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get run", "internal_error")
		return
	}

	h.writeJSON(w, http.StatusOK, runToResponse(run))
}

// =============================================================================
// Helpers
// =============================================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

func queryInt(r *http.Request, name string) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
