package api

import (
	"time"

	"github.com/artpar/gantry/internal/core/pipeline"
)

// =============================================================================
// Request Types
// =============================================================================

// TriggerRunRequest is the request body for triggering a pipeline run.
type TriggerRunRequest struct {
	// Branch overrides the configured source branch for this run.
	Branch string `json:"branch,omitempty"`
}

// =============================================================================
// Response Types
// =============================================================================

// RunResponse is the response for run operations.
type RunResponse struct {
	ID              string                `json:"id"`
	Branch          string                `json:"branch"`
	Revision        string                `json:"revision,omitempty"`
	Status          string                `json:"status"`
	GateVerdict     string                `json:"gate_verdict,omitempty"`
	LockRegenerated bool                  `json:"lock_regenerated"`
	ErrorMessage    string                `json:"error_message,omitempty"`
	Stages          []StageResultResponse `json:"stages,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	StartedAt       *time.Time            `json:"started_at,omitempty"`
	FinishedAt      *time.Time            `json:"finished_at,omitempty"`
}

// StageResultResponse represents one stage outcome in a run response.
type StageResultResponse struct {
	Name       string     `json:"name"`
	Seq        int        `json:"seq"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	DurationMS int64      `json:"duration_ms"`
}

// ListRunsResponse is the response for listing runs.
type ListRunsResponse struct {
	Runs   []RunResponse `json:"runs"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// ErrorResponse is the error response format.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HealthResponse is the health check response.
type HealthResponse struct {
	Status string `json:"status"`
}

// =============================================================================
// Conversion
// =============================================================================

func runToResponse(run *pipeline.Run) RunResponse {
	resp := RunResponse{
		ID:              run.ID,
		Branch:          run.Branch,
		Revision:        run.Revision,
		Status:          string(run.Status),
		GateVerdict:     run.GateVerdict,
		LockRegenerated: run.LockRegenerated,
		ErrorMessage:    run.ErrorMessage,
		CreatedAt:       run.CreatedAt,
		StartedAt:       run.StartedAt,
		FinishedAt:      run.FinishedAt,
	}
	for _, sr := range run.Stages {
		resp.Stages = append(resp.Stages, StageResultResponse{
			Name:       sr.Name,
			Seq:        sr.Seq,
			Status:     string(sr.Status),
			Error:      sr.Error,
			StartedAt:  sr.StartedAt,
			FinishedAt: sr.FinishedAt,
			DurationMS: sr.Duration.Milliseconds(),
		})
	}
	return resp
}
