package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/artpar/gantry/internal/core/gate"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrAnalysisFailed means the server could not process the submitted
	// report, so no gate verdict will ever arrive.
	ErrAnalysisFailed = errors.New("analysis processing failed")

	// ErrUnexpectedStatus means the server answered outside its documented
	// status vocabulary.
	ErrUnexpectedStatus = errors.New("unexpected server status")
)

// =============================================================================
// Client - Analysis Server API
// =============================================================================

// Client talks to the analysis server's web API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// Config holds analysis server client configuration.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// NewClient creates an analysis server client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// TaskStatus is one compute task's server-side state.
type TaskStatus struct {
	Status     string
	AnalysisID string
}

type taskResponse struct {
	Task struct {
		ID         string `json:"id"`
		Status     string `json:"status"`
		AnalysisID string `json:"analysisId"`
	} `json:"task"`
}

// Task fetches the state of a queued compute task.
func (c *Client) Task(ctx context.Context, taskID string) (*TaskStatus, error) {
	var result taskResponse
	if err := c.get(ctx, "/api/ce/task?id="+url.QueryEscape(taskID), &result); err != nil {
		return nil, err
	}
	return &TaskStatus{
		Status:     result.Task.Status,
		AnalysisID: result.Task.AnalysisID,
	}, nil
}

type gateResponse struct {
	ProjectStatus struct {
		Status string `json:"status"`
	} `json:"projectStatus"`
}

// GateStatus fetches the quality gate result for a completed analysis.
func (c *Client) GateStatus(ctx context.Context, analysisID string) (string, error) {
	var result gateResponse
	if err := c.get(ctx, "/api/qualitygates/project_status?analysisId="+url.QueryEscape(analysisID), &result); err != nil {
		return "", err
	}
	return result.ProjectStatus.Status, nil
}

// get performs an authenticated GET and decodes the JSON response. The token
// goes in the basic auth username with an empty password, the server's token
// convention.
func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.SetBasicAuth(c.token, "")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// =============================================================================
// Gate Polling
// =============================================================================

// GatePoll adapts the two-step server flow (compute task, then gate result)
// into a single poll function for gate.Wait. While the compute task is
// queued or running it reports polling; once the task succeeds it reads the
// gate status. A failed or canceled task is a fatal error, not a verdict.
func (c *Client) GatePoll(task *ReportTask) gate.PollFunc {
	return func(ctx context.Context) (gate.Verdict, error) {
		status, err := c.Task(ctx, task.TaskID)
		if err != nil {
			return gate.VerdictPolling, err
		}

		switch status.Status {
		case "PENDING", "IN_PROGRESS":
			return gate.VerdictPolling, nil
		case "FAILED", "CANCELED":
			return gate.VerdictPolling, fmt.Errorf("%w: task %s is %s", ErrAnalysisFailed, task.TaskID, status.Status)
		case "SUCCESS":
			// fall through to the gate query
		default:
			return gate.VerdictPolling, fmt.Errorf("%w: task status %q", ErrUnexpectedStatus, status.Status)
		}

		gateStatus, err := c.GateStatus(ctx, status.AnalysisID)
		if err != nil {
			return gate.VerdictPolling, err
		}

		switch gateStatus {
		case "OK":
			return gate.VerdictPassed, nil
		case "ERROR", "WARN":
			c.logger.Warn("quality gate rejected analysis", "status", gateStatus)
			return gate.VerdictFailed, nil
		case "NONE":
			// Gate not computed yet even though the task finished.
			return gate.VerdictPolling, nil
		default:
			return gate.VerdictPolling, fmt.Errorf("%w: gate status %q", ErrUnexpectedStatus, gateStatus)
		}
	}
}
