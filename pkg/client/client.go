package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// Client talks to a running stackd daemon over its REST API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8420",
		Timeout: 10 * time.Second,
	}
}

// New creates a stackd API client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8420"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks whether the daemon responds to its health endpoint.
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// StatusAll returns the aggregate status of every registered service.
func (c *Client) StatusAll(ctx context.Context) (AggregateStatus, error) {
	var out AggregateStatus
	err := c.getJSON(ctx, "/status-all", &out)
	return out, err
}

// Status returns the detailed status of one service.
func (c *Client) Status(ctx context.Context, id string) (ServiceStatus, error) {
	var out ServiceStatus
	err := c.getJSON(ctx, "/services/"+id+"/status", &out)
	return out, err
}

// Processes returns OS-level process info for a service.
func (c *Client) Processes(ctx context.Context, id string) (ProcessInfo, error) {
	var out ProcessInfo
	err := c.getJSON(ctx, "/services/"+id+"/processes", &out)
	return out, err
}

// KillStatus returns the kill protocol tracking info for a service.
func (c *Client) KillStatus(ctx context.Context, id string) (KillInfo, error) {
	var out KillInfo
	err := c.getJSON(ctx, "/services/"+id+"/kill-status", &out)
	return out, err
}

// Logs returns the most recent captured stdout/stderr lines.
func (c *Client) Logs(ctx context.Context, id string, lines int) (LogsResponse, error) {
	path := "/services/" + id + "/logs"
	if lines > 0 {
		path += "?lines=" + strconv.Itoa(lines)
	}
	var out LogsResponse
	err := c.getJSON(ctx, path, &out)
	return out, err
}

// Registry returns every service descriptor the daemon was configured with.
func (c *Client) Registry(ctx context.Context) ([]Descriptor, error) {
	var out []Descriptor
	err := c.getJSON(ctx, "/registry", &out)
	return out, err
}

// Start starts a service.
func (c *Client) Start(ctx context.Context, id string) error {
	return c.action(ctx, id, "start")
}

// Stop stops a service gracefully.
func (c *Client) Stop(ctx context.Context, id string) error {
	return c.action(ctx, id, "stop")
}

// Restart stops then starts a service as one guarded operation.
func (c *Client) Restart(ctx context.Context, id string) error {
	return c.action(ctx, id, "restart")
}

// ResetCircuit resets a service's circuit breaker to closed.
func (c *Client) ResetCircuit(ctx context.Context, id string) error {
	return c.action(ctx, id, "resetCircuit")
}

// Cleanup sweeps stale processes for a stopped service.
func (c *Client) Cleanup(ctx context.Context, id string) error {
	return c.action(ctx, id, "cleanup")
}

func (c *Client) action(ctx context.Context, id, action string) error {
	body, err := json.Marshal(ActionRequest{Action: action})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.postJSON(ctx, "/services/"+id+"/actions", body, nil)
}

// Kill sends the manual kill protocol to a service's process. With force
// the daemon skips straight to SIGKILL.
func (c *Client) Kill(ctx context.Context, id string, force bool) error {
	body, err := json.Marshal(KillRequest{Force: force})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.postJSON(ctx, "/services/"+id+"/kill", body, nil)
}

// StartBatch starts several services best effort and returns per-id results.
func (c *Client) StartBatch(ctx context.Context, ids []string) ([]BatchResult, error) {
	return c.batch(ctx, "/services/batch/start", ids)
}

// StopBatch stops several services best effort and returns per-id results.
func (c *Client) StopBatch(ctx context.Context, ids []string) ([]BatchResult, error) {
	return c.batch(ctx, "/services/batch/stop", ids)
}

func (c *Client) batch(ctx context.Context, path string, ids []string) ([]BatchResult, error) {
	body, err := json.Marshal(BatchRequest{ServiceIDs: ids})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	var out BatchResponse
	if err := c.postJSON(ctx, path, body, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// FullRestart asks the daemon to stop everything and re-run startup. The
// daemon acknowledges before performing the restart.
func (c *Client) FullRestart(ctx context.Context) error {
	return c.postJSON(ctx, "/restart", nil, nil)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "path", path, "error", err)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, body []byte, out any) error {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "path", path, "error", err)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var apiErr ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Error == "" {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if apiErr.Code != "" {
		return fmt.Errorf("%s: %s", apiErr.Code, apiErr.Error)
	}
	return fmt.Errorf("%s", apiErr.Error)
}
