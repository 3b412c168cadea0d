package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, Timeout: 2 * time.Second})
}

func TestNewAppliesDefaults(t *testing.T) {
	c := New(Config{})
	assert.Equal(t, "http://localhost:8420", c.baseURL)
	assert.Equal(t, 10*time.Second, c.client.Timeout)
	assert.NotNil(t, c.logger)
}

func TestIsReachable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	})
	assert.True(t, c.IsReachable(context.Background()))

	down := New(Config{BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond})
	assert.False(t, down.IsReachable(context.Background()))
}

func TestStatusAll(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/status-all", r.URL.Path)
		_ = json.NewEncoder(w).Encode(AggregateStatus{
			Total: 2, Running: 1, Healthy: 1,
			Services: []ServiceStatus{
				{ID: "api", State: "running"},
				{ID: "worker", State: "stopped"},
			},
		})
	})

	agg, err := c.StatusAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, agg.Total)
	require.Len(t, agg.Services, 2)
	assert.Equal(t, "api", agg.Services[0].ID)
}

func TestStatusDecodesNestedFields(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/services/api/status", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"id": "api",
			"state": "unhealthy",
			"process": {"pid": 4242, "memory_bytes": 1048576},
			"health": {"healthy": false, "consecutive_failures": 2},
			"circuit_breaker": {"state": "open", "backoff_seconds": 16},
			"kill_tracking": {"phase": "idle"},
			"auto_restore_attempts": 1,
			"critical": true,
			"depends_on": ["db"],
			"port": 9102
		}`))
	})

	st, err := c.Status(context.Background(), "api")
	require.NoError(t, err)
	assert.Equal(t, "unhealthy", st.State)
	assert.Equal(t, 4242, st.Process.PID)
	assert.Equal(t, 2, st.Health.ConsecutiveFailures)
	assert.Equal(t, "open", st.Breaker.State)
	assert.Equal(t, float64(16), st.Breaker.BackoffSeconds)
	assert.Equal(t, "idle", st.Kill.Phase)
	assert.True(t, st.Critical)
	assert.Equal(t, []string{"db"}, st.DependsOn)
	assert.Equal(t, 9102, st.Port)
}

func TestActionPostsVerb(t *testing.T) {
	var got ActionRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/services/api/actions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]bool{"success": true})
	})

	require.NoError(t, c.Restart(context.Background(), "api"))
	assert.Equal(t, "restart", got.Action)

	require.NoError(t, c.ResetCircuit(context.Background(), "api"))
	assert.Equal(t, "resetCircuit", got.Action)

	require.NoError(t, c.Cleanup(context.Background(), "api"))
	assert.Equal(t, "cleanup", got.Action)
}

func TestKillSendsForceFlag(t *testing.T) {
	var got KillRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/services/api/kill", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]bool{"success": true})
	})

	require.NoError(t, c.Kill(context.Background(), "api", true))
	assert.True(t, got.Force)
}

func TestLogsAddsLinesQuery(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "50", r.URL.Query().Get("lines"))
		_ = json.NewEncoder(w).Encode(LogsResponse{
			Stdout: []string{"line 1"},
			Stderr: []string{"oops"},
		})
	})

	logs, err := c.Logs(context.Background(), "api", 50)
	require.NoError(t, err)
	assert.Equal(t, []string{"line 1"}, logs.Stdout)
	assert.Equal(t, []string{"oops"}, logs.Stderr)
}

func TestBatchDecodesPerServiceResults(t *testing.T) {
	var got BatchRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/services/batch/start", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(BatchResponse{Results: []BatchResult{
			{ServiceID: "api", Success: true},
			{ServiceID: "ghost", Success: false, Error: "unknown service: ghost"},
		}})
	})

	results, err := c.StartBatch(context.Background(), []string{"api", "ghost"})
	require.NoError(t, err)
	assert.Equal(t, []string{"api", "ghost"}, got.ServiceIDs)
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.Contains(t, results[1].Error, "unknown service")
}

func TestErrorResponsesSurfaceCodeAndMessage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(ErrorResponse{
			Success: false,
			Error:   "service is externally managed: redis",
			Code:    "externally_managed",
			Managed: "external",
		})
	})

	err := c.Stop(context.Background(), "redis")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "externally_managed")
	assert.Contains(t, err.Error(), "externally managed")
}

func TestErrorResponseWithoutBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	err := c.Start(context.Background(), "api")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 500")
}

func TestFullRestart(t *testing.T) {
	var path string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]bool{"success": true})
	})

	require.NoError(t, c.FullRestart(context.Background()))
	assert.Equal(t, "/restart", path)
}
