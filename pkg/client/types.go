package client

import "time"

// ActionRequest is the body of POST /services/:id/actions.
type ActionRequest struct {
	Action string `json:"action"`
}

// KillRequest is the body of POST /services/:id/kill.
type KillRequest struct {
	Force bool `json:"force"`
}

// BatchRequest is the body of the batch start/stop endpoints.
type BatchRequest struct {
	ServiceIDs []string `json:"serviceIds"`
}

// BatchResult is one per-id outcome of a batch action.
type BatchResult struct {
	ServiceID string `json:"service_id"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// BatchResponse wraps the batch endpoint results.
type BatchResponse struct {
	Results []BatchResult `json:"results"`
}

// ErrorResponse is the structured error the daemon returns on failure.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Managed string `json:"managed,omitempty"`
}

// ProcessInfo mirrors the daemon's OS-level process view.
type ProcessInfo struct {
	PID         int       `json:"pid"`
	StartedAt   time.Time `json:"started_at"`
	MemoryBytes uint64    `json:"memory_bytes"`
}

// HealthInfo mirrors the daemon's health-check view.
type HealthInfo struct {
	Healthy              bool          `json:"healthy"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	LastCheck            time.Time     `json:"last_check"`
	ResponseTime         time.Duration `json:"response_time"`
	Err                  string        `json:"error,omitempty"`
}

// BreakerInfo mirrors the daemon's circuit breaker view.
type BreakerInfo struct {
	State          string    `json:"state"`
	Failures       int       `json:"failures"`
	BackoffSeconds float64   `json:"backoff_seconds"`
	LastFailure    time.Time `json:"last_failure"`
	NextRetry      time.Time `json:"next_retry"`
}

// WarmupInfo mirrors the daemon's warmup view.
type WarmupInfo struct {
	Active           bool      `json:"active"`
	SuccessfulChecks int       `json:"successful_checks"`
	RequiredChecks   int       `json:"required_checks"`
	StartedAt        time.Time `json:"started_at"`
}

// KillInfo mirrors the daemon's kill protocol tracking.
type KillInfo struct {
	Phase     string    `json:"phase"`
	SigTermAt time.Time `json:"sigterm_at,omitempty"`
	SigKillAt time.Time `json:"sigkill_at,omitempty"`
	Attempts  int       `json:"attempts"`
	LastErr   string    `json:"last_error,omitempty"`
}

// ServiceStatus is one service's full runtime view.
type ServiceStatus struct {
	ID                  string      `json:"id"`
	State               string      `json:"state"`
	Process             ProcessInfo `json:"process"`
	Uptime              string      `json:"uptime,omitempty"`
	Health              HealthInfo  `json:"health"`
	Breaker             BreakerInfo `json:"circuit_breaker"`
	Warmup              WarmupInfo  `json:"warmup"`
	Kill                KillInfo    `json:"kill_tracking"`
	AutoRestoreAttempts int         `json:"auto_restore_attempts"`
	Critical            bool        `json:"critical"`
	External            bool        `json:"external"`
	DependsOn           []string    `json:"depends_on,omitempty"`
	Port                int         `json:"port,omitempty"`
}

// AggregateStatus is the whole-cluster summary from /status-all.
type AggregateStatus struct {
	Total    int             `json:"total"`
	Running  int             `json:"running"`
	Healthy  int             `json:"healthy"`
	Services []ServiceStatus `json:"services"`
}

// LogsResponse carries captured service output, oldest line first.
type LogsResponse struct {
	Stdout []string `json:"stdout"`
	Stderr []string `json:"stderr"`
}

// Descriptor mirrors the daemon's static service definition.
type Descriptor struct {
	ID             string        `json:"id"`
	Command        string        `json:"command"`
	Args           []string      `json:"args"`
	WorkDir        string        `json:"work_dir"`
	Env            []string      `json:"env"`
	Port           int           `json:"port"`
	HealthEndpoint string        `json:"health_endpoint"`
	DependsOn      []string      `json:"depends_on"`
	Critical       bool          `json:"critical"`
	WarmupTime     time.Duration `json:"warmup_time"`
	RequiredChecks int           `json:"required_checks"`
	AutoStart      bool          `json:"auto_start"`
	StartDelay     time.Duration `json:"start_delay"`
	External       bool          `json:"external"`
	KillTimeout    time.Duration `json:"kill_timeout"`
	NamePattern    string        `json:"name_pattern"`
}
