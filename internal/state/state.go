package state

import (
	"sync"
	"time"
)

// ServiceState is the lifecycle state of a managed service.
type ServiceState string

const (
	StateStopped     ServiceState = "stopped"
	StateStarting    ServiceState = "starting"
	StateRunning     ServiceState = "running"
	StateUnhealthy   ServiceState = "unhealthy"
	StateCircuitOpen ServiceState = "circuit_open"
	StateStopping    ServiceState = "stopping"
	StateError       ServiceState = "error"
	StateExternal    ServiceState = "external"
)

// BreakerState is the circuit breaker state for a service's health channel.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// KillPhase tracks progress of the SIGTERM/SIGKILL escalation protocol.
type KillPhase string

const (
	KillIdle     KillPhase = "idle"
	KillTermSent KillPhase = "sigterm_sent"
	KillTermWait KillPhase = "sigterm_wait"
	KillKillSent KillPhase = "sigkill_sent"
	KillKilled   KillPhase = "killed"
	KillZombie   KillPhase = "zombie"
)

// ProcessInfo describes the live OS process bound to a service.
// PID is zero when no process is believed alive.
type ProcessInfo struct {
	PID         int       `json:"pid"`
	StartedAt   time.Time `json:"started_at"`
	MemoryBytes uint64    `json:"memory_bytes"`
}

// Uptime reports how long the process has been up, zero when not running.
func (p ProcessInfo) Uptime() time.Duration {
	if p.PID == 0 || p.StartedAt.IsZero() {
		return 0
	}
	return time.Since(p.StartedAt)
}

// HealthInfo carries the result of the most recent health probes.
type HealthInfo struct {
	Healthy              bool          `json:"healthy"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	LastCheck            time.Time     `json:"last_check"`
	ResponseTime         time.Duration `json:"response_time"`
	Err                  string        `json:"error,omitempty"`
}

// BreakerInfo is the health-driven circuit breaker. Open only while
// now < NextRetry; HalfOpen admits a single probe.
type BreakerInfo struct {
	State          BreakerState `json:"state"`
	Failures       int          `json:"failures"`
	BackoffSeconds float64      `json:"backoff_seconds"`
	LastFailure    time.Time    `json:"last_failure"`
	NextRetry      time.Time    `json:"next_retry"`
}

// WarmupInfo tracks the post-spawn grace period. Health failures during
// warmup never feed the circuit breaker.
type WarmupInfo struct {
	Active           bool      `json:"active"`
	SuccessfulChecks int       `json:"successful_checks"`
	RequiredChecks   int       `json:"required_checks"`
	StartedAt        time.Time `json:"started_at"`
}

// KillInfo records the kill protocol progress for the current/last stop.
type KillInfo struct {
	Phase     KillPhase `json:"phase"`
	SigTermAt time.Time `json:"sigterm_at,omitempty"`
	SigKillAt time.Time `json:"sigkill_at,omitempty"`
	Attempts  int       `json:"attempts"`
	LastErr   string    `json:"last_error,omitempty"`
}

// Runtime is the orchestrator-owned mutable state for one service.
// All access goes through methods holding the internal mutex; callers
// outside this package only ever see value snapshots.
type Runtime struct {
	mu sync.Mutex

	ID                  string
	State               ServiceState
	Process             ProcessInfo
	Health              HealthInfo
	Breaker             BreakerInfo
	Warmup              WarmupInfo
	Kill                KillInfo
	AutoRestoreAttempts int

	// run generation; bumped on every spawn so late health results
	// from a previous run are discarded instead of applied.
	Generation uint64

	Stdout *RingBuffer
	Stderr *RingBuffer
}

// NewRuntime returns a stopped runtime for id with bounded log buffers.
func NewRuntime(id string, logLines int) *Runtime {
	return &Runtime{
		ID:      id,
		State:   StateStopped,
		Breaker: BreakerInfo{State: BreakerClosed, BackoffSeconds: 1},
		Kill:    KillInfo{Phase: KillIdle},
		Stdout:  NewRingBuffer(logLines),
		Stderr:  NewRingBuffer(logLines),
	}
}

// Mutate runs fn under the runtime lock. fn must not block.
func (r *Runtime) Mutate(fn func(*Runtime)) {
	r.mu.Lock()
	fn(r)
	r.mu.Unlock()
}

// View is an immutable copy of the runtime fields, safe to serialize.
type View struct {
	ID                  string       `json:"id"`
	State               ServiceState `json:"state"`
	Process             ProcessInfo  `json:"process"`
	Uptime              string       `json:"uptime,omitempty"`
	Health              HealthInfo   `json:"health"`
	Breaker             BreakerInfo  `json:"circuit_breaker"`
	Warmup              WarmupInfo   `json:"warmup"`
	Kill                KillInfo     `json:"kill_tracking"`
	AutoRestoreAttempts int          `json:"auto_restore_attempts"`
}

// Snapshot returns a copy of the current state for readers and persistence.
func (r *Runtime) Snapshot() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := View{
		ID:                  r.ID,
		State:               r.State,
		Process:             r.Process,
		Health:              r.Health,
		Breaker:             r.Breaker,
		Warmup:              r.Warmup,
		Kill:                r.Kill,
		AutoRestoreAttempts: r.AutoRestoreAttempts,
	}
	if up := r.Process.Uptime(); up > 0 {
		v.Uptime = up.Round(time.Second).String()
	}
	return v
}

// CurrentState returns the lifecycle state.
func (r *Runtime) CurrentState() ServiceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.State
}

// CurrentGeneration returns the run generation token.
func (r *Runtime) CurrentGeneration() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Generation
}

// IsHealthyRunning reports whether the service is RUNNING and last probe passed.
func (r *Runtime) IsHealthyRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.State == StateRunning && r.Health.Healthy
}

// Restore applies a persisted view onto a fresh runtime. The caller is
// responsible for the STARTING/RUNNING downgrade rule; process identity is
// never rehydrated since the process is presumed gone across restarts.
func (r *Runtime) Restore(v View) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.State = v.State
	r.Breaker = v.Breaker
	r.AutoRestoreAttempts = v.AutoRestoreAttempts
	if r.Breaker.State == "" {
		r.Breaker = BreakerInfo{State: BreakerClosed, BackoffSeconds: 1}
	}
	r.Health = HealthInfo{}
	r.Warmup = WarmupInfo{}
	r.Kill = KillInfo{Phase: KillIdle}
	r.Process = ProcessInfo{}
}
