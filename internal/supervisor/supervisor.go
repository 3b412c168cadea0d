package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ravel-hq/stackd/internal/env"
	"github.com/ravel-hq/stackd/internal/logger"
	"github.com/ravel-hq/stackd/internal/metrics"
	"github.com/ravel-hq/stackd/internal/registry"
	"github.com/ravel-hq/stackd/internal/state"
)

// Sentinel errors surfaced to callers. Concurrent duplicate actions fail
// immediately rather than queueing behind the in-flight one.
var (
	ErrAlreadyStarting = errors.New("start already in flight for this service")
	ErrAlreadyStopping = errors.New("stop already in flight for this service")
	ErrAlreadyRunning  = errors.New("service already has a live process")
	ErrZombieProcess   = errors.New("process survived SIGTERM and SIGKILL")
)

// Events receives supervisor notifications. Implementations must not call
// back into the supervisor from the callback goroutine while holding their
// own locks across Start/Stop calls.
type Events interface {
	// OnStateChange fires for health-driven transitions the supervisor
	// applies itself: warmup promotion, RUNNING/UNHEALTHY flips and circuit
	// breaker open/close.
	OnStateChange(id string, from, to state.ServiceState)
	// OnProcessExit fires once per run when the OS process terminates.
	// expected is true when a stop was requested for this run.
	OnProcessExit(id string, exitErr error, expected bool)
	// OnProcessError fires for faults that are not exits, e.g. a failed
	// post-kill port verification.
	OnProcessError(id string, err error)
}

// Config tunes supervision behavior shared by all services.
type Config struct {
	HealthInterval    time.Duration
	HealthTimeout     time.Duration
	FailureThreshold  int
	RequiredChecks    int // default warmup checks when descriptor omits it
	BreakerMultiplier float64
	BreakerMaxBackoff time.Duration
	KillTimeout       time.Duration // default when descriptor omits it
	LogLines          int
	GlobalEnv         []string // K=V entries layered under every service env
	FileLog           logger.FileConfig
}

// Defaults fills zero fields with production defaults.
func (c Config) Defaults() Config {
	if c.HealthInterval <= 0 {
		c.HealthInterval = 2 * time.Second
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = 2 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.RequiredChecks <= 0 {
		c.RequiredChecks = 3
	}
	if c.BreakerMultiplier <= 1 {
		c.BreakerMultiplier = 2
	}
	if c.BreakerMaxBackoff <= 0 {
		c.BreakerMaxBackoff = 60 * time.Second
	}
	if c.KillTimeout <= 0 {
		c.KillTimeout = 5 * time.Second
	}
	if c.LogLines <= 0 {
		c.LogLines = state.DefaultLogLines
	}
	return c
}

// runningProc is the supervisor's view of one live service process.
type runningProc struct {
	desc   registry.Descriptor
	rt     *state.Runtime
	handle ProcessHandle
	gen    uint64

	healthCancel  context.CancelFunc
	stopRequested atomic.Bool

	stdoutFile io.WriteCloser
	stderrFile io.WriteCloser
}

// Supervisor spawns, health-checks and kills one OS process per service.
// The invariant it protects: at most one live process per service id.
type Supervisor struct {
	cfg     Config
	events  Events
	spawner Spawner
	client  *http.Client

	mu       sync.Mutex
	procs    map[string]*runningProc
	starting map[string]bool
	stopping map[string]bool
}

// New creates a supervisor with the default OS spawner.
func New(cfg Config, events Events) *Supervisor {
	return NewWithSpawner(cfg, events, NewOSSpawner())
}

// NewWithSpawner allows tests to substitute the process spawner.
func NewWithSpawner(cfg Config, events Events, sp Spawner) *Supervisor {
	cfg = cfg.Defaults()
	return &Supervisor{
		cfg:      cfg,
		events:   events,
		spawner:  sp,
		client:   &http.Client{Timeout: cfg.HealthTimeout},
		procs:    make(map[string]*runningProc),
		starting: make(map[string]bool),
		stopping: make(map[string]bool),
	}
}

// StartService spawns the service process and schedules its health loop.
// A second concurrent call for the same id fails immediately with
// ErrAlreadyStarting; a call while a live process exists fails with
// ErrAlreadyRunning.
func (s *Supervisor) StartService(d registry.Descriptor, rt *state.Runtime) error {
	s.mu.Lock()
	if s.starting[d.ID] {
		s.mu.Unlock()
		return ErrAlreadyStarting
	}
	if rp := s.procs[d.ID]; rp != nil && rp.handle.Alive() {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.starting[d.ID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.starting, d.ID)
		s.mu.Unlock()
	}()

	// Defensive sweep against orphans from a previous crashed run.
	s.cleanupStale(d)

	stdout, stderr, outFile, errFile, err := s.stdioWriters(d, rt)
	if err != nil {
		slog.Warn("service file logging unavailable", "service", d.ID, "error", err)
	}

	handle, err := s.spawner.Spawn(d, env.Merge(s.cfg.GlobalEnv, d.Env), stdout, stderr)
	if err != nil {
		closeQuiet(outFile, errFile)
		return fmt.Errorf("spawn failed: %w", err)
	}

	required := d.RequiredChecks
	if required <= 0 {
		required = s.cfg.RequiredChecks
	}
	var gen uint64
	now := time.Now()
	rt.Mutate(func(r *state.Runtime) {
		r.Generation++
		gen = r.Generation
		r.Process = state.ProcessInfo{PID: handle.PID(), StartedAt: now}
		r.Health = state.HealthInfo{}
		r.Warmup = state.WarmupInfo{
			Active:         true,
			RequiredChecks: required,
			StartedAt:      now,
		}
		r.Kill = state.KillInfo{Phase: state.KillIdle}
	})

	hctx, hcancel := context.WithCancel(context.Background())
	rp := &runningProc{
		desc:         d,
		rt:           rt,
		handle:       handle,
		gen:          gen,
		healthCancel: hcancel,
		stdoutFile:   outFile,
		stderrFile:   errFile,
	}
	s.mu.Lock()
	s.procs[d.ID] = rp
	s.mu.Unlock()

	metrics.IncStart(d.ID)
	slog.Info("service process started", "service", d.ID, "pid", handle.PID())

	go s.watchExit(rp)
	go s.healthLoop(hctx, rp)
	return nil
}

// stdioWriters builds the writers attached to the child's stdio: always the
// bounded ring buffers, optionally teed into rotating files.
func (s *Supervisor) stdioWriters(d registry.Descriptor, rt *state.Runtime) (io.Writer, io.Writer, io.WriteCloser, io.WriteCloser, error) {
	outFile, errFile, err := s.cfg.FileLog.Writers(d.ID)
	if err != nil {
		return rt.Stdout, rt.Stderr, nil, nil, err
	}
	var stdout io.Writer = rt.Stdout
	var stderr io.Writer = rt.Stderr
	if outFile != nil {
		stdout = io.MultiWriter(rt.Stdout, outFile)
	}
	if errFile != nil {
		stderr = io.MultiWriter(rt.Stderr, errFile)
	}
	return stdout, stderr, outFile, errFile, nil
}

// watchExit reaps the process with a blocking wait and reports the exit.
func (s *Supervisor) watchExit(rp *runningProc) {
	exitErr := rp.handle.Wait()
	rp.healthCancel()
	closeQuiet(rp.stdoutFile, rp.stderrFile)

	expected := rp.stopRequested.Load()
	id := rp.desc.ID

	s.mu.Lock()
	if cur := s.procs[id]; cur == rp {
		delete(s.procs, id)
	}
	s.mu.Unlock()

	rp.rt.Mutate(func(r *state.Runtime) {
		if r.Generation != rp.gen {
			return
		}
		r.Process = state.ProcessInfo{}
		r.Health.Healthy = false
		r.Warmup.Active = false
	})

	metrics.IncStop(id)
	if expected {
		slog.Info("service process exited after stop", "service", id, "error", exitErr)
	} else {
		slog.Warn("service process exited unexpectedly", "service", id, "error", exitErr)
	}
	if s.events != nil {
		s.events.OnProcessExit(id, exitErr, expected)
	}
}

// Running reports whether the supervisor tracks a live process for id.
func (s *Supervisor) Running(id string) bool {
	s.mu.Lock()
	rp := s.procs[id]
	s.mu.Unlock()
	return rp != nil && rp.handle.Alive()
}

// PID returns the tracked process id, zero when none.
func (s *Supervisor) PID(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rp := s.procs[id]; rp != nil {
		return rp.handle.PID()
	}
	return 0
}

// Cleanup SIGTERMs every tracked process and waits for exit, best effort.
// Used during process-wide shutdown.
func (s *Supervisor) Cleanup() {
	s.mu.Lock()
	rps := make([]*runningProc, 0, len(s.procs))
	for _, rp := range s.procs {
		rps = append(rps, rp)
	}
	s.mu.Unlock()
	var wg sync.WaitGroup
	for _, rp := range rps {
		rp.stopRequested.Store(true)
		rp.healthCancel()
		_ = rp.handle.Signal(syscall.SIGTERM)
		wg.Add(1)
		go func(rp *runningProc) {
			defer wg.Done()
			if !pollUntilDead(rp.handle, s.killTimeout(rp.desc), 100*time.Millisecond) {
				_ = rp.handle.Signal(syscall.SIGKILL)
			}
		}(rp)
	}
	wg.Wait()
}

func (s *Supervisor) killTimeout(d registry.Descriptor) time.Duration {
	if d.KillTimeout > 0 {
		return d.KillTimeout
	}
	return s.cfg.KillTimeout
}

func closeQuiet(closers ...io.Closer) {
	for _, c := range closers {
		if c != nil {
			_ = c.Close()
		}
	}
}
