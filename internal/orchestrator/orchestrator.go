package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ravel-hq/stackd/internal/history"
	"github.com/ravel-hq/stackd/internal/metrics"
	"github.com/ravel-hq/stackd/internal/registry"
	"github.com/ravel-hq/stackd/internal/state"
	"github.com/ravel-hq/stackd/internal/store"
	"github.com/ravel-hq/stackd/internal/supervisor"
)

// Error taxonomy. ConcurrencyConflict and ConfigError surface immediately;
// DependencyNotReady is retried implicitly by the dependency cascade.
var (
	ErrUnknownService     = errors.New("unknown service")
	ErrExternallyManaged  = errors.New("service is externally managed")
	ErrAlreadyActive      = errors.New("service is already starting or running")
	ErrActionInFlight     = errors.New("another action is in flight for this service")
	ErrDependencyNotReady = errors.New("dependency not ready")
)

// Config tunes orchestrator-level policy on top of supervision settings.
type Config struct {
	Supervisor supervisor.Config

	// Auto-restart backoff after unexpected exits: base doubling per
	// attempt up to the cap, giving up for good after MaxAttempts.
	RestartBaseDelay   time.Duration
	RestartMaxDelay    time.Duration
	RestartMaxAttempts int
}

// Defaults fills zero fields.
func (c Config) Defaults() Config {
	c.Supervisor = c.Supervisor.Defaults()
	if c.RestartBaseDelay <= 0 {
		c.RestartBaseDelay = 5 * time.Second
	}
	if c.RestartMaxDelay <= 0 {
		c.RestartMaxDelay = 60 * time.Second
	}
	if c.RestartMaxAttempts <= 0 {
		c.RestartMaxAttempts = 10
	}
	return c
}

// Orchestrator supervises the full set of registered services: dependency
// ordered startup, cascade starts, auto-restart with backoff, and durable
// state snapshots on every transition.
type Orchestrator struct {
	cfg Config
	reg *registry.Registry
	sup *supervisor.Supervisor
	st  store.Store

	mu            sync.Mutex
	runtimes      map[string]*state.Runtime
	inflight      map[string]string // id -> action name, explicit mutual exclusion
	manualStop    map[string]bool   // suppress auto-restart after operator stop
	restartTimers map[string]*time.Timer
	observers     map[uint64]Observer
	observerSeq   uint64
	shuttingDown  bool
}

// New wires an orchestrator to a registry and snapshot store. The
// supervisor is created internally with the orchestrator as its event sink.
func New(cfg Config, reg *registry.Registry, st store.Store) *Orchestrator {
	cfg = cfg.Defaults()
	o := &Orchestrator{
		cfg:           cfg,
		reg:           reg,
		st:            st,
		runtimes:      make(map[string]*state.Runtime),
		inflight:      make(map[string]string),
		manualStop:    make(map[string]bool),
		restartTimers: make(map[string]*time.Timer),
		observers:     make(map[uint64]Observer),
	}
	o.sup = supervisor.New(cfg.Supervisor, o)
	return o
}

// NewWithSpawner is the test seam: identical wiring with a fake spawner.
func NewWithSpawner(cfg Config, reg *registry.Registry, st store.Store, sp supervisor.Spawner) *Orchestrator {
	cfg = cfg.Defaults()
	o := &Orchestrator{
		cfg:           cfg,
		reg:           reg,
		st:            st,
		runtimes:      make(map[string]*state.Runtime),
		inflight:      make(map[string]string),
		manualStop:    make(map[string]bool),
		restartTimers: make(map[string]*time.Timer),
		observers:     make(map[uint64]Observer),
	}
	o.sup = supervisor.NewWithSpawner(cfg.Supervisor, o, sp)
	return o
}

// Registry exposes the immutable service catalog.
func (o *Orchestrator) Registry() *registry.Registry { return o.reg }

// Initialize builds runtime state for every registry entry, restores the
// persisted snapshot, and auto-starts critical/flagged services in
// dependency order. Services persisted as STARTING or RUNNING are
// downgraded to STOPPED since their process is presumed gone; external
// services are never rehydrated beyond their EXTERNAL state.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	o.shuttingDown = false
	o.runtimes = make(map[string]*state.Runtime, o.reg.Len())
	for _, d := range o.reg.All() {
		rt := state.NewRuntime(d.ID, o.cfg.Supervisor.LogLines)
		if d.External {
			rt.Mutate(func(r *state.Runtime) {
				r.State = state.StateExternal
				r.Health.Healthy = true
			})
		}
		o.runtimes[d.ID] = rt
	}
	o.mu.Unlock()

	if o.st != nil {
		snap, found, err := o.st.Load(ctx)
		if err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
		if found {
			o.restoreSnapshot(snap)
		}
	}

	for _, id := range o.reg.StartupOrder() {
		d, _ := o.reg.Get(id)
		if !d.ShouldAutoStart() {
			continue
		}
		if d.StartDelay > 0 {
			id := id
			delay := d.StartDelay
			go func() {
				time.Sleep(delay)
				if err := o.StartService(id); err != nil {
					slog.Warn("delayed auto-start failed", "service", id, "error", err)
				}
			}()
			continue
		}
		if err := o.StartService(id); err != nil {
			// Dependency-blocked services get retried by the cascade once
			// their dependency reports healthy.
			slog.Warn("auto-start failed", "service", id, "error", err)
		}
	}
	o.persist()
	return nil
}

func (o *Orchestrator) restoreSnapshot(snap store.Snapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, view := range snap.Services {
		rt, ok := o.runtimes[id]
		if !ok {
			continue // service removed from the registry since last run
		}
		d, _ := o.reg.Get(id)
		if d.External {
			continue
		}
		rt.Restore(view)
		rt.Mutate(func(r *state.Runtime) {
			switch r.State {
			case state.StateStarting, state.StateRunning, state.StateUnhealthy, state.StateStopping:
				r.State = state.StateStopped
			}
		})
	}
}

// runtime returns the runtime for id or ErrUnknownService.
func (o *Orchestrator) runtime(id string) (*state.Runtime, registry.Descriptor, error) {
	d, ok := o.reg.Get(id)
	if !ok {
		return nil, registry.Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownService, id)
	}
	o.mu.Lock()
	rt := o.runtimes[id]
	o.mu.Unlock()
	if rt == nil {
		return nil, registry.Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownService, id)
	}
	return rt, d, nil
}

// acquire claims the per-service in-flight slot, failing immediately when
// another action holds it. Never queued, never retried.
func (o *Orchestrator) acquire(id, action string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cur, busy := o.inflight[id]; busy {
		return fmt.Errorf("%w: %s (in flight: %s)", ErrActionInFlight, id, cur)
	}
	o.inflight[id] = action
	return nil
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	delete(o.inflight, id)
	o.mu.Unlock()
}

// StartService starts one service after verifying dependencies. Fails fast
// when the service is already starting/running/in warmup or another action
// is in flight for the id.
func (o *Orchestrator) StartService(id string) error {
	if err := o.acquire(id, "start"); err != nil {
		return err
	}
	defer o.release(id)
	return o.startLocked(id)
}

// startLocked performs the start while the caller holds the in-flight slot.
func (o *Orchestrator) startLocked(id string) error {
	rt, d, err := o.runtime(id)
	if err != nil {
		return err
	}
	if d.External {
		return fmt.Errorf("%w: %s", ErrExternallyManaged, id)
	}
	switch rt.CurrentState() {
	case state.StateStarting, state.StateRunning, state.StateUnhealthy:
		return fmt.Errorf("%w: %s", ErrAlreadyActive, id)
	}
	// A tripped breaker (or a breaker reset) leaves the process alive while
	// the lifecycle state says otherwise; a second process must never spawn.
	if o.sup.Running(id) {
		return fmt.Errorf("%w: %s", ErrAlreadyActive, id)
	}
	if err := o.checkDependencies(d); err != nil {
		return err
	}

	o.mu.Lock()
	delete(o.manualStop, id)
	o.mu.Unlock()

	prev := rt.CurrentState()
	o.setState(rt, d.ID, state.StateStarting, "")
	if err := o.sup.StartService(d, rt); err != nil {
		if errors.Is(err, supervisor.ErrAlreadyRunning) || errors.Is(err, supervisor.ErrAlreadyStarting) {
			// The live process is intact; ERROR is reserved for spawn faults.
			o.setState(rt, d.ID, prev, "")
			o.persist()
			return fmt.Errorf("%w: %s", ErrAlreadyActive, id)
		}
		o.setState(rt, d.ID, state.StateError, err.Error())
		o.persist()
		return err
	}
	o.persist()
	o.emit(Event{Type: history.EventServiceStarted, ServiceID: id, PID: o.sup.PID(id)})
	return nil
}

// checkDependencies requires every dependency to be RUNNING+healthy or
// EXTERNAL before a start is allowed to spawn anything.
func (o *Orchestrator) checkDependencies(d registry.Descriptor) error {
	for _, dep := range d.DependsOn {
		rt, depDesc, err := o.runtime(dep)
		if err != nil {
			return err
		}
		if depDesc.External {
			continue // externally managed services are always treated as healthy
		}
		if !rt.IsHealthyRunning() {
			return fmt.Errorf("%w: %s requires %s (currently %s)",
				ErrDependencyNotReady, d.ID, dep, rt.CurrentState())
		}
	}
	return nil
}

// StopService stops one service, recording that the stop was operator
// requested so the exit is not auto-restarted.
func (o *Orchestrator) StopService(id string) error {
	if err := o.acquire(id, "stop"); err != nil {
		return err
	}
	defer o.release(id)
	return o.stopLocked(id)
}

func (o *Orchestrator) stopLocked(id string) error {
	rt, d, err := o.runtime(id)
	if err != nil {
		return err
	}
	if d.External {
		return fmt.Errorf("%w: %s", ErrExternallyManaged, id)
	}
	o.mu.Lock()
	o.manualStop[id] = true
	if t := o.restartTimers[id]; t != nil {
		t.Stop()
		delete(o.restartTimers, id)
	}
	o.mu.Unlock()

	// STOPPED/ERROR short-circuits only when the supervisor tracks no
	// process; a live process always goes through the kill protocol so a
	// stop can never falsely succeed.
	prev := rt.CurrentState()
	if (prev == state.StateStopped || prev == state.StateError) && !o.sup.Running(id) {
		return nil
	}
	o.setState(rt, id, state.StateStopping, "")
	stopErr := o.sup.StopService(d, rt)
	if stopErr != nil && errors.Is(stopErr, supervisor.ErrZombieProcess) {
		o.setState(rt, id, state.StateError, stopErr.Error())
		o.persist()
		return stopErr
	}
	o.setState(rt, id, state.StateStopped, "")
	o.persist()
	o.emit(Event{Type: history.EventServiceStopped, ServiceID: id})
	return stopErr
}

// RestartService composes stop-then-start under a single in-flight guard.
func (o *Orchestrator) RestartService(id string) error {
	if err := o.acquire(id, "restart"); err != nil {
		return err
	}
	defer o.release(id)
	if err := o.stopLocked(id); err != nil {
		return err
	}
	if err := o.startLocked(id); err != nil {
		return err
	}
	o.emit(Event{Type: history.EventServiceRestarted, ServiceID: id})
	return nil
}

// ResetCircuitBreaker forces the breaker closed. If the service sat in
// CIRCUIT_OPEN it moves to STOPPED; the caller must explicitly restart it.
func (o *Orchestrator) ResetCircuitBreaker(id string) error {
	rt, d, err := o.runtime(id)
	if err != nil {
		return err
	}
	if d.External {
		return fmt.Errorf("%w: %s", ErrExternallyManaged, id)
	}
	var wasOpen bool
	rt.Mutate(func(r *state.Runtime) {
		r.Breaker = state.BreakerInfo{State: state.BreakerClosed, BackoffSeconds: 1}
		if r.State == state.StateCircuitOpen {
			wasOpen = true
			r.State = state.StateStopped
		}
	})
	metrics.SetBreakerState(id, string(state.BreakerClosed))
	if wasOpen {
		o.emit(Event{Type: history.EventStateChange, ServiceID: id,
			From: state.StateCircuitOpen, To: state.StateStopped})
	}
	o.persist()
	o.emit(Event{Type: history.EventCircuitBreakerReset, ServiceID: id})
	return nil
}

// setState applies a lifecycle transition and emits stateChange.
func (o *Orchestrator) setState(rt *state.Runtime, id string, to state.ServiceState, detail string) {
	var from state.ServiceState
	rt.Mutate(func(r *state.Runtime) {
		from = r.State
		r.State = to
	})
	if from == to {
		return
	}
	metrics.RecordStateTransition(id, string(from), string(to))
	o.updateRunningGauge()
	o.emit(Event{Type: history.EventStateChange, ServiceID: id, From: from, To: to, Detail: detail})
}

func (o *Orchestrator) updateRunningGauge() {
	o.mu.Lock()
	n := 0
	for _, rt := range o.runtimes {
		if rt.CurrentState() == state.StateRunning {
			n++
		}
	}
	o.mu.Unlock()
	metrics.SetRunningServices(n)
}

// persist writes a whole-snapshot replacement of all runtime states.
func (o *Orchestrator) persist() {
	if o.st == nil {
		return
	}
	o.mu.Lock()
	views := make(map[string]state.View, len(o.runtimes))
	for id, rt := range o.runtimes {
		views[id] = rt.Snapshot()
	}
	o.mu.Unlock()
	snap := store.Snapshot{SavedAt: time.Now().UTC(), Services: views}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.st.Save(ctx, snap); err != nil {
		slog.Error("snapshot persist failed", "error", err)
	}
}

// Shutdown persists final state, cancels pending restarts and terminates
// every supervised process.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	o.shuttingDown = true
	for id, t := range o.restartTimers {
		t.Stop()
		delete(o.restartTimers, id)
	}
	o.mu.Unlock()
	o.persist()
	o.sup.Cleanup()
	o.persist()
}

// ScheduleFullRestart responds to the caller first: the disruptive
// shutdown + reinitialize runs asynchronously. Used for registry/config
// hot reload without killing the orchestrator's own process.
func (o *Orchestrator) ScheduleFullRestart() {
	go func() {
		slog.Info("full orchestrator restart requested")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		o.Shutdown(ctx)
		if err := o.Initialize(ctx); err != nil {
			slog.Error("reinitialization failed", "error", err)
		}
	}()
}
