package orchestrator

import (
	"log/slog"
	"time"

	"github.com/ravel-hq/stackd/internal/history"
	"github.com/ravel-hq/stackd/internal/metrics"
	"github.com/ravel-hq/stackd/internal/state"
)

// The orchestrator is the supervisor's event sink. Health-driven breaker
// state and exit-driven restart backoff are deliberately separate channels:
// the breaker never schedules restarts and the backoff never touches the
// breaker.

// OnStateChange reacts to supervisor-applied health transitions: persist,
// re-emit, and cascade-start dependents when a service becomes RUNNING.
func (o *Orchestrator) OnStateChange(id string, from, to state.ServiceState) {
	o.updateRunningGauge()
	o.persist()
	o.emit(Event{Type: history.EventStateChange, ServiceID: id, From: from, To: to})
	if to == state.StateRunning {
		o.handleBecameRunning(id)
	}
}

// handleBecameRunning resets the auto-restore counter and attempts a best
// effort start of every dependent whose dependencies are now satisfied.
func (o *Orchestrator) handleBecameRunning(id string) {
	rt, _, err := o.runtime(id)
	if err != nil {
		return
	}
	rt.Mutate(func(r *state.Runtime) { r.AutoRestoreAttempts = 0 })

	for _, dep := range o.reg.Dependents(id) {
		depRT, depDesc, err := o.runtime(dep)
		if err != nil || depDesc.External {
			continue
		}
		if depRT.CurrentState() != state.StateStopped {
			continue
		}
		if err := o.checkDependencies(depDesc); err != nil {
			continue // still blocked on another dependency
		}
		if err := o.StartService(dep); err != nil {
			// best effort: per-service failures are logged, not propagated
			slog.Warn("dependency cascade start failed",
				"service", dep, "dependency", id, "error", err)
		} else {
			slog.Info("dependency cascade started service",
				"service", dep, "dependency", id)
		}
	}
}

// OnProcessExit handles process termination. Expected exits were already
// sequenced by the stop flow; unexpected ones schedule an auto-restart with
// exponential backoff, or park the service in ERROR once attempts are
// exhausted.
func (o *Orchestrator) OnProcessExit(id string, exitErr error, expected bool) {
	detail := ""
	if exitErr != nil {
		detail = exitErr.Error()
	}
	o.emit(Event{Type: history.EventProcessExit, ServiceID: id, Detail: detail})
	if expected {
		return
	}
	o.scheduleRestart(id, detail)
}

// scheduleRestart arms the backoff timer for an unexpected exit or a failed
// restart attempt. Only real exits emit processExit; this path never does.
func (o *Orchestrator) scheduleRestart(id, detail string) {
	rt, d, err := o.runtime(id)
	if err != nil {
		return
	}
	o.mu.Lock()
	manual := o.manualStop[id]
	shuttingDown := o.shuttingDown
	o.mu.Unlock()
	if manual || shuttingDown {
		return
	}

	// The process is gone; reflect that before deciding on a restart.
	if st := rt.CurrentState(); st != state.StateStopped && st != state.StateError {
		o.setState(rt, id, state.StateStopped, detail)
	}
	o.persist()

	if !d.ShouldAutoStart() {
		return
	}

	var attempts int
	rt.Mutate(func(r *state.Runtime) {
		attempts = r.AutoRestoreAttempts
	})
	if attempts >= o.cfg.RestartMaxAttempts {
		// Attempts exhausted: permanent ERROR, manual restart required.
		o.setState(rt, id, state.StateError, "auto-restart attempts exhausted")
		o.persist()
		o.emit(Event{Type: history.EventProcessError, ServiceID: id,
			Detail: "auto-restart attempts exhausted"})
		return
	}

	delay := o.restartDelay(attempts)
	rt.Mutate(func(r *state.Runtime) { r.AutoRestoreAttempts++ })
	slog.Info("scheduling auto-restart",
		"service", id, "attempt", attempts+1, "delay", delay)

	o.mu.Lock()
	if t := o.restartTimers[id]; t != nil {
		t.Stop()
	}
	o.restartTimers[id] = time.AfterFunc(delay, func() {
		o.mu.Lock()
		delete(o.restartTimers, id)
		manual := o.manualStop[id]
		shuttingDown := o.shuttingDown
		o.mu.Unlock()
		if manual || shuttingDown {
			return
		}
		metrics.IncAutoRestart(id)
		if err := o.StartService(id); err != nil {
			slog.Warn("auto-restart failed", "service", id, "error", err)
			// Keep the backoff doubling toward the attempt cap without
			// fabricating an exit event for a process that never ran.
			o.scheduleRestart(id, err.Error())
		}
	})
	o.mu.Unlock()
	o.persist()
}

// restartDelay doubles the base per attempt, capped at the max.
func (o *Orchestrator) restartDelay(attempts int) time.Duration {
	delay := o.cfg.RestartBaseDelay
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= o.cfg.RestartMaxDelay {
			return o.cfg.RestartMaxDelay
		}
	}
	if delay > o.cfg.RestartMaxDelay {
		delay = o.cfg.RestartMaxDelay
	}
	return delay
}

// OnProcessError surfaces supervisor faults (zombie kills, port leaks).
func (o *Orchestrator) OnProcessError(id string, err error) {
	o.emit(Event{Type: history.EventProcessError, ServiceID: id, Detail: err.Error()})
}
