package supervisor

import (
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"github.com/ravel-hq/stackd/internal/metrics"
	"github.com/ravel-hq/stackd/internal/registry"
	"github.com/ravel-hq/stackd/internal/state"
)

const killPollInterval = 100 * time.Millisecond

// StopService terminates the service's process, verifying OS-level death
// rather than assuming it. The configured kill timeout is split into two
// bounded windows: a graceful SIGTERM wait and a forced SIGKILL wait, each
// polled so early death skips the remaining window. A process that survives
// both is reported as a zombie, never as a successful stop.
func (s *Supervisor) StopService(d registry.Descriptor, rt *state.Runtime) error {
	s.mu.Lock()
	if s.stopping[d.ID] {
		s.mu.Unlock()
		return ErrAlreadyStopping
	}
	s.stopping[d.ID] = true
	rp := s.procs[d.ID]
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.stopping, d.ID)
		s.mu.Unlock()
	}()

	if rp == nil {
		// Nothing tracked; still sweep in case an untracked orphan holds
		// the port.
		s.cleanupStale(d)
		return nil
	}

	rp.stopRequested.Store(true)
	rp.healthCancel()

	timeout := s.killTimeout(d)
	half := timeout / 2
	now := time.Now()
	rt.Mutate(func(r *state.Runtime) {
		r.Kill = state.KillInfo{
			Phase:     state.KillTermSent,
			SigTermAt: now,
			Attempts:  1,
		}
	})
	if err := rp.handle.Signal(syscall.SIGTERM); err != nil {
		rt.Mutate(func(r *state.Runtime) { r.Kill.LastErr = err.Error() })
	}
	rt.Mutate(func(r *state.Runtime) { r.Kill.Phase = state.KillTermWait })

	if pollUntilDead(rp.handle, half, killPollInterval) {
		s.finishKill(d, rt, rp)
		return nil
	}

	// Graceful window exhausted: escalate.
	metrics.IncKillEscalation(d.ID)
	slog.Warn("process ignored SIGTERM, escalating to SIGKILL",
		"service", d.ID, "pid", rp.handle.PID(), "waited", half)
	now = time.Now()
	rt.Mutate(func(r *state.Runtime) {
		r.Kill.Phase = state.KillKillSent
		r.Kill.SigKillAt = now
		r.Kill.Attempts++
	})
	if err := rp.handle.Signal(syscall.SIGKILL); err != nil {
		rt.Mutate(func(r *state.Runtime) { r.Kill.LastErr = err.Error() })
	}

	if pollUntilDead(rp.handle, timeout-half, killPollInterval) {
		s.finishKill(d, rt, rp)
		return nil
	}

	// OS-level leak the orchestrator cannot resolve on its own: surface
	// loudly instead of pretending the stop worked.
	err := fmt.Errorf("%w: pid %d", ErrZombieProcess, rp.handle.PID())
	rt.Mutate(func(r *state.Runtime) {
		r.Kill.Phase = state.KillZombie
		r.Kill.LastErr = err.Error()
	})
	slog.Error("process survived SIGKILL", "service", d.ID, "pid", rp.handle.PID())
	if s.events != nil {
		s.events.OnProcessError(d.ID, err)
	}
	return err
}

// finishKill records the verified death, clears the process table entry and
// repeats the orphan sweep plus a port-free check.
func (s *Supervisor) finishKill(d registry.Descriptor, rt *state.Runtime, rp *runningProc) {
	rt.Mutate(func(r *state.Runtime) {
		r.Kill.Phase = state.KillKilled
		r.Process = state.ProcessInfo{}
		r.Health = state.HealthInfo{}
		r.Warmup.Active = false
	})
	s.mu.Lock()
	if cur := s.procs[d.ID]; cur == rp {
		delete(s.procs, d.ID)
	}
	s.mu.Unlock()

	s.cleanupStale(d)
	if err := waitPortFree(d.Port, 2*time.Second); err != nil {
		slog.Warn("port still occupied after kill", "service", d.ID, "error", err)
		if s.events != nil {
			s.events.OnProcessError(d.ID, err)
		}
	}
}

// KillManual bypasses the normal stop flow: one signal (SIGTERM, or SIGKILL
// when force is set), one bounded death poll, same kill-tracking fields.
func (s *Supervisor) KillManual(d registry.Descriptor, rt *state.Runtime, force bool) error {
	s.mu.Lock()
	rp := s.procs[d.ID]
	s.mu.Unlock()
	if rp == nil {
		return fmt.Errorf("no tracked process for %s", d.ID)
	}
	rp.stopRequested.Store(true)
	rp.healthCancel()

	sig := syscall.SIGTERM
	phase := state.KillTermSent
	if force {
		sig = syscall.SIGKILL
		phase = state.KillKillSent
	}
	now := time.Now()
	rt.Mutate(func(r *state.Runtime) {
		r.Kill.Phase = phase
		r.Kill.Attempts++
		if force {
			r.Kill.SigKillAt = now
		} else {
			r.Kill.SigTermAt = now
		}
	})
	if err := rp.handle.Signal(sig); err != nil {
		rt.Mutate(func(r *state.Runtime) { r.Kill.LastErr = err.Error() })
		return err
	}
	if pollUntilDead(rp.handle, s.killTimeout(d), killPollInterval) {
		s.finishKill(d, rt, rp)
		return nil
	}
	rt.Mutate(func(r *state.Runtime) { r.Kill.Phase = state.KillTermWait })
	return fmt.Errorf("process %d still alive after manual %s", rp.handle.PID(), sig)
}
