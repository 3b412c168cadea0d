package orchestrator

import (
	"fmt"

	"github.com/ravel-hq/stackd/internal/registry"
	"github.com/ravel-hq/stackd/internal/state"
)

// ServiceStatus pairs the runtime view with the descriptor fields a
// control-plane consumer needs.
type ServiceStatus struct {
	state.View
	Critical  bool     `json:"critical"`
	External  bool     `json:"external"`
	DependsOn []string `json:"depends_on,omitempty"`
	Port      int      `json:"port,omitempty"`
}

// AggregateStatus is the status-all summary.
type AggregateStatus struct {
	Total    int             `json:"total"`
	Running  int             `json:"running"`
	Healthy  int             `json:"healthy"`
	Services []ServiceStatus `json:"services"`
}

// Status returns the current view of one service.
func (o *Orchestrator) Status(id string) (ServiceStatus, error) {
	rt, d, err := o.runtime(id)
	if err != nil {
		return ServiceStatus{}, err
	}
	return o.buildStatus(rt, d), nil
}

func (o *Orchestrator) buildStatus(rt *state.Runtime, d registry.Descriptor) ServiceStatus {
	v := rt.Snapshot()
	if d.External {
		// externally managed services are always treated as healthy
		v.Health.Healthy = true
	}
	return ServiceStatus{
		View:      v,
		Critical:  d.Critical,
		External:  d.External,
		DependsOn: d.DependsOn,
		Port:      d.Port,
	}
}

// StatusAll aggregates every service in startup order.
func (o *Orchestrator) StatusAll() AggregateStatus {
	agg := AggregateStatus{}
	for _, d := range o.reg.All() {
		rt, _, err := o.runtime(d.ID)
		if err != nil {
			continue
		}
		st := o.buildStatus(rt, d)
		agg.Services = append(agg.Services, st)
		agg.Total++
		if st.State == state.StateRunning || st.State == state.StateExternal {
			agg.Running++
		}
		if st.Health.Healthy {
			agg.Healthy++
		}
	}
	return agg
}

// ProcessStatus returns the process snapshot for one service.
func (o *Orchestrator) ProcessStatus(id string) (state.ProcessInfo, error) {
	rt, _, err := o.runtime(id)
	if err != nil {
		return state.ProcessInfo{}, err
	}
	return rt.Snapshot().Process, nil
}

// KillStatus returns the kill-tracking snapshot for one service.
func (o *Orchestrator) KillStatus(id string) (state.KillInfo, error) {
	rt, _, err := o.runtime(id)
	if err != nil {
		return state.KillInfo{}, err
	}
	return rt.Snapshot().Kill, nil
}

// Logs returns up to lines recent stdout and stderr lines.
func (o *Orchestrator) Logs(id string, lines int) (stdout, stderr []string, err error) {
	rt, _, rerr := o.runtime(id)
	if rerr != nil {
		return nil, nil, rerr
	}
	return rt.Stdout.Tail(lines), rt.Stderr.Tail(lines), nil
}

// KillProcess performs a manual graceful or forced kill, bypassing the
// normal stop flow but updating the same kill-tracking fields.
func (o *Orchestrator) KillProcess(id string, force bool) error {
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
	err = o.sup.KillManual(d, rt, force)
	if err == nil {
		o.setState(rt, id, state.StateStopped, "manual kill")
	}
	o.persist()
	return err
}

// CleanupService sweeps stale processes matching the service's pattern
// and verifies its port is free. It refuses to run while the service is
// active under supervision.
func (o *Orchestrator) CleanupService(id string) error {
	rt, d, err := o.runtime(id)
	if err != nil {
		return err
	}
	if d.External {
		return fmt.Errorf("%w: %s", ErrExternallyManaged, id)
	}
	switch rt.CurrentState() {
	case state.StateStarting, state.StateRunning, state.StateUnhealthy, state.StateStopping:
		return fmt.Errorf("%w: %s", ErrAlreadyActive, id)
	}
	return o.sup.CleanupService(d)
}

// BatchResult is one per-id outcome of a batch action.
type BatchResult struct {
	ServiceID string `json:"service_id"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// StartBatch starts each id best effort; partial failure never aborts the
// batch.
func (o *Orchestrator) StartBatch(ids []string) []BatchResult {
	results := make([]BatchResult, 0, len(ids))
	for _, id := range ids {
		res := BatchResult{ServiceID: id, Success: true}
		if err := o.StartService(id); err != nil {
			res.Success = false
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results
}

// StopBatch stops each id best effort.
func (o *Orchestrator) StopBatch(ids []string) []BatchResult {
	results := make([]BatchResult, 0, len(ids))
	for _, id := range ids {
		res := BatchResult{ServiceID: id, Success: true}
		if err := o.StopService(id); err != nil {
			res.Success = false
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results
}
