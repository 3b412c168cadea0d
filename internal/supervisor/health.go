package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ravel-hq/stackd/internal/metrics"
	"github.com/ravel-hq/stackd/internal/state"
)

// healthLoop drives all health-derived state for one process run. It stays
// silent for the warmup dead zone, then probes on a fixed interval until
// the run's context is cancelled by stop or exit.
func (s *Supervisor) healthLoop(ctx context.Context, rp *runningProc) {
	warmup := rp.desc.WarmupTime
	if warmup > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(warmup):
		}
	}
	t := time.NewTicker(s.cfg.HealthInterval)
	defer t.Stop()
	// first probe immediately after warmup rather than one interval later
	s.checkOnce(ctx, rp)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.checkOnce(ctx, rp)
		}
	}
}

// transition is a state change observed while applying a probe result,
// reported to the events sink outside the runtime lock.
type transition struct {
	from, to state.ServiceState
}

func (s *Supervisor) checkOnce(ctx context.Context, rp *runningProc) {
	// While the breaker is open probes are suppressed entirely until the
	// retry deadline passes; memory sampling still runs.
	now := time.Now()
	var skip bool
	rp.rt.Mutate(func(r *state.Runtime) {
		if r.Generation != rp.gen {
			skip = true
			return
		}
		if r.Process.PID != 0 {
			r.Process.MemoryBytes = memoryRSS(r.Process.PID)
		}
		if r.Breaker.State == state.BreakerOpen {
			if now.Before(r.Breaker.NextRetry) {
				skip = true
				return
			}
			r.Breaker.State = state.BreakerHalfOpen
			metrics.SetBreakerState(r.ID, string(state.BreakerHalfOpen))
		}
	})
	if skip {
		return
	}

	ok, rtt, probeErr := s.probe(ctx, rp.desc.HealthURL())
	metrics.ObserveHealthCheck(rp.desc.ID, rtt.Seconds(), !ok)

	var trans []transition
	rp.rt.Mutate(func(r *state.Runtime) {
		// A probe whose result lands after the service moved on (stop,
		// restart, exit) is discarded, never applied to stale state.
		if r.Generation != rp.gen {
			return
		}
		r.Health.LastCheck = time.Now()
		r.Health.ResponseTime = rtt
		if ok {
			r.Health.Err = ""
			r.Health.ConsecutiveSuccesses++
			r.Health.ConsecutiveFailures = 0
			r.Health.Healthy = true
			trans = s.applySuccess(r)
		} else {
			r.Health.Err = probeErr.Error()
			r.Health.ConsecutiveFailures++
			r.Health.ConsecutiveSuccesses = 0
			r.Health.Healthy = false
			trans = s.applyFailure(r)
		}
	})
	for _, tr := range trans {
		metrics.RecordStateTransition(rp.desc.ID, string(tr.from), string(tr.to))
		if s.events != nil {
			s.events.OnStateChange(rp.desc.ID, tr.from, tr.to)
		}
	}
}

// applySuccess handles warmup promotion and breaker close. Caller holds the
// runtime lock.
func (s *Supervisor) applySuccess(r *state.Runtime) []transition {
	var trans []transition
	if r.Warmup.Active {
		r.Warmup.SuccessfulChecks++
		if r.Warmup.SuccessfulChecks >= r.Warmup.RequiredChecks {
			r.Warmup.Active = false
			trans = append(trans, transition{r.State, state.StateRunning})
			r.State = state.StateRunning
		}
		return trans
	}
	switch r.Breaker.State {
	case state.BreakerHalfOpen:
		// Probe admitted by the half-open breaker succeeded: close and
		// reset the backoff window to its floor.
		r.Breaker.State = state.BreakerClosed
		r.Breaker.Failures = 0
		r.Breaker.BackoffSeconds = 1
		metrics.SetBreakerState(r.ID, string(state.BreakerClosed))
		if r.State == state.StateCircuitOpen {
			trans = append(trans, transition{r.State, state.StateRunning})
			r.State = state.StateRunning
		}
	case state.BreakerClosed:
		r.Breaker.Failures = 0
		if r.State == state.StateUnhealthy {
			trans = append(trans, transition{r.State, state.StateRunning})
			r.State = state.StateRunning
		}
	}
	return trans
}

// applyFailure counts the failure into warmup or the breaker. Caller holds
// the runtime lock.
func (s *Supervisor) applyFailure(r *state.Runtime) []transition {
	var trans []transition
	if r.Warmup.Active {
		// warmup failures never feed the circuit breaker
		return nil
	}
	now := time.Now()
	switch r.Breaker.State {
	case state.BreakerHalfOpen:
		// Failed the half-open probe: reopen with a grown backoff.
		backoff := r.Breaker.BackoffSeconds * s.cfg.BreakerMultiplier
		if max := s.cfg.BreakerMaxBackoff.Seconds(); backoff > max {
			backoff = max
		}
		r.Breaker.BackoffSeconds = backoff
		r.Breaker.State = state.BreakerOpen
		r.Breaker.LastFailure = now
		r.Breaker.NextRetry = now.Add(time.Duration(backoff * float64(time.Second)))
		metrics.SetBreakerState(r.ID, string(state.BreakerOpen))
	case state.BreakerClosed:
		r.Breaker.Failures = r.Health.ConsecutiveFailures
		if r.Breaker.Failures >= s.cfg.FailureThreshold {
			r.Breaker.State = state.BreakerOpen
			r.Breaker.LastFailure = now
			r.Breaker.NextRetry = now.Add(time.Duration(r.Breaker.BackoffSeconds * float64(time.Second)))
			metrics.SetBreakerState(r.ID, string(state.BreakerOpen))
			if r.State == state.StateRunning || r.State == state.StateUnhealthy {
				trans = append(trans, transition{r.State, state.StateCircuitOpen})
				r.State = state.StateCircuitOpen
			}
		} else if r.State == state.StateRunning {
			trans = append(trans, transition{r.State, state.StateUnhealthy})
			r.State = state.StateUnhealthy
		}
	}
	return trans
}

// probe issues one HTTP GET with a hard timeout. Any 2xx answer passes.
func (s *Supervisor) probe(ctx context.Context, url string) (bool, time.Duration, error) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.HealthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(cctx, http.MethodGet, url, nil)
	if err != nil {
		return false, 0, err
	}
	start := time.Now()
	resp, err := s.client.Do(req)
	rtt := time.Since(start)
	if err != nil {
		return false, rtt, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("health endpoint returned %d", resp.StatusCode)
		slog.Debug("health probe failed", "url", url, "status", resp.StatusCode)
		return false, rtt, err
	}
	return true, rtt, nil
}
