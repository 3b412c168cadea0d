package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ravel-hq/stackd/internal/history"
	"github.com/ravel-hq/stackd/internal/registry"
	"github.com/ravel-hq/stackd/internal/state"
)

// autoStartService is a parked service the orchestrator will restart after
// unexpected exits.
func autoStartService(id string) registry.Descriptor {
	d := parkedService(id)
	d.AutoStart = true
	return d
}

func TestUnexpectedExitSchedulesRestart(t *testing.T) {
	o, sp := newOrchestrator(t, testConfig(), nil, autoStartService("stackd-test-api"))
	waitFor(t, func() bool { return sp.count() == 1 }, "auto-start never spawned")

	sp.last().exit(errors.New("segfault"))

	waitFor(t, func() bool { return sp.count() == 2 }, "no restart after crash")
	st, err := o.Status("stackd-test-api")
	require.NoError(t, err)
	assert.Equal(t, state.StateStarting, st.State)
	assert.Equal(t, 1, st.AutoRestoreAttempts)
}

func TestRestartAttemptsExhaustedParksError(t *testing.T) {
	o, sp := newOrchestrator(t, testConfig(), nil, autoStartService("stackd-test-api"))
	waitFor(t, func() bool { return sp.count() == 1 }, "auto-start never spawned")

	// Config allows two attempts; a third crash gives up for good.
	for i := 1; i <= 2; i++ {
		sp.last().exit(errors.New("crash"))
		want := i + 1
		waitFor(t, func() bool { return sp.count() == want }, "restart missing")
	}
	sp.last().exit(errors.New("crash"))

	waitFor(t, func() bool {
		st, _ := o.Status("stackd-test-api")
		return st.State == state.StateError
	}, "service never parked in ERROR")
	assert.Equal(t, 3, sp.count())

	// Permanent: no timer remains armed.
	o.mu.Lock()
	_, armed := o.restartTimers["stackd-test-api"]
	o.mu.Unlock()
	assert.False(t, armed)
}

func TestErrorStateRecoversOnManualRestart(t *testing.T) {
	o, sp := newOrchestrator(t, testConfig(), nil, autoStartService("stackd-test-api"))
	waitFor(t, func() bool { return sp.count() == 1 }, "auto-start never spawned")

	rt, _, err := o.runtime("stackd-test-api")
	require.NoError(t, err)
	require.NoError(t, o.StopService("stackd-test-api"))
	rt.Mutate(func(r *state.Runtime) {
		r.State = state.StateError
		r.AutoRestoreAttempts = 2
	})

	require.NoError(t, o.StartService("stackd-test-api"))
	st, err := o.Status("stackd-test-api")
	require.NoError(t, err)
	assert.Equal(t, state.StateStarting, st.State)
}

func TestManualStopSuppressesRestart(t *testing.T) {
	o, sp := newOrchestrator(t, testConfig(), nil, autoStartService("stackd-test-api"))
	waitFor(t, func() bool { return sp.count() == 1 }, "auto-start never spawned")

	require.NoError(t, o.StopService("stackd-test-api"))

	// Give a pending restart every chance to fire, then confirm it never did.
	time.Sleep(10 * o.cfg.RestartBaseDelay)
	assert.Equal(t, 1, sp.count())
	st, _ := o.Status("stackd-test-api")
	assert.Equal(t, state.StateStopped, st.State)
}

func TestRestartCancelledByStopBeforeTimerFires(t *testing.T) {
	cfg := testConfig()
	cfg.RestartBaseDelay = 500 * time.Millisecond
	o, sp := newOrchestrator(t, cfg, nil, autoStartService("stackd-test-api"))
	waitFor(t, func() bool { return sp.count() == 1 }, "auto-start never spawned")

	sp.last().exit(errors.New("crash"))
	waitFor(t, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.restartTimers["stackd-test-api"] != nil
	}, "restart never scheduled")

	require.NoError(t, o.StopService("stackd-test-api"))
	time.Sleep(cfg.RestartBaseDelay + 100*time.Millisecond)
	assert.Equal(t, 1, sp.count())
}

func TestDependencyCascadeStartsStoppedDependents(t *testing.T) {
	descs := []registry.Descriptor{
		parkedService("stackd-test-db"),
		parkedService("stackd-test-api", "stackd-test-db"),
	}
	o, sp := newOrchestrator(t, testConfig(), nil, descs...)

	require.NoError(t, o.StartService("stackd-test-db"))
	rt, _, err := o.runtime("stackd-test-db")
	require.NoError(t, err)
	rt.Mutate(func(r *state.Runtime) {
		r.State = state.StateRunning
		r.Health.Healthy = true
		r.AutoRestoreAttempts = 4
	})

	// The supervisor reports the promotion; the cascade starts the stopped
	// dependent.
	o.OnStateChange("stackd-test-db", state.StateStarting, state.StateRunning)

	waitFor(t, func() bool {
		st, _ := o.Status("stackd-test-api")
		return st.State == state.StateStarting
	}, "dependent never cascade-started")
	assert.Equal(t, 2, sp.count())

	st, _ := o.Status("stackd-test-db")
	assert.Zero(t, st.AutoRestoreAttempts)
}

func TestCascadeSkipsDependentsBlockedOnOtherDeps(t *testing.T) {
	descs := []registry.Descriptor{
		parkedService("stackd-test-db"),
		parkedService("stackd-test-cache"),
		parkedService("stackd-test-api", "stackd-test-db", "stackd-test-cache"),
	}
	o, sp := newOrchestrator(t, testConfig(), nil, descs...)

	require.NoError(t, o.StartService("stackd-test-db"))
	rt, _, err := o.runtime("stackd-test-db")
	require.NoError(t, err)
	rt.Mutate(func(r *state.Runtime) {
		r.State = state.StateRunning
		r.Health.Healthy = true
	})
	o.OnStateChange("stackd-test-db", state.StateStarting, state.StateRunning)

	time.Sleep(50 * time.Millisecond)
	st, _ := o.Status("stackd-test-api")
	assert.Equal(t, state.StateStopped, st.State)
	assert.Equal(t, 1, sp.count())
}

func TestFailedRestartAttemptsEmitNoExitEvents(t *testing.T) {
	descs := []registry.Descriptor{
		parkedService("stackd-test-db"),
		func() registry.Descriptor {
			d := parkedService("stackd-test-api", "stackd-test-db")
			d.AutoStart = true
			return d
		}(),
	}
	o, sp := newOrchestrator(t, testConfig(), nil, descs...)

	require.NoError(t, o.StartService("stackd-test-db"))
	rtDB, _, err := o.runtime("stackd-test-db")
	require.NoError(t, err)
	rtDB.Mutate(func(r *state.Runtime) {
		r.State = state.StateRunning
		r.Health.Healthy = true
	})
	require.NoError(t, o.StartService("stackd-test-api"))

	var mu sync.Mutex
	var exits int
	o.Subscribe(ObserverFunc(func(e Event) {
		if e.Type == history.EventProcessExit && e.ServiceID == "stackd-test-api" {
			mu.Lock()
			exits++
			mu.Unlock()
		}
	}))

	// The dependency goes away, so every restart attempt fails on the
	// dependency gate until the attempt cap parks the service in ERROR.
	rtDB.Mutate(func(r *state.Runtime) {
		r.State = state.StateStopped
		r.Health.Healthy = false
	})
	sp.last().exit(errors.New("crash"))

	waitFor(t, func() bool {
		st, _ := o.Status("stackd-test-api")
		return st.State == state.StateError
	}, "service never parked in ERROR")

	// Exactly one process exited; the failed start attempts must not have
	// fabricated more exit events.
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, exits)
}

func TestRestartDelayDoublesToCap(t *testing.T) {
	o := &Orchestrator{cfg: Config{}.Defaults()}

	assert.Equal(t, 5*time.Second, o.restartDelay(0))
	assert.Equal(t, 10*time.Second, o.restartDelay(1))
	assert.Equal(t, 20*time.Second, o.restartDelay(2))
	assert.Equal(t, 40*time.Second, o.restartDelay(3))
	assert.Equal(t, 60*time.Second, o.restartDelay(4))
	assert.Equal(t, 60*time.Second, o.restartDelay(9))
}

func TestShutdownCancelsPendingRestarts(t *testing.T) {
	cfg := testConfig()
	cfg.RestartBaseDelay = 300 * time.Millisecond
	o, sp := newOrchestrator(t, cfg, nil, autoStartService("stackd-test-api"))
	waitFor(t, func() bool { return sp.count() == 1 }, "auto-start never spawned")

	sp.last().exit(errors.New("crash"))
	waitFor(t, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.restartTimers["stackd-test-api"] != nil
	}, "restart never scheduled")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	o.Shutdown(ctx)

	time.Sleep(cfg.RestartBaseDelay + 100*time.Millisecond)
	assert.Equal(t, 1, sp.count())
}
