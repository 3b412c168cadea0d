//go:build unix

package supervisor

import (
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ravel-hq/stackd/internal/registry"
	"github.com/ravel-hq/stackd/internal/state"
)

func TestBuildCommand(t *testing.T) {
	// explicit args pass through untouched
	cmd := buildCommand(registry.Descriptor{Command: "/bin/echo", Args: []string{"a b", "c"}})
	assert.Equal(t, []string{"/bin/echo", "a b", "c"}, cmd.Args)

	// shell metacharacters route through /bin/sh -c
	cmd = buildCommand(registry.Descriptor{Command: "echo hi | wc -l"})
	assert.Equal(t, "/bin/sh", cmd.Args[0])
	assert.Equal(t, "-c", cmd.Args[1])

	// plain command string is split on whitespace
	cmd = buildCommand(registry.Descriptor{Command: "/bin/sleep 5"})
	assert.Equal(t, []string{"/bin/sleep", "5"}, cmd.Args)
}

func TestOSSpawnerLifecycle(t *testing.T) {
	sp := NewOSSpawner()
	out := state.NewRingBuffer(10)

	h, err := sp.Spawn(registry.Descriptor{
		ID:      "spawn-test",
		Command: "/bin/sh -c 'echo hello; sleep 30'",
	}, nil, out, out)
	require.NoError(t, err)
	require.Greater(t, h.PID(), 0)

	deadline := time.Now().Add(2 * time.Second)
	for out.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	assert.Equal(t, []string{"hello"}, out.Tail(0))
	assert.True(t, h.Alive())

	require.NoError(t, h.Signal(syscall.SIGKILL))
	err = h.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "killed")
	assert.False(t, h.Alive())
}

func TestOSSpawnerSignalReachesGroup(t *testing.T) {
	sp := NewOSSpawner()
	out := state.NewRingBuffer(10)

	// parent shell spawns a child; killing the group must take both down
	h, err := sp.Spawn(registry.Descriptor{
		ID:      "group-test",
		Command: "/bin/sh -c 'sleep 30 & wait'",
	}, nil, out, out)
	require.NoError(t, err)

	require.NoError(t, h.Signal(syscall.SIGTERM))
	done := make(chan struct{})
	go func() { _ = h.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("process group did not die on SIGTERM")
	}
}

func TestOSSpawnerEnvPassthrough(t *testing.T) {
	sp := NewOSSpawner()
	out := state.NewRingBuffer(10)

	h, err := sp.Spawn(registry.Descriptor{
		ID:      "env-test",
		Command: "/bin/sh -c 'echo $STACKD_TEST_VALUE'",
	}, []string{"PATH=/usr/bin:/bin", "STACKD_TEST_VALUE=42"}, out, out)
	require.NoError(t, err)
	require.NoError(t, h.Wait())
	assert.Equal(t, []string{"42"}, out.Tail(0))
}

func TestPidAlive(t *testing.T) {
	assert.False(t, pidAlive(0))
	assert.False(t, pidAlive(-1))

	sp := NewOSSpawner()
	h, err := sp.Spawn(registry.Descriptor{
		ID:      "alive-test",
		Command: "/bin/sleep 30",
	}, nil, state.NewRingBuffer(1), state.NewRingBuffer(1))
	require.NoError(t, err)

	pid := h.PID()
	assert.True(t, pidAlive(pid))

	require.NoError(t, h.Signal(syscall.SIGKILL))
	require.Error(t, h.Wait())
	// after Wait the pid is reaped and must read as dead
	assert.False(t, pidAlive(pid))
}

func TestPollUntilDeadEarlyExit(t *testing.T) {
	h := newFakeHandle(1)
	go func() {
		time.Sleep(50 * time.Millisecond)
		h.exit(nil)
	}()

	start := time.Now()
	dead := pollUntilDead(h, 5*time.Second, 10*time.Millisecond)
	assert.True(t, dead)
	assert.Less(t, time.Since(start), time.Second, "early death must skip the remaining window")
}

func TestPollUntilDeadTimeout(t *testing.T) {
	h := newFakeHandle(1) // never dies
	dead := pollUntilDead(h, 150*time.Millisecond, 10*time.Millisecond)
	assert.False(t, dead)
	drainExit(h)
}

func drainExit(h *fakeHandle) {
	select {
	case <-h.exitCh:
	default:
	}
}

func TestRealProcessStopService(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping real process test in short mode")
	}
	ev := &eventRecorder{}
	s := New(Config{KillTimeout: 3 * time.Second}, ev)

	d := registry.Descriptor{
		ID:          "stackd-real-stop",
		Command:     "/bin/sh -c 'trap \"exit 0\" TERM; while true; do sleep 1; done'",
		WarmupTime:  time.Hour,
		NamePattern: "stackd-real-stop-marker",
	}
	rt := state.NewRuntime(d.ID, 0)
	require.NoError(t, s.StartService(d, rt))
	require.True(t, s.Running(d.ID))

	require.NoError(t, s.StopService(d, rt))

	v := rt.Snapshot()
	assert.Equal(t, state.KillKilled, v.Kill.Phase)
	assert.Equal(t, 1, v.Kill.Attempts)
	assert.False(t, s.Running(d.ID))
}

func TestVerifyPortFree(t *testing.T) {
	require.NoError(t, verifyPortFree(0), "port zero is skipped")

	// grab a port and verify the check notices
	ln, port := listenAnyPort(t)
	defer func() { _ = ln.Close() }()
	require.Error(t, verifyPortFree(port))

	_ = ln.Close()
	require.NoError(t, waitPortFree(port, time.Second))
}
