package supervisor

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/ravel-hq/stackd/internal/registry"
)

// ProcessHandle abstracts the OS process so spawn/signal/liveness semantics
// stay in one place and tests can substitute a fake.
type ProcessHandle interface {
	PID() int
	Signal(sig syscall.Signal) error
	Alive() bool
	// Wait blocks until the process exits and returns its exit error.
	// It must be called at most once.
	Wait() error
}

// Spawner creates process handles. The default implementation execs real
// OS processes in their own process group.
type Spawner interface {
	Spawn(d registry.Descriptor, env []string, stdout, stderr io.Writer) (ProcessHandle, error)
}

type osSpawner struct{}

// NewOSSpawner returns the default OS-backed spawner.
func NewOSSpawner() Spawner { return osSpawner{} }

func (osSpawner) Spawn(d registry.Descriptor, env []string, stdout, stderr io.Writer) (ProcessHandle, error) {
	cmd := buildCommand(d)
	if d.WorkDir != "" {
		cmd.Dir = d.WorkDir
	}
	if len(env) > 0 {
		cmd.Env = env
	}
	// Own process group so signals reach the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", d.ID, err)
	}
	return &osProcess{cmd: cmd}, nil
}

type osProcess struct {
	cmd *exec.Cmd
}

func (p *osProcess) PID() int { return p.cmd.Process.Pid }

// Signal delivers sig to the whole process group.
func (p *osProcess) Signal(sig syscall.Signal) error {
	return syscall.Kill(-p.cmd.Process.Pid, sig)
}

func (p *osProcess) Alive() bool { return pidAlive(p.cmd.Process.Pid) }

func (p *osProcess) Wait() error { return p.cmd.Wait() }

// pidAlive probes liveness with a null signal. A zombie left behind until
// reaped counts as dead.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if isZombie(pid) {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// isZombie reports whether /proc/<pid>/status shows state Z (Linux only;
// other platforms always return false).
func isZombie(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

// buildCommand constructs the exec.Cmd for a descriptor. Explicit args are
// passed through untouched; a bare command string containing shell
// metacharacters is handed to /bin/sh -c.
func buildCommand(d registry.Descriptor) *exec.Cmd {
	if len(d.Args) > 0 {
		// #nosec G204
		return exec.Command(d.Command, d.Args...)
	}
	cmdStr := strings.TrimSpace(d.Command)
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// memoryRSS samples resident memory of pid, zero when unavailable.
func memoryRSS(pid int) uint64 {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	mi, err := p.MemoryInfo()
	if err != nil || mi == nil {
		return 0
	}
	return mi.RSS
}

// pollUntilDead polls handle liveness every interval for at most window.
// It returns true as soon as the process is observed dead, so early death
// skips the remaining wait entirely.
func pollUntilDead(h ProcessHandle, window, interval time.Duration) bool {
	deadline := time.Now().Add(window)
	for {
		if !h.Alive() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(interval)
	}
}
