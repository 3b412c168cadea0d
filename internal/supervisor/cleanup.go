package supervisor

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"syscall"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/ravel-hq/stackd/internal/registry"
)

// cleanupStale kills any process left over from a previous run that matches
// the service's name pattern or is listening on its port. It runs before
// every spawn and after every stop so a crashed orchestrator cannot leak a
// second copy of a service.
func (s *Supervisor) cleanupStale(d registry.Descriptor) {
	pattern := d.NamePattern
	if pattern == "" {
		pattern = d.ID
	}
	self := os.Getpid()
	procs, err := gopsproc.Processes()
	if err != nil {
		slog.Debug("stale sweep: process list unavailable", "error", err)
		return
	}
	for _, p := range procs {
		pid := int(p.Pid)
		if pid == self || s.ownsPID(pid) {
			continue
		}
		cmdline, err := p.Cmdline()
		if err != nil || cmdline == "" {
			continue
		}
		if !strings.Contains(cmdline, pattern) {
			continue
		}
		slog.Warn("killing stale process",
			"service", d.ID, "pid", pid, "cmdline", cmdline)
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}

// CleanupService runs a stale-process sweep for the service and then
// verifies its port is free. It is safe to call while the service is
// stopped; live supervised processes are never swept.
func (s *Supervisor) CleanupService(d registry.Descriptor) error {
	s.cleanupStale(d)
	return waitPortFree(d.Port, 2*time.Second)
}

// ownsPID reports whether pid belongs to a process the supervisor is
// currently tracking; those are never swept.
func (s *Supervisor) ownsPID(pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rp := range s.procs {
		if rp.handle.PID() == pid {
			return true
		}
	}
	return false
}

// verifyPortFree checks that nothing is listening on the service's port.
// Port zero is skipped.
func verifyPortFree(port int) error {
	if port <= 0 {
		return nil
	}
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d still in use: %w", port, err)
	}
	_ = ln.Close()
	return nil
}

// waitPortFree polls verifyPortFree for up to window.
func waitPortFree(port int, window time.Duration) error {
	deadline := time.Now().Add(window)
	for {
		err := verifyPortFree(port)
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(100 * time.Millisecond)
	}
}
