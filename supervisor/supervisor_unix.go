//go:build !windows

package supervisor

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// terminate sends SIGTERM, giving the daemon a chance to shut down
// cleanly (Tor flushes its descriptor table and state files on SIGTERM).
func terminate(p *os.Process) error {
	return unix.Kill(p.Pid, syscall.SIGTERM)
}

// kill sends SIGKILL after the grace period elapses.
func kill(p *os.Process) error {
	return unix.Kill(p.Pid, syscall.SIGKILL)
}
