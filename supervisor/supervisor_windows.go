//go:build windows

package supervisor

import "os"

// terminate has no graceful-signal equivalent on Windows, so it goes
// straight to process termination; Stop() then sees the process exit
// within its grace period and does not call kill.
func terminate(p *os.Process) error {
	return p.Kill()
}

// kill forcibly terminates the process.
func kill(p *os.Process) error {
	return p.Kill()
}
