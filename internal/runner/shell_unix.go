//go:build !windows

package runner

import "os/exec"

// shellCommand wraps script in /bin/sh -c.
func shellCommand(script string) *exec.Cmd {
	// #nosec G204 -- script originates from trusted daemon configuration
	return exec.Command("/bin/sh", "-c", script)
}

// noopCommand is used when a process has no command configured, so starting
// it runs /bin/true, which exits 0 at once, instead of panicking.
func noopCommand() *exec.Cmd {
	// #nosec G204
	return exec.Command("/bin/true")
}
