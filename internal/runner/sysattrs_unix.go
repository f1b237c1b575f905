//go:build !windows

package runner

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr always places the child in its own process group so
// a stop signal can be delivered to the whole group rather than just the
// immediate child, catching grandchildren a shell wrapper may have spawned.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
