//go:build !windows

package runner

import "syscall"

// signalProcessGroup sends sig to the process group led by pid, so a
// process that forked children of its own receives the signal too.
func signalProcessGroup(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}

// processAlive reports whether pid can still be signaled.
func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// probePID sends the null signal and returns the raw errno, so callers can
// distinguish ESRCH (gone) from EPERM (exists, but we can't signal it).
func probePID(pid int) error {
	return syscall.Kill(pid, 0)
}
