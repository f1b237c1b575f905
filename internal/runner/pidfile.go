package runner

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/renameio/v2"
)

// WritePIDFile atomically creates path containing pid, via a temp file plus
// rename so a reader never observes a partially-written file.
func WritePIDFile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return renameio.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o600)
}

// ReadPIDFile reads back a PID written by WritePIDFile.
func ReadPIDFile(path string) (int, error) {
	b, err := os.ReadFile(path) // #nosec G304 -- path resolved from internal paths package
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(b)))
}

// RemovePIDFile best-effort removes path, ignoring a not-exist error.
func RemovePIDFile(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// IsDaemonRunning checks the PID recorded at path against the live process
// table. A stale PID file (ESRCH) is removed and reported as not running;
// a PID we can't signal due to permissions (EPERM) still counts as running,
// since the process clearly exists.
func IsDaemonRunning(path string) (bool, error) {
	pid, err := ReadPIDFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	switch probeErr := probePID(pid); {
	case probeErr == nil:
		return true, nil
	case errors.Is(probeErr, syscall.EPERM):
		return true, nil
	default:
		_ = RemovePIDFile(path)
		return false, nil
	}
}
