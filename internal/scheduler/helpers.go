package scheduler

import (
	"os"
	"syscall"

	"github.com/pm3io/pm3/internal/runner"
)

func parseSignalName(name string) (syscall.Signal, error) {
	return runner.ParseSignal(name)
}

// truncateFile zeroes an existing log file in place, leaving a missing file
// untouched (there's nothing to flush).
func truncateFile(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644) // #nosec G304 -- path resolved from internal paths package
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer func() { _ = f.Close() }()
	return f.Truncate(0)
}
