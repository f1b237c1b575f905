// Package paths centralizes the on-disk layout of a pm3 daemon instance:
// the PID file, control socket, state dump, and per-process log files all
// live under a single data directory.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// DataDirEnv overrides the default data directory when set.
const DataDirEnv = "PM3_DATA_DIR"

// Paths resolves the well-known file locations under a data directory.
type Paths struct {
	dataDir string
}

// New resolves the data directory from PM3_DATA_DIR, falling back to
// os.UserHomeDir()/.local/share/pm3 (XDG-ish default, mirroring the
// teacher's preference for explicit, testable configuration over magic).
func New() (Paths, error) {
	if d := os.Getenv(DataDirEnv); d != "" {
		return Paths{dataDir: d}, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return Paths{}, fmt.Errorf("resolve data dir: %w", err)
	}
	return Paths{dataDir: filepath.Join(home, ".local", "share", "pm3")}, nil
}

// NewWithDir builds Paths rooted at an explicit directory, bypassing the
// environment lookup. Used by tests and by --data-dir overrides.
func NewWithDir(dir string) Paths { return Paths{dataDir: dir} }

// EnsureDataDir creates the data and log directories if missing.
func (p Paths) EnsureDataDir() error {
	if err := os.MkdirAll(p.dataDir, 0o755); err != nil {
		return err
	}
	return os.MkdirAll(p.LogDir(), 0o755)
}

func (p Paths) DataDir() string { return p.dataDir }

func (p Paths) PIDFile() string { return filepath.Join(p.dataDir, "pm3d.pid") }

func (p Paths) SocketFile() string { return filepath.Join(p.dataDir, "pm3d.sock") }

func (p Paths) DumpFile() string { return filepath.Join(p.dataDir, "dump.json") }

func (p Paths) AuditDBFile() string { return filepath.Join(p.dataDir, "audit.db") }

func (p Paths) LogDir() string { return filepath.Join(p.dataDir, "logs") }

func (p Paths) StdoutLog(name string) string {
	return filepath.Join(p.LogDir(), name+"-out.log")
}

func (p Paths) StderrLog(name string) string {
	return filepath.Join(p.LogDir(), name+"-error.log")
}

// RotatedStdoutLog and RotatedStderrLog return the nth rotated backup path,
// appended directly onto the current log's name (name-out.log.1, not a
// nested directory), matching the rotation layout used throughout.
func (p Paths) RotatedStdoutLog(name string, n int) string {
	return fmt.Sprintf("%s.%d", p.StdoutLog(name), n)
}

func (p Paths) RotatedStderrLog(name string, n int) string {
	return fmt.Sprintf("%s.%d", p.StderrLog(name), n)
}
