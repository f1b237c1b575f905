package logger

import (
	"log/slog"
	"os"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes the daemon's own operational log destination. Per-
// process stdout/stderr capture is configured separately and handled by
// internal/logpipe, which needs its own rotation naming to satisfy the
// fixed .1/.2/.3 backup layout rather than lumberjack's timestamped one.
type Config struct {
	Dir        string // base directory; daemon log is Dir/pm3d.log
	StdoutPath string // explicit path overrides Dir
	StderrPath string // unused by New; kept for TOML round-tripping
	MaxSizeMB  int    // megabytes before rotation (default 10)
	MaxBackups int    // number of backups to keep (default 3)
	MaxAgeDays int    // days to keep (default 7)
	Compress   bool   // Gzip rotated files
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// New builds the daemon's own structured operational log (daemon startup,
// shutdown, RPC, scheduler decisions) — distinct from per-process stdout/
// stderr capture, which internal/logpipe owns with its own rotation
// semantics. When cfg names neither a Dir nor a StdoutPath, logs go to
// stderr with color, matching a foreground/interactive run.
func New(cfg Config) *slog.Logger {
	dest := cfg.StdoutPath
	if dest == "" && cfg.Dir != "" {
		dest = filepath.Join(cfg.Dir, "pm3d.log")
	}
	if dest == "" {
		return slog.New(NewColorTextHandler(os.Stderr, nil, true))
	}
	w := &lj.Logger{
		Filename:   dest,
		MaxSize:    valOr(cfg.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(cfg.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(cfg.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   cfg.Compress,
	}
	return slog.New(slog.NewJSONHandler(w, nil))
}
