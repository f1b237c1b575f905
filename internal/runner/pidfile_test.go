package runner

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteReadRemovePIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "proc.pid")
	if err := WritePIDFile(path, 4242); err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}
	pid, err := ReadPIDFile(path)
	if err != nil {
		t.Fatalf("ReadPIDFile: %v", err)
	}
	if pid != 4242 {
		t.Fatalf("expected pid 4242, got %d", pid)
	}
	if err := RemovePIDFile(path); err != nil {
		t.Fatalf("RemovePIDFile: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected pid file removed, stat err=%v", err)
	}
}

func TestRemovePIDFileMissingIsNotAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never-written.pid")
	if err := RemovePIDFile(path); err != nil {
		t.Fatalf("expected nil error for missing pid file, got %v", err)
	}
}

func TestIsDaemonRunningFalseWhenPIDFileAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.pid")
	running, err := IsDaemonRunning(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if running {
		t.Fatal("expected not running when pid file is absent")
	}
}

func TestIsDaemonRunningFalseAndCleansUpStalePID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stale.pid")
	// PID unlikely to be alive in any test environment's process table.
	if err := WritePIDFile(path, 1<<30); err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}
	running, err := IsDaemonRunning(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if running {
		t.Fatal("expected stale pid to report not running")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected stale pid file to be removed")
	}
}

func TestIsDaemonRunningTrueForSelf(t *testing.T) {
	path := filepath.Join(t.TempDir(), "self.pid")
	if err := WritePIDFile(path, os.Getpid()); err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}
	running, err := IsDaemonRunning(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !running {
		t.Fatal("expected own pid to report running")
	}
}
