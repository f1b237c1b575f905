package supervisor

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/pm3io/pm3/internal/envresolver"
	"github.com/pm3io/pm3/internal/logpipe"
	"github.com/pm3io/pm3/internal/paths"
	"github.com/pm3io/pm3/internal/restart"
)

func testDeps(t *testing.T) Deps {
	p := paths.NewWithDir(t.TempDir())
	if err := p.EnsureDataDir(); err != nil {
		t.Fatalf("EnsureDataDir: %v", err)
	}
	return Deps{
		Env:        envresolver.New(),
		StdoutPath: p.StdoutLog,
		StderrPath: p.StderrLog,
		RotatedOut: func(name string) logpipe.PathFunc {
			return func(n int) string { return p.RotatedStdoutLog(name, n) }
		},
		RotatedErr: func(name string) logpipe.PathFunc {
			return func(n int) string { return p.RotatedStderrLog(name, n) }
		},
	}
}

func waitForState(t *testing.T, s *Supervisor, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.Snapshot().State == want.String() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state never reached %s, last seen %s", want, s.Snapshot().State)
}

func TestSupervisorStartReachesOnlineWithoutHealthCheck(t *testing.T) {
	cfg := Config{Name: "echoer", Command: "sleep 1"}
	s := New(cfg, testDeps(t))
	defer func() { _ = s.Shutdown() }()

	if err := s.Start(""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, s, Online, 2*time.Second)
	snap := s.Snapshot()
	if snap.PID == 0 {
		t.Fatal("expected a pid after start")
	}
}

func TestSupervisorStopTransitionsToStopped(t *testing.T) {
	cfg := Config{Name: "stoppable", Command: "sleep 5"}
	s := New(cfg, testDeps(t))
	defer func() { _ = s.Shutdown() }()

	if err := s.Start(""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, s, Online, 2*time.Second)

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := s.Snapshot().State; got != Stopped.String() {
		t.Fatalf("expected stopped, got %s", got)
	}
}

func TestSupervisorAutoRestartAfterCrash(t *testing.T) {
	cfg := Config{
		Name:          "crasher",
		Command:       "sh -c 'exit 1'",
		RestartPolicy: restart.Always,
		MinUptime:     time.Hour,
	}
	s := New(cfg, testDeps(t))
	defer func() { _ = s.Shutdown() }()

	if err := s.Start(""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, s, Backoff, 2*time.Second)
	if s.Snapshot().Restarts == 0 {
		t.Fatal("expected restart counter to have incremented")
	}
}

func TestSupervisorNoAutoRestartEndsStopped(t *testing.T) {
	cfg := Config{Name: "onceonly", Command: "sh -c 'exit 0'", RestartPolicy: restart.Never}
	s := New(cfg, testDeps(t))
	defer func() { _ = s.Shutdown() }()

	if err := s.Start(""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, s, Stopped, 2*time.Second)
}

func TestSupervisorStartAppliesEnvProfile(t *testing.T) {
	cfg := Config{
		Name:    "profiled",
		Command: "sleep 1",
		EnvProfiles: map[string]envresolver.Vars{
			"prod": {"MODE": "prod"},
		},
	}
	s := New(cfg, testDeps(t))
	defer func() { _ = s.Shutdown() }()

	if err := s.Start("prod"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, s, Online, 2*time.Second)
}

func TestSupervisorStartRejectsUnknownEnvProfile(t *testing.T) {
	cfg := Config{Name: "noprofiles", Command: "sleep 1"}
	s := New(cfg, testDeps(t))
	defer func() { _ = s.Shutdown() }()

	if err := s.Start("staging"); err == nil {
		t.Fatal("expected unknown env profile to error")
	}
}

// listenOnFreePort opens a TCP listener on an ephemeral port and keeps it
// accepting connections for the life of the test, for use as a fast,
// always-healthy health_check target.
func listenOnFreePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()
	return fmt.Sprintf("tcp://%s", ln.Addr().String())
}

func TestSupervisorReloadPromotesHealthyShadowWithoutLeavingOnline(t *testing.T) {
	target := listenOnFreePort(t)
	cfg := Config{Name: "reloadable", Command: "sleep 5", HealthCheck: target}
	s := New(cfg, testDeps(t))
	defer func() { _ = s.Shutdown() }()

	if err := s.Start(""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, s, Online, 2*time.Second)
	firstPID := s.Snapshot().PID

	newCfg := cfg
	newCfg.Command = "sleep 6"
	if err := s.Reload(newCfg); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	waitForState(t, s, Online, 2*time.Second)

	snap := s.Snapshot()
	if snap.PID == firstPID {
		t.Fatal("expected reload to promote a new process")
	}
	if s.Snapshot().State != Online.String() {
		t.Fatalf("expected state to remain online after reload, got %s", s.Snapshot().State)
	}
}

func TestSupervisorReloadWithoutHealthCheckDegradesToRestart(t *testing.T) {
	cfg := Config{Name: "plainreload", Command: "sleep 5"}
	s := New(cfg, testDeps(t))
	defer func() { _ = s.Shutdown() }()

	if err := s.Start(""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, s, Online, 2*time.Second)
	firstPID := s.Snapshot().PID

	newCfg := cfg
	newCfg.Command = "sleep 6"
	if err := s.Reload(newCfg); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	waitForState(t, s, Online, 2*time.Second)
	if s.Snapshot().PID == firstPID {
		t.Fatal("expected plain restart to spawn a new process")
	}
}
