package runner

import (
	"bytes"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunnerSpawnAndWaitExit(t *testing.T) {
	r := New(Spec{Name: "ok", Command: "sh -c 'exit 0'"})
	var out, errBuf bytes.Buffer
	require.NoError(t, r.Spawn(nil, "", &out, &errBuf))
	require.NotZero(t, r.PID())

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("process did not exit in time")
	}
	require.False(t, r.Alive())
	require.Equal(t, 0, r.ExitCode())
}

func TestRunnerExitCodeReportsNonZeroStatus(t *testing.T) {
	r := New(Spec{Name: "fail", Command: "sh -c 'exit 7'"})
	var out, errBuf bytes.Buffer
	require.NoError(t, r.Spawn(nil, "", &out, &errBuf))

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("process did not exit in time")
	}
	require.Equal(t, 7, r.ExitCode())
}

func TestRunnerStopEscalatesToKill(t *testing.T) {
	// trap SIGTERM and ignore it, forcing Stop() to escalate to SIGKILL.
	r := New(Spec{
		Name:        "stubborn",
		Command:     `sh -c 'trap "" TERM; while true; do sleep 0.05; done'`,
		KillSignal:  "SIGTERM",
		KillTimeout: 200,
	})
	var out, errBuf bytes.Buffer
	require.NoError(t, r.Spawn(nil, "", &out, &errBuf))
	require.True(t, r.Alive())

	err := r.Stop()
	require.NoError(t, err)

	select {
	case <-r.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("process was not reaped after Stop escalation")
	}
}

func TestRunnerSignalDeliversToProcessGroup(t *testing.T) {
	r := New(Spec{Name: "sleeper", Command: "sleep 5"})
	var out, errBuf bytes.Buffer
	require.NoError(t, r.Spawn(nil, "", &out, &errBuf))

	require.NoError(t, r.Signal(syscall.SIGTERM))
	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("SIGTERM did not terminate sleep")
	}
}

func TestRunnerUptimeGrowsAfterSpawn(t *testing.T) {
	r := New(Spec{Name: "sleeper", Command: "sleep 1"})
	var out, errBuf bytes.Buffer
	require.NoError(t, r.Spawn(nil, "", &out, &errBuf))
	time.Sleep(20 * time.Millisecond)
	require.Greater(t, r.Uptime(), time.Duration(0))
	require.NoError(t, r.Kill())
	<-r.Done()
}

func TestRunnerSampleRSSFailsBeforeSpawn(t *testing.T) {
	r := New(Spec{Name: "unspawned", Command: "sleep 1"})
	_, err := r.SampleRSS()
	require.Error(t, err)
}

func TestRunnerWorkDirHonored(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "touched")
	r := New(Spec{Name: "workdir", Command: "sh -c 'pwd > touched'", WorkDir: dir})
	var out, errBuf bytes.Buffer
	require.NoError(t, r.Spawn(nil, dir, &out, &errBuf))
	<-r.Done()

	_, err := os.Stat(marker)
	require.NoError(t, err)
}
