// Package runner is the Child Runner: it owns exactly one OS process,
// handling spawn, signal delivery, graceful-then-forced stop, and resource
// sampling. It has no notion of dependencies, restart policy, or health
// checks; those live in the supervisor layer above it.
package runner

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Runner manages the lifecycle of one spawned process.
type Runner struct {
	spec Spec

	mu      sync.Mutex
	cmd     *os.Process
	pid     int
	started time.Time
	exited  chan struct{} // closed once Wait() returns
	waitErr error
}

// New creates a Runner for spec. It does not spawn anything yet.
func New(spec Spec) *Runner {
	return &Runner{spec: spec}
}

// Spawn execs the configured command with the given environment and
// stdout/stderr sinks, returning once the OS has accepted the exec. The
// caller waits on Done(); the internal Wait goroutine reaps the process.
func (r *Runner) Spawn(env []string, workDir string, stdout, stderr io.Writer) error {
	cmd := r.spec.BuildCommand()
	if workDir != "" {
		cmd.Dir = workDir
	} else if r.spec.WorkDir != "" {
		cmd.Dir = r.spec.WorkDir
	}
	if len(env) > 0 {
		cmd.Env = env
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	configureSysProcAttr(cmd)
	if r.spec.Detached {
		cmd.SysProcAttr.Setsid = true
		cmd.SysProcAttr.Setpgid = false
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", r.spec.Name, err)
	}

	r.mu.Lock()
	r.cmd = cmd.Process
	r.pid = cmd.Process.Pid
	r.started = time.Now()
	r.exited = make(chan struct{})
	r.mu.Unlock()

	go func() {
		err := cmd.Wait()
		r.mu.Lock()
		r.waitErr = err
		close(r.exited)
		r.mu.Unlock()
	}()
	return nil
}

// PID returns the spawned process's PID, or 0 if not yet spawned.
func (r *Runner) PID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pid
}

// Uptime returns how long the current process has been running.
func (r *Runner) Uptime() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started.IsZero() {
		return 0
	}
	return time.Since(r.started)
}

// Done returns a channel that closes when the process has exited and been
// reaped by the internal Wait goroutine.
func (r *Runner) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exited
}

// ExitErr returns the error cmd.Wait() produced, valid only after Done()
// has closed.
func (r *Runner) ExitErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waitErr
}

// ExitCode returns the process's exit status, valid only after Done() has
// closed. A process killed by a signal reports -1, matching the os/exec
// convention.
func (r *Runner) ExitCode() int {
	r.mu.Lock()
	err := r.waitErr
	r.mu.Unlock()
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// Signal delivers sig to the process group, reaching any grandchildren a
// shell wrapper spawned.
func (r *Runner) Signal(sig syscall.Signal) error {
	pid := r.PID()
	if pid == 0 {
		return nil
	}
	return signalProcessGroup(pid, sig)
}

// Stop sends the configured kill signal, waits up to the configured
// timeout for a graceful exit, and escalates to SIGKILL if it doesn't.
// After SIGKILL it returns once the process has exited, or after a further
// 2s if it still has not.
func (r *Runner) Stop() error {
	sig, err := ParseSignal(r.spec.KillSignal)
	if err != nil {
		sig = syscall.SIGTERM
	}
	timeout := time.Duration(r.spec.KillTimeout) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Duration(DefaultKillTimeoutMS) * time.Millisecond
	}

	if err := r.Signal(sig); err != nil {
		return err
	}
	select {
	case <-r.Done():
		return nil
	case <-time.After(timeout):
	}
	_ = r.Signal(syscall.SIGKILL)
	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
	}
	return nil
}

// Kill immediately sends SIGKILL to the process group.
func (r *Runner) Kill() error {
	return r.Signal(syscall.SIGKILL)
}

// Alive reports whether the process still exists according to the kernel.
func (r *Runner) Alive() bool {
	pid := r.PID()
	if pid == 0 {
		return false
	}
	return processAlive(pid)
}

// SampleRSS returns the current resident set size in bytes for the
// running process, using gopsutil so the implementation works the same
// way the CPU/memory metrics collector does elsewhere in the daemon.
func (r *Runner) SampleRSS() (uint64, error) {
	pid := r.PID()
	if pid == 0 {
		return 0, fmt.Errorf("process not running")
	}
	proc, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return mem.RSS, nil
}
