// Package supervisor implements the per-process state machine: spawn,
// health-gate, online monitoring, exit evaluation with backoff, and the
// watch/cron/memory-cap restart triggers. Every Supervisor owns exactly one
// logical process slot and is driven by a single goroutine reading from a
// buffered command mailbox, mirroring the lock-light, single-writer shape
// used throughout the rest of the daemon.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"sync"
	"syscall"
	"time"

	"github.com/pm3io/pm3/internal/audit"
	"github.com/pm3io/pm3/internal/envresolver"
	"github.com/pm3io/pm3/internal/health"
	"github.com/pm3io/pm3/internal/logpipe"
	"github.com/pm3io/pm3/internal/metrics"
	"github.com/pm3io/pm3/internal/restart"
	"github.com/pm3io/pm3/internal/runner"
)

// Snapshot is a read-only view of a Supervisor's current status.
type Snapshot struct {
	Name        string
	State       string
	PID         int
	StartedAt   time.Time
	Restarts    int
	LastExitErr error
}

type commandAction int

const (
	actionStart commandAction = iota
	actionStop
	actionReload
	actionSignal
	actionShutdown
)

type command struct {
	action  commandAction
	cfg     *Config
	sig     syscall.Signal
	profile string
	reply   chan error
}

// Deps bundles the collaborators a Supervisor needs but doesn't own.
type Deps struct {
	Env        *envresolver.Resolver
	StdoutPath func(name string) string
	StderrPath func(name string) string
	RotatedOut func(name string) logpipe.PathFunc
	RotatedErr func(name string) logpipe.PathFunc
	DateFormat string
	Audit      *audit.Sink // optional; nil disables lifecycle event recording
}

func (s *Supervisor) recordAudit(evt audit.EventType, pid int, state string, recErr error) {
	if s.deps.Audit == nil {
		return
	}
	msg := ""
	if recErr != nil {
		msg = recErr.Error()
	}
	_ = s.deps.Audit.Record(context.Background(), audit.Event{
		OccurredAt: time.Now(),
		Name:       s.cfg.Name,
		PID:        pid,
		Type:       evt,
		State:      state,
		Err:        msg,
	})
}

// Supervisor drives one process through the lifecycle state machine.
type Supervisor struct {
	deps Deps

	mu            sync.RWMutex
	cfg           Config
	state         State
	run           *runner.Runner
	restarts      int
	startedAt     time.Time
	exitErr       error
	stopping      bool
	activeProfile string // last client-requested --env profile, replayed across internal restarts

	// retiring marks runners whose exit is expected and already accounted
	// for (reload promotion, explicit stop), so their waitForExit goroutine
	// doesn't run handleExit against whatever s.cfg/s.run have become by
	// the time they actually exit.
	retiring map[*runner.Runner]struct{}

	cmdChan  chan command
	doneChan chan struct{}

	triggerCancel context.CancelFunc
}

// New creates a Supervisor in the Idle state and starts its mailbox loop.
func New(cfg Config, deps Deps) *Supervisor {
	s := &Supervisor{
		deps:     deps,
		cfg:      cfg,
		state:    Idle,
		retiring: make(map[*runner.Runner]struct{}),
		cmdChan:  make(chan command, 16),
		doneChan: make(chan struct{}),
	}
	go s.loop()
	return s
}

// Start requests a spawn under the named env profile (empty for none),
// blocking until the state machine has processed it.
func (s *Supervisor) Start(profile string) error {
	return s.send(command{action: actionStart, profile: profile})
}

// Stop requests a graceful stop.
func (s *Supervisor) Stop() error { return s.send(command{action: actionStop}) }

// Reload applies a new Config via zero-downtime shadow spawn.
func (s *Supervisor) Reload(cfg Config) error { return s.send(command{action: actionReload, cfg: &cfg}) }

// Signal delivers an arbitrary signal to the running process.
func (s *Supervisor) Signal(sig syscall.Signal) error {
	return s.send(command{action: actionSignal, sig: sig})
}

// Shutdown stops the process (if running) and terminates the mailbox loop.
func (s *Supervisor) Shutdown() error { return s.send(command{action: actionShutdown}) }

func (s *Supervisor) send(cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case s.cmdChan <- cmd:
		return <-cmd.reply
	case <-s.doneChan:
		return fmt.Errorf("supervisor for %s has shut down", s.cfg.Name)
	}
}

// Snapshot returns the current observable state without touching the
// mailbox, for low-latency `pm3 list`/`pm3 info` queries.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pid := 0
	if s.run != nil {
		pid = s.run.PID()
	}
	return Snapshot{
		Name:        s.cfg.Name,
		State:       s.state.String(),
		PID:         pid,
		StartedAt:   s.startedAt,
		Restarts:    s.restarts,
		LastExitErr: s.exitErr,
	}
}

func (s *Supervisor) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	name := s.cfg.Name
	s.mu.Unlock()

	metrics.RecordStateTransition(name, prev.String(), next.String())
	metrics.SetCurrentState(name, prev.String(), false)
	metrics.SetCurrentState(name, next.String(), true)
}

func (s *Supervisor) loop() {
	defer close(s.doneChan)
	for cmd := range s.cmdChan {
		switch cmd.action {
		case actionStart:
			cmd.reply <- s.doStart(cmd.profile)
		case actionStop:
			cmd.reply <- s.doStop()
		case actionReload:
			cmd.reply <- s.doReload(*cmd.cfg)
		case actionSignal:
			cmd.reply <- s.doSignal(cmd.sig)
		case actionShutdown:
			s.stopTriggers()
			err := s.doStop()
			cmd.reply <- err
			return
		}
	}
}

// spawn resolves the environment for cfg (honoring profile) and launches a
// runner for it, wiring its stdout/stderr into logpipe and writing its
// PID file. It mutates no Supervisor state, so it serves both a normal
// start and a reload's shadow spawn identically.
func (s *Supervisor) spawn(cfg Config, profile string) (*runner.Runner, error) {
	if err := runner.Run(context.Background(), cfg.Hooks.PreStart); err != nil {
		return nil, fmt.Errorf("pre_start hook failed: %w", err)
	}

	env, err := s.deps.Env.Resolve(cfg.UseOSEnv, cfg.EnvFiles, cfg.Env, cfg.EnvProfiles, profile)
	if err != nil {
		return nil, fmt.Errorf("resolve env: %w", err)
	}

	r := runner.New(runner.Spec{
		Name: cfg.Name, Command: cfg.Command, WorkDir: cfg.WorkDir,
		KillSignal: cfg.KillSignal, KillTimeout: cfg.KillTimeout, Detached: cfg.Detached,
	})

	outPipe := logpipe.New(cfg.Name, "stdout", s.deps.StdoutPath(cfg.Name), s.deps.RotatedOut(cfg.Name), s.deps.DateFormat)
	errPipe := logpipe.New(cfg.Name, "stderr", s.deps.StderrPath(cfg.Name), s.deps.RotatedErr(cfg.Name), s.deps.DateFormat)
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	go func() { _ = outPipe.Run(outR) }()
	go func() { _ = errPipe.Run(errR) }()

	if err := r.Spawn(env, cfg.WorkDir, outW, errW); err != nil {
		return nil, err
	}

	if err := runner.WritePIDFile(pidFilePathFor(cfg.Name, s.deps), r.PID()); err != nil {
		// best-effort; absence of a pidfile doesn't prevent supervision
		_ = err
	}
	return r, nil
}

// probeHealth runs cfg's health check (if any) against the just-spawned
// runner and reports whether it passed within the check budget. A process
// with no health_check is considered healthy immediately.
func (s *Supervisor) probeHealth(cfg Config) bool {
	if cfg.HealthCheck == "" {
		return true
	}
	target, err := health.Parse(cfg.HealthCheck)
	if err != nil {
		return true
	}
	prober := health.NewProber(target)
	ctx, cancel := context.WithTimeout(context.Background(), health.CheckBudget+time.Second)
	defer cancel()
	return prober.Wait(ctx)
}

func (s *Supervisor) doStart(profile string) error {
	s.mu.Lock()
	cfg := s.cfg
	s.activeProfile = profile
	s.mu.Unlock()

	s.setState(PreStart)
	s.setState(Spawning)
	r, err := s.spawn(cfg, profile)
	if err != nil {
		s.setState(Errored)
		return err
	}

	s.mu.Lock()
	s.run = r
	s.startedAt = time.Now()
	s.stopping = false
	s.mu.Unlock()

	metrics.IncStart(cfg.Name)
	s.recordAudit(audit.EventStart, r.PID(), Spawning.String(), nil)

	if cfg.HealthCheck != "" {
		s.setState(HealthGate)
		if !s.probeHealth(cfg) {
			s.setState(Unhealthy)
			go s.handleExit(fmt.Errorf("health check did not pass within %s", health.CheckBudget), -1)
			return nil
		}
	}
	s.setState(Online)
	s.startTriggers()
	go s.waitForExit(r)
	return nil
}

// waitForExit blocks until r exits and reports it to handleExit, unless r
// has since been marked retiring (its exit was expected and already
// accounted for by whoever retired it, e.g. a reload promotion or an
// explicit stop).
func (s *Supervisor) waitForExit(r *runner.Runner) {
	<-r.Done()

	s.mu.Lock()
	_, retired := s.retiring[r]
	delete(s.retiring, r)
	s.mu.Unlock()
	if retired {
		return
	}
	s.handleExit(r.ExitErr(), r.ExitCode())
}

// retire marks r's exit as expected so its waitForExit goroutine becomes a
// no-op, then the caller is free to stop it without racing handleExit
// against whatever s.run/s.cfg have become in the meantime.
func (s *Supervisor) retire(r *runner.Runner) {
	if r == nil {
		return
	}
	s.mu.Lock()
	s.retiring[r] = struct{}{}
	s.mu.Unlock()
}

func (s *Supervisor) handleExit(exitErr error, exitCode int) {
	s.mu.Lock()
	stopping := s.stopping
	uptime := time.Since(s.startedAt)
	cfg := s.cfg
	s.exitErr = exitErr
	pid := 0
	if s.run != nil {
		pid = s.run.PID()
	}
	s.mu.Unlock()

	s.stopTriggers()
	metrics.IncStop(cfg.Name)
	s.recordAudit(audit.EventStop, pid, Evaluate.String(), exitErr)

	if stopping {
		s.setState(Stopped)
		return
	}

	s.setState(Evaluate)

	s.mu.RLock()
	restarts := s.restarts
	s.mu.RUnlock()

	// A policy/stop-exit-code exemption is a clean stop, not an exhausted
	// restart budget: only the latter is Errored.
	exempt := cfg.RestartPolicy == restart.Never ||
		exitCodeIn(exitCode, cfg.StopExitCodes) ||
		(cfg.RestartPolicy == restart.OnFailure && exitCode == 0)

	decision := restart.EvaluateExit(cfg.RestartPolicy, exitCode, restarts, uptime, cfg.MinUptime, cfg.MaxRestarts, cfg.StopExitCodes)
	s.mu.Lock()
	s.restarts = decision.RestartCount
	s.mu.Unlock()

	if exempt {
		s.setState(Stopped)
		return
	}

	if !decision.ShouldRestart {
		s.setState(Errored)
		s.recordAudit(audit.EventErrored, 0, Errored.String(), exitErr)
		return
	}

	s.setState(Backoff)
	metrics.IncRestart(cfg.Name)
	s.recordAudit(audit.EventRestart, 0, Backoff.String(), nil)
	s.mu.RLock()
	profile := s.activeProfile
	s.mu.RUnlock()
	time.AfterFunc(decision.Delay, func() {
		_ = s.doStart(profile)
	})
}

func exitCodeIn(code int, codes []int) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

func (s *Supervisor) doStop() error {
	s.mu.Lock()
	r := s.run
	s.stopping = true
	cfg := s.cfg
	s.mu.Unlock()

	if r == nil || !r.Alive() {
		s.setState(Stopped)
		return nil
	}

	s.setState(Stopping)
	err := r.Stop()
	s.stopTriggers()

	if hookErr := runner.Run(context.Background(), cfg.Hooks.PostStop); hookErr != nil {
		err = hookErr
	}
	s.setState(PostStop)
	s.setState(Stopped)
	return err
}

func (s *Supervisor) doSignal(sig syscall.Signal) error {
	s.mu.RLock()
	r := s.run
	s.mu.RUnlock()
	if r == nil {
		return fmt.Errorf("process %s is not running", s.cfg.Name)
	}
	return r.Signal(sig)
}

// spawnShadow spawns newCfg and, if it carries a health check, waits for it
// to clear before returning. It never touches s.cfg/s.run/s.state: the
// caller decides whether to promote or discard. A nil, nil return means
// the shadow failed its health gate and was already stopped; a non-nil
// error means it failed to spawn at all.
func (s *Supervisor) spawnShadow(newCfg Config, profile string) (*runner.Runner, error) {
	r, err := s.spawn(newCfg, profile)
	if err != nil {
		return nil, err
	}
	if !s.probeHealth(newCfg) {
		_ = r.Stop()
		return nil, nil
	}
	return r, nil
}

// doReload performs a zero-downtime reload: if both the current and new
// configuration carry a health check, a shadow runner is spawned under the
// new configuration while the old runner keeps serving; only once the
// shadow clears its health gate is the old runner retired and the shadow
// promoted. At no point does the reported status leave Online. A shadow
// that fails its health gate is discarded and the old runner is left
// completely untouched. Without a health check on either side, reload
// degrades to a plain stop-then-start.
func (s *Supervisor) doReload(newCfg Config) error {
	s.mu.Lock()
	oldRun := s.run
	oldCfg := s.cfg
	profile := s.activeProfile
	s.mu.Unlock()

	if oldRun == nil {
		s.mu.Lock()
		s.cfg = newCfg
		s.mu.Unlock()
		return s.doStart(profile)
	}

	if oldCfg.HealthCheck == "" || newCfg.HealthCheck == "" {
		s.stopTriggers()
		s.retire(oldRun)
		_ = oldRun.Stop()
		s.mu.Lock()
		s.cfg = newCfg
		s.mu.Unlock()
		return s.doStart(profile)
	}

	shadow, err := s.spawnShadow(newCfg, profile)
	if err != nil {
		return fmt.Errorf("reload %s: spawn shadow: %w", newCfg.Name, err)
	}
	if shadow == nil {
		return fmt.Errorf("reload %s: shadow did not become healthy within %s", newCfg.Name, health.CheckBudget)
	}

	s.mu.Lock()
	s.cfg = newCfg
	s.run = shadow
	s.startedAt = time.Now()
	s.mu.Unlock()

	metrics.IncStart(newCfg.Name)
	s.recordAudit(audit.EventStart, shadow.PID(), Online.String(), nil)

	s.stopTriggers()
	s.startTriggers()
	go s.waitForExit(shadow)

	s.retire(oldRun)
	return oldRun.Stop()
}

func pidFilePathFor(name string, deps Deps) string {
	return deps.StdoutPath(name) + ".pid"
}
