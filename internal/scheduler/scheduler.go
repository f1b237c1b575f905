// Package scheduler owns the full table of supervised processes: loading
// configuration, ordering starts/stops by dependency, routing client
// requests to the right Supervisor, and persisting/restoring state across
// daemon restarts.
package scheduler

import (
	"fmt"
	"sync"

	"github.com/pm3io/pm3/internal/audit"
	"github.com/pm3io/pm3/internal/depgraph"
	"github.com/pm3io/pm3/internal/envresolver"
	"github.com/pm3io/pm3/internal/logpipe"
	"github.com/pm3io/pm3/internal/metrics"
	"github.com/pm3io/pm3/internal/paths"
	"github.com/pm3io/pm3/internal/supervisor"
)

// Scheduler holds every configured process's Supervisor and the dependency
// graph used to order bulk start/stop operations.
type Scheduler struct {
	paths paths.Paths
	deps  supervisor.Deps

	mu      sync.RWMutex
	procs   map[string]*supervisor.Supervisor
	configs map[string]supervisor.Config
}

// New creates an empty Scheduler rooted at p, wiring its supervisors'
// log/env/pid dependencies from p. auditSink may be nil to disable
// lifecycle event recording.
func New(p paths.Paths, auditSink *audit.Sink) *Scheduler {
	return &Scheduler{
		paths:   p,
		deps:    defaultDeps(p, auditSink),
		procs:   make(map[string]*supervisor.Supervisor),
		configs: make(map[string]supervisor.Config),
	}
}

func defaultDeps(p paths.Paths, auditSink *audit.Sink) supervisor.Deps {
	return supervisor.Deps{
		Env:        envresolver.New(),
		StdoutPath: p.StdoutLog,
		StderrPath: p.StderrLog,
		RotatedOut: func(name string) logpipe.PathFunc {
			return func(n int) string { return p.RotatedStdoutLog(name, n) }
		},
		RotatedErr: func(name string) logpipe.PathFunc {
			return func(n int) string { return p.RotatedStderrLog(name, n) }
		},
		Audit: auditSink,
	}
}

// Load registers configs, replacing any previous configuration for the same
// name, validating that every depends_on reference resolves. Any config
// with Instances > 1 is fanned out into numbered copies before
// registration. It does not start anything.
func (s *Scheduler) Load(configs []supervisor.Config) error {
	configs = expandInstances(configs)

	nodes := make([]depgraph.Node, 0, len(configs))
	for _, c := range configs {
		nodes = append(nodes, depgraph.Node{Name: c.Name, DependsOn: c.DependsOn})
	}
	if err := depgraph.Validate(nodes); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range configs {
		s.configs[c.Name] = c
		if _, exists := s.procs[c.Name]; !exists {
			s.procs[c.Name] = supervisor.New(c, s.deps)
		}
	}
	return nil
}

// expandInstances fans out any Config whose Instances > 1 into N numbered
// copies ("name-1".."name-N"), each receiving PM3_INSTANCE_ID/
// PM3_INSTANCE_COUNT env entries, and rewrites every depends_on reference
// to a multi-instance base name into the full set of its expanded instance
// names so a dependent fans out to depend on every instance.
func expandInstances(configs []supervisor.Config) []supervisor.Config {
	expansions := make(map[string][]string, len(configs)) // base name -> expanded instance names
	out := make([]supervisor.Config, 0, len(configs))

	for _, c := range configs {
		n := c.Instances
		if n <= 0 {
			n = 1
		}
		if n == 1 {
			c.Instances = 1
			expansions[c.Name] = []string{c.Name}
			out = append(out, c)
			continue
		}

		names := make([]string, 0, n)
		for i := 1; i <= n; i++ {
			inst := c
			inst.Name = fmt.Sprintf("%s-%d", c.Name, i)
			inst.Instances = 1
			inst.Env = append(append([]string{}, c.Env...),
				fmt.Sprintf("PM3_INSTANCE_ID=%d", i),
				fmt.Sprintf("PM3_INSTANCE_COUNT=%d", n),
			)
			out = append(out, inst)
			names = append(names, inst.Name)
		}
		expansions[c.Name] = names
	}

	for i, c := range out {
		if len(c.DependsOn) == 0 {
			continue
		}
		expanded := make([]string, 0, len(c.DependsOn))
		for _, dep := range c.DependsOn {
			if names, ok := expansions[dep]; ok {
				expanded = append(expanded, names...)
				continue
			}
			expanded = append(expanded, dep)
		}
		out[i].DependsOn = expanded
	}
	return out
}

// ResolveSelector expands a client selector into a concrete, de-duplicated
// set of process names. An empty selector means "all registered processes".
// Each token is matched against a process name first; only if no process
// carries that name is it treated as a group tag and expanded to every
// member of that group (name takes precedence over group on collision).
func (s *Scheduler) ResolveSelector(selector []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(selector) == 0 {
		names := make([]string, 0, len(s.configs))
		for name := range s.configs {
			names = append(names, name)
		}
		return names, nil
	}

	seen := make(map[string]bool)
	var out []string
	for _, token := range selector {
		if _, ok := s.configs[token]; ok {
			if !seen[token] {
				seen[token] = true
				out = append(out, token)
			}
			continue
		}
		matched := false
		for name, cfg := range s.configs {
			if cfg.Group == token {
				matched = true
				if !seen[name] {
					seen[name] = true
					out = append(out, name)
				}
			}
		}
		if !matched {
			return nil, fmt.Errorf("unknown process or group %q", token)
		}
	}
	return out, nil
}

func (s *Scheduler) nodes() []depgraph.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nodes := make([]depgraph.Node, 0, len(s.configs))
	for _, c := range s.configs {
		nodes = append(nodes, depgraph.Node{Name: c.Name, DependsOn: c.DependsOn})
	}
	return nodes
}

// StartAll starts every registered process in dependency order, one level
// at a time, so that a level's processes (mutually independent) start
// concurrently but never before something they depend on.
func (s *Scheduler) StartAll() error {
	return s.startAllProfile("")
}

func (s *Scheduler) startAllProfile(profile string) error {
	levels, err := depgraph.Levels(s.nodes())
	if err != nil {
		return err
	}
	for _, level := range levels {
		if err := s.validateProfile(level, profile); err != nil {
			return err
		}
		errs := make([]error, len(level))
		var wg sync.WaitGroup
		for i, name := range level {
			wg.Add(1)
			go func(i int, name string) {
				defer wg.Done()
				errs[i] = s.startNames([]string{name}, profile)
			}(i, name)
		}
		wg.Wait()
		for _, err := range errs {
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// Start starts the named processes plus anything they transitively depend
// on, in dependency order, resolving env under the named profile (empty
// for none). An unknown profile is rejected before anything is spawned.
func (s *Scheduler) Start(names []string, profile string) error {
	ordered, err := depgraph.ExpandDeps(s.nodes(), names)
	if err != nil {
		return err
	}
	if err := s.validateProfile(ordered, profile); err != nil {
		return err
	}
	return s.startNames(ordered, profile)
}

// validateProfile rejects profile (if non-empty) unless every named process
// declares it, so a batch start/restart fails before any process is
// spawned rather than partway through.
func (s *Scheduler) validateProfile(names []string, profile string) error {
	if profile == "" {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, name := range names {
		cfg, ok := s.configs[name]
		if !ok {
			continue
		}
		if _, ok := cfg.EnvProfiles[profile]; !ok {
			return fmt.Errorf("process %s: unknown env profile %q", name, profile)
		}
	}
	return nil
}

func (s *Scheduler) startNames(names []string, profile string) error {
	for _, name := range names {
		sup, ok := s.get(name)
		if !ok {
			return fmt.Errorf("unknown process %q", name)
		}
		if err := sup.Start(profile); err != nil {
			return fmt.Errorf("start %s: %w", name, err)
		}
	}
	return nil
}

// StopAll stops every registered process in reverse dependency order.
func (s *Scheduler) StopAll() error {
	levels, err := depgraph.Levels(s.nodes())
	if err != nil {
		return err
	}
	return s.stopNames(depgraph.ReverseStopOrder(levels))
}

// Stop stops the named processes plus everything that transitively depends
// on them, dependents-first.
func (s *Scheduler) Stop(names []string) error {
	ordered, err := depgraph.ExpandDependents(s.nodes(), names)
	if err != nil {
		return err
	}
	return s.stopNames(ordered)
}

func (s *Scheduler) stopNames(names []string) error {
	var firstErr error
	for _, name := range names {
		sup, ok := s.get(name)
		if !ok {
			continue
		}
		if err := sup.Stop(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop %s: %w", name, err)
		}
	}
	return firstErr
}

// Restart stops then starts the named processes (or everything, if names is
// empty), honoring dependency order on both legs and resolving env under
// the named profile (empty for none).
func (s *Scheduler) Restart(names []string, profile string) error {
	if len(names) == 0 {
		if err := s.validateProfile(s.allNames(), profile); err != nil {
			return err
		}
		if err := s.StopAll(); err != nil {
			return err
		}
		return s.startAllProfile(profile)
	}
	if err := s.validateProfile(names, profile); err != nil {
		return err
	}
	if err := s.Stop(names); err != nil {
		return err
	}
	return s.Start(names, profile)
}

func (s *Scheduler) allNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.configs))
	for name := range s.configs {
		names = append(names, name)
	}
	return names
}

// Reload applies a new Config to an existing process (zero-downtime shadow
// spawn) or registers and starts it if it's new.
func (s *Scheduler) Reload(cfg supervisor.Config) error {
	s.mu.Lock()
	s.configs[cfg.Name] = cfg
	sup, exists := s.procs[cfg.Name]
	if !exists {
		sup = supervisor.New(cfg, s.deps)
		s.procs[cfg.Name] = sup
	}
	s.mu.Unlock()

	if !exists {
		return sup.Start("")
	}
	return sup.Reload(cfg)
}

// Signal delivers sig to the named process.
func (s *Scheduler) Signal(name string, sig string) error {
	sup, ok := s.get(name)
	if !ok {
		return fmt.Errorf("unknown process %q", name)
	}
	parsed, err := parseSignalName(sig)
	if err != nil {
		return err
	}
	return sup.Signal(parsed)
}

// List returns a snapshot of every registered process.
func (s *Scheduler) List() []supervisor.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]supervisor.Snapshot, 0, len(s.procs))
	for _, sup := range s.procs {
		out = append(out, sup.Snapshot())
	}
	return out
}

// GroupOf returns the configured group tag for name, or "" if it has none
// or name is unknown.
func (s *Scheduler) GroupOf(name string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.configs[name].Group
}

// Info returns the snapshot and resolved config for a single process.
func (s *Scheduler) Info(name string) (supervisor.Snapshot, supervisor.Config, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sup, ok := s.procs[name]
	if !ok {
		return supervisor.Snapshot{}, supervisor.Config{}, false
	}
	return sup.Snapshot(), s.configs[name], true
}

func (s *Scheduler) get(name string) (*supervisor.Supervisor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sup, ok := s.procs[name]
	return sup, ok
}

// StdoutLogPath and StderrLogPath expose the on-disk log locations for a
// process, for `pm3 log` streaming.
func (s *Scheduler) StdoutLogPath(name string) string { return s.paths.StdoutLog(name) }
func (s *Scheduler) StderrLogPath(name string) string { return s.paths.StderrLog(name) }

// Handles returns the current lifecycle handle of every registered process,
// keyed by name, for use as the getProcesses callback of a
// metrics.ProcessMetricsCollector.
func (s *Scheduler) Handles() map[string]metrics.ProcessHandle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]metrics.ProcessHandle, len(s.procs))
	for name, sup := range s.procs {
		snap := sup.Snapshot()
		out[name] = metrics.ProcessHandle{
			PID:      int32(snap.PID),
			State:    snap.State,
			Restarts: snap.Restarts,
		}
	}
	return out
}

// ShutdownAll stops every process and terminates its mailbox loop, for use
// during daemon exit.
func (s *Scheduler) ShutdownAll() error {
	s.mu.RLock()
	sups := make([]*supervisor.Supervisor, 0, len(s.procs))
	for _, sup := range s.procs {
		sups = append(sups, sup)
	}
	s.mu.RUnlock()

	var firstErr error
	for _, sup := range sups {
		if err := sup.Shutdown(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Flush truncates the stdout/stderr logs for the named processes, or all
// processes if names is empty.
func (s *Scheduler) Flush(names []string) error {
	s.mu.RLock()
	targets := names
	if len(targets) == 0 {
		for name := range s.configs {
			targets = append(targets, name)
		}
	}
	s.mu.RUnlock()

	for _, name := range targets {
		for _, path := range []string{s.paths.StdoutLog(name), s.paths.StderrLog(name)} {
			if err := truncateFile(path); err != nil {
				return fmt.Errorf("flush %s: %w", name, err)
			}
		}
	}
	return nil
}
