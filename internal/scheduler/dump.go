package scheduler

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/renameio/v2"

	"github.com/pm3io/pm3/internal/supervisor"
)

// dumpEntry is one process's persisted state, enough to respawn it after a
// daemon restart without re-reading the original TOML.
type dumpEntry struct {
	Name     string            `json:"name"`
	Config   supervisor.Config `json:"config"`
	PID      int               `json:"pid"`
	Restarts int               `json:"restarts"`
}

// Save writes every registered process's config and last-known state to the
// dump file, for later Resurrect.
func (s *Scheduler) Save() error {
	s.mu.RLock()
	entries := make([]dumpEntry, 0, len(s.configs))
	for name, cfg := range s.configs {
		snap := supervisor.Snapshot{}
		if sup, ok := s.procs[name]; ok {
			snap = sup.Snapshot()
		}
		entries = append(entries, dumpEntry{Name: name, Config: cfg, PID: snap.PID, Restarts: snap.Restarts})
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize dump: %w", err)
	}
	if err := renameio.WriteFile(s.paths.DumpFile(), data, 0o600); err != nil {
		return fmt.Errorf("write dump file: %w", err)
	}
	return nil
}

// Resurrect loads the dump file and starts every entry not already
// registered, preserving dependency order among the restored subset.
// Processes already running are left untouched.
func (s *Scheduler) Resurrect() ([]string, error) {
	data, err := os.ReadFile(s.paths.DumpFile()) // #nosec G304 -- path resolved from internal paths package
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no dump file found")
		}
		return nil, fmt.Errorf("read dump file: %w", err)
	}

	var entries []dumpEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse dump file: %w", err)
	}

	s.mu.RLock()
	toRestore := make([]supervisor.Config, 0, len(entries))
	for _, e := range entries {
		if _, running := s.procs[e.Name]; !running {
			toRestore = append(toRestore, e.Config)
		}
	}
	s.mu.RUnlock()

	if len(toRestore) == 0 {
		return nil, nil
	}
	if err := s.Load(toRestore); err != nil {
		return nil, fmt.Errorf("validate restored set: %w", err)
	}

	names := make([]string, 0, len(toRestore))
	for _, c := range toRestore {
		names = append(names, c.Name)
	}
	if err := s.Start(names, ""); err != nil {
		return nil, err
	}
	return names, nil
}
