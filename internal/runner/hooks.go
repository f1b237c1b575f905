package runner

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Hooks groups the shell commands run around a process's lifecycle. Only
// PreStart and PostStop are wired into the supervisor's state machine
// today; PostStart and PreStop are accepted and validated for forward
// compatibility with richer orchestration.
type Hooks struct {
	PreStart  []Hook
	PostStart []Hook
	PreStop   []Hook
	PostStop  []Hook
}

// Hook is a single lifecycle command.
type Hook struct {
	Name        string
	Command     string
	WorkDir     string
	Env         []string
	Timeout     time.Duration
	FailureMode FailureMode
}

type FailureMode string

const (
	FailureModeIgnore FailureMode = "ignore"
	FailureModeFail   FailureMode = "fail"
)

// Validate rejects hook configurations that can't be executed safely.
func (h *Hooks) Validate() error {
	seen := make(map[string]string)
	phases := map[string][]Hook{
		"pre_start": h.PreStart, "post_start": h.PostStart,
		"pre_stop": h.PreStop, "post_stop": h.PostStop,
	}
	for phase, hooks := range phases {
		for i := range hooks {
			if err := hooks[i].validate(); err != nil {
				return fmt.Errorf("%s hook %d: %w", phase, i, err)
			}
			if existing, ok := seen[hooks[i].Name]; ok {
				return fmt.Errorf("duplicate hook name %q in %s and %s", hooks[i].Name, existing, phase)
			}
			seen[hooks[i].Name] = phase
		}
	}
	return nil
}

func (h *Hook) validate() error {
	name := strings.TrimSpace(h.Name)
	if name == "" {
		return fmt.Errorf("hook name is required")
	}
	if strings.TrimSpace(h.Command) == "" {
		return fmt.Errorf("hook %q requires a command", name)
	}
	for _, kv := range h.Env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("hook %q: env %q is not KEY=VALUE", name, kv)
		}
	}
	return nil
}

func (h *Hook) defaultedTimeout() time.Duration {
	if h.Timeout > 0 {
		return h.Timeout
	}
	return 30 * time.Second
}

func (h *Hook) defaultedFailureMode() FailureMode {
	if h.FailureMode == "" {
		return FailureModeFail
	}
	return h.FailureMode
}

// Run executes each hook in phase sequentially, stopping at the first
// hook whose failure mode is "fail" and it errors (or times out).
func Run(ctx context.Context, hooks []Hook) error {
	for i := range hooks {
		h := hooks[i]
		if err := runOne(ctx, h); err != nil {
			if h.defaultedFailureMode() == FailureModeFail {
				return fmt.Errorf("hook %q: %w", h.Name, err)
			}
		}
	}
	return nil
}

func runOne(ctx context.Context, h Hook) error {
	runCtx, cancel := context.WithTimeout(ctx, h.defaultedTimeout())
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", h.Command) // #nosec G204
	if h.WorkDir != "" {
		cmd.Dir = h.WorkDir
	}
	if len(h.Env) > 0 {
		cmd.Env = h.Env
	}
	return cmd.Run()
}
