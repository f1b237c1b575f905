// Package restart implements the exponential-backoff restart policy shared
// by every process that exits unexpectedly, regardless of which monitor
// (exit handler, memory cap, watch, cron) triggered the restart.
package restart

import (
	"strings"
	"time"
)

// Policy is the user-declared restart intent for a process, independent of
// the backoff/counter machinery below.
type Policy int

const (
	// OnFailure restarts only on a non-zero exit code. This is the default.
	OnFailure Policy = iota
	// Always restarts regardless of exit code.
	Always
	// Never disables automatic restart entirely.
	Never
)

// ParsePolicy normalizes the accepted spellings ("on_failure", "on-failure",
// "always", "never", case-insensitive) to a Policy. An empty string is
// OnFailure. Unrecognized values also fall back to OnFailure, since the
// config loader is the place that should reject genuinely invalid values.
func ParsePolicy(s string) Policy {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_") {
	case "always":
		return Always
	case "never":
		return Never
	default:
		return OnFailure
	}
}

func (p Policy) String() string {
	switch p {
	case Always:
		return "always"
	case Never:
		return "never"
	default:
		return "on_failure"
	}
}

// MaxBackoff caps the computed delay; beyond this the backoff stays flat.
const MaxBackoff = 30 * time.Second

// baseBackoff is the delay for the first restart (restart_count == 1).
const baseBackoff = 100 * time.Millisecond

// Decision is the outcome of evaluating a process exit against its restart
// policy.
type Decision struct {
	// RestartCount is the new restart counter to carry forward.
	RestartCount int
	// Delay is how long to wait before respawning, when ShouldRestart.
	Delay time.Duration
	// ShouldRestart is false once RestartCount exceeds MaxRestarts: the
	// process is terminal (errored) and must not be restarted automatically.
	ShouldRestart bool
}

// Evaluate decides whether and when to restart a process that just exited
// after running for uptime, having already restarted restartCount times.
//
// If the process stayed up at least minUptime, it is considered a stable
// run and the counter resets to 1 for this restart. Otherwise the counter
// increments, compounding the backoff. maxRestarts <= 0 means unlimited.
func Evaluate(restartCount int, uptime, minUptime time.Duration, maxRestarts int) Decision {
	var newCount int
	if uptime >= minUptime {
		newCount = 1
	} else {
		newCount = restartCount + 1
	}

	if maxRestarts > 0 && newCount > maxRestarts {
		return Decision{RestartCount: newCount, ShouldRestart: false}
	}

	return Decision{
		RestartCount:  newCount,
		Delay:         Backoff(newCount),
		ShouldRestart: true,
	}
}

// EvaluateExit applies the restart Policy and stop-exit-code exemption on
// top of Evaluate's counter/backoff arithmetic. policy = Never, or exitCode
// a member of stopExitCodes, or (policy = OnFailure and exitCode == 0) all
// short-circuit to "do not restart" without touching the restart counter.
func EvaluateExit(policy Policy, exitCode, restartCount int, uptime, minUptime time.Duration, maxRestarts int, stopExitCodes []int) Decision {
	if policy == Never {
		return Decision{RestartCount: restartCount, ShouldRestart: false}
	}
	for _, code := range stopExitCodes {
		if code == exitCode {
			return Decision{RestartCount: restartCount, ShouldRestart: false}
		}
	}
	if policy == OnFailure && exitCode == 0 {
		return Decision{RestartCount: restartCount, ShouldRestart: false}
	}
	return Evaluate(restartCount, uptime, minUptime, maxRestarts)
}

// Backoff returns the delay before the nth restart attempt (n >= 1):
// 100ms * 2^(n-1), capped at MaxBackoff.
func Backoff(restartCount int) time.Duration {
	if restartCount <= 1 {
		return baseBackoff
	}
	delay := baseBackoff
	for i := 1; i < restartCount; i++ {
		delay *= 2
		if delay >= MaxBackoff {
			return MaxBackoff
		}
	}
	return delay
}
