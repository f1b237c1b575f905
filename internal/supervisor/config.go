package supervisor

import (
	"time"

	"github.com/pm3io/pm3/internal/envresolver"
	"github.com/pm3io/pm3/internal/restart"
	"github.com/pm3io/pm3/internal/runner"
)

// Config is the fully-resolved configuration for one supervised process,
// assembled by the scheduler from the parsed TOML before the process is
// handed to a Supervisor.
type Config struct {
	Name    string
	Command string
	WorkDir string

	Env         []string
	EnvFiles    []string
	UseOSEnv    bool
	EnvProfiles map[string]envresolver.Vars // named overlays selectable via --env

	DependsOn []string
	Group     string

	// Instances is the number of numbered copies ("name-1".."name-N") the
	// scheduler fans this definition out to. 0 or 1 means a single process
	// named exactly Name.
	Instances int

	RestartPolicy restart.Policy
	StopExitCodes []int
	MinUptime     time.Duration // uptime required before the restart counter resets
	MaxRestarts   int           // 0 means unlimited

	HealthCheck string // raw health check spec, parsed by internal/health

	KillSignal  string
	KillTimeout int // milliseconds
	Detached    bool

	Hooks runner.Hooks

	Watch       WatchConfig
	CronRestart string // cron expression; empty disables
	MemoryCap   string // e.g. "512MB"; empty disables

	StdoutLog string
	StderrLog string
}

// AutoRestart reports whether the configured policy restarts under any
// circumstance, for callers (metrics, `info`) that only need a yes/no.
func (c Config) AutoRestart() bool {
	return c.RestartPolicy != restart.Never
}

// WatchConfig mirrors the filesystem-watch restart trigger.
type WatchConfig struct {
	Enabled bool
	Path    string // empty means "current working directory"
	Ignore  []string
}
