// Package config loads a pm3d TOML configuration file into the structures
// the rest of the daemon consumes: global settings, per-process
// supervisor.Config entries, and the daemon's own logger.Config.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/pm3io/pm3/internal/envresolver"
	"github.com/pm3io/pm3/internal/logger"
	"github.com/pm3io/pm3/internal/restart"
	"github.com/pm3io/pm3/internal/runner"
	"github.com/pm3io/pm3/internal/supervisor"
)

// FileConfig is the top-level TOML structure.
type FileConfig struct {
	Env       []string     `toml:"env" mapstructure:"env"`
	EnvFiles  []string     `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv  bool         `toml:"use_os_env" mapstructure:"use_os_env"`
	Log       *LogConfig   `toml:"log" mapstructure:"log"`
	AuditDB   string       `toml:"audit_db" mapstructure:"audit_db"`
	Processes []ProcConfig `toml:"processes" mapstructure:"processes"`
}

// LogConfig configures the daemon's own structured operational log (not the
// per-process stdout/stderr capture, which lives entirely under
// internal/logpipe; a process's own log table decodes into ProcConfig.Log
// but is not applied to that process).
type LogConfig struct {
	Dir        string `toml:"dir" mapstructure:"dir"`
	StdoutPath string `toml:"stdout" mapstructure:"stdout"`
	StderrPath string `toml:"stderr" mapstructure:"stderr"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// HookEntry is one pre_start/post_stop hook in TOML.
type HookEntry struct {
	Name        string   `toml:"name" mapstructure:"name"`
	Command     string   `toml:"command" mapstructure:"command"`
	WorkDir     string   `toml:"workdir" mapstructure:"workdir"`
	Env         []string `toml:"env" mapstructure:"env"`
	TimeoutSecs int      `toml:"timeout_secs" mapstructure:"timeout_secs"`
	OnFailure   string   `toml:"on_failure" mapstructure:"on_failure"` // "fail" (default) or "ignore"
}

// WatchEntry configures the filesystem-watch restart trigger.
type WatchEntry struct {
	Path   string   `toml:"path" mapstructure:"path"`
	Ignore []string `toml:"ignore" mapstructure:"ignore"`
}

// ProcConfig is one [[processes]] table.
type ProcConfig struct {
	Name        string   `toml:"name" mapstructure:"name"`
	Command     string   `toml:"command" mapstructure:"command"`
	WorkDir     string   `toml:"workdir" mapstructure:"workdir"`
	Env         []string                     `toml:"env" mapstructure:"env"`
	EnvFiles    []string                     `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv    *bool                        `toml:"use_os_env" mapstructure:"use_os_env"`
	EnvProfiles map[string]map[string]string `toml:"env_profiles" mapstructure:"env_profiles"`
	DependsOn   []string                     `toml:"depends_on" mapstructure:"depends_on"`
	Group       string                       `toml:"group" mapstructure:"group"`

	// Instances spawns this many numbered copies ("name-1".."name-N").
	Instances int `toml:"instances" mapstructure:"instances"`

	// RestartPolicy is "on_failure" (default), "always", or "never"
	// (both "-" and "_" word separators accepted, see restart.ParsePolicy).
	RestartPolicy string `toml:"restart" mapstructure:"restart"`
	StopExitCodes []int  `toml:"stop_exit_codes" mapstructure:"stop_exit_codes"`
	MinUptimeSecs int    `toml:"min_uptime_secs" mapstructure:"min_uptime_secs"`
	MaxRestarts   int    `toml:"max_restarts" mapstructure:"max_restarts"`
	HealthCheck   string `toml:"health_check" mapstructure:"health_check"`

	KillSignal    string `toml:"kill_signal" mapstructure:"kill_signal"`
	KillTimeoutMS int    `toml:"kill_timeout_ms" mapstructure:"kill_timeout_ms"`
	Detached      bool   `toml:"detached" mapstructure:"detached"`

	PreStart []HookEntry `toml:"pre_start" mapstructure:"pre_start"`
	PostStop []HookEntry `toml:"post_stop" mapstructure:"post_stop"`

	Watch       *WatchEntry `toml:"watch" mapstructure:"watch"`
	CronRestart string      `toml:"cron_restart" mapstructure:"cron_restart"`
	MemoryCap   string      `toml:"memory_cap" mapstructure:"memory_cap"`

	Log *LogConfig `toml:"log" mapstructure:"log"`
}

// Load reads path and returns the global settings, the daemon's own logger
// config, and one supervisor.Config per [[processes]] entry (validated for
// required fields, stop_exit_codes range and hooks; depends_on references
// are checked later, by scheduler.Load).
func Load(path string) (FileConfig, logger.Config, []supervisor.Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return FileConfig{}, logger.Config{}, nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return FileConfig{}, logger.Config{}, nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	daemonLog := daemonLogConfig(fc.Log)

	specs := make([]supervisor.Config, 0, len(fc.Processes))
	for _, pc := range fc.Processes {
		spec, err := toSupervisorConfig(pc, fc)
		if err != nil {
			return FileConfig{}, logger.Config{}, nil, err
		}
		specs = append(specs, spec)
	}
	return fc, daemonLog, specs, nil
}

func daemonLogConfig(lc *LogConfig) logger.Config {
	if lc == nil {
		return logger.Config{}
	}
	return logger.Config{
		Dir:        lc.Dir,
		StdoutPath: lc.StdoutPath,
		StderrPath: lc.StderrPath,
		MaxSizeMB:  lc.MaxSizeMB,
		MaxBackups: lc.MaxBackups,
		MaxAgeDays: lc.MaxAgeDays,
		Compress:   lc.Compress,
	}
}

func toSupervisorConfig(pc ProcConfig, fc FileConfig) (supervisor.Config, error) {
	if pc.Name == "" {
		return supervisor.Config{}, fmt.Errorf("process entry is missing a name")
	}
	if pc.Command == "" {
		return supervisor.Config{}, fmt.Errorf("process %s is missing a command", pc.Name)
	}
	for _, code := range pc.StopExitCodes {
		if code < 0 || code > 255 {
			return supervisor.Config{}, fmt.Errorf("process %s: stop_exit_codes entry %d out of range [0,255]", pc.Name, code)
		}
	}

	useOSEnv := fc.UseOSEnv
	if pc.UseOSEnv != nil {
		useOSEnv = *pc.UseOSEnv
	}

	var envProfiles map[string]envresolver.Vars
	if len(pc.EnvProfiles) > 0 {
		envProfiles = make(map[string]envresolver.Vars, len(pc.EnvProfiles))
		for name, vars := range pc.EnvProfiles {
			v := make(envresolver.Vars, len(vars))
			for k, val := range vars {
				v[k] = val
			}
			envProfiles[name] = v
		}
	}

	instances := pc.Instances
	if instances <= 0 {
		instances = 1
	}

	preStart, err := toHooks(pc.Name, pc.PreStart)
	if err != nil {
		return supervisor.Config{}, err
	}
	postStop, err := toHooks(pc.Name, pc.PostStop)
	if err != nil {
		return supervisor.Config{}, err
	}
	hooks := runner.Hooks{PreStart: preStart, PostStop: postStop}
	if err := hooks.Validate(); err != nil {
		return supervisor.Config{}, fmt.Errorf("process %s: %w", pc.Name, err)
	}

	cfg := supervisor.Config{
		Name:          pc.Name,
		Command:       pc.Command,
		WorkDir:       pc.WorkDir,
		Env:           append(append([]string{}, fc.Env...), pc.Env...),
		EnvFiles:      append(append([]string{}, fc.EnvFiles...), pc.EnvFiles...),
		UseOSEnv:      useOSEnv,
		EnvProfiles:   envProfiles,
		DependsOn:     pc.DependsOn,
		Group:         pc.Group,
		Instances:     instances,
		RestartPolicy: restart.ParsePolicy(pc.RestartPolicy),
		StopExitCodes: pc.StopExitCodes,
		MinUptime:     time.Duration(pc.MinUptimeSecs) * time.Second,
		MaxRestarts:   pc.MaxRestarts,
		HealthCheck:   pc.HealthCheck,
		KillSignal:    pc.KillSignal,
		KillTimeout:   pc.KillTimeoutMS,
		Detached:      pc.Detached,
		Hooks:         hooks,
		CronRestart:   pc.CronRestart,
		MemoryCap:     pc.MemoryCap,
	}
	if pc.Watch != nil {
		cfg.Watch = supervisor.WatchConfig{Enabled: true, Path: pc.Watch.Path, Ignore: pc.Watch.Ignore}
	}
	return cfg, nil
}

func toHooks(procName string, entries []HookEntry) ([]runner.Hook, error) {
	hooks := make([]runner.Hook, 0, len(entries))
	for _, e := range entries {
		mode := runner.FailureModeFail
		switch e.OnFailure {
		case "", "fail":
			mode = runner.FailureModeFail
		case "ignore":
			mode = runner.FailureModeIgnore
		default:
			return nil, fmt.Errorf("process %s: hook %s: unknown on_failure %q", procName, e.Name, e.OnFailure)
		}
		hooks = append(hooks, runner.Hook{
			Name:        e.Name,
			Command:     e.Command,
			WorkDir:     e.WorkDir,
			Env:         e.Env,
			Timeout:     time.Duration(e.TimeoutSecs) * time.Second,
			FailureMode: mode,
		})
	}
	return hooks, nil
}
