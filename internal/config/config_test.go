package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pm3io/pm3/internal/restart"
)

func writeTOML(t *testing.T, data string) string {
	t.Helper()
	dir := t.TempDir()
	file := filepath.Join(dir, "pm3.toml")
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	return file
}

func TestLoadMinimal(t *testing.T) {
	file := writeTOML(t, `
[[processes]]
name = "demo"
command = "sleep 1"
`)
	fc, logCfg, specs, err := Load(file)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(specs) != 1 {
		t.Fatalf("expected 1 spec, got %d", len(specs))
	}
	if specs[0].Name != "demo" || specs[0].Command != "sleep 1" {
		t.Fatalf("unexpected spec: %+v", specs[0])
	}
	if logCfg.Dir != "" {
		t.Fatalf("expected no daemon log dir configured, got %q", logCfg.Dir)
	}
	if fc.AuditDB != "" {
		t.Fatalf("expected no audit db configured, got %q", fc.AuditDB)
	}
}

func TestLoadFull(t *testing.T) {
	file := writeTOML(t, `
env = ["GLOBAL=1"]
audit_db = "sqlite:///tmp/pm3-audit.db"

[log]
dir = "/tmp/pm3-logs"
max_size_mb = 20

[[processes]]
name = "db"
command = "sleep 10"

[[processes]]
name = "web"
command = "sleep 10"
workdir = "/srv/web"
env = ["LOCAL=2"]
depends_on = ["db"]
group = "frontend"
restart = "Always"
stop_exit_codes = [0]
min_uptime_secs = 5
max_restarts = 3
health_check = "tcp://127.0.0.1:8080"
kill_signal = "TERM"
kill_timeout_ms = 2000
cron_restart = "0 3 * * *"
memory_cap = "512MB"

  [[processes.pre_start]]
  name = "migrate"
  command = "echo migrating"

  [processes.watch]
  path = "/srv/web"
  ignore = [".git"]
`)
	fc, logCfg, specs, err := Load(file)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if fc.AuditDB != "sqlite:///tmp/pm3-audit.db" {
		t.Fatalf("unexpected audit db: %q", fc.AuditDB)
	}
	if logCfg.Dir != "/tmp/pm3-logs" || logCfg.MaxSizeMB != 20 {
		t.Fatalf("unexpected log config: %+v", logCfg)
	}
	if len(specs) != 2 {
		t.Fatalf("expected 2 specs, got %d", len(specs))
	}

	var found bool
	for _, s := range specs {
		if s.Name != "web" {
			continue
		}
		found = true
		if len(s.Env) != 2 || s.Env[0] != "GLOBAL=1" || s.Env[1] != "LOCAL=2" {
			t.Fatalf("expected global env before process env, got %v", s.Env)
		}
		if len(s.DependsOn) != 1 || s.DependsOn[0] != "db" {
			t.Fatalf("unexpected depends_on: %v", s.DependsOn)
		}
		if s.Group != "frontend" {
			t.Fatalf("unexpected group: %q", s.Group)
		}
		if s.RestartPolicy != restart.Always {
			t.Fatalf("unexpected restart policy: %v", s.RestartPolicy)
		}
		if len(s.StopExitCodes) != 1 || s.StopExitCodes[0] != 0 {
			t.Fatalf("unexpected stop_exit_codes: %v", s.StopExitCodes)
		}
		if !s.Watch.Enabled || s.Watch.Path != "/srv/web" {
			t.Fatalf("unexpected watch config: %+v", s.Watch)
		}
		if s.CronRestart != "0 3 * * *" || s.MemoryCap != "512MB" {
			t.Fatalf("unexpected trigger config: %+v", s)
		}
		if len(s.Hooks.PreStart) != 1 || s.Hooks.PreStart[0].Name != "migrate" {
			t.Fatalf("unexpected pre_start hooks: %+v", s.Hooks.PreStart)
		}
	}
	if !found {
		t.Fatal("expected a spec named web")
	}
}

func TestLoadRejectsMissingProcessName(t *testing.T) {
	file := writeTOML(t, `
[[processes]]
command = "sleep 1"
`)
	if _, _, _, err := Load(file); err == nil {
		t.Fatal("expected error for missing name")
	}
}

func TestLoadRejectsMissingCommand(t *testing.T) {
	file := writeTOML(t, `
[[processes]]
name = "demo"
`)
	if _, _, _, err := Load(file); err == nil {
		t.Fatal("expected error for missing command")
	}
}

func TestLoadRejectsUnknownHookFailureMode(t *testing.T) {
	file := writeTOML(t, `
[[processes]]
name = "demo"
command = "sleep 1"

  [[processes.pre_start]]
  name = "hook"
  command = "true"
  on_failure = "retry"
`)
	if _, _, _, err := Load(file); err == nil {
		t.Fatal("expected error for unknown on_failure")
	}
}

func TestLoadUseOSEnvPerProcessOverride(t *testing.T) {
	file := writeTOML(t, `
use_os_env = true

[[processes]]
name = "demo"
command = "sleep 1"
use_os_env = false
`)
	_, _, specs, err := Load(file)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if specs[0].UseOSEnv {
		t.Fatal("expected per-process use_os_env=false to override the global default")
	}
}

func TestLoadRejectsOutOfRangeStopExitCode(t *testing.T) {
	file := writeTOML(t, `
[[processes]]
name = "demo"
command = "sleep 1"
stop_exit_codes = [0, 300]
`)
	if _, _, _, err := Load(file); err == nil {
		t.Fatal("expected error for out-of-range stop_exit_codes entry")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, _, _, err := Load("/no/such/file.toml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadDefaultsInstancesToOne(t *testing.T) {
	file := writeTOML(t, `
[[processes]]
name = "demo"
command = "sleep 1"
`)
	_, _, specs, err := Load(file)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if specs[0].Instances != 1 {
		t.Fatalf("expected default instances=1, got %d", specs[0].Instances)
	}
}

func TestLoadParsesInstancesAndEnvProfiles(t *testing.T) {
	file := writeTOML(t, `
[[processes]]
name = "worker"
command = "sleep 1"
instances = 3

  [processes.env_profiles.prod]
  MODE = "prod"

  [processes.env_profiles.staging]
  MODE = "staging"
`)
	_, _, specs, err := Load(file)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if specs[0].Instances != 3 {
		t.Fatalf("expected instances=3, got %d", specs[0].Instances)
	}
	if got := specs[0].EnvProfiles["prod"]["MODE"]; got != "prod" {
		t.Fatalf("expected prod profile MODE=prod, got %q", got)
	}
	if got := specs[0].EnvProfiles["staging"]["MODE"]; got != "staging" {
		t.Fatalf("expected staging profile MODE=staging, got %q", got)
	}
}
