// Package envresolver builds the final environment for a process instance
// by layering the OS environment, global config env, env files, and
// per-process env entries, in that precedence order.
package envresolver

import (
	"fmt"
	"os"
	"strings"
)

// Vars is a simple K->V environment map.
type Vars map[string]string

// Resolver composes layered environments. The zero value is ready to use.
type Resolver struct {
	global Vars // daemon-wide overrides (from the top-level config env list)
	osEnv  Vars // cached OS environment base
}

// New creates a Resolver with the OS environment captured immediately.
func New() *Resolver {
	r := &Resolver{global: make(Vars)}
	r.captureOSEnv()
	return r
}

func (r *Resolver) captureOSEnv() {
	r.osEnv = make(Vars)
	for _, kv := range os.Environ() {
		if k, v, ok := splitKV(kv); ok {
			r.osEnv[k] = v
		}
	}
}

// SetGlobal records a daemon-wide K=V override, applied to every process
// above the OS environment but below per-process and env-file entries.
func (r *Resolver) SetGlobal(k, v string) {
	if r.global == nil {
		r.global = make(Vars)
	}
	r.global[k] = v
}

// Resolve merges, in increasing precedence: OS env (if useOSEnv), global
// overrides, the contents of envFiles (earlier files win over later ones),
// the process's own env entries, then the named profile's overlay (highest
// precedence). profile may be empty, meaning no profile is active; an
// unknown non-empty profile is rejected before any spawn. The result has
// ${VAR} references expanded against the fully merged map, then is returned
// as "K=V" pairs.
func (r *Resolver) Resolve(useOSEnv bool, envFiles []string, processEnv []string, profiles map[string]Vars, profile string) ([]string, error) {
	var overlay Vars
	if profile != "" {
		v, ok := profiles[profile]
		if !ok {
			return nil, fmt.Errorf("unknown env profile %q", profile)
		}
		overlay = v
	}

	merged := make(Vars)
	if useOSEnv {
		for k, v := range r.osEnv {
			merged[k] = v
		}
	}
	for k, v := range r.global {
		merged[k] = v
	}
	// Earlier files take precedence over later ones, so apply them in
	// reverse so a later merge never clobbers a value an earlier file set.
	for i := len(envFiles) - 1; i >= 0; i-- {
		fileVars, err := LoadEnvFile(envFiles[i])
		if err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFiles[i], err)
		}
		for k, v := range fileVars {
			merged[k] = v
		}
	}
	for _, kv := range processEnv {
		if k, v, ok := splitKV(kv); ok {
			merged[k] = v
		}
	}
	for k, v := range overlay {
		merged[k] = v
	}

	expanded := make(Vars, len(merged))
	for k, v := range merged {
		expanded[k] = expand(v, merged)
	}

	out := make([]string, 0, len(expanded))
	for k, v := range expanded {
		if k == "" {
			continue
		}
		out = append(out, k+"="+v)
	}
	return out, nil
}

func expand(s string, m Vars) string {
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}

func splitKV(kv string) (string, string, bool) {
	i := strings.IndexByte(kv, '=')
	if i < 0 {
		return "", "", false
	}
	k := kv[:i]
	if k == "" {
		return "", "", false
	}
	return k, kv[i+1:], true
}
