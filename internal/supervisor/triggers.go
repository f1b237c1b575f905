package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
)

// memoryCheckInterval is how often a running process's RSS is sampled
// against its configured cap.
const memoryCheckInterval = 2 * time.Second

// watchDebounce coalesces bursts of filesystem events (e.g. an editor's
// write-then-rename save) into a single restart.
const watchDebounce = 500 * time.Millisecond

// startTriggers launches the watch/cron/memory-cap goroutines for the
// currently Online process. It is a no-op for any trigger left unconfigured.
func (s *Supervisor) startTriggers() {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.triggerCancel = cancel
	s.mu.Unlock()

	if cfg.Watch.Enabled {
		go s.runWatchTrigger(ctx, cfg)
	}
	if cfg.CronRestart != "" {
		go s.runCronTrigger(ctx, cfg)
	}
	if cfg.MemoryCap != "" {
		go s.runMemoryTrigger(ctx, cfg)
	}
}

func (s *Supervisor) stopTriggers() {
	s.mu.Lock()
	cancel := s.triggerCancel
	s.triggerCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// restartFromTrigger stops and respawns the process, the common action
// every monitor type (watch, cron, memory cap) takes once it fires.
func (s *Supervisor) restartFromTrigger(reason string) {
	s.mu.RLock()
	profile := s.activeProfile
	s.mu.RUnlock()
	_ = s.doStop()
	_ = fmt.Sprintf("restart triggered: %s", reason) // retained for future structured logging
	_ = s.doStart(profile)
}

func (s *Supervisor) runWatchTrigger(ctx context.Context, cfg Config) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return
	}
	defer func() { _ = watcher.Close() }()

	path := cfg.Watch.Path
	if path == "" {
		path = cfg.WorkDir
	}
	if path == "" {
		path = "."
	}
	if err := watcher.Add(path); err != nil {
		return
	}

	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if isIgnored(ev.Name, cfg.Watch.Ignore) {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(watchDebounce, func() {
					s.restartFromTrigger("watch:" + ev.Name)
				})
			} else {
				timer.Reset(watchDebounce)
			}
		case <-watcher.Errors:
			continue
		}
	}
}

// isIgnored reports whether name matches any watch_ignore glob pattern,
// tried against both the full path and its base name so a pattern like
// "*.log" matches regardless of directory depth.
func isIgnored(name string, patterns []string) bool {
	base := filepath.Base(name)
	for _, p := range patterns {
		if ok, err := filepath.Match(p, name); err == nil && ok {
			return true
		}
		if ok, err := filepath.Match(p, base); err == nil && ok {
			return true
		}
	}
	return false
}

func (s *Supervisor) runCronTrigger(ctx context.Context, cfg Config) {
	expr := normalizeCronExpr(cfg.CronRestart)
	schedule, err := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor).Parse(expr)
	if err != nil {
		return
	}

	now := time.Now()
	next := schedule.Next(now)
	for {
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case now = <-timer.C:
			s.restartFromTrigger("cron:" + cfg.CronRestart)
			next = schedule.Next(now)
		}
	}
}

// normalizeCronExpr accepts the common 5-field "m h dom mon dow" form and
// widens it to the 6-field "s m h dom mon dow" form robfig/cron expects
// when seconds precision is wanted, matching the original daemon's
// 5-to-7-field normalization.
func normalizeCronExpr(expr string) string {
	fields := strings.Fields(expr)
	if len(fields) == 5 {
		return "0 " + expr
	}
	return expr
}

func (s *Supervisor) runMemoryTrigger(ctx context.Context, cfg Config) {
	capBytes, err := parseMemoryCap(cfg.MemoryCap)
	if err != nil || capBytes == 0 {
		return
	}

	ticker := time.NewTicker(memoryCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			r := s.run
			s.mu.RUnlock()
			if r == nil {
				continue
			}
			rss, err := r.SampleRSS()
			if err != nil {
				continue
			}
			if rss > capBytes {
				s.restartFromTrigger(fmt.Sprintf("memory_cap:%d>%d", rss, capBytes))
				return
			}
		}
	}
}

// parseMemoryCap parses sizes like "512MB", "1GB", "512K", "2048" (bytes).
// Two-letter suffixes are tried before their single-letter counterparts so
// "512MB" isn't mistaken for "512M" + a stray "B".
func parseMemoryCap(spec string) (uint64, error) {
	spec = strings.TrimSpace(strings.ToUpper(spec))
	multiplier := uint64(1)
	switch {
	case strings.HasSuffix(spec, "GB"):
		multiplier = 1 << 30
		spec = strings.TrimSuffix(spec, "GB")
	case strings.HasSuffix(spec, "MB"):
		multiplier = 1 << 20
		spec = strings.TrimSuffix(spec, "MB")
	case strings.HasSuffix(spec, "KB"):
		multiplier = 1 << 10
		spec = strings.TrimSuffix(spec, "KB")
	case strings.HasSuffix(spec, "G"):
		multiplier = 1 << 30
		spec = strings.TrimSuffix(spec, "G")
	case strings.HasSuffix(spec, "M"):
		multiplier = 1 << 20
		spec = strings.TrimSuffix(spec, "M")
	case strings.HasSuffix(spec, "K"):
		multiplier = 1 << 10
		spec = strings.TrimSuffix(spec, "K")
	case strings.HasSuffix(spec, "B"):
		spec = strings.TrimSuffix(spec, "B")
	}
	n, err := strconv.ParseUint(strings.TrimSpace(spec), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory cap %q: %w", spec, err)
	}
	return n * multiplier, nil
}
