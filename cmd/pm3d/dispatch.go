package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/pm3io/pm3/internal/config"
	"github.com/pm3io/pm3/internal/rpc"
	"github.com/pm3io/pm3/internal/scheduler"
)

// dispatch builds the rpc.Handler that routes each client request to the
// Scheduler, mirroring the daemon's handle_* dispatch in the original
// implementation but expressed as a single switch over rpc.RequestType.
// configPath is re-read on ReqReload so edits to the TOML file on disk take
// effect without restarting pm3d.
func dispatch(sch *scheduler.Scheduler, configPath string, log *slog.Logger) rpc.Handler {
	return func(ctx context.Context, req rpc.Request, send func(rpc.Response) error) error {
		switch req.Type {
		case rpc.ReqStart:
			names, err := sch.ResolveSelector(req.Names)
			if err != nil {
				return err
			}
			if err := sch.Start(names, req.Env); err != nil {
				return err
			}
			return send(rpc.Response{Type: rpc.RespSuccess})

		case rpc.ReqStop:
			names, err := sch.ResolveSelector(req.Names)
			if err != nil {
				return err
			}
			if err := sch.Stop(names); err != nil {
				return err
			}
			return send(rpc.Response{Type: rpc.RespSuccess})

		case rpc.ReqRestart:
			names, err := sch.ResolveSelector(req.Names)
			if err != nil {
				return err
			}
			if err := sch.Restart(names, req.Env); err != nil {
				return err
			}
			return send(rpc.Response{Type: rpc.RespSuccess})

		case rpc.ReqKill:
			for _, name := range req.Names {
				if err := sch.Signal(name, "KILL"); err != nil {
					return err
				}
			}
			return send(rpc.Response{Type: rpc.RespSuccess})

		case rpc.ReqSignal:
			if err := sch.Signal(req.Name, req.Signal); err != nil {
				return err
			}
			return send(rpc.Response{Type: rpc.RespSuccess})

		case rpc.ReqList:
			return send(rpc.Response{Type: rpc.RespProcessList, Processes: processInfos(sch)})

		case rpc.ReqInfo:
			snap, cfg, ok := sch.Info(req.Name)
			if !ok {
				return fmt.Errorf("unknown process %q", req.Name)
			}
			uptime := int64(0)
			if !snap.StartedAt.IsZero() {
				uptime = int64(time.Since(snap.StartedAt).Seconds())
			}
			detail := rpc.ProcessDetail{
				ProcessInfo: rpc.ProcessInfo{
					Name:       req.Name,
					PID:        snap.PID,
					Status:     snap.State,
					UptimeSecs: uptime,
					Restarts:   snap.Restarts,
					Group:      cfg.Group,
				},
				Command:     cfg.Command,
				WorkDir:     cfg.WorkDir,
				StdoutLog:   sch.StdoutLogPath(req.Name),
				StderrLog:   sch.StderrLogPath(req.Name),
				HealthCheck: cfg.HealthCheck,
				DependsOn:   cfg.DependsOn,
			}
			return send(rpc.Response{Type: rpc.RespProcessDetail, Detail: &detail})

		case rpc.ReqReload:
			_, _, specs, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("reload config: %w", err)
			}
			for _, spec := range specs {
				if err := sch.Reload(spec); err != nil {
					return fmt.Errorf("reload %s: %w", spec.Name, err)
				}
			}
			log.Info("configuration reloaded", "config", configPath, "processes", len(specs))
			return send(rpc.Response{Type: rpc.RespSuccess})

		case rpc.ReqSave:
			if err := sch.Save(); err != nil {
				return err
			}
			return send(rpc.Response{Type: rpc.RespSuccess})

		case rpc.ReqResurrect:
			restored, err := sch.Resurrect()
			if err != nil {
				return err
			}
			return send(rpc.Response{Type: rpc.RespSuccess, Message: strings.Join(restored, ",")})

		case rpc.ReqFlush:
			names, err := sch.ResolveSelector(req.Names)
			if err != nil {
				return err
			}
			if err := sch.Flush(names); err != nil {
				return err
			}
			return send(rpc.Response{Type: rpc.RespSuccess})

		case rpc.ReqLog:
			return streamLog(ctx, sch, req, send)

		default:
			return fmt.Errorf("unknown request type %q", req.Type)
		}
	}
}

func processInfos(sch *scheduler.Scheduler) []rpc.ProcessInfo {
	snaps := sch.List()
	out := make([]rpc.ProcessInfo, 0, len(snaps))
	for _, s := range snaps {
		uptime := int64(0)
		if !s.StartedAt.IsZero() {
			uptime = int64(time.Since(s.StartedAt).Seconds())
		}
		out = append(out, rpc.ProcessInfo{
			Name:       s.Name,
			PID:        s.PID,
			Status:     s.State,
			UptimeSecs: uptime,
			Restarts:   s.Restarts,
			Group:      sch.GroupOf(s.Name),
		})
	}
	return out
}

// streamLog tails the named process's stdout log, sending the last
// req.Lines lines and then, if req.Follow, further lines as they're
// appended, until ctx is canceled.
func streamLog(ctx context.Context, sch *scheduler.Scheduler, req rpc.Request, send func(rpc.Response) error) error {
	path := sch.StdoutLogPath(req.Name)
	f, err := os.Open(path) // #nosec G304 -- path resolved from internal paths package
	if err != nil {
		return fmt.Errorf("open log for %s: %w", req.Name, err)
	}
	defer func() { _ = f.Close() }()

	lines, err := tailLines(f, req.Lines)
	if err != nil {
		return err
	}
	for _, line := range lines {
		if err := send(rpc.Response{Type: rpc.RespLogLine, LogName: req.Name, Line: line}); err != nil {
			return err
		}
	}
	if !req.Follow {
		return send(rpc.Response{Type: rpc.RespSuccess})
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	reader := bufio.NewReader(f)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for {
				line, err := reader.ReadString('\n')
				if line != "" {
					if sendErr := send(rpc.Response{Type: rpc.RespLogLine, LogName: req.Name, Line: strings.TrimRight(line, "\n")}); sendErr != nil {
						return sendErr
					}
				}
				if err != nil {
					break
				}
			}
		}
	}
}

func tailLines(f *os.File, n int) ([]string, error) {
	if n <= 0 {
		n = 50
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var all []string
	for scanner.Scan() {
		all = append(all, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}
