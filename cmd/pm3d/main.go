// Command pm3d is the pm3 daemon: it loads a TOML configuration, starts and
// supervises every configured process, serves the control-plane RPC socket
// for the pm3 CLI, and shuts everything down cleanly on SIGTERM/SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pm3io/pm3/internal/audit"
	"github.com/pm3io/pm3/internal/config"
	"github.com/pm3io/pm3/internal/logger"
	"github.com/pm3io/pm3/internal/metrics"
	"github.com/pm3io/pm3/internal/paths"
	"github.com/pm3io/pm3/internal/rpc"
	"github.com/pm3io/pm3/internal/runner"
	"github.com/pm3io/pm3/internal/scheduler"
)

func main() {
	configPath := flag.String("config", "/etc/pm3/pm3.toml", "path to pm3 TOML configuration")
	dataDir := flag.String("data-dir", "", "override the daemon's data directory (pid/socket/logs)")
	metricsAddr := flag.String("metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
	resurrect := flag.Bool("resurrect", false, "restore processes from the last saved dump on startup")
	flag.Parse()

	if err := run(*configPath, *dataDir, *metricsAddr, *resurrect); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, dataDir, metricsAddr string, resurrect bool) error {
	var p paths.Paths
	if dataDir != "" {
		p = paths.NewWithDir(dataDir)
	} else {
		var err error
		p, err = paths.New()
		if err != nil {
			return fmt.Errorf("resolve data dir: %w", err)
		}
	}
	if err := p.EnsureDataDir(); err != nil {
		return fmt.Errorf("ensure data dir: %w", err)
	}

	if running, err := runner.IsDaemonRunning(p.PIDFile()); err != nil {
		return fmt.Errorf("check existing daemon: %w", err)
	} else if running {
		return fmt.Errorf("pm3d is already running")
	}
	if err := runner.WritePIDFile(p.PIDFile(), os.Getpid()); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer func() { _ = runner.RemovePIDFile(p.PIDFile()) }()

	fc, logCfg, specs, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logCfg.Dir == "" && logCfg.StdoutPath == "" {
		logCfg.Dir = p.DataDir()
	}
	log := logger.New(logCfg)
	log.Info("pm3d starting", "config", configPath, "processes", len(specs))

	var auditSink *audit.Sink
	if fc.AuditDB != "" {
		auditSink, err = audit.Open(fc.AuditDB)
		if err != nil {
			return fmt.Errorf("open audit db: %w", err)
		}
		defer func() { _ = auditSink.Close() }()
	}

	sch := scheduler.New(p, auditSink)
	if err := sch.Load(specs); err != nil {
		return fmt.Errorf("load processes: %w", err)
	}

	if resurrect {
		restored, err := sch.Resurrect()
		if err != nil {
			log.Warn("resurrect failed", "error", err)
		} else if len(restored) > 0 {
			log.Info("resurrected processes from dump", "names", restored)
		}
	} else if err := sch.StartAll(); err != nil {
		return fmt.Errorf("start processes: %w", err)
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Warn("metrics register failed", "error", err)
	}
	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Error("metrics server exited", "error", err)
			}
		}()
	}

	server := &rpc.Server{
		SocketPath: p.SocketFile(),
		Handler:    dispatch(sch, configPath, log),
		Logger:     log,
	}
	if err := server.Listen(); err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	procMetrics := metrics.NewProcessMetricsCollector(metrics.ProcessMetricsConfig{Enabled: true})
	if err := procMetrics.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		log.Warn("process metrics register failed", "error", err)
	}
	_ = procMetrics.Start(ctx, sch.Handles)
	defer procMetrics.Stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(ctx) }()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			log.Error("rpc server exited", "error", err)
		}
	}

	_ = server.Close()
	if err := sch.Save(); err != nil {
		log.Warn("save dump failed", "error", err)
	}
	if err := sch.ShutdownAll(); err != nil {
		log.Warn("shutdown processes failed", "error", err)
	}
	log.Info("pm3d stopped")
	return nil
}
