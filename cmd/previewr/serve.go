package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/loykin/previewr"
)

func runServeCommand(ctx context.Context, flags ServeFlags) error {
	cfg, err := previewr.LoadConfig(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if flags.Daemonize {
		return daemonize(flags.PidFile, flags.LogFile)
	}
	if flags.PidFile != "" {
		if err := writePidFile(flags.PidFile, currentPid()); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	log, closeLog := cfg.Log.Logger().NewSlogger()
	defer func() { _ = closeLog.Close() }()
	slog.SetDefault(log)

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		if err := previewr.RegisterMetricsDefault(); err != nil {
			log.Warn("failed to register metrics", "error", err)
		}
		if cfg.Metrics.Listen != "" {
			metricsSrv = previewr.NewMetricsServer(cfg.Metrics.Listen, log)
			log.Info("serving metrics", "addr", cfg.Metrics.Listen)
		}
	}

	d, err := previewr.NewDaemon(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	defer func() {
		if err := d.Close(); err != nil {
			log.Warn("daemon shutdown incomplete", "error", err)
		}
	}()

	server, err := d.NewHTTPServer()
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}
	log.Info("previewr listening",
		"addr", cfg.Server.Listen,
		"base_path", cfg.Server.BasePath,
		"backend", cfg.Sandbox.Backend)

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	// open status streams only end with their clients; force them closed
	if err := server.Shutdown(shutdownCtx); err != nil {
		return server.Close()
	}
	return nil
}
