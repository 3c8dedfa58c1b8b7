// Package previewr runs development servers for projects inside sandboxes
// and reports their readiness over HTTP.
package previewr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/previewr/internal/config"
	"github.com/loykin/previewr/internal/controller"
	"github.com/loykin/previewr/internal/devserver"
	"github.com/loykin/previewr/internal/history"
	"github.com/loykin/previewr/internal/history/factory"
	"github.com/loykin/previewr/internal/metrics"
	"github.com/loykin/previewr/internal/sandbox"
	iapi "github.com/loykin/previewr/internal/server"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type Status = devserver.Status

type StartRequest = controller.StartRequest

type StartResult = controller.StartResult

type StopResult = controller.StopResult

type StartError = devserver.StartError

type HistoryEvent = history.Event

type HistorySink = history.Sink

var (
	ErrProjectNotFound  = devserver.ErrProjectNotFound
	ErrManifestMissing  = devserver.ErrManifestMissing
	ErrReadinessTimeout = devserver.ErrReadinessTimeout
	ErrFatalLog         = devserver.ErrFatalLog
)

func DefaultConfig() Config { return cfg.Default() }

func LoadConfig(path string) (Config, error) { return cfg.Load(path) }

// Daemon wires a sandbox backend, history sinks and the dev server
// controller from a Config.
type Daemon struct {
	cfg     Config
	log     *slog.Logger
	backend sandbox.Facade
	history history.Multi
	ctl     *controller.Controller
	router  *iapi.Router

	stopJanitor context.CancelFunc
}

// janitorEvery is how often expired status snapshots are dropped.
const janitorEvery = time.Minute

// NewDaemon opens the configured backend and history sinks. A nil logger
// uses slog.Default().
func NewDaemon(ctx context.Context, c Config, log *slog.Logger) (*Daemon, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	backend, err := newBackend(ctx, c, log)
	if err != nil {
		return nil, err
	}

	d := &Daemon{cfg: c, log: log, backend: backend}
	ccfg := controller.Config{
		Ports:                 c.DevServer.Ports,
		LogFile:               c.DevServer.LogFile,
		CacheTTL:              c.DevServer.CacheTTL,
		ReadyTimeout:          c.DevServer.ReadyTimeout,
		AutostartGrace:        c.DevServer.AutostartGrace,
		LogTailLines:          c.DevServer.LogTailLines,
		MaxConcurrentLaunches: c.DevServer.MaxConcurrentLaunches,
		Logger:                log,
	}
	if c.History.Enabled {
		sinks, err := factory.NewMulti(c.History.DSNs)
		if err != nil {
			_ = backend.Close()
			return nil, err
		}
		d.history = sinks
		ccfg.History = sinks
	}
	d.ctl = controller.New(backend, ccfg)
	jctx, stop := context.WithCancel(context.WithoutCancel(ctx))
	d.stopJanitor = stop
	go d.ctl.RunJanitor(jctx, janitorEvery)
	d.router = iapi.NewRouter(d.ctl, c.Server.BasePath,
		iapi.WithStreamInterval(c.DevServer.StreamInterval),
		iapi.WithLogger(log))
	return d, nil
}

func newBackend(ctx context.Context, c Config, log *slog.Logger) (sandbox.Facade, error) {
	switch c.Sandbox.Backend {
	case "docker":
		b, err := sandbox.NewDockerBackend(ctx, sandbox.DockerConfig{
			Image:       c.Sandbox.Image,
			Workdir:     c.Sandbox.Workdir,
			Ports:       c.DevServer.Ports,
			MemoryMB:    c.Sandbox.MemoryMB,
			CPULimit:    c.Sandbox.CPULimit,
			Host:        c.Sandbox.Host,
			ExecTimeout: c.Sandbox.ExecTimeout,
			Logger:      log,
		})
		if err != nil {
			return nil, fmt.Errorf("docker sandbox backend: %w", err)
		}
		return b, nil
	default:
		b, err := sandbox.NewLocalBackend(sandbox.LocalConfig{
			Root:        c.Sandbox.Root,
			Host:        c.Sandbox.Host,
			ExecTimeout: c.Sandbox.ExecTimeout,
			Logger:      log,
		})
		if err != nil {
			return nil, fmt.Errorf("local sandbox backend: %w", err)
		}
		return b, nil
	}
}

func (d *Daemon) Status(ctx context.Context, projectID string, withLogs bool) Status {
	return d.ctl.Status(ctx, projectID, withLogs)
}

func (d *Daemon) Start(ctx context.Context, projectID string, req StartRequest) (StartResult, error) {
	return d.ctl.Start(ctx, projectID, req)
}

func (d *Daemon) Stop(ctx context.Context, projectID string) (StopResult, error) {
	return d.ctl.Stop(ctx, projectID)
}

func (d *Daemon) Logs(ctx context.Context, projectID string, lines int) ([]string, error) {
	return d.ctl.Logs(ctx, projectID, lines)
}

// Handler returns the HTTP API for embedding in another server.
func (d *Daemon) Handler() http.Handler { return d.router.Handler() }

// NewHTTPServer starts an HTTP server exposing the API on the configured
// listen address.
func (d *Daemon) NewHTTPServer() (*http.Server, error) {
	return iapi.NewServer(d.cfg.Server.Listen, d.router)
}

// Close stops every background dev server and closes the history sinks.
func (d *Daemon) Close() error {
	d.stopJanitor()
	var errs []error
	if err := d.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close sandbox backend: %w", err))
	}
	if d.history != nil {
		if err := d.history.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close history: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// NewMetricsServer serves /metrics from the default registry on addr in
// its own goroutine.
func NewMetricsServer(addr string, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && log != nil {
			log.Error("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	return srv
}
