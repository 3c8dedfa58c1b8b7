// Package controller starts, stops and reports on the dev server of each
// project. Status reads go through a short-lived cache and concurrent
// starts for one project share a single launch.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/felixgeelhaar/fortify/bulkhead"
	"github.com/felixgeelhaar/fortify/retry"
	"github.com/kballard/go-shellquote"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/previewr/internal/cache"
	"github.com/loykin/previewr/internal/dedup"
	"github.com/loykin/previewr/internal/detector"
	"github.com/loykin/previewr/internal/devserver"
	"github.com/loykin/previewr/internal/history"
	"github.com/loykin/previewr/internal/metrics"
	"github.com/loykin/previewr/internal/readiness"
	"github.com/loykin/previewr/internal/sandbox"
)

type Config struct {
	Ports                 []int
	LogFile               string // relative to the project directory
	CacheTTL              time.Duration
	ReadyTimeout          time.Duration
	AutostartGrace        time.Duration
	AutostartPoll         time.Duration
	LogTailLines          int
	MaxConcurrentLaunches int
	ConnectTimeout        time.Duration
	StatusTimeout         time.Duration // bounds one status load
	Logger                *slog.Logger
	History               history.Sink
}

func (c Config) withDefaults() Config {
	if len(c.Ports) == 0 {
		c.Ports = devserver.Ports()
	}
	if c.LogFile == "" {
		c.LogFile = devserver.LogFileName
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = devserver.CacheTTL
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = devserver.ReadyTimeout
	}
	if c.AutostartGrace <= 0 {
		c.AutostartGrace = devserver.AutostartWait
	}
	if c.AutostartPoll <= 0 {
		c.AutostartPoll = time.Second
	}
	if c.LogTailLines <= 0 {
		c.LogTailLines = devserver.LogTailLines
	}
	if c.MaxConcurrentLaunches <= 0 {
		c.MaxConcurrentLaunches = 8
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.StatusTimeout <= 0 {
		c.StatusTimeout = 15 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Controller orchestrates dev servers through a sandbox facade.
// It is safe for concurrent use.
type Controller struct {
	cfg     Config
	sb      sandbox.Facade
	log     *slog.Logger
	history history.Sink

	cache    *cache.Cache[devserver.Status]
	starts   *dedup.Registry[StartResult]
	launches bulkhead.Bulkhead[struct{}]
	connect  retry.Retry[*sandbox.Sandbox]

	readyOpts []readiness.Option
	now       func() time.Time
	sleep     func(context.Context, time.Duration) error
}

type Option func(*Controller)

// WithCache replaces the status cache.
func WithCache(c *cache.Cache[devserver.Status]) Option {
	return func(ctl *Controller) { ctl.cache = c }
}

// WithClock replaces the clock used for the autostart grace window and
// status timestamps.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(ctl *Controller) {
		ctl.now = now
		ctl.sleep = sleep
	}
}

// WithReadinessOptions passes options to every readiness poller.
func WithReadinessOptions(opts ...readiness.Option) Option {
	return func(ctl *Controller) { ctl.readyOpts = append(ctl.readyOpts, opts...) }
}

func New(facade sandbox.Facade, cfg Config, opts ...Option) *Controller {
	cfg = cfg.withDefaults()
	c := &Controller{
		cfg:     cfg,
		sb:      facade,
		log:     cfg.Logger.With("component", "controller"),
		history: cfg.History,
		starts: dedup.New[StartResult](dedup.WithRetryIf[StartResult](func(err error) bool {
			return !devserver.IsPermanent(err)
		})),
		launches: bulkhead.New[struct{}](bulkhead.Config{
			MaxConcurrent: cfg.MaxConcurrentLaunches,
			MaxQueue:      cfg.MaxConcurrentLaunches * 4,
			QueueTimeout:  30 * time.Second,
		}),
		connect: retry.New[*sandbox.Sandbox](retry.Config{
			MaxAttempts:   2,
			InitialDelay:  200 * time.Millisecond,
			MaxDelay:      time.Second,
			Multiplier:    2.0,
			BackoffPolicy: retry.BackoffExponential,
			IsRetryable: func(err error) bool {
				return !errors.Is(err, sandbox.ErrNotFound)
			},
		}),
		now:   time.Now,
		sleep: sleepCtx,
	}
	for _, o := range opts {
		o(c)
	}
	if c.cache == nil {
		c.cache = cache.New[devserver.Status](cfg.CacheTTL, cache.WithClock[devserver.Status](c.now))
	}
	return c
}

// Status returns the cached or freshly computed status of a project's dev
// server. Lookup and check failures are reported inside the status. When
// withLogs is set the log tail is attached; it is never cached.
//
// The load is shared with concurrent readers, so it runs detached from the
// caller's cancellation under its own StatusTimeout. A load cut short by that
// timeout is returned to its callers but not cached.
func (c *Controller) Status(ctx context.Context, projectID string, withLogs bool) devserver.Status {
	st, hit, err := c.cache.GetOrLoad(ctx, projectID, func(ctx context.Context) (devserver.Status, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.StatusTimeout)
		defer cancel()
		return c.loadStatus(lctx, projectID)
	})
	metrics.IncStatus(hit)
	if err != nil {
		return devserver.NotRunning(c.now(), "status check failed: "+err.Error())
	}
	if !withLogs {
		return st
	}
	sb, err := c.sb.Get(ctx, projectID)
	if err != nil {
		return st
	}
	lines, err := detector.Tail(ctx, c.sb, sb, c.cfg.LogFile, c.cfg.LogTailLines)
	if err != nil {
		c.log.Debug("read log tail failed", "project", projectID, "error", err)
		return st
	}
	return st.WithLogs(lines)
}

// RunJanitor drops expired status snapshots every interval until ctx is
// done.
func (c *Controller) RunJanitor(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := c.cache.Sweep(); n > 0 {
				c.log.Debug("expired status snapshots dropped", "count", n)
			}
		}
	}
}

// loadStatus fails only when ctx ended during the load; every other
// failure is reported inside the status.
func (c *Controller) loadStatus(ctx context.Context, projectID string) (devserver.Status, error) {
	sb, err := c.sb.Get(ctx, projectID)
	if err != nil {
		if ctx.Err() != nil {
			return devserver.Status{}, ctx.Err()
		}
		return devserver.NotRunning(c.now(), "sandbox unavailable: "+err.Error()), nil
	}
	st := c.inspect(ctx, sb)
	if ctx.Err() != nil {
		return devserver.Status{}, ctx.Err()
	}
	return st, nil
}

// inspect scans the well-known ports and resolves the public URL.
func (c *Controller) inspect(ctx context.Context, sb *sandbox.Sandbox) devserver.Status {
	ps, err := c.sb.CheckDevServer(ctx, sb, c.cfg.Ports)
	if err != nil {
		return devserver.NotRunning(c.now(), "status check failed: "+err.Error())
	}
	if !ps.IsRunning {
		return devserver.NotRunning(c.now())
	}
	u, err := c.sb.HostURL(ctx, sb, ps.Port)
	if err != nil {
		port := ps.Port
		return devserver.Status{IsRunning: true, Port: &port, Errors: []string{"resolve url: " + err.Error()}, LastChecked: c.now()}
	}
	return devserver.Running(c.now(), ps.Port, u)
}

// Start launches the project's dev server unless it is already running.
// Concurrent calls for one project share a single launch; the launch itself
// is not cancelled when the caller goes away.
func (c *Controller) Start(ctx context.Context, projectID string, req StartRequest) (StartResult, error) {
	detached := context.WithoutCancel(ctx)
	res, shared, err := c.starts.Do(ctx, projectID, func(context.Context) (StartResult, error) {
		return c.start(detached, projectID, req)
	})
	if shared {
		metrics.IncStartShared()
		c.log.Debug("start joined in-flight operation", "project", projectID, "error", err)
	}
	return res, err
}

func (c *Controller) start(ctx context.Context, projectID string, req StartRequest) (res StartResult, err error) {
	log := c.log.With("project", projectID)
	var sb *sandbox.Sandbox
	defer func() {
		if err == nil {
			return
		}
		metrics.IncStart("failed")
		e := history.Event{Type: history.EventFail, ProjectID: projectID, Error: err.Error()}
		if sb != nil {
			e.SandboxID = sb.ID
		}
		c.emit(ctx, e)
	}()

	sb, err = c.sandboxFor(ctx, projectID, req.SandboxID)
	if err != nil {
		return StartResult{}, err
	}
	log = log.With("sandbox_id", sb.ID)

	if err := c.validate(ctx, sb); err != nil {
		log.Info("project not startable", "error", err)
		return StartResult{}, err
	}

	if st := c.inspect(ctx, sb); st.IsRunning && !req.ForceRestart {
		c.cache.Invalidate(projectID)
		metrics.IncStart("already_running")
		log.Info("dev server already running", "port", st.PortValue())
		return StartResult{
			Success:        true,
			AlreadyRunning: true,
			URL:            st.URL,
			Port:           st.Port,
			SandboxID:      sb.ID,
			Message:        "dev server already running",
		}, nil
	}

	if !req.ForceRestart && req.WaitForReady {
		if st, ok := c.awaitAutostart(ctx, sb); ok {
			c.cache.Invalidate(projectID)
			metrics.IncStart("autostart")
			log.Info("dev server started by sandbox template", "port", st.PortValue())
			c.emit(ctx, history.Event{Type: history.EventReady, ProjectID: projectID, SandboxID: sb.ID, Port: st.PortValue(), URL: st.URLValue()})
			return StartResult{
				Success:        true,
				AlreadyRunning: true,
				URL:            st.URL,
				Port:           st.Port,
				SandboxID:      sb.ID,
				Message:        "dev server started automatically",
			}, nil
		}
	}

	pm, err := c.launch(ctx, sb)
	if err != nil {
		return StartResult{}, err
	}
	log.Info("dev server launched", "package_manager", pm, "wait", req.WaitForReady)
	c.emit(ctx, history.Event{Type: history.EventStart, ProjectID: projectID, SandboxID: sb.ID})

	if !req.WaitForReady {
		c.cache.Invalidate(projectID)
		metrics.IncStart("starting")
		return StartResult{
			Success:   true,
			Starting:  true,
			SandboxID: sb.ID,
			Message:   "dev server starting",
		}, nil
	}

	poller := readiness.New(c.sb, readiness.Config{
		Timeout:   c.cfg.ReadyTimeout,
		LogFile:   c.cfg.LogFile,
		Ports:     c.cfg.Ports,
		TailLines: c.cfg.LogTailLines,
		Logger:    c.log,
	}, c.readyOpts...)
	begin := time.Now()
	ready, err := poller.Wait(ctx, sb)
	if err != nil {
		metrics.ObserveReadiness(readinessOutcome(err), time.Since(begin).Seconds())
		return StartResult{}, err
	}
	metrics.ObserveReadiness("ready", time.Since(begin).Seconds())

	u, err := c.sb.HostURL(ctx, sb, ready.Port)
	if err != nil {
		return StartResult{}, fmt.Errorf("resolve url for port %d: %w", ready.Port, err)
	}
	c.cache.Invalidate(projectID)
	metrics.IncStart("ready")
	c.emit(ctx, history.Event{Type: history.EventReady, ProjectID: projectID, SandboxID: sb.ID, Port: ready.Port, URL: u})
	return StartResult{
		Success:   true,
		URL:       ptr(u),
		Port:      ptr(ready.Port),
		SandboxID: sb.ID,
		Message:   "dev server ready",
	}, nil
}

// sandboxFor attaches to sandboxID when given and falls back to creating
// (or reusing) the project's sandbox.
func (c *Controller) sandboxFor(ctx context.Context, projectID, sandboxID string) (*sandbox.Sandbox, error) {
	if sandboxID != "" {
		sb, err := c.connect.Do(ctx, func(ctx context.Context) (*sandbox.Sandbox, error) {
			return c.sb.Connect(ctx, projectID, sandboxID, sandbox.ConnectOptions{Timeout: c.cfg.ConnectTimeout})
		})
		if err == nil {
			return sb, nil
		}
		c.log.Info("connect to sandbox failed, creating a new one", "project", projectID, "sandbox_id", sandboxID, "error", err)
	}
	sb, err := c.sb.Create(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	return sb, nil
}

func (c *Controller) validate(ctx context.Context, sb *sandbox.Sandbox) error {
	dir := shellquote.Join(sb.Workdir)
	res, err := c.sb.Exec(ctx, sb, "test -d "+dir, sandbox.ExecOptions{WorkDir: "/"})
	if err != nil {
		return fmt.Errorf("check project directory: %w", err)
	}
	if !res.OK() {
		return fmt.Errorf("%s: %w", sb.Workdir, devserver.ErrProjectNotFound)
	}
	manifest := shellquote.Join(strings.TrimRight(sb.Workdir, "/") + "/" + devserver.ManifestFile)
	res, err = c.sb.Exec(ctx, sb, "test -f "+manifest, sandbox.ExecOptions{WorkDir: "/"})
	if err != nil {
		return fmt.Errorf("check manifest: %w", err)
	}
	if !res.OK() {
		return fmt.Errorf("%s: %w", sb.Workdir, devserver.ErrManifestMissing)
	}
	return nil
}

// awaitAutostart gives a sandbox template that starts the dev server on its
// own a chance to bind a port before a manual launch.
func (c *Controller) awaitAutostart(ctx context.Context, sb *sandbox.Sandbox) (devserver.Status, bool) {
	deadline := c.now().Add(c.cfg.AutostartGrace)
	for c.now().Before(deadline) {
		if err := c.sleep(ctx, c.cfg.AutostartPoll); err != nil {
			return devserver.Status{}, false
		}
		if st := c.inspect(ctx, sb); st.IsRunning {
			return st, true
		}
	}
	return devserver.Status{}, false
}

// launch clears leftovers from earlier runs and starts the dev command in
// the background. Launches across projects are bounded by a bulkhead.
func (c *Controller) launch(ctx context.Context, sb *sandbox.Sandbox) (pm devserver.PackageManager, err error) {
	_, err = c.launches.Execute(ctx, func(ctx context.Context) (_ struct{}, err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("launch panicked: %v", p)
			}
		}()
		pm = c.cleanup(ctx, sb)
		cmd := LaunchCommand(pm, c.cfg.LogFile)
		if err := c.sb.StartBackground(ctx, sb, cmd, sandbox.BackgroundOptions{ProjectID: sb.ProjectID}); err != nil {
			return struct{}{}, fmt.Errorf("start dev server: %w", err)
		}
		return struct{}{}, nil
	})
	return pm, err
}

// cleanup stops the previous process, frees the well-known ports, removes
// build caches and the old log, and detects the package manager, all
// concurrently. Individual failures are logged; a stale process that
// survives shows up later as a fatal EADDRINUSE.
func (c *Controller) cleanup(ctx context.Context, sb *sandbox.Sandbox) devserver.PackageManager {
	log := c.log.With("project", sb.ProjectID)
	pm := devserver.NPM
	var g errgroup.Group
	g.Go(func() error {
		if err := c.sb.KillBackground(ctx, sb.ProjectID); err != nil {
			log.Warn("kill previous dev server failed", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := c.killPorts(ctx, sb); err != nil {
			log.Warn("free dev server ports failed", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		cmd := "rm -rf .next node_modules/.cache " + shellquote.Join(c.cfg.LogFile)
		if _, err := c.sb.Exec(ctx, sb, cmd, sandbox.ExecOptions{}); err != nil {
			log.Warn("remove build artifacts failed", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		res, err := c.sb.Exec(ctx, sb, devserver.DetectScript(), sandbox.ExecOptions{})
		if err != nil {
			log.Debug("package manager detection failed, using npm", "error", err)
			return nil
		}
		pm = devserver.ParsePackageManager(res.Stdout)
		return nil
	})
	_ = g.Wait()
	return pm
}

// Stop kills the dev server and anything bound to the well-known ports.
// Stopping a project without a sandbox succeeds.
func (c *Controller) Stop(ctx context.Context, projectID string) (StopResult, error) {
	defer c.cache.Invalidate(projectID)
	sb, err := c.sb.Get(ctx, projectID)
	if errors.Is(err, sandbox.ErrNotFound) {
		return StopResult{Success: true, Message: "no sandbox running"}, nil
	}
	if err != nil {
		return StopResult{}, fmt.Errorf("lookup sandbox: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.sb.KillBackground(gctx, projectID) })
	g.Go(func() error { return c.killPorts(gctx, sb) })
	if err := g.Wait(); err != nil {
		return StopResult{}, fmt.Errorf("stop dev server: %w", err)
	}
	metrics.IncStop()
	c.emit(ctx, history.Event{Type: history.EventStop, ProjectID: projectID, SandboxID: sb.ID})
	c.log.Info("dev server stopped", "project", projectID, "sandbox_id", sb.ID)
	return StopResult{Success: true, Message: "dev server stopped"}, nil
}

// Logs returns the last lines of the dev server log.
func (c *Controller) Logs(ctx context.Context, projectID string, lines int) ([]string, error) {
	sb, err := c.sb.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if lines <= 0 {
		lines = c.cfg.LogTailLines
	}
	return detector.Tail(ctx, c.sb, sb, c.cfg.LogFile, lines)
}

func (c *Controller) emit(ctx context.Context, e history.Event) {
	if c.history == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = c.now()
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.history.Send(hctx, e); err != nil {
		c.log.Warn("history export failed", "type", e.Type, "project", e.ProjectID, "error", err)
	}
}

// killPorts frees the well-known ports of sb. Backends sharing one port
// space between projects restrict this to the project's own listeners.
func (c *Controller) killPorts(ctx context.Context, sb *sandbox.Sandbox) error {
	if pk, ok := c.sb.(sandbox.PortKiller); ok {
		return pk.KillPorts(ctx, sb, c.cfg.Ports)
	}
	_, err := c.sb.Exec(ctx, sb, KillPortsCommand(c.cfg.Ports), sandbox.ExecOptions{})
	return err
}

// LaunchCommand installs dependencies when node_modules is missing and
// runs the dev script, sending all output to logFile.
func LaunchCommand(pm devserver.PackageManager, logFile string) string {
	return "{ [ -d node_modules ] || " + pm.InstallCommand() + "; " + pm.DevCommand() + "; } > " +
		shellquote.Join(logFile) + " 2>&1"
}

// KillPortsCommand frees every port in ports using fuser, or lsof when
// fuser is not installed. It always exits 0.
func KillPortsCommand(ports []int) string {
	ps := make([]string, len(ports))
	for i, p := range ports {
		ps[i] = strconv.Itoa(p)
	}
	return "for p in " + strings.Join(ps, " ") + "; do " +
		"if command -v fuser >/dev/null 2>&1; then fuser -k \"$p/tcp\" >/dev/null 2>&1; " +
		"elif command -v lsof >/dev/null 2>&1; then lsof -ti \"tcp:$p\" | xargs -r kill -9 2>/dev/null; fi; " +
		"done; exit 0"
}

func readinessOutcome(err error) string {
	switch {
	case errors.Is(err, devserver.ErrFatalLog):
		return "fatal"
	case errors.Is(err, devserver.ErrReadinessTimeout):
		return "timeout"
	default:
		return "error"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
