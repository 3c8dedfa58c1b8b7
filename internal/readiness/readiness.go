// Package readiness waits for a freshly launched dev server to come up.
package readiness

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/previewr/internal/detector"
	"github.com/loykin/previewr/internal/devserver"
	"github.com/loykin/previewr/internal/sandbox"
)

const (
	EvidenceLogAndSocket = "log+socket"
	EvidenceSocket       = "socket"

	hintTimeout = "the dev server may still be starting; retry in a few seconds or inspect the logs"
	hintFatal   = "fix the error shown in the logs and restart the dev server"
)

type Config struct {
	Timeout         time.Duration // ceiling for the whole wait
	LogFile         string
	Ports           []int
	FatalCheckEvery int           // run the fatal scan every N iterations
	MinFatalElapsed time.Duration // ignore fatal lines logged earlier than this
	TailLines       int
	Logger          *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = devserver.ReadyTimeout
	}
	if c.LogFile == "" {
		c.LogFile = devserver.LogFileName
	}
	if len(c.Ports) == 0 {
		c.Ports = devserver.Ports()
	}
	if c.FatalCheckEvery <= 0 {
		c.FatalCheckEvery = 5
	}
	if c.MinFatalElapsed <= 0 {
		c.MinFatalElapsed = 10 * time.Second
	}
	if c.TailLines <= 0 {
		c.TailLines = devserver.LogTailLines
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Result describes a successful wait.
type Result struct {
	Port       int
	Evidence   string
	Iterations int
	Elapsed    time.Duration
}

// Poller runs the bounded readiness loop.
type Poller struct {
	cfg    Config
	runner detector.Runner
	marker detector.Detector
	socket detector.Detector
	fatal  detector.Detector

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

type Option func(*Poller)

// WithClock replaces the time source and sleeper, for tests.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(p *Poller) {
		p.now = now
		p.sleep = sleep
	}
}

func New(runner detector.Runner, cfg Config, opts ...Option) *Poller {
	cfg = cfg.withDefaults()
	p := &Poller{
		cfg:    cfg,
		runner: runner,
		marker: detector.LogMarker{Runner: runner, LogFile: cfg.LogFile},
		socket: detector.Socket{Runner: runner, Ports: cfg.Ports},
		fatal:  detector.FatalLog{Runner: runner, LogFile: cfg.LogFile, Lines: cfg.TailLines},
		now:    time.Now,
		sleep:  sleepCtx,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Interval is the pause after iteration i: 1s for the first five
// iterations, 2s for the next ten, 3s after that.
func Interval(i int) time.Duration {
	switch {
	case i < 5:
		return time.Second
	case i < 15:
		return 2 * time.Second
	default:
		return 3 * time.Second
	}
}

// Wait polls sb until the dev server is confirmed ready, a fatal log line
// shows up, the timeout elapses or ctx is done. Readiness needs a listening
// socket: a log marker alone is never enough. Check errors are treated as
// "not yet" and retried on the next iteration.
func (p *Poller) Wait(ctx context.Context, sb *sandbox.Sandbox) (Result, error) {
	log := p.cfg.Logger.With("project", sb.ProjectID, "sandbox_id", sb.ID)
	start := p.now()
	deadline := start.Add(p.cfg.Timeout)

	for i := 0; ; i++ {
		if port, evidence, ok := p.confirm(ctx, sb, log); ok {
			res := Result{Port: port, Evidence: evidence, Iterations: i + 1, Elapsed: p.now().Sub(start)}
			log.Info("dev server ready", "port", port, "evidence", evidence, "iterations", res.Iterations, "elapsed", res.Elapsed)
			return res, nil
		}

		elapsed := p.now().Sub(start)
		if (i+1)%p.cfg.FatalCheckEvery == 0 && elapsed >= p.cfg.MinFatalElapsed {
			ev, err := p.fatal.Detect(ctx, sb)
			if err != nil {
				log.Debug("fatal log check failed", "error", err)
			} else if ev.Found {
				log.Warn("dev server reported a fatal error", "detail", ev.Detail, "elapsed", elapsed)
				return Result{Iterations: i + 1, Elapsed: elapsed}, p.failure(ctx, sb, fmt.Errorf("%w: %s", devserver.ErrFatalLog, ev.Detail), hintFatal)
			}
		}

		wait := Interval(i)
		if remaining := deadline.Sub(p.now()); remaining <= 0 {
			log.Warn("dev server readiness timed out", "timeout", p.cfg.Timeout, "iterations", i+1)
			return Result{Iterations: i + 1, Elapsed: p.now().Sub(start)}, p.failure(ctx, sb, devserver.ErrReadinessTimeout, hintTimeout)
		} else if wait > remaining {
			wait = remaining
		}
		if err := p.sleep(ctx, wait); err != nil {
			return Result{Iterations: i + 1, Elapsed: p.now().Sub(start)}, err
		}
	}
}

// confirm runs the combined log check and confirms it against the socket
// table, falling back to a scan of every expected port.
func (p *Poller) confirm(ctx context.Context, sb *sandbox.Sandbox, log *slog.Logger) (int, string, bool) {
	marker, err := p.marker.Detect(ctx, sb)
	if err != nil {
		log.Debug("log marker check failed", "error", err)
	}
	if marker.Found && marker.Port > 0 {
		ev, err := detector.Socket{Runner: p.runner, Ports: []int{marker.Port}}.Detect(ctx, sb)
		if err != nil {
			log.Debug("socket check failed", "port", marker.Port, "error", err)
		} else if ev.Found {
			return ev.Port, EvidenceLogAndSocket, true
		}
	}
	ev, err := p.socket.Detect(ctx, sb)
	if err != nil {
		log.Debug("port scan failed", "error", err)
		return 0, "", false
	}
	if ev.Found {
		return ev.Port, EvidenceSocket, true
	}
	return 0, "", false
}

func (p *Poller) failure(ctx context.Context, sb *sandbox.Sandbox, cause error, hint string) error {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sandbox.DefaultExecTimeout)
	defer cancel()
	lines, err := detector.Tail(tctx, p.runner, sb, p.cfg.LogFile, p.cfg.TailLines)
	if err != nil {
		p.cfg.Logger.Debug("read log tail failed", "project", sb.ProjectID, "error", err)
	}
	return &devserver.StartError{Err: cause, Logs: lines, Hint: hint}
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
