package client

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// State is the lifecycle state of a Poller.
type State string

const (
	StateIdle    State = "idle"
	StatePolling State = "polling"
	StateReady   State = "ready"
	StateStopped State = "stopped"
	StateError   State = "error"
)

// Backoff shapes the adaptive polling interval.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Factor: 1.5, Max: 10 * time.Second}
}

// NextInterval returns the delay before the next status fetch. A changed
// status resets the delay to Base; an unchanged one grows it by Factor up
// to Max.
func NextInterval(prev time.Duration, changed bool, cfg Backoff) time.Duration {
	if changed || prev <= 0 {
		return cfg.Base
	}
	next := time.Duration(float64(prev) * cfg.Factor)
	if next < prev {
		next = prev
	}
	if next > cfg.Max {
		next = cfg.Max
	}
	return next
}

// StatusHash fingerprints the fields of a status that matter for change
// detection: running flag, URL and error count.
func StatusHash(st Status) uint64 {
	h := fnv.New64a()
	if st.IsRunning {
		_, _ = h.Write([]byte{1})
	} else {
		_, _ = h.Write([]byte{0})
	}
	_, _ = h.Write([]byte(st.URLValue()))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(strconv.Itoa(len(st.Errors))))
	return h.Sum64()
}

// API is the part of Client used by a Poller.
type API interface {
	Status(ctx context.Context, projectID string, withLogs bool) (Status, error)
	Start(ctx context.Context, projectID string, req StartRequest) (StartResult, error)
	Stop(ctx context.Context, projectID string) (StopResult, error)
	Logs(ctx context.Context, projectID string, lines int) ([]string, error)
}

var _ API = (*Client)(nil)

type PollerConfig struct {
	ProjectID   string
	ProjectName string
	SandboxID   string

	Backoff     Backoff
	MaxFailures int
	// KeepWatching keeps polling at the capped cadence after the server
	// became ready so a crash is noticed.
	KeepWatching bool

	// OnReady runs once per not-running to running transition. Callbacks
	// may call Stop, Restart or Close on the poller.
	OnReady func(Status)
	// OnStatus runs for every fetched status whose fingerprint changed.
	OnStatus func(Status)
	Logger   *slog.Logger
}

// readyLatch delivers one value per arming: fire sends on and closes the
// current channel, so a second fire cannot deliver again until rearm
// hands out a fresh channel.
type readyLatch struct {
	mu    sync.Mutex
	fired bool
	ch    chan Status
}

func newReadyLatch() *readyLatch {
	return &readyLatch{ch: make(chan Status, 1)}
}

func (l *readyLatch) fire(st Status) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fired {
		return false
	}
	l.fired = true
	l.ch <- st
	close(l.ch)
	return true
}

// rearm replaces a fired latch; an unfired one keeps its channel so
// existing waiters are not stranded.
func (l *readyLatch) rearm() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.fired {
		return
	}
	l.fired = false
	l.ch = make(chan Status, 1)
}

func (l *readyLatch) wait() <-chan Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ch
}

// Poller follows the dev server of one project: it starts or stops it and
// polls its status with an adaptive interval until it becomes ready.
// Fetches within a session are strictly sequential.
type Poller struct {
	api API
	cfg PollerConfig
	log *slog.Logger

	root     context.Context
	rootStop context.CancelFunc
	latch    *readyLatch

	mu          sync.Mutex
	state       State
	err         error
	status      Status
	wasRunning  bool
	gen         uint64             // bumped by halt; stale Starts do not poll
	startCancel context.CancelFunc // in-flight start request
	cancel      context.CancelFunc
	done        chan struct{}
	inCallback  chan struct{} // done of the session running a callback
}

func NewPoller(api API, cfg PollerConfig) *Poller {
	def := DefaultBackoff()
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff.Base = def.Base
	}
	if cfg.Backoff.Factor < 1 {
		cfg.Backoff.Factor = def.Factor
	}
	if cfg.Backoff.Max < cfg.Backoff.Base {
		cfg.Backoff.Max = max(def.Max, cfg.Backoff.Base)
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	root, stop := context.WithCancel(context.Background())
	return &Poller{
		api:      api,
		cfg:      cfg,
		log:      cfg.Logger.With("project", cfg.ProjectID),
		root:     root,
		rootStop: stop,
		latch:    newReadyLatch(),
		state:    StateIdle,
	}
}

func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Err returns the most recent failure. It is cleared by the next
// successful operation.
func (p *Poller) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Status returns the last observed status.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Ready returns a channel that receives the status once the server becomes
// ready. After the server goes down again a new channel is handed out.
func (p *Poller) Ready() <-chan Status { return p.latch.wait() }

// Done is closed when the current polling session ends.
func (p *Poller) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return p.done
}

// Start requests a start and polls until the server is ready. A response
// that already carries a URL makes the poller ready without polling.
// A Stop, Restart or Close issued while the request is pending cancels it,
// and Start then returns ErrHalted without polling.
func (p *Poller) Start(ctx context.Context, forceRestart bool) error {
	gen := p.halt()
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		return ErrHalted
	}
	p.startCancel = cancel
	p.state = StatePolling
	p.mu.Unlock()

	res, err := p.api.Start(sctx, p.cfg.ProjectID, StartRequest{
		ProjectName:  p.cfg.ProjectName,
		SandboxID:    p.cfg.SandboxID,
		ForceRestart: forceRestart,
	})

	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		return ErrHalted
	}
	p.startCancel = nil
	if err != nil {
		p.err = err
		p.state = StateError
		p.mu.Unlock()
		return err
	}
	p.err = nil
	if res.SandboxID != "" {
		p.cfg.SandboxID = res.SandboxID
	}
	p.mu.Unlock()

	if res.URL != nil && *res.URL != "" {
		st := Status{IsRunning: true, Port: res.Port, URL: res.URL, Errors: []string{}, LastChecked: time.Now()}
		if p.observe(st) && p.cfg.OnReady != nil {
			p.cfg.OnReady(st)
		}
		if !p.cfg.KeepWatching {
			return nil
		}
	}
	p.run(gen)
	return nil
}

// Restart force-restarts the dev server.
func (p *Poller) Restart(ctx context.Context) error {
	return p.Start(ctx, true)
}

// Stop ends polling and stops the dev server.
func (p *Poller) Stop(ctx context.Context) error {
	p.halt()
	if _, err := p.api.Stop(ctx, p.cfg.ProjectID); err != nil {
		p.fail(err)
		return err
	}
	p.mu.Lock()
	p.err = nil
	p.state = StateStopped
	p.wasRunning = false
	p.status = Status{Errors: []string{}, LastChecked: time.Now()}
	p.mu.Unlock()
	p.latch.rearm()
	return nil
}

// Refresh fetches the status once, outside the polling schedule.
func (p *Poller) Refresh(ctx context.Context) (Status, error) {
	st, err := p.api.Status(ctx, p.cfg.ProjectID, false)
	if err != nil {
		p.recordErr(err)
		return Status{}, err
	}
	if p.observe(st) && p.cfg.OnReady != nil {
		p.cfg.OnReady(st)
	}
	return st, nil
}

func (p *Poller) Logs(ctx context.Context) ([]string, error) {
	lines, err := p.api.Logs(ctx, p.cfg.ProjectID, 0)
	if err != nil {
		p.recordErr(err)
		return nil, err
	}
	return lines, nil
}

// Close stops polling for good. The dev server is left alone.
func (p *Poller) Close() {
	p.halt()
	p.rootStop()
}

func (p *Poller) recordErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *Poller) fail(err error) {
	p.mu.Lock()
	p.err = err
	p.state = StateError
	p.mu.Unlock()
}

// observe records a successful fetch and drives the ready latch. It
// reports whether this status fired the latch; the caller runs OnReady.
func (p *Poller) observe(st Status) (fired bool) {
	ready := st.Ready()
	p.mu.Lock()
	wasRunning := p.wasRunning
	p.wasRunning = ready
	p.status = st
	p.err = nil
	if ready {
		p.state = StateReady
	} else if p.state == StateReady || p.state == StateError {
		p.state = StatePolling
	}
	p.mu.Unlock()

	switch {
	case ready:
		if p.latch.fire(st) {
			p.log.Info("dev server ready", "url", st.URLValue())
			return true
		}
	case wasRunning:
		p.log.Info("dev server went down")
		p.latch.rearm()
	}
	return false
}

// run starts a polling session unless a halt happened after generation
// gen was taken.
func (p *Poller) run(gen uint64) {
	ctx, cancel := context.WithCancel(p.root)
	done := make(chan struct{})
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen {
		cancel()
		return
	}
	p.cancel = cancel
	p.done = done
	go p.loop(ctx, done)
}

// halt cancels a pending start request and the running session, including
// its in-flight fetch and pending timer, and waits for the session to exit.
// Called from one of the session's own callbacks it only cancels: the
// session ends as soon as the callback returns. It returns the new
// generation.
func (p *Poller) halt() uint64 {
	p.mu.Lock()
	p.gen++
	gen := p.gen
	cancel, done, startCancel := p.cancel, p.done, p.startCancel
	wait := done != nil && done != p.inCallback
	p.cancel, p.startCancel = nil, nil
	p.mu.Unlock()
	if startCancel != nil {
		startCancel()
	}
	if cancel != nil {
		cancel()
		if wait {
			<-done
		}
	}
	return gen
}

// callback runs fn on the session identified by done, marking it so that a
// halt from inside fn does not wait for the session to end.
func (p *Poller) callback(done chan struct{}, fn func()) {
	p.mu.Lock()
	p.inCallback = done
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if p.inCallback == done {
			p.inCallback = nil
		}
		p.mu.Unlock()
	}()
	fn()
}

func (p *Poller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	var (
		interval time.Duration
		lastHash uint64
		hashed   bool
		failures int
		stopLast = func() {}
	)
	defer func() { stopLast() }()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		stopLast()
		fctx, cancel := context.WithCancel(ctx)
		stopLast = cancel
		st, err := p.api.Status(fctx, p.cfg.ProjectID, false)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			p.recordErr(err)
			p.log.Debug("status fetch failed", "failures", failures, "error", err)
			if failures > p.cfg.MaxFailures {
				p.fail(fmt.Errorf("%w: %d consecutive failures: %v", ErrStatusUnreachable, failures, err))
				p.log.Warn("status polling halted", "failures", failures, "error", err)
				return
			}
			interval = NextInterval(interval, false, p.cfg.Backoff)
			timer.Reset(interval)
			continue
		}
		failures = 0

		h := StatusHash(st)
		changed := !hashed || h != lastHash
		lastHash, hashed = h, true
		fired := p.observe(st)
		if fired && p.cfg.OnReady != nil {
			p.callback(done, func() { p.cfg.OnReady(st) })
		}
		if changed && p.cfg.OnStatus != nil && ctx.Err() == nil {
			p.callback(done, func() { p.cfg.OnStatus(st) })
		}
		if ctx.Err() != nil {
			return
		}
		if st.Ready() && !p.cfg.KeepWatching {
			return
		}
		interval = NextInterval(interval, changed, p.cfg.Backoff)
		timer.Reset(interval)
	}
}
