package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func running(u string) Status {
	port := 3000
	return Status{IsRunning: true, Port: &port, URL: &u, Errors: []string{}}
}

func down() Status { return Status{Errors: []string{}} }

// scriptedAPI replays a status sequence; the last entry repeats.
type scriptedAPI struct {
	mu       sync.Mutex
	statuses []Status
	statusFn func(ctx context.Context) (Status, error)
	startFn  func(ctx context.Context) (StartResult, error)
	startRes StartResult
	startErr error

	statusCalls atomic.Int32
	startCalls  atomic.Int32
	stopCalls   atomic.Int32
	lastStart   StartRequest
}

func (a *scriptedAPI) Status(ctx context.Context, _ string, _ bool) (Status, error) {
	a.statusCalls.Add(1)
	if a.statusFn != nil {
		return a.statusFn(ctx)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.statuses[0]
	if len(a.statuses) > 1 {
		a.statuses = a.statuses[1:]
	}
	return st, nil
}

func (a *scriptedAPI) Start(ctx context.Context, _ string, req StartRequest) (StartResult, error) {
	a.startCalls.Add(1)
	a.mu.Lock()
	a.lastStart = req
	a.mu.Unlock()
	if a.startFn != nil {
		return a.startFn(ctx)
	}
	return a.startRes, a.startErr
}

func (a *scriptedAPI) Stop(context.Context, string) (StopResult, error) {
	a.stopCalls.Add(1)
	return StopResult{Success: true}, nil
}

func (a *scriptedAPI) Logs(context.Context, string, int) ([]string, error) {
	return []string{"ready"}, nil
}

func fastBackoff() Backoff {
	return Backoff{Base: time.Millisecond, Factor: 1.5, Max: 5 * time.Millisecond}
}

func waitDone(t *testing.T, p *Poller) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("polling session did not end")
	}
}

func TestNextIntervalBackoff(t *testing.T) {
	cfg := DefaultBackoff()
	prev := NextInterval(0, false, cfg)
	assert.Equal(t, cfg.Base, prev)
	for i := 0; i < 20; i++ {
		next := NextInterval(prev, false, cfg)
		assert.GreaterOrEqual(t, next, prev)
		assert.LessOrEqual(t, next, cfg.Max)
		prev = next
	}
	assert.Equal(t, cfg.Max, prev)
	assert.Equal(t, cfg.Base, NextInterval(prev, true, cfg))
	assert.Equal(t, 1500*time.Millisecond, NextInterval(time.Second, false, cfg))
}

func TestStatusHash(t *testing.T) {
	assert.Equal(t, StatusHash(running("http://a")), StatusHash(running("http://a")))
	assert.NotEqual(t, StatusHash(running("http://a")), StatusHash(running("http://b")))
	assert.NotEqual(t, StatusHash(down()), StatusHash(running("http://a")))

	withErr := down()
	withErr.Errors = []string{"check failed"}
	assert.NotEqual(t, StatusHash(down()), StatusHash(withErr))

	// timestamps and logs are not part of the fingerprint
	a, b := down(), down()
	a.LastChecked = time.Now()
	b.Logs = []string{"x"}
	assert.Equal(t, StatusHash(a), StatusHash(b))
}

func TestReadyFiresOncePerTransition(t *testing.T) {
	var fired int
	seq := []Status{down(), down(), running("http://x"), running("http://x"), down(), running("http://x")}
	api := &scriptedAPI{statuses: append([]Status(nil), seq...)}
	p := NewPoller(api, PollerConfig{ProjectID: "p1", OnReady: func(Status) { fired++ }})
	defer p.Close()

	for range seq {
		_, err := p.Refresh(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 2, fired)
	assert.Equal(t, StateReady, p.State())
}

func TestReadyChannelIsRearmed(t *testing.T) {
	p := NewPoller(&scriptedAPI{}, PollerConfig{ProjectID: "p1"})
	defer p.Close()

	first := p.Ready()
	p.observe(running("http://one"))
	st, ok := <-first
	require.True(t, ok)
	assert.Equal(t, "http://one", st.URLValue())
	_, ok = <-first
	assert.False(t, ok)

	p.observe(down())
	second := p.Ready()
	select {
	case <-second:
		t.Fatal("rearmed latch fired without a transition")
	default:
	}
	p.observe(running("http://two"))
	st = <-second
	assert.Equal(t, "http://two", st.URLValue())
}

func TestStartWithURLSkipsPolling(t *testing.T) {
	u, port := "http://localhost:3001", 3001
	api := &scriptedAPI{startRes: StartResult{Success: true, AlreadyRunning: true, URL: &u, Port: &port, SandboxID: "sbx"}}
	p := NewPoller(api, PollerConfig{ProjectID: "p1", ProjectName: "demo", Backoff: fastBackoff()})
	defer p.Close()

	require.NoError(t, p.Start(context.Background(), false))
	assert.Equal(t, StateReady, p.State())
	assert.Equal(t, int32(0), api.statusCalls.Load())
	assert.Equal(t, "demo", api.lastStart.ProjectName)
	assert.False(t, api.lastStart.WaitForReady)
	st := <-p.Ready()
	assert.Equal(t, 3001, st.PortValue())
}

func TestPollsUntilReady(t *testing.T) {
	api := &scriptedAPI{
		startRes: StartResult{Success: true, Starting: true, SandboxID: "sbx"},
		statuses: []Status{down(), down(), down(), running("http://x")},
	}
	var changes atomic.Int32
	p := NewPoller(api, PollerConfig{
		ProjectID: "p1",
		Backoff:   fastBackoff(),
		OnStatus:  func(Status) { changes.Add(1) },
	})
	defer p.Close()

	require.NoError(t, p.Start(context.Background(), false))
	select {
	case st := <-p.Ready():
		assert.Equal(t, "http://x", st.URLValue())
	case <-time.After(5 * time.Second):
		t.Fatal("never became ready")
	}
	waitDone(t, p)
	assert.Equal(t, StateReady, p.State())
	assert.NoError(t, p.Err())
	assert.Equal(t, int32(4), api.statusCalls.Load())
	// down -> running is the only change after the first fetch
	assert.Equal(t, int32(2), changes.Load())
}

func TestPollingHaltsAfterMaxFailures(t *testing.T) {
	api := &scriptedAPI{
		startRes: StartResult{Success: true, Starting: true},
		statusFn: func(context.Context) (Status, error) { return Status{}, errors.New("connection refused") },
	}
	p := NewPoller(api, PollerConfig{ProjectID: "p1", Backoff: fastBackoff(), MaxFailures: 3})
	defer p.Close()

	require.NoError(t, p.Start(context.Background(), false))
	waitDone(t, p)
	assert.Equal(t, StateError, p.State())
	assert.ErrorIs(t, p.Err(), ErrStatusUnreachable)
	assert.Equal(t, int32(4), api.statusCalls.Load())
}

func TestTransientFailuresDoNotHalt(t *testing.T) {
	var n atomic.Int32
	api := &scriptedAPI{
		startRes: StartResult{Success: true, Starting: true},
		statusFn: func(context.Context) (Status, error) {
			if n.Add(1)%2 == 1 {
				return Status{}, errors.New("flaky")
			}
			if n.Load() >= 8 {
				return running("http://x"), nil
			}
			return down(), nil
		},
	}
	p := NewPoller(api, PollerConfig{ProjectID: "p1", Backoff: fastBackoff(), MaxFailures: 2})
	defer p.Close()

	require.NoError(t, p.Start(context.Background(), false))
	waitDone(t, p)
	assert.Equal(t, StateReady, p.State())
	assert.NoError(t, p.Err())
}

func TestStopCancelsInFlightFetch(t *testing.T) {
	fetching := make(chan struct{})
	cancelled := make(chan struct{})
	var once sync.Once
	api := &scriptedAPI{
		startRes: StartResult{Success: true, Starting: true},
		statusFn: func(ctx context.Context) (Status, error) {
			once.Do(func() { close(fetching) })
			<-ctx.Done()
			select {
			case <-cancelled:
			default:
				close(cancelled)
			}
			return Status{}, ctx.Err()
		},
	}
	p := NewPoller(api, PollerConfig{ProjectID: "p1", Backoff: fastBackoff()})
	defer p.Close()

	require.NoError(t, p.Start(context.Background(), false))
	<-fetching
	require.NoError(t, p.Stop(context.Background()))

	select {
	case <-cancelled:
	default:
		t.Fatal("in-flight fetch was not cancelled before stop")
	}
	assert.Equal(t, StateStopped, p.State())
	assert.Equal(t, int32(1), api.stopCalls.Load())
	assert.Equal(t, int32(1), api.statusCalls.Load())
	assert.NoError(t, p.Err())
}

func TestRestartForcesStart(t *testing.T) {
	u := "http://x"
	api := &scriptedAPI{startRes: StartResult{Success: true, URL: &u}}
	p := NewPoller(api, PollerConfig{ProjectID: "p1"})
	defer p.Close()

	require.NoError(t, p.Restart(context.Background()))
	assert.True(t, api.lastStart.ForceRestart)
	assert.Equal(t, StateReady, p.State())
}

func TestStartFailureSetsError(t *testing.T) {
	api := &scriptedAPI{startErr: &APIError{StatusCode: 422, Message: "package.json missing"}}
	p := NewPoller(api, PollerConfig{ProjectID: "p1"})
	defer p.Close()

	err := p.Start(context.Background(), false)
	require.Error(t, err)
	assert.Equal(t, StateError, p.State())
	assert.Equal(t, err, p.Err())
}

func TestErrClearsOnNextSuccess(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	api := &scriptedAPI{statusFn: func(context.Context) (Status, error) {
		if fail.Load() {
			return Status{}, errors.New("boom")
		}
		return down(), nil
	}}
	p := NewPoller(api, PollerConfig{ProjectID: "p1"})
	defer p.Close()

	_, err := p.Refresh(context.Background())
	require.Error(t, err)
	assert.Error(t, p.Err())

	fail.Store(false)
	_, err = p.Refresh(context.Background())
	require.NoError(t, err)
	assert.NoError(t, p.Err())
}

func TestKeepWatchingSeesCrash(t *testing.T) {
	api := &scriptedAPI{
		startRes: StartResult{Success: true, Starting: true},
		statuses: []Status{running("http://x"), running("http://x"), down()},
	}
	var ready atomic.Int32
	p := NewPoller(api, PollerConfig{
		ProjectID:    "p1",
		Backoff:      fastBackoff(),
		KeepWatching: true,
		OnReady:      func(Status) { ready.Add(1) },
	})
	defer p.Close()

	require.NoError(t, p.Start(context.Background(), false))
	require.Eventually(t, func() bool {
		return api.statusCalls.Load() >= 4 && p.State() == StatePolling
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, int32(1), ready.Load())
	assert.False(t, p.Status().IsRunning)
}

func TestLogs(t *testing.T) {
	p := NewPoller(&scriptedAPI{}, PollerConfig{ProjectID: "p1"})
	defer p.Close()
	lines, err := p.Logs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ready"}, lines)
}

func TestStopFromOnReady(t *testing.T) {
	stopped := make(chan error, 1)
	api := &scriptedAPI{
		startRes: StartResult{Success: true, Starting: true},
		statuses: []Status{down(), running("http://x")},
	}
	var p *Poller
	p = NewPoller(api, PollerConfig{
		ProjectID: "p1",
		Backoff:   fastBackoff(),
		OnReady:   func(Status) { stopped <- p.Stop(context.Background()) },
	})
	defer p.Close()

	require.NoError(t, p.Start(context.Background(), false))
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Stop called from OnReady did not return")
	}
	waitDone(t, p)
	assert.Equal(t, StateStopped, p.State())
	assert.Equal(t, int32(1), api.stopCalls.Load())
}

func TestRestartFromOnStatus(t *testing.T) {
	restarted := make(chan error, 1)
	var once sync.Once
	api := &scriptedAPI{
		startRes: StartResult{Success: true, Starting: true},
		statuses: []Status{down(), running("http://x")},
	}
	var p *Poller
	p = NewPoller(api, PollerConfig{
		ProjectID: "p1",
		Backoff:   fastBackoff(),
		OnStatus: func(Status) {
			once.Do(func() { restarted <- p.Restart(context.Background()) })
		},
	})
	defer p.Close()

	require.NoError(t, p.Start(context.Background(), false))
	select {
	case err := <-restarted:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Restart called from OnStatus did not return")
	}
	assert.Equal(t, int32(2), api.startCalls.Load())
	assert.True(t, api.lastStart.ForceRestart)
	require.Eventually(t, func() bool { return p.State() == StateReady }, 3*time.Second, 5*time.Millisecond)
}

func TestStopCancelsPendingStart(t *testing.T) {
	api := &scriptedAPI{
		startFn: func(ctx context.Context) (StartResult, error) {
			<-ctx.Done()
			return StartResult{}, ctx.Err()
		},
		statuses: []Status{down()},
	}
	p := NewPoller(api, PollerConfig{ProjectID: "p1", Backoff: fastBackoff()})
	defer p.Close()

	started := make(chan error, 1)
	go func() { started <- p.Start(context.Background(), false) }()
	require.Eventually(t, func() bool { return api.startCalls.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, p.Stop(context.Background()))
	select {
	case err := <-started:
		assert.ErrorIs(t, err, ErrHalted)
	case <-time.After(3 * time.Second):
		t.Fatal("pending start was not cancelled")
	}
	assert.Equal(t, StateStopped, p.State())
	assert.NoError(t, p.Err())
}

func TestStartSupersededByStopDoesNotPoll(t *testing.T) {
	release := make(chan struct{})
	api := &scriptedAPI{
		// the server finishes the start even though the caller went away
		startFn: func(context.Context) (StartResult, error) {
			<-release
			return StartResult{Success: true, Starting: true}, nil
		},
		statuses: []Status{down()},
	}
	p := NewPoller(api, PollerConfig{ProjectID: "p1", Backoff: fastBackoff()})
	defer p.Close()

	started := make(chan error, 1)
	go func() { started <- p.Start(context.Background(), false) }()
	require.Eventually(t, func() bool { return api.startCalls.Load() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, p.Stop(context.Background()))
	close(release)

	assert.ErrorIs(t, <-started, ErrHalted)
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, api.statusCalls.Load())
	assert.Equal(t, StateStopped, p.State())
}
