// Package sandboxtest provides an in-process sandbox.Facade for tests.
package sandboxtest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/previewr/internal/sandbox"
)

// Fake runs check commands through a real /bin/sh inside per-project
// directories under Root, but never launches background commands. Listening
// ports are scripted with SetListening. Port-kill commands (fuser/lsof) are
// intercepted and counted instead of executed.
type Fake struct {
	Root string

	// OnStart, when set, is called after a background command is recorded.
	OnStart func(projectID, command string)
	// ConnectErr makes Connect fail, forcing the Create fallback.
	ConnectErr error
	// CheckErr makes CheckDevServer fail.
	CheckErr error

	mu        sync.Mutex
	sandboxes map[string]*sandbox.Sandbox
	listening map[string]map[int]struct{}
	commands  map[string][]string

	Creates   atomic.Int32
	Connects  atomic.Int32
	Starts    atomic.Int32
	Kills     atomic.Int32
	PortKills atomic.Int32
	Checks    atomic.Int32
}

var _ sandbox.Facade = (*Fake)(nil)

func New(root string) *Fake {
	return &Fake{
		Root:      root,
		sandboxes: make(map[string]*sandbox.Sandbox),
		listening: make(map[string]map[int]struct{}),
		commands:  make(map[string][]string),
	}
}

// Dir returns the project's workspace directory.
func (f *Fake) Dir(projectID string) string { return filepath.Join(f.Root, projectID) }

// WriteFile creates name (and the workspace) inside the project's workspace.
func (f *Fake) WriteFile(projectID, name, content string) error {
	p := filepath.Join(f.Dir(projectID), name)
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return err
	}
	return os.WriteFile(p, []byte(content), 0o600)
}

// SetListening marks port as bound (or unbound) for projectID.
func (f *Fake) SetListening(projectID string, port int, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.listening[projectID]
	if m == nil {
		m = make(map[int]struct{})
		f.listening[projectID] = m
	}
	if on {
		m[port] = struct{}{}
	} else {
		delete(m, port)
	}
}

// Commands returns the background commands started for projectID.
func (f *Fake) Commands(projectID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands[projectID]...)
}

func (f *Fake) Create(_ context.Context, projectID string) (*sandbox.Sandbox, error) {
	f.Creates.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if sb, ok := f.sandboxes[projectID]; ok {
		return sb, nil
	}
	sb := &sandbox.Sandbox{
		ID:        "sbx-" + projectID,
		ProjectID: projectID,
		Backend:   "fake",
		Workdir:   f.Dir(projectID),
		CreatedAt: time.Now(),
	}
	f.sandboxes[projectID] = sb
	return sb, nil
}

func (f *Fake) Connect(_ context.Context, projectID, sandboxID string, _ sandbox.ConnectOptions) (*sandbox.Sandbox, error) {
	f.Connects.Add(1)
	if f.ConnectErr != nil {
		return nil, f.ConnectErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sb, ok := f.sandboxes[projectID]
	if !ok || sb.ID != sandboxID {
		return nil, sandbox.ErrNotFound
	}
	return sb, nil
}

func (f *Fake) Get(_ context.Context, projectID string) (*sandbox.Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sb, ok := f.sandboxes[projectID]
	if !ok {
		return nil, sandbox.ErrNotFound
	}
	return sb, nil
}

func (f *Fake) Exec(ctx context.Context, sb *sandbox.Sandbox, command string, opts sandbox.ExecOptions) (sandbox.ExecResult, error) {
	if strings.Contains(command, "fuser") || strings.Contains(command, "lsof") {
		f.PortKills.Add(1)
		return sandbox.ExecResult{}, nil
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = sandbox.DefaultExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dir := sb.Workdir
	if opts.WorkDir != "" {
		dir = opts.WorkDir
	}
	if _, err := os.Stat(dir); err != nil {
		dir = f.Root
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	err := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return sandbox.ExecResult{ExitCode: -1}, sandbox.ErrCommandTimeout
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return sandbox.ExecResult{Stdout: out.String(), ExitCode: ee.ExitCode()}, nil
	}
	if err != nil {
		return sandbox.ExecResult{ExitCode: -1}, err
	}
	return sandbox.ExecResult{Stdout: out.String()}, nil
}

func (f *Fake) StartBackground(_ context.Context, sb *sandbox.Sandbox, command string, opts sandbox.BackgroundOptions) error {
	f.Starts.Add(1)
	id := opts.ProjectID
	if id == "" {
		id = sb.ProjectID
	}
	f.mu.Lock()
	f.commands[id] = append(f.commands[id], command)
	hook := f.OnStart
	f.mu.Unlock()
	if hook != nil {
		hook(id, command)
	}
	return nil
}

func (f *Fake) KillBackground(_ context.Context, _ string) error {
	f.Kills.Add(1)
	return nil
}

func (f *Fake) CheckDevServer(_ context.Context, sb *sandbox.Sandbox, ports []int) (sandbox.PortStatus, error) {
	f.Checks.Add(1)
	if f.CheckErr != nil {
		return sandbox.PortStatus{}, f.CheckErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.listening[sb.ProjectID]
	for _, p := range ports {
		if _, ok := m[p]; ok {
			return sandbox.PortStatus{IsRunning: true, Port: p}, nil
		}
	}
	return sandbox.PortStatus{}, nil
}

func (f *Fake) HostURL(_ context.Context, _ *sandbox.Sandbox, port int) (string, error) {
	return fmt.Sprintf("http://localhost:%d", port), nil
}

func (f *Fake) Close() error { return nil }
