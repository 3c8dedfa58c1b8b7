package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

const backendLocal = "local"

// LocalConfig configures a LocalBackend.
type LocalConfig struct {
	Root        string        // parent directory of per-project workspaces
	Host        string        // host used in preview URLs (default localhost)
	ExecTimeout time.Duration // default per-command timeout
	StopTimeout time.Duration // grace period between SIGTERM and SIGKILL
	Logger      *slog.Logger
}

// LocalBackend runs sandboxes as workspace directories on the current host.
// Background processes get their own session so the whole tree can be
// signalled at once. Projects share the host's port space, so a listener
// counts for a project only when it belongs to the project's tracked
// process group or runs inside its workspace.
type LocalBackend struct {
	cfg LocalConfig
	reg *Registry
	log *slog.Logger

	mu     sync.Mutex
	procs  map[string]*bgProc // projectID -> background process
	closed bool
}

type bgProc struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func NewLocalBackend(cfg LocalConfig) (*LocalBackend, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, errors.New("local sandbox root required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create sandbox root: %w", err)
	}
	cfg.Root = root
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 3 * time.Second
	}
	lg := cfg.Logger
	if lg == nil {
		lg = slog.Default()
	}
	return &LocalBackend{
		cfg:   cfg,
		reg:   NewRegistry(),
		log:   lg.With("component", "sandbox.local"),
		procs: make(map[string]*bgProc),
	}, nil
}

func (b *LocalBackend) workspace(projectID string) string {
	return filepath.Join(b.cfg.Root, projectID)
}

func (b *LocalBackend) Create(_ context.Context, projectID string) (*Sandbox, error) {
	if sb, ok := b.reg.Get(projectID); ok {
		return sb, nil
	}
	dir := b.workspace(projectID)
	sb := &Sandbox{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Backend:   backendLocal,
		Workdir:   dir,
		CreatedAt: time.Now(),
	}
	b.reg.Put(sb)
	b.log.Info("sandbox created", "project", projectID, "sandbox_id", sb.ID, "workdir", dir)
	return sb, nil
}

// Connect resumes a sandbox handle this backend still tracks. Handles do not
// survive a daemon restart; callers fall back to Create.
func (b *LocalBackend) Connect(_ context.Context, projectID, sandboxID string, _ ConnectOptions) (*Sandbox, error) {
	sb, ok := b.reg.FindByID(sandboxID)
	if !ok || sb.ProjectID != projectID {
		return nil, fmt.Errorf("connect %s: %w", sandboxID, ErrNotFound)
	}
	if _, err := os.Stat(sb.Workdir); err != nil {
		b.reg.Delete(projectID)
		return nil, fmt.Errorf("connect %s: %w", sandboxID, ErrNotFound)
	}
	return sb, nil
}

func (b *LocalBackend) Get(_ context.Context, projectID string) (*Sandbox, error) {
	sb, ok := b.reg.Get(projectID)
	if !ok {
		return nil, ErrNotFound
	}
	return sb, nil
}

func (b *LocalBackend) Exec(ctx context.Context, sb *Sandbox, command string, opts ExecOptions) (ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, execTimeout(opts, b.cfg.ExecTimeout))
	defer cancel()

	// #nosec G204 -- commands are built by the controller, not taken from requests
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = sb.Workdir
	if opts.WorkDir != "" {
		cmd.Dir = opts.WorkDir
	}
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killGroup(cmd.Process.Pid) }
	cmd.WaitDelay = time.Second
	var out bytes.Buffer
	cmd.Stdout = &out

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return ExecResult{Stdout: out.String(), ExitCode: -1}, fmt.Errorf("%q: %w", firstWord(command), ErrCommandTimeout)
	}
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return ExecResult{Stdout: out.String(), ExitCode: ee.ExitCode()}, nil
		}
		return ExecResult{ExitCode: -1}, fmt.Errorf("exec: %w", err)
	}
	return ExecResult{Stdout: out.String()}, nil
}

func (b *LocalBackend) StartBackground(_ context.Context, sb *Sandbox, command string, opts BackgroundOptions) error {
	projectID := opts.ProjectID
	if projectID == "" {
		projectID = sb.ProjectID
	}
	// #nosec G204 -- see Exec
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = sb.Workdir
	if opts.WorkDir != "" {
		cmd.Dir = opts.WorkDir
	}
	setSession(cmd)
	null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = null, null, null

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = null.Close()
		return ErrClosed
	}
	if err := cmd.Start(); err != nil {
		b.mu.Unlock()
		_ = null.Close()
		return fmt.Errorf("start background process: %w", err)
	}
	p := &bgProc{cmd: cmd, done: make(chan struct{})}
	b.procs[projectID] = p
	b.mu.Unlock()

	b.log.Info("background process started", "project", projectID, "pid", cmd.Process.Pid)
	go func() {
		_ = cmd.Wait()
		_ = null.Close()
		close(p.done)
		b.mu.Lock()
		if cur, ok := b.procs[projectID]; ok && cur == p {
			delete(b.procs, projectID)
		}
		b.mu.Unlock()
	}()
	return nil
}

func (b *LocalBackend) KillBackground(ctx context.Context, projectID string) error {
	b.mu.Lock()
	p, ok := b.procs[projectID]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return b.stop(ctx, projectID, p)
}

func (b *LocalBackend) stop(ctx context.Context, projectID string, p *bgProc) error {
	pid := p.cmd.Process.Pid
	if err := termGroup(pid); err != nil {
		b.log.Debug("terminate process group failed", "project", projectID, "pid", pid, "error", err)
	}
	t := time.NewTimer(b.cfg.StopTimeout)
	defer t.Stop()
	select {
	case <-p.done:
		return nil
	case <-t.C:
	case <-ctx.Done():
	}
	if err := killGroup(pid); err != nil {
		return fmt.Errorf("kill process group %d: %w", pid, err)
	}
	b.log.Warn("background process killed after grace period", "project", projectID, "pid", pid)
	return nil
}

// CheckDevServer scans the host socket table for listeners on ports that
// belong to sb's project.
func (b *LocalBackend) CheckDevServer(ctx context.Context, sb *Sandbox, ports []int) (PortStatus, error) {
	owned, err := b.listeners(ctx, sb, ports)
	if err != nil {
		return PortStatus{}, err
	}
	listening := make(map[int]struct{}, len(owned))
	for port := range owned {
		listening[port] = struct{}{}
	}
	if p, ok := firstListening(ports, listening); ok {
		return PortStatus{IsRunning: true, Port: p}, nil
	}
	return PortStatus{}, nil
}

// KillPorts kills the project's processes listening on ports. Listeners of
// other projects and unrelated host processes are left alone.
func (b *LocalBackend) KillPorts(ctx context.Context, sb *Sandbox, ports []int) error {
	owned, err := b.listeners(ctx, sb, ports)
	if err != nil {
		return err
	}
	var errs []error
	for port, pid := range owned {
		if err := killPid(pid); err != nil {
			errs = append(errs, fmt.Errorf("kill pid %d on port %d: %w", pid, port, err))
			continue
		}
		b.log.Info("killed port listener", "project", sb.ProjectID, "port", port, "pid", pid)
	}
	return errors.Join(errs...)
}

// listeners maps each port in ports to the pid of a listener owned by sb's
// project. Sockets whose pid is unknown (another user's process) are skipped.
func (b *LocalBackend) listeners(ctx context.Context, sb *Sandbox, ports []int) (map[int]int32, error) {
	conns, err := psnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, fmt.Errorf("scan sockets: %w", err)
	}
	wanted := make(map[int]struct{}, len(ports))
	for _, p := range ports {
		wanted[p] = struct{}{}
	}
	owned := make(map[int]int32)
	for _, c := range conns {
		port := int(c.Laddr.Port)
		if c.Status != "LISTEN" || c.Pid <= 0 {
			continue
		}
		if _, ok := wanted[port]; !ok {
			continue
		}
		if _, seen := owned[port]; seen {
			continue
		}
		if b.owns(ctx, sb, c.Pid) {
			owned[port] = c.Pid
		}
	}
	return owned, nil
}

// owns reports whether pid belongs to sb's project: it is in the process
// group of the tracked background process, or its working directory is
// inside the workspace.
func (b *LocalBackend) owns(ctx context.Context, sb *Sandbox, pid int32) bool {
	b.mu.Lock()
	p, tracked := b.procs[sb.ProjectID]
	b.mu.Unlock()
	if tracked {
		if g, err := processGroup(int(pid)); err == nil && g == p.cmd.Process.Pid {
			return true
		}
	}
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return false
	}
	cwd, err := proc.CwdWithContext(ctx)
	if err != nil {
		return false
	}
	return within(cwd, sb.Workdir)
}

// within reports whether path is dir or below it, following symlinks in
// dir so /tmp and /private/tmp style aliases compare equal.
func within(path, dir string) bool {
	if dir == "" || path == "" {
		return false
	}
	dirs := []string{filepath.Clean(dir)}
	if real, err := filepath.EvalSymlinks(dir); err == nil && real != dirs[0] {
		dirs = append(dirs, real)
	}
	for _, d := range dirs {
		rel, err := filepath.Rel(d, filepath.Clean(path))
		if err != nil {
			continue
		}
		if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
			return true
		}
	}
	return false
}

func (b *LocalBackend) HostURL(_ context.Context, _ *Sandbox, port int) (string, error) {
	if port <= 0 {
		return "", fmt.Errorf("invalid port %d", port)
	}
	return fmt.Sprintf("http://%s:%d", b.cfg.Host, port), nil
}

// Close stops every tracked background process.
func (b *LocalBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	procs := make(map[string]*bgProc, len(b.procs))
	for k, v := range b.procs {
		procs[k] = v
	}
	b.mu.Unlock()

	var errs []error
	for id, p := range procs {
		if err := b.stop(context.Background(), id, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func firstWord(s string) string {
	f := strings.Fields(s)
	if len(f) == 0 {
		return ""
	}
	return f[0]
}
