package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"
)

const (
	backendDocker = "docker"

	labelProject = "previewr.project"
	labelSandbox = "previewr.sandbox"
)

// DockerConfig configures a DockerBackend.
type DockerConfig struct {
	Image       string
	Workdir     string // workspace path inside the container
	Ports       []int  // container ports published to the host
	MemoryMB    int
	CPULimit    float64
	Host        string // host used in preview URLs
	ExecTimeout time.Duration
	Logger      *slog.Logger
}

// DockerBackend keeps one long-lived container per project. Commands run
// through the exec API; the dev server runs as a detached exec whose
// process group id is recorded in a pid file inside the container.
type DockerBackend struct {
	cfg DockerConfig
	cli *client.Client
	reg *Registry
	log *slog.Logger

	mu      sync.Mutex
	pidFile map[string]string // projectID -> pid file of the background group
	closed  bool
}

func NewDockerBackend(ctx context.Context, cfg DockerConfig) (*DockerBackend, error) {
	if cfg.Image == "" {
		cfg.Image = "node:20-alpine"
	}
	if cfg.Workdir == "" {
		cfg.Workdir = "/workspace"
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	lg := cfg.Logger
	if lg == nil {
		lg = slog.Default()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("docker not reachable: %w", err)
	}
	return &DockerBackend{
		cfg:     cfg,
		cli:     cli,
		reg:     NewRegistry(),
		log:     lg.With("component", "sandbox.docker"),
		pidFile: make(map[string]string),
	}, nil
}

func (b *DockerBackend) Create(ctx context.Context, projectID string) (*Sandbox, error) {
	if sb, ok := b.reg.Get(projectID); ok {
		if b.running(ctx, sb.ContainerID) {
			return sb, nil
		}
		b.reg.Delete(projectID)
	}
	if sb, err := b.find(ctx, labelProject, projectID); err == nil {
		b.reg.Put(sb)
		return sb, nil
	}

	if err := b.ensureImage(ctx); err != nil {
		return nil, fmt.Errorf("ensure image: %w", err)
	}
	id := uuid.NewString()
	exposed, bindings, err := portSpec(b.cfg.Ports)
	if err != nil {
		return nil, err
	}
	ccfg := &container.Config{
		Image:        b.cfg.Image,
		Cmd:          []string{"sh", "-c", "mkdir -p " + shellquote.Join(b.cfg.Workdir) + "; while true; do sleep 3600; done"},
		WorkingDir:   "/",
		ExposedPorts: exposed,
		Labels: map[string]string{
			labelProject: projectID,
			labelSandbox: id,
		},
	}
	hcfg := &container.HostConfig{
		PortBindings: bindings,
		Resources: container.Resources{
			Memory:   int64(b.cfg.MemoryMB) * 1024 * 1024,
			NanoCPUs: int64(b.cfg.CPULimit * 1e9),
		},
	}
	resp, err := b.cli.ContainerCreate(ctx, ccfg, hcfg, nil, nil, "previewr-"+projectID)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	if err := b.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = b.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("start container: %w", err)
	}
	sb := &Sandbox{
		ID:          id,
		ProjectID:   projectID,
		Backend:     backendDocker,
		Workdir:     b.cfg.Workdir,
		ContainerID: resp.ID,
		CreatedAt:   time.Now(),
	}
	b.reg.Put(sb)
	b.log.Info("sandbox created", "project", projectID, "sandbox_id", id, "container", shortID(resp.ID))
	return sb, nil
}

func (b *DockerBackend) Connect(ctx context.Context, projectID, sandboxID string, opts ConnectOptions) (*Sandbox, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	if sb, ok := b.reg.FindByID(sandboxID); ok && sb.ProjectID == projectID && b.running(ctx, sb.ContainerID) {
		return sb, nil
	}
	sb, err := b.find(ctx, labelSandbox, sandboxID)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", sandboxID, err)
	}
	if sb.ProjectID != projectID {
		return nil, fmt.Errorf("connect %s: %w", sandboxID, ErrNotFound)
	}
	b.reg.Put(sb)
	return sb, nil
}

func (b *DockerBackend) Get(ctx context.Context, projectID string) (*Sandbox, error) {
	if sb, ok := b.reg.Get(projectID); ok {
		return sb, nil
	}
	sb, err := b.find(ctx, labelProject, projectID)
	if err != nil {
		return nil, err
	}
	b.reg.Put(sb)
	return sb, nil
}

// find looks up a running container by label.
func (b *DockerBackend) find(ctx context.Context, label, value string) (*Sandbox, error) {
	list, err := b.cli.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", label+"="+value)),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	c := list[0]
	return &Sandbox{
		ID:          c.Labels[labelSandbox],
		ProjectID:   c.Labels[labelProject],
		Backend:     backendDocker,
		Workdir:     b.cfg.Workdir,
		ContainerID: c.ID,
		CreatedAt:   time.Unix(c.Created, 0),
	}, nil
}

func (b *DockerBackend) running(ctx context.Context, containerID string) bool {
	info, err := b.cli.ContainerInspect(ctx, containerID)
	if err != nil || info.State == nil {
		return false
	}
	return info.State.Running
}

func (b *DockerBackend) Exec(ctx context.Context, sb *Sandbox, command string, opts ExecOptions) (ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, execTimeout(opts, b.cfg.ExecTimeout))
	defer cancel()

	wd := sb.Workdir
	if opts.WorkDir != "" {
		wd = opts.WorkDir
	}
	created, err := b.cli.ContainerExecCreate(ctx, sb.ContainerID, container.ExecOptions{
		Cmd:          []string{"sh", "-c", command},
		WorkingDir:   wd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{ExitCode: -1}, b.execErr(ctx, command, fmt.Errorf("create exec: %w", err))
	}
	attach, err := b.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{ExitCode: -1}, b.execErr(ctx, command, fmt.Errorf("attach exec: %w", err))
	}
	defer attach.Close()

	// the hijacked connection ignores ctx; close it to unblock the copy
	stop := context.AfterFunc(ctx, attach.Close)
	defer stop()

	var stdout bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, io.Discard, attach.Reader); err != nil && ctx.Err() == nil {
		return ExecResult{ExitCode: -1}, fmt.Errorf("read exec output: %w", err)
	}
	if ctx.Err() != nil {
		return ExecResult{Stdout: stdout.String(), ExitCode: -1}, b.execErr(ctx, command, ctx.Err())
	}
	inspect, err := b.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{ExitCode: -1}, b.execErr(ctx, command, fmt.Errorf("inspect exec: %w", err))
	}
	return ExecResult{Stdout: stdout.String(), ExitCode: inspect.ExitCode}, nil
}

func (b *DockerBackend) execErr(ctx context.Context, command string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%q: %w", firstWord(command), ErrCommandTimeout)
	}
	return err
}

// StartBackground runs command as a session leader inside the container so
// KillBackground can signal its whole process group.
func (b *DockerBackend) StartBackground(ctx context.Context, sb *Sandbox, command string, opts BackgroundOptions) error {
	projectID := opts.ProjectID
	if projectID == "" {
		projectID = sb.ProjectID
	}
	wd := sb.Workdir
	if opts.WorkDir != "" {
		wd = opts.WorkDir
	}
	pidFile := "/tmp/previewr-" + projectID + ".pid"
	wrapper := "echo $$ > " + shellquote.Join(pidFile) + "; exec sh -c " + shellquote.Join(command)

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	created, err := b.cli.ContainerExecCreate(ctx, sb.ContainerID, container.ExecOptions{
		Cmd:        []string{"setsid", "sh", "-c", wrapper},
		WorkingDir: wd,
		Detach:     true,
	})
	if err != nil {
		return fmt.Errorf("create background exec: %w", err)
	}
	if err := b.cli.ContainerExecStart(ctx, created.ID, container.ExecStartOptions{Detach: true}); err != nil {
		return fmt.Errorf("start background exec: %w", err)
	}
	b.mu.Lock()
	b.pidFile[projectID] = pidFile
	b.mu.Unlock()
	b.log.Info("background process started", "project", projectID, "container", shortID(sb.ContainerID))
	return nil
}

func (b *DockerBackend) KillBackground(ctx context.Context, projectID string) error {
	b.mu.Lock()
	pidFile, ok := b.pidFile[projectID]
	delete(b.pidFile, projectID)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	sb, err := b.Get(ctx, projectID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	f := shellquote.Join(pidFile)
	script := `[ -f ` + f + ` ] || exit 0; pg=$(cat ` + f + `); ` +
		`kill -TERM -- -"$pg" 2>/dev/null; ` +
		`for i in 1 2 3; do kill -0 -- -"$pg" 2>/dev/null || break; sleep 1; done; ` +
		`kill -KILL -- -"$pg" 2>/dev/null; rm -f ` + f + `; exit 0`
	if _, err := b.Exec(ctx, sb, script, ExecOptions{WorkDir: "/", Timeout: 10 * time.Second}); err != nil {
		return fmt.Errorf("kill background process: %w", err)
	}
	return nil
}

// CheckDevServer reads the container's kernel socket tables.
func (b *DockerBackend) CheckDevServer(ctx context.Context, sb *Sandbox, ports []int) (PortStatus, error) {
	res, err := b.Exec(ctx, sb, "cat /proc/net/tcp /proc/net/tcp6 2>/dev/null", ExecOptions{WorkDir: "/"})
	if err != nil {
		return PortStatus{}, err
	}
	if p, ok := firstListening(ports, ParseProcNetTCP(res.Stdout)); ok {
		return PortStatus{IsRunning: true, Port: p}, nil
	}
	return PortStatus{}, nil
}

// HostURL maps a container port to its published host port.
func (b *DockerBackend) HostURL(ctx context.Context, sb *Sandbox, port int) (string, error) {
	info, err := b.cli.ContainerInspect(ctx, sb.ContainerID)
	if err != nil {
		return "", fmt.Errorf("inspect container: %w", err)
	}
	if info.NetworkSettings == nil {
		return "", fmt.Errorf("container %s has no network settings", shortID(sb.ContainerID))
	}
	p, err := nat.NewPort("tcp", strconv.Itoa(port))
	if err != nil {
		return "", err
	}
	for _, binding := range info.NetworkSettings.Ports[p] {
		if binding.HostPort != "" {
			return fmt.Sprintf("http://%s:%s", b.cfg.Host, binding.HostPort), nil
		}
	}
	return "", fmt.Errorf("port %d is not published", port)
}

func (b *DockerBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return b.cli.Close()
}

func (b *DockerBackend) ensureImage(ctx context.Context) error {
	if _, err := b.cli.ImageInspect(ctx, b.cfg.Image); err == nil {
		return nil
	}
	rc, err := b.cli.ImagePull(ctx, b.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", b.cfg.Image, err)
	}
	defer func() { _ = rc.Close() }()
	_, _ = io.Copy(io.Discard, rc)
	return nil
}

func portSpec(ports []int) (nat.PortSet, nat.PortMap, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, port := range ports {
		p, err := nat.NewPort("tcp", strconv.Itoa(port))
		if err != nil {
			return nil, nil, fmt.Errorf("port %d: %w", port, err)
		}
		exposed[p] = struct{}{}
		bindings[p] = []nat.PortBinding{{HostIP: "127.0.0.1"}}
	}
	return exposed, bindings, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return strings.TrimSpace(id)
}
