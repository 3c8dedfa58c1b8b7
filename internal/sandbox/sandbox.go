package sandbox

import (
	"context"
	"errors"
	"time"
)

// DefaultExecTimeout bounds a single command when ExecOptions.Timeout is zero.
const DefaultExecTimeout = 10 * time.Second

var (
	ErrNotFound       = errors.New("sandbox not found")
	ErrCommandTimeout = errors.New("sandbox command timed out")
	ErrClosed         = errors.New("sandbox backend closed")
)

// Sandbox is a handle to an execution environment bound to one project.
type Sandbox struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Backend     string    `json:"backend"`
	Workdir     string    `json:"workdir"` // workspace root inside the sandbox
	ContainerID string    `json:"container_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type ExecOptions struct {
	Timeout time.Duration
	WorkDir string
}

type ExecResult struct {
	Stdout   string `json:"stdout"`
	ExitCode int    `json:"exit_code"`
}

// OK reports a zero exit code.
func (r ExecResult) OK() bool { return r.ExitCode == 0 }

type BackgroundOptions struct {
	WorkDir   string
	ProjectID string
}

type ConnectOptions struct {
	Timeout time.Duration
}

// PortStatus is the result of a listening-socket scan.
type PortStatus struct {
	IsRunning bool `json:"is_running"`
	Port      int  `json:"port"`
}

// Facade is the set of sandbox primitives the dev server controller drives.
// Implementations must be safe for concurrent use.
type Facade interface {
	// Create returns the project's sandbox, creating one when none is live.
	Create(ctx context.Context, projectID string) (*Sandbox, error)
	// Connect attaches to an existing sandbox by id.
	Connect(ctx context.Context, projectID, sandboxID string, opts ConnectOptions) (*Sandbox, error)
	// Get returns the tracked sandbox for a project or ErrNotFound.
	Get(ctx context.Context, projectID string) (*Sandbox, error)
	Exec(ctx context.Context, sb *Sandbox, command string, opts ExecOptions) (ExecResult, error)
	StartBackground(ctx context.Context, sb *Sandbox, command string, opts BackgroundOptions) error
	// KillBackground stops the process started for projectID. It is a no-op
	// when nothing is tracked.
	KillBackground(ctx context.Context, projectID string) error
	// CheckDevServer scans listening sockets for the first of ports in use.
	CheckDevServer(ctx context.Context, sb *Sandbox, ports []int) (PortStatus, error)
	HostURL(ctx context.Context, sb *Sandbox, port int) (string, error)
	Close() error
}

// PortKiller is implemented by backends whose port space is shared between
// projects. The controller uses it instead of a blanket port-kill command.
type PortKiller interface {
	KillPorts(ctx context.Context, sb *Sandbox, ports []int) error
}

var _ PortKiller = (*LocalBackend)(nil)

func execTimeout(opts ExecOptions, def time.Duration) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	if def > 0 {
		return def
	}
	return DefaultExecTimeout
}

// firstListening returns the first port from want that is present in
// listening, preserving the caller's preference order.
func firstListening(want []int, listening map[int]struct{}) (int, bool) {
	for _, p := range want {
		if _, ok := listening[p]; ok {
			return p, true
		}
	}
	return 0, false
}
