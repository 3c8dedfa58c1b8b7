// Package detector gathers the evidence used to decide whether a dev server
// is up: log markers written by the server and listening sockets reported by
// the kernel. It also recognizes fatal startup errors in the log.
package detector

import (
	"context"
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/loykin/previewr/internal/sandbox"
)

// Runner is the part of the sandbox facade the detectors use.
type Runner interface {
	Exec(ctx context.Context, sb *sandbox.Sandbox, command string, opts sandbox.ExecOptions) (sandbox.ExecResult, error)
	CheckDevServer(ctx context.Context, sb *sandbox.Sandbox, ports []int) (sandbox.PortStatus, error)
}

// Evidence is the outcome of one detector run.
type Evidence struct {
	Found  bool
	Port   int    // 0 when the detector could not tell
	Detail string // matched marker or fatal pattern
}

// Detector is one readiness evidence strategy. It must be safe for
// concurrent use.
type Detector interface {
	Detect(ctx context.Context, sb *sandbox.Sandbox) (Evidence, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// Tail returns up to n trailing lines of file inside the sandbox. A missing
// file yields no lines and no error.
func Tail(ctx context.Context, p Runner, sb *sandbox.Sandbox, file string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	cmd := "tail -n " + strconv.Itoa(n) + " " + shellquote.Join(file) + " 2>/dev/null || true"
	res, err := p.Exec(ctx, sb, cmd, sandbox.ExecOptions{})
	if err != nil {
		return nil, err
	}
	return splitLines(res.Stdout), nil
}

func splitLines(s string) []string {
	s = strings.TrimRight(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
