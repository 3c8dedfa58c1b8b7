package detector

import (
	"context"
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/loykin/previewr/internal/sandbox"
)

// readyPattern matches the lines Next.js, Vite and CRA print once serving.
const readyPattern = `ready|local:|started server on|compiled successfully`

// portPattern extracts a bound port from lines such as
// "- Local: http://localhost:3001" or "listening on port 3000".
const portPattern = `(localhost|127\.0\.0\.1|0\.0\.0\.0|\[::\]):[0-9]{2,5}|port[: ]+[0-9]{2,5}`

// LogMarker looks for a ready marker and the announced port in the dev
// server log with a single shell command.
type LogMarker struct {
	Runner  Runner
	LogFile string
}

func (d LogMarker) command() string {
	f := shellquote.Join(d.LogFile)
	return "[ -f " + f + " ] || exit 0; " +
		"grep -qiE '" + readyPattern + "' " + f + " && echo ready; " +
		"grep -oiE '" + portPattern + "' " + f + " | tail -n 1; exit 0"
}

func (d LogMarker) Detect(ctx context.Context, sb *sandbox.Sandbox) (Evidence, error) {
	res, err := d.Runner.Exec(ctx, sb, d.command(), sandbox.ExecOptions{})
	if err != nil {
		return Evidence{}, err
	}
	ready, port := ParseMarkerOutput(res.Stdout)
	ev := Evidence{Found: ready, Port: port}
	if ready {
		ev.Detail = "ready marker"
	}
	return ev, nil
}

func (d LogMarker) Describe() string { return "log:" + d.LogFile }

// ParseMarkerOutput interprets the LogMarker command output: a "ready" line
// when a marker matched, followed by the last port mention, if any.
func ParseMarkerOutput(out string) (ready bool, port int) {
	for _, line := range splitLines(out) {
		line = strings.TrimSpace(line)
		if strings.EqualFold(line, "ready") {
			ready = true
			continue
		}
		if p := trailingPort(line); p > 0 {
			port = p
		}
	}
	return ready, port
}

// trailingPort returns the number at the end of s if it is a valid port.
func trailingPort(s string) int {
	i := len(s)
	for i > 0 && s[i-1] >= '0' && s[i-1] <= '9' {
		i--
	}
	if i == len(s) {
		return 0
	}
	p, err := strconv.Atoi(s[i:])
	if err != nil || p <= 0 || p > 65535 {
		return 0
	}
	return p
}
