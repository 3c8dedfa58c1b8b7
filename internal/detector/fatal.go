package detector

import (
	"context"
	"strings"

	"github.com/loykin/previewr/internal/sandbox"
)

// FatalPatterns are log fragments after which a dev server will not come up
// without intervention. Matching is case-sensitive except for "fatal error".
var FatalPatterns = []string{
	"EADDRINUSE",
	"address already in use",
	"Cannot find module",
	"Module not found",
	"SyntaxError",
	"FATAL",
}

// FatalLog scans the tail of the log for FatalPatterns.
type FatalLog struct {
	Runner  Runner
	LogFile string
	Lines   int // lines to scan, default 50
}

func (d FatalLog) Detect(ctx context.Context, sb *sandbox.Sandbox) (Evidence, error) {
	n := d.Lines
	if n <= 0 {
		n = 50
	}
	lines, err := Tail(ctx, d.Runner, sb, d.LogFile, n)
	if err != nil {
		return Evidence{}, err
	}
	if pat, line, ok := MatchFatal(lines); ok {
		return Evidence{Found: true, Detail: pat + ": " + strings.TrimSpace(line)}, nil
	}
	return Evidence{}, nil
}

func (d FatalLog) Describe() string { return "fatal:" + d.LogFile }

// MatchFatal returns the first fatal pattern found in lines and the line it
// appeared on.
func MatchFatal(lines []string) (pattern, line string, ok bool) {
	for _, l := range lines {
		for _, p := range FatalPatterns {
			if strings.Contains(l, p) {
				return p, l, true
			}
		}
		if strings.Contains(strings.ToLower(l), "fatal error") {
			return "fatal error", l, true
		}
	}
	return "", "", false
}
