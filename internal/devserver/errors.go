package devserver

import (
	"errors"
	"strings"
)

var (
	// ErrProjectNotFound means the project directory does not exist in the sandbox.
	ErrProjectNotFound = errors.New("project directory not found")
	// ErrManifestMissing means the project directory exists but has no package.json yet.
	ErrManifestMissing = errors.New("package.json not found in project directory")
	// ErrReadinessTimeout means the dev server did not become ready in time.
	ErrReadinessTimeout = errors.New("dev server did not become ready before timeout")
	// ErrFatalLog means the dev server log reported an unrecoverable error.
	ErrFatalLog = errors.New("dev server reported a fatal error")
)

// IsPermanent reports whether err is a precondition failure that retrying
// cannot fix.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrProjectNotFound) || errors.Is(err, ErrManifestMissing)
}

// StartError is returned when a launched dev server fails to become ready.
// It carries the captured log tail so callers can show what went wrong.
type StartError struct {
	Err  error
	Logs []string
	Hint string
}

func (e *StartError) Error() string {
	if e.Err == nil {
		return "dev server start failed"
	}
	if len(e.Logs) == 0 {
		return e.Err.Error()
	}
	return e.Err.Error() + ": " + strings.Join(lastN(e.Logs, 3), " | ")
}

func (e *StartError) Unwrap() error { return e.Err }

func lastN(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}
