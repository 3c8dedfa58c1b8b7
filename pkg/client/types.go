package client

import (
	"errors"
	"fmt"
	"time"
)

// ErrStatusUnreachable is reported by a Poller that gave up after too many
// consecutive failed status fetches. It means the status endpoint could not
// be reached, not that the dev server is down.
var ErrStatusUnreachable = errors.New("unable to reach status endpoint")

// ErrHalted is returned by Poller.Start when a Stop, Restart or Close
// superseded it before the start request completed.
var ErrHalted = errors.New("poller halted")

// Status is a dev server status snapshot as served by GET /dev-server/:id.
type Status struct {
	IsRunning   bool      `json:"isRunning"`
	Port        *int      `json:"port"`
	URL         *string   `json:"url"`
	Logs        []string  `json:"logs,omitempty"`
	Errors      []string  `json:"errors"`
	LastChecked time.Time `json:"lastChecked"`
}

// Ready reports whether the server is running and reachable at a URL.
func (s Status) Ready() bool { return s.IsRunning && s.URL != nil && *s.URL != "" }

func (s Status) URLValue() string {
	if s.URL == nil {
		return ""
	}
	return *s.URL
}

func (s Status) PortValue() int {
	if s.Port == nil {
		return 0
	}
	return *s.Port
}

// StartRequest is the body of POST /dev-server/:id.
type StartRequest struct {
	ProjectName  string `json:"projectName"`
	SandboxID    string `json:"sandboxId,omitempty"`
	ForceRestart bool   `json:"forceRestart,omitempty"`
	WaitForReady bool   `json:"waitForReady,omitempty"`
}

type StartResult struct {
	Success        bool    `json:"success"`
	AlreadyRunning bool    `json:"alreadyRunning"`
	Starting       bool    `json:"starting,omitempty"`
	URL            *string `json:"url"`
	Port           *int    `json:"port"`
	SandboxID      string  `json:"sandboxId"`
	Message        string  `json:"message"`
}

type StopResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ErrorResponse is the error body returned by the API.
type ErrorResponse struct {
	Error string   `json:"error"`
	Logs  []string `json:"logs,omitempty"`
	Hint  string   `json:"hint,omitempty"`
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode int
	Message    string
	Logs       []string
	Hint       string
}

func (e *APIError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("API error (HTTP %d): %s (%s)", e.StatusCode, e.Message, e.Hint)
	}
	return fmt.Sprintf("API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == 404
}
