package controller

// StartRequest is the body of a start call.
type StartRequest struct {
	ProjectName  string `json:"projectName"`
	SandboxID    string `json:"sandboxId,omitempty"`
	ForceRestart bool   `json:"forceRestart,omitempty"`
	WaitForReady bool   `json:"waitForReady,omitempty"`
}

// StartResult is returned by a successful start. Starting is set when the
// process was launched but readiness was not awaited; URL and Port are nil
// in that case.
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

func ptr[T any](v T) *T { return &v }
