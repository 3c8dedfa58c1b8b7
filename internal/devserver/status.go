package devserver

import "time"

// Status is a point-in-time snapshot of a project's dev server.
// Snapshots are recomputed on every check and never mutated after creation.
type Status struct {
	IsRunning   bool      `json:"isRunning"`
	Port        *int      `json:"port"`
	URL         *string   `json:"url"`
	Logs        []string  `json:"logs,omitempty"`
	Errors      []string  `json:"errors"`
	LastChecked time.Time `json:"lastChecked"`
}

// NotRunning returns a stopped snapshot carrying optional error messages.
func NotRunning(at time.Time, errs ...string) Status {
	e := make([]string, 0, len(errs))
	e = append(e, errs...)
	return Status{Errors: e, LastChecked: at}
}

// Running returns a snapshot for a server bound to port and reachable at url.
func Running(at time.Time, port int, url string) Status {
	p := port
	u := url
	return Status{IsRunning: true, Port: &p, URL: &u, Errors: []string{}, LastChecked: at}
}

// Ready reports whether the server is running and has a resolvable URL.
func (s Status) Ready() bool { return s.IsRunning && s.URL != nil && *s.URL != "" }

func (s Status) PortValue() int {
	if s.Port == nil {
		return 0
	}
	return *s.Port
}

func (s Status) URLValue() string {
	if s.URL == nil {
		return ""
	}
	return *s.URL
}

// WithLogs returns a copy of s carrying the given log lines.
func (s Status) WithLogs(lines []string) Status {
	cp := s
	cp.Logs = append([]string(nil), lines...)
	return cp
}
