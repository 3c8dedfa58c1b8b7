package history

import (
	"context"
	"errors"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart EventType = "start" // a dev server process was launched
	EventReady EventType = "ready" // a dev server was confirmed ready
	EventFail  EventType = "fail"  // a start attempt failed
	EventStop  EventType = "stop"
)

// Table is the table every SQL sink writes to.
const Table = "devserver_history"

// Event represents a dev server lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	ProjectID  string    `json:"project_id"`
	SandboxID  string    `json:"sandbox_id,omitempty"`
	Port       int       `json:"port,omitempty"`
	URL        string    `json:"url,omitempty"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Multi fans an event out to every sink. All sinks are tried; their errors
// are joined.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that has a Close method.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// nullable maps empty strings and zero ports to SQL NULL.
func nullable[T comparable](v T) any {
	var zero T
	if v == zero {
		return nil
	}
	return v
}

// Args returns the insert arguments for e in column order
// (occurred_at, type, project_id, sandbox_id, port, url, error).
func Args(e Event) []any {
	at := e.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	return []any{at.UTC(), string(e.Type), e.ProjectID, nullable(e.SandboxID), nullable(e.Port), nullable(e.URL), nullable(e.Error)}
}
