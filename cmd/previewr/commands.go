package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/loykin/previewr/pkg/client"
)

// blockingStartTimeout covers the daemon's readiness ceiling plus headroom.
const blockingStartTimeout = 150 * time.Second

type command struct {
	out io.Writer
}

func (c command) client(f APIFlags) *client.Client {
	return client.New(client.Config{BaseURL: f.APIUrl, Timeout: f.APITimeout})
}

func (c command) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.out, format, args...)
}

// Start issues a start request and prints the result.
func (c command) Start(ctx context.Context, f StartFlags) error {
	if f.Wait && f.APITimeout < blockingStartTimeout {
		f.APITimeout = blockingStartTimeout
	}
	res, err := c.client(f.APIFlags).Start(ctx, f.Project, client.StartRequest{
		ProjectName:  f.Name,
		SandboxID:    f.SandboxID,
		ForceRestart: f.Force,
		WaitForReady: f.Wait,
	})
	if err != nil {
		return c.startError(err)
	}
	printJSON(c.out, res)
	return nil
}

// startError prints captured logs and the hint of a failed start.
func (c command) startError(err error) error {
	var ae *client.APIError
	if errors.As(err, &ae) && len(ae.Logs) > 0 {
		c.printf("--- last %d log lines ---\n%s\n", len(ae.Logs), strings.Join(ae.Logs, "\n"))
	}
	return err
}

func (c command) Stop(ctx context.Context, f ProjectFlags) error {
	res, err := c.client(f.APIFlags).Stop(ctx, f.Project)
	if err != nil {
		return err
	}
	printJSON(c.out, res)
	return nil
}

func (c command) Status(ctx context.Context, f StatusFlags) error {
	st, err := c.client(f.APIFlags).Status(ctx, f.Project, f.Logs)
	if err != nil {
		return err
	}
	printJSON(c.out, st)
	return nil
}

func (c command) Logs(ctx context.Context, f LogsFlags) error {
	lines, err := c.client(f.APIFlags).Logs(ctx, f.Project, f.Lines)
	if err != nil {
		return err
	}
	for _, l := range lines {
		c.printf("%s\n", l)
	}
	return nil
}

// Watch starts the dev server and follows it with a poller, printing
// each status change. It returns once the server is ready (unless Keep is
// set), when polling gives up or when ctx is cancelled.
func (c command) Watch(ctx context.Context, f WatchFlags) error {
	p := client.NewPoller(c.client(f.APIFlags), client.PollerConfig{
		ProjectID:    f.Project,
		ProjectName:  f.Name,
		SandboxID:    f.SandboxID,
		MaxFailures:  f.MaxFailures,
		KeepWatching: f.Keep,
		OnStatus: func(st client.Status) {
			c.printf("%s %s\n", st.LastChecked.Format(time.TimeOnly), describe(st))
		},
		OnReady: func(st client.Status) {
			c.printf("ready: %s\n", st.URLValue())
		},
	})
	defer p.Close()

	if err := p.Start(ctx, f.Force); err != nil {
		return c.startError(err)
	}
	select {
	case <-ctx.Done():
		return nil
	case <-p.Done():
		return p.Err()
	}
}

func describe(st client.Status) string {
	switch {
	case st.Ready():
		return fmt.Sprintf("running on port %d at %s", st.PortValue(), st.URLValue())
	case st.IsRunning:
		return fmt.Sprintf("running on port %d, url unavailable", st.PortValue())
	case len(st.Errors) > 0:
		return "not running: " + strings.Join(st.Errors, "; ")
	default:
		return "not running"
	}
}
