package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to the previewr daemon HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
	stream  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration // per request; does not apply to Watch
	Logger  *slog.Logger  // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a new previewr API client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8080/api"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	transport := &http.Transport{}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
		// streams stay open until the caller cancels
		stream: &http.Client{Transport: transport},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	c.logger.Debug("Daemon reachability check", "status", resp.StatusCode)
	return resp.StatusCode == http.StatusOK
}

func (c *Client) projectURL(projectID string) string {
	return c.baseURL + "/dev-server/" + url.PathEscape(projectID)
}

// Status fetches the current dev server status of a project.
func (c *Client) Status(ctx context.Context, projectID string, withLogs bool) (Status, error) {
	u := c.projectURL(projectID)
	if withLogs {
		u += "?logs=1"
	}
	var st Status
	err := c.doRequest(ctx, http.MethodGet, u, nil, &st)
	return st, err
}

// Start asks the daemon to start a project's dev server. A non-blocking
// start returns with Starting set and no URL.
func (c *Client) Start(ctx context.Context, projectID string, req StartRequest) (StartResult, error) {
	c.logger.Debug("Starting dev server", "project", projectID, "force", req.ForceRestart, "wait", req.WaitForReady)
	data, err := json.Marshal(req)
	if err != nil {
		return StartResult{}, fmt.Errorf("marshal request: %w", err)
	}
	var res StartResult
	err = c.doRequest(ctx, http.MethodPost, c.projectURL(projectID), data, &res)
	return res, err
}

// Stop stops a project's dev server. Stopping an idle project succeeds.
func (c *Client) Stop(ctx context.Context, projectID string) (StopResult, error) {
	c.logger.Debug("Stopping dev server", "project", projectID)
	var res StopResult
	err := c.doRequest(ctx, http.MethodDelete, c.projectURL(projectID), nil, &res)
	return res, err
}

// Logs returns the last lines of the dev server log; lines <= 0 uses the
// daemon's default.
func (c *Client) Logs(ctx context.Context, projectID string, lines int) ([]string, error) {
	u := c.projectURL(projectID) + "/logs"
	if lines > 0 {
		u += "?lines=" + strconv.Itoa(lines)
	}
	var out struct {
		Logs []string `json:"logs"`
	}
	if err := c.doRequest(ctx, http.MethodGet, u, nil, &out); err != nil {
		return nil, err
	}
	return out.Logs, nil
}

// Watch subscribes to the status stream of a project. The returned channel
// yields one snapshot per event and is closed when ctx is done or the
// stream ends.
func (c *Client) Watch(ctx context.Context, projectID string) (<-chan Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.projectURL(projectID), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, c.handleErrorResponse(resp)
	}

	out := make(chan Status)
	go func() {
		defer close(out)
		defer func() { _ = resp.Body.Close() }()
		if err := readEvents(resp.Body, func(data []byte) bool {
			var st Status
			if err := json.Unmarshal(data, &st); err != nil {
				c.logger.Debug("Skipping malformed status event", "error", err)
				return true
			}
			select {
			case out <- st:
				return true
			case <-ctx.Done():
				return false
			}
		}); err != nil && ctx.Err() == nil {
			c.logger.Debug("Status stream ended", "project", projectID, "error", err)
		}
	}()
	return out, nil
}

// readEvents calls fn with the data of each server-sent event until fn
// returns false or r is exhausted. Multi-line data fields are joined with
// newlines; comments and other fields are ignored.
func readEvents(r io.Reader, fn func(data []byte) bool) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	var buf bytes.Buffer
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if buf.Len() > 0 {
				if !fn(bytes.Clone(buf.Bytes())) {
					return nil
				}
				buf.Reset()
			}
			continue
		}
		if v, ok := strings.CutPrefix(line, "data:"); ok {
			if buf.Len() > 0 {
				buf.WriteByte('\n')
			}
			buf.WriteString(strings.TrimPrefix(v, " "))
		}
	}
	return sc.Err()
}

// doRequest performs HTTP request with common error handling and decodes
// a 2xx body into out.
func (c *Client) doRequest(ctx context.Context, method, url string, body []byte, out any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", url)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse turns non-2xx responses into an *APIError.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		c.logger.Debug("Failed to decode error response", "status", resp.StatusCode)
		return &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    errorResp.Error,
		Logs:       errorResp.Logs,
		Hint:       errorResp.Hint,
	}
}
