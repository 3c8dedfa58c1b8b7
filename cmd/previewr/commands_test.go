//go:build !windows

package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/previewr/internal/cache"
	"github.com/loykin/previewr/internal/controller"
	"github.com/loykin/previewr/internal/devserver"
	"github.com/loykin/previewr/internal/sandbox/sandboxtest"
	"github.com/loykin/previewr/internal/server"
	"github.com/loykin/previewr/pkg/client"
)

func newDaemon(t *testing.T) (*sandboxtest.Fake, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	fake := sandboxtest.New(t.TempDir())
	ctl := controller.New(fake, controller.Config{}, controller.WithCache(cache.New[devserver.Status](time.Millisecond)))
	srv := httptest.NewServer(server.NewRouter(ctl, "/api").Handler())
	t.Cleanup(srv.Close)
	return fake, srv.URL + "/api"
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := buildRoot(command{out: &out})
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&out)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestHelp(t *testing.T) {
	out, err := run(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "previewr")
	for _, sub := range []string{"serve", "start", "stop", "status", "watch", "logs"} {
		assert.Contains(t, out, sub)
	}
}

func TestRequiredFlags(t *testing.T) {
	_, err := run(t, "start", "--project", "p1")
	assert.Error(t, err)
	_, err = run(t, "status")
	assert.Error(t, err)
}

func TestStartStatusStop(t *testing.T) {
	fake, api := newDaemon(t)
	require.NoError(t, fake.WriteFile("p1", devserver.ManifestFile, "{}"))

	out, err := run(t, "start", "--project", "p1", "--name", "demo", "--api-url", api)
	require.NoError(t, err)
	assert.Contains(t, out, `"starting": true`)

	fake.SetListening("p1", 3000, true)
	out, err = run(t, "status", "--project", "p1", "--api-url", api)
	require.NoError(t, err)
	assert.Contains(t, out, `"isRunning": true`)
	assert.Contains(t, out, "http://localhost:3000")

	out, err = run(t, "stop", "--project", "p1", "--api-url", api)
	require.NoError(t, err)
	assert.Contains(t, out, "dev server stopped")
}

func TestStartErrorIsReturned(t *testing.T) {
	_, api := newDaemon(t)
	_, err := run(t, "start", "--project", "p1", "--name", "demo", "--api-url", api)
	require.Error(t, err)
	var ae *client.APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 404, ae.StatusCode)
}

func TestLogs(t *testing.T) {
	fake, api := newDaemon(t)
	require.NoError(t, fake.WriteFile("p1", devserver.LogFileName, "one\ntwo\nthree\n"))
	_, err := fake.Create(context.Background(), "p1")
	require.NoError(t, err)

	out, err := run(t, "logs", "--project", "p1", "-n", "2", "--api-url", api)
	require.NoError(t, err)
	assert.Equal(t, "two\nthree\n", out)
}

func TestWatchUntilReady(t *testing.T) {
	fake, api := newDaemon(t)
	require.NoError(t, fake.WriteFile("p1", devserver.ManifestFile, "{}"))
	fake.OnStart = func(projectID, _ string) { fake.SetListening(projectID, 3004, true) }

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	var out bytes.Buffer
	c := command{out: &out}
	err := c.Watch(ctx, WatchFlags{
		Project:     "p1",
		Name:        "demo",
		MaxFailures: 10,
		APIFlags:    APIFlags{APIUrl: api, APITimeout: 5 * time.Second},
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "ready: http://localhost:3004")
}

func TestWatchUnreachableDaemon(t *testing.T) {
	var out bytes.Buffer
	err := command{out: &out}.Watch(context.Background(), WatchFlags{
		Project:  "p1",
		Name:     "demo",
		APIFlags: APIFlags{APIUrl: "http://127.0.0.1:1/api", APITimeout: time.Second},
	})
	assert.Error(t, err)
}

func TestDescribe(t *testing.T) {
	u, port := "http://x", 3000
	assert.Equal(t, "running on port 3000 at http://x", describe(client.Status{IsRunning: true, Port: &port, URL: &u}))
	assert.Equal(t, "running on port 3000, url unavailable", describe(client.Status{IsRunning: true, Port: &port}))
	assert.Equal(t, "not running: boom", describe(client.Status{Errors: []string{"boom"}}))
	assert.Equal(t, "not running", describe(client.Status{}))
}
