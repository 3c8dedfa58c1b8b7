//go:build !windows

package previewr

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/previewr/internal/history/sqlite"
)

func testConfig(t *testing.T) (Config, string) {
	t.Helper()
	dir := t.TempDir()
	c := DefaultConfig()
	c.Sandbox.Root = filepath.Join(dir, "projects")
	db := filepath.Join(dir, "history.db")
	c.History.Enabled = true
	c.History.DSNs = []string{"sqlite://" + db}
	return c, db
}

func TestDaemonLifecycle(t *testing.T) {
	c, db := testConfig(t)
	d, err := NewDaemon(context.Background(), c, nil)
	require.NoError(t, err)

	ctx := context.Background()
	st := d.Status(ctx, "p1", false)
	assert.False(t, st.IsRunning)

	_, err = d.Start(ctx, "p1", StartRequest{ProjectName: "demo"})
	assert.ErrorIs(t, err, ErrProjectNotFound)

	require.NoError(t, os.MkdirAll(filepath.Join(c.Sandbox.Root, "p1"), 0o750))
	_, err = d.Start(ctx, "p1", StartRequest{ProjectName: "demo"})
	assert.ErrorIs(t, err, ErrManifestMissing)

	res, err := d.Stop(ctx, "nobody")
	require.NoError(t, err)
	assert.True(t, res.Success)

	_, err = d.Logs(ctx, "nobody", 10)
	assert.Error(t, err)
	require.NoError(t, d.Close())

	sink, err := sqlite.New("sqlite://" + db)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()
	n, err := sink.Count(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestDaemonHandler(t *testing.T) {
	c, _ := testConfig(t)
	c.History.Enabled = false
	d, err := NewDaemon(context.Background(), c, nil)
	require.NoError(t, err)
	defer func() { _ = d.Close() }()

	rec := httptest.NewRecorder()
	d.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewDaemonRejectsInvalidConfig(t *testing.T) {
	c := DefaultConfig()
	c.Sandbox.Backend = "vm"
	_, err := NewDaemon(context.Background(), c, nil)
	assert.Error(t, err)

	c, _ = testConfig(t)
	c.History.DSNs = []string{"mongodb://nope"}
	_, err = NewDaemon(context.Background(), c, nil)
	assert.Error(t, err)
}

func TestRegisterMetricsTwice(t *testing.T) {
	r := prometheus.NewRegistry()
	require.NoError(t, RegisterMetrics(r))
	require.NoError(t, RegisterMetrics(r))
}
