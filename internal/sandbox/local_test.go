//go:build !windows

package sandbox

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocal(t *testing.T) *LocalBackend {
	t.Helper()
	b, err := NewLocalBackend(LocalConfig{Root: t.TempDir(), StopTimeout: 500 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// newProject creates the sandbox and its workspace directory.
func newProject(t *testing.T, b *LocalBackend, id string) *Sandbox {
	t.Helper()
	sb, err := b.Create(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(sb.Workdir, 0o750))
	return sb
}

func TestNewLocalBackendRequiresRoot(t *testing.T) {
	_, err := NewLocalBackend(LocalConfig{})
	assert.Error(t, err)
}

func TestLocalCreateIsIdempotent(t *testing.T) {
	b := newLocal(t)
	ctx := context.Background()

	sb1, err := b.Create(ctx, "proj")
	require.NoError(t, err)
	sb2, err := b.Create(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, sb1.ID, sb2.ID)
	assert.NoDirExists(t, sb1.Workdir, "the project directory is never created by the backend")
	assert.Equal(t, "local", sb1.Backend)

	got, err := b.Get(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, sb1.ID, got.ID)

	_, err = b.Get(ctx, "other")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalConnect(t *testing.T) {
	b := newLocal(t)
	ctx := context.Background()
	sb := newProject(t, b, "proj")

	got, err := b.Connect(ctx, "proj", sb.ID, ConnectOptions{})
	require.NoError(t, err)
	assert.Equal(t, sb.Workdir, got.Workdir)

	_, err = b.Connect(ctx, "proj", "missing", ConnectOptions{})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = b.Connect(ctx, "someone-else", sb.ID, ConnectOptions{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalExec(t *testing.T) {
	b := newLocal(t)
	ctx := context.Background()
	sb := newProject(t, b, "proj")

	res, err := b.Exec(ctx, sb, "echo hello; pwd", ExecOptions{})
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Contains(t, res.Stdout, "hello")
	assert.Contains(t, res.Stdout, filepath.Base(sb.Workdir))

	res, err = b.Exec(ctx, sb, "exit 3", ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.OK())
}

func TestLocalExecTimeout(t *testing.T) {
	b := newLocal(t)
	ctx := context.Background()
	sb := newProject(t, b, "proj")

	start := time.Now()
	_, err := b.Exec(ctx, sb, "sleep 5", ExecOptions{Timeout: 200 * time.Millisecond})
	assert.ErrorIs(t, err, ErrCommandTimeout)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestLocalBackgroundLifecycle(t *testing.T) {
	b := newLocal(t)
	ctx := context.Background()
	sb := newProject(t, b, "proj")

	marker := filepath.Join(sb.Workdir, "alive")
	require.NoError(t, b.StartBackground(ctx, sb, "touch alive; sleep 30", BackgroundOptions{}))
	require.Eventually(t, func() bool {
		_, err := os.Stat(marker)
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, b.KillBackground(ctx, "proj"))
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		_, tracked := b.procs["proj"]
		return !tracked
	}, 3*time.Second, 20*time.Millisecond)

	// nothing tracked any more
	assert.NoError(t, b.KillBackground(ctx, "proj"))
}

func TestLocalCheckDevServerIsScopedToProject(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("listener attribution by working directory is exercised on linux")
	}
	b := newLocal(t)
	ctx := context.Background()
	wd, err := os.Getwd()
	require.NoError(t, err)
	// this test process listens with its working directory inside "owner"
	owner := &Sandbox{ProjectID: "owner", Workdir: wd}
	other := &Sandbox{ProjectID: "other", Workdir: t.TempDir()}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	st, err := b.CheckDevServer(ctx, owner, []int{port})
	require.NoError(t, err)
	assert.True(t, st.IsRunning)
	assert.Equal(t, port, st.Port)

	st, err = b.CheckDevServer(ctx, other, []int{port})
	require.NoError(t, err)
	assert.False(t, st.IsRunning, "another project's listener is not reported")

	// killing the other project's ports leaves this listener alone
	require.NoError(t, b.KillPorts(ctx, other, []int{port}))
	st, err = b.CheckDevServer(ctx, owner, []int{port})
	require.NoError(t, err)
	assert.True(t, st.IsRunning)

	require.NoError(t, ln.Close())
	st, err = b.CheckDevServer(ctx, owner, []int{port})
	require.NoError(t, err)
	assert.False(t, st.IsRunning)
}

func TestWithin(t *testing.T) {
	assert.True(t, within("/srv/p1", "/srv/p1"))
	assert.True(t, within("/srv/p1/app", "/srv/p1"))
	assert.False(t, within("/srv/p10", "/srv/p1"))
	assert.False(t, within("/srv", "/srv/p1"))
	assert.False(t, within("", "/srv/p1"))
}

func TestLocalHostURL(t *testing.T) {
	b := newLocal(t)
	u, err := b.HostURL(context.Background(), &Sandbox{}, 3001)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3001", u)

	_, err = b.HostURL(context.Background(), &Sandbox{}, 0)
	assert.Error(t, err)
}

func TestLocalClosedRejectsStart(t *testing.T) {
	b := newLocal(t)
	sb, err := b.Create(context.Background(), "proj")
	require.NoError(t, err)
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.StartBackground(context.Background(), sb, "true", BackgroundOptions{}), ErrClosed)
}
