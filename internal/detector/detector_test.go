//go:build !windows

package detector

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/previewr/internal/sandbox"
	"github.com/loykin/previewr/internal/sandbox/sandboxtest"
)

func setup(t *testing.T, log string) (*sandboxtest.Fake, *sandbox.Sandbox) {
	t.Helper()
	f := sandboxtest.New(t.TempDir())
	if log != "" {
		require.NoError(t, f.WriteFile("p", ".devserver.log", log))
	}
	sb, err := f.Create(context.Background(), "p")
	require.NoError(t, err)
	return f, sb
}

func TestParseMarkerOutput(t *testing.T) {
	cases := []struct {
		name  string
		out   string
		ready bool
		port  int
	}{
		{"empty", "", false, 0},
		{"ready only", "ready\n", true, 0},
		{"ready with port", "ready\nlocalhost:3001\n", true, 3001},
		{"port only", "port 3002\n", false, 3002},
		{"port colon", "Port: 3003", false, 3003},
		{"bad port", "ready\nlocalhost:99999\n", true, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ready, port := ParseMarkerOutput(tc.out)
			assert.Equal(t, tc.ready, ready)
			assert.Equal(t, tc.port, port)
		})
	}
}

func TestLogMarkerDetect(t *testing.T) {
	f, sb := setup(t, "> next dev\n  ▲ Next.js 14.1.0\n  - Local:        http://localhost:3001\n ✓ Ready in 2.1s\n")
	d := LogMarker{Runner: f, LogFile: ".devserver.log"}
	ev, err := d.Detect(context.Background(), sb)
	require.NoError(t, err)
	assert.True(t, ev.Found)
	assert.Equal(t, 3001, ev.Port)
	assert.Equal(t, "log:.devserver.log", d.Describe())
}

func TestLogMarkerMissingLog(t *testing.T) {
	f, sb := setup(t, "")
	require.NoError(t, f.WriteFile("p", "package.json", "{}"))
	ev, err := LogMarker{Runner: f, LogFile: ".devserver.log"}.Detect(context.Background(), sb)
	require.NoError(t, err)
	assert.False(t, ev.Found)
	assert.Zero(t, ev.Port)
}

func TestLogMarkerNoMarkerYet(t *testing.T) {
	f, sb := setup(t, "> vite\n\nbundling...\n")
	ev, err := LogMarker{Runner: f, LogFile: ".devserver.log"}.Detect(context.Background(), sb)
	require.NoError(t, err)
	assert.False(t, ev.Found)
}

func TestSocketDetect(t *testing.T) {
	f, sb := setup(t, "")
	d := Socket{Runner: f, Ports: []int{3000, 3001}}

	ev, err := d.Detect(context.Background(), sb)
	require.NoError(t, err)
	assert.False(t, ev.Found)

	f.SetListening("p", 3001, true)
	ev, err = d.Detect(context.Background(), sb)
	require.NoError(t, err)
	assert.True(t, ev.Found)
	assert.Equal(t, 3001, ev.Port)

	f.CheckErr = errors.New("scan failed")
	_, err = d.Detect(context.Background(), sb)
	assert.Error(t, err)
}

func TestMatchFatal(t *testing.T) {
	pat, line, ok := MatchFatal([]string{"starting", "Error: listen EADDRINUSE: address already in use :::3000"})
	require.True(t, ok)
	assert.Equal(t, "EADDRINUSE", pat)
	assert.Contains(t, line, ":::3000")

	pat, _, ok = MatchFatal([]string{"node: Fatal Error in heap"})
	require.True(t, ok)
	assert.Equal(t, "fatal error", pat)

	_, _, ok = MatchFatal([]string{"compiled successfully", "warning: fatalistic naming"})
	assert.False(t, ok)
}

func TestFatalLogDetect(t *testing.T) {
	f, sb := setup(t, "line1\nError: Cannot find module 'next'\n")
	ev, err := FatalLog{Runner: f, LogFile: ".devserver.log"}.Detect(context.Background(), sb)
	require.NoError(t, err)
	assert.True(t, ev.Found)
	assert.Contains(t, ev.Detail, "Cannot find module")
}

func TestTail(t *testing.T) {
	f, sb := setup(t, "a\nb\nc\nd\n")
	lines, err := Tail(context.Background(), f, sb, ".devserver.log", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, lines)

	lines, err = Tail(context.Background(), f, sb, "missing.log", 2)
	require.NoError(t, err)
	assert.Empty(t, lines)
}
