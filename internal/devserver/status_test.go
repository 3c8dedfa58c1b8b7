package devserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotRunningEncodesEmptyErrors(t *testing.T) {
	b, err := json.Marshal(NotRunning(time.Unix(0, 0).UTC()))
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, false, m["isRunning"])
	assert.Nil(t, m["port"])
	assert.Nil(t, m["url"])
	assert.Equal(t, []any{}, m["errors"])
	_, hasLogs := m["logs"]
	assert.False(t, hasLogs, "empty logs are omitted")
}

func TestRunningReady(t *testing.T) {
	s := Running(time.Now(), 3001, "http://localhost:3001")
	assert.True(t, s.Ready())
	assert.Equal(t, 3001, s.PortValue())
	assert.Equal(t, "http://localhost:3001", s.URLValue())

	assert.False(t, NotRunning(time.Now()).Ready())
	assert.False(t, Status{IsRunning: true}.Ready(), "running without url is not ready")
}

func TestWithLogsCopies(t *testing.T) {
	lines := []string{"a", "b"}
	base := NotRunning(time.Now())
	s := base.WithLogs(lines)
	lines[0] = "changed"
	assert.Equal(t, []string{"a", "b"}, s.Logs)
	assert.Empty(t, base.Logs)
}

func TestPermanentErrors(t *testing.T) {
	assert.True(t, IsPermanent(fmt.Errorf("validate: %w", ErrProjectNotFound)))
	assert.True(t, IsPermanent(ErrManifestMissing))
	assert.False(t, IsPermanent(ErrReadinessTimeout))
	assert.False(t, IsPermanent(errors.New("boom")))
}

func TestStartErrorUnwrap(t *testing.T) {
	err := error(&StartError{Err: ErrFatalLog, Logs: []string{"1", "2", "3", "Error: listen EADDRINUSE"}})
	assert.ErrorIs(t, err, ErrFatalLog)
	assert.Contains(t, err.Error(), "EADDRINUSE")
	assert.NotContains(t, err.Error(), "1 |")

	var se *StartError
	require.ErrorAs(t, err, &se)
	assert.Len(t, se.Logs, 4)
}
