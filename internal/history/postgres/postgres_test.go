package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/previewr/internal/history"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "start PostgreSQL container")
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	sink, err := New(connStr)
	require.NoError(t, err)
	defer func() { assert.NoError(t, sink.Close()) }()

	require.NoError(t, sink.Send(ctx, history.Event{
		Type: history.EventStart, ProjectID: "proj", SandboxID: "sbx", OccurredAt: time.Now().UTC(),
	}))
	require.NoError(t, sink.Send(ctx, history.Event{
		Type: history.EventReady, ProjectID: "proj", SandboxID: "sbx", Port: 3001, URL: "http://localhost:3001", OccurredAt: time.Now().UTC(),
	}))

	var count int
	err = sink.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+history.Table+" WHERE project_id = $1", "proj").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	var port int
	err = sink.db.QueryRowContext(ctx, "SELECT port FROM "+history.Table+" WHERE type = 'ready'").Scan(&port)
	require.NoError(t, err)
	assert.Equal(t, 3001, port)
}

func TestPostgresSink_EmptyDSN(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}
