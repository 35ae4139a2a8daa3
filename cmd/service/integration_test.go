//go:build integration

// cmd/service/integration_test.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github-history-ingestor/internal/database"
	"github-history-ingestor/internal/github"
	"github-history-ingestor/internal/ingest"
	"github-history-ingestor/internal/model"
)

func setupTestDatabase(ctx context.Context, t *testing.T) (*pgxpool.Pool, func()) {
	// Start a postgres container
	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("test-db"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Second),
		),
	)
	require.NoError(t, err)

	// Get the connection string
	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	// Run migrations
	m, err := migrate.New("file://../../migrations", connStr)
	require.NoError(t, err)
	err = m.Up()
	require.NoError(t, err)

	// Create a connection pool
	dbpool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	// Teardown function to be called by the test
	teardown := func() {
		dbpool.Close()
		err := pgContainer.Terminate(ctx)
		require.NoError(t, err)
	}

	return dbpool, teardown
}

// newGraphQLStub serves a two-page commit history for acme/widgets@main.
func newGraphQLStub(t *testing.T) *httptest.Server {
	resetAt := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	pageOne := fmt.Sprintf(`{"data": {
		"rateLimit": {"limit": 5000, "remaining": 4999, "resetAt": %q},
		"repository": {"ref": {"target": {"history": {
			"pageInfo": {"hasNextPage": true, "endCursor": "c1"},
			"edges": [
				{"node": {"oid": "a1", "messageHeadline": "feat: widgets", "committedDate": "2024-01-01T12:00:00Z", "author": {"name": "Dev One", "email": "dev@example.com"}}},
				{"node": {"oid": "a2", "messageHeadline": "fix: gadgets", "committedDate": "2024-01-02T12:00:00Z", "author": {"name": "Dev Two", "email": ""}}}
			]
		}}}}}}`, resetAt)
	pageTwo := fmt.Sprintf(`{"data": {
		"rateLimit": {"limit": 5000, "remaining": 4998, "resetAt": %q},
		"repository": {"ref": {"target": {"history": {
			"pageInfo": {"hasNextPage": false, "endCursor": "c2"},
			"edges": [
				{"node": {"oid": "a3", "messageHeadline": "chore: cleanup", "committedDate": "2024-01-03T12:00:00Z", "author": {"name": "Dev One", "email": "dev@example.com"}}}
			]
		}}}}}}`, resetAt)

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Variables map[string]any `json:"variables"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Variables["after"] == "c1" {
			fmt.Fprint(w, pageTwo)
			return
		}
		fmt.Fprint(w, pageOne)
	}))
}

func TestIngestion_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	dbpool, teardown := setupTestDatabase(ctx, t)
	defer teardown()

	server := newGraphQLStub(t)
	defer server.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	store := database.New(dbpool, logger)
	limits := github.NewRateLimitState()
	client := github.NewClient(github.Config{
		Token:          "test-token",
		Endpoint:       server.URL,
		PageSize:       2,
		RetryLimit:     3,
		BackoffBase:    time.Millisecond,
		BackoffCap:     10 * time.Millisecond,
		RequestsPerSec: 1000,
	}, limits, logger)
	ingestor := ingest.NewIngestor(client, store, logger)
	scheduler := ingest.NewScheduler(ingestor, 2, logger)

	scope := model.Scope{Owner: "acme", Repo: "widgets", Branch: "main"}

	// --- ACT ---
	outcomes := scheduler.RunAll(ctx, []model.Scope{scope})

	// --- ASSERT ---
	require.Len(t, outcomes, 1)
	assert.Equal(t, model.StatusCompleted, outcomes[0].Status)
	assert.Equal(t, 2, outcomes[0].Pages)
	assert.Equal(t, 3, outcomes[0].Commits)

	commits, err := store.ListCommits(ctx, database.ListCommitsParams{
		Owner: "acme", Repo: "widgets", Branch: "main", Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, commits, 3)
	assert.Equal(t, "a3", commits[0].OID) // Order is by committed_at DESC
	assert.Equal(t, "a1", commits[2].OID)
	assert.Empty(t, commits[1].AuthorEmail, "missing author email is stored empty, not rejected")

	cursor, err := store.GetCursor(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, model.CursorDone, cursor.State)
	assert.False(t, cursor.HasNext())

	// Re-running a fully synced scope is a no-op.
	outcomes = scheduler.RunAll(ctx, []model.Scope{scope})
	assert.Equal(t, model.StatusCompleted, outcomes[0].Status)
	assert.Zero(t, outcomes[0].Pages)

	// A full re-ingestion replays every page without duplicating rows.
	require.NoError(t, ingestor.Reset(ctx, scope))
	outcomes = scheduler.RunAll(ctx, []model.Scope{scope})
	assert.Equal(t, model.StatusCompleted, outcomes[0].Status)
	assert.Equal(t, 2, outcomes[0].Pages)

	commits, err = store.ListCommits(ctx, database.ListCommitsParams{
		Owner: "acme", Repo: "widgets", Branch: "main", Limit: 10,
	})
	require.NoError(t, err)
	assert.Len(t, commits, 3, "merge is idempotent")

	authors, err := store.GetTopCommitAuthors(ctx, database.TopAuthorsParams{
		Owner: "acme", Repo: "widgets", Branch: "main", Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, authors, 2)
	assert.Equal(t, "Dev One", authors[0].AuthorName)
	assert.Equal(t, int64(2), authors[0].Commits)
}
