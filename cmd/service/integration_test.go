//go:build integration

// cmd/service/integration_test.go
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github-knowledge-store/internal/database"
	custom_errors "github-knowledge-store/internal/errors"
	"github-knowledge-store/internal/github"
	"github-knowledge-store/internal/ingest"
	"github-knowledge-store/internal/model"
	"github-knowledge-store/internal/query"
)

func setupTestDatabase(ctx context.Context, t *testing.T, logger *slog.Logger) database.Store {
	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("test-db"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := database.NewPostgresStore(ctx, connStr, logger)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { store.Close() })
	return store
}

// fakeGitHub serves one user with a single repository and two commits.
func fakeGitHub(t *testing.T) *httptest.Server {
	readme := base64.StdEncoding.EncodeToString([]byte("# Tool\nA tool for parsing logs."))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/test-owner/repos", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id": 123, "name": "test-repo", "owner": {"login": "test-owner"},
			"default_branch": "main", "visibility": "public", "language": "Go",
			"stargazers_count": 7, "forks_count": 1, "description": "log parser",
			"pushed_at": "2024-01-02T12:00:00Z"}]`)
	})
	mux.HandleFunc("GET /repos/test-owner/test-repo/readme", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"name": "README.md", "encoding": "base64", "content": %q}`, readme)
	})
	mux.HandleFunc("GET /repos/test-owner/test-repo/git/trees/main", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"sha": "t1", "truncated": false, "tree": [
			{"path": "go.mod", "type": "blob"},
			{"path": "main_test.go", "type": "blob"},
			{"path": ".github/workflows/ci.yml", "type": "blob"},
			{"path": "Dockerfile", "type": "blob"}]}`)
	})
	mux.HandleFunc("GET /repos/test-owner/test-repo/commits", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"sha": "def", "commit": {"author": {"name": "tester", "date": "2024-01-02T12:00:00Z"}, "message": "fix: a bug"}},
			{"sha": "abc", "commit": {"author": {"name": "tester", "date": "2024-01-01T12:00:00Z"}, "message": "feat: new feature"}}
		]`)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestIngestAndQuery_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	store := setupTestDatabase(ctx, t, logger)
	server := fakeGitHub(t)

	ghClient, err := github.NewClient(server.URL, 0, logger)
	require.NoError(t, err)

	pipeline := ingest.NewPipeline(store, ghClient, nil, ingest.Config{
		StalenessWindow: time.Hour,
		Timeout:         time.Minute,
		MaxRetries:      2,
		BackoffInitial:  10 * time.Millisecond,
		BackoffMax:      50 * time.Millisecond,
		Concurrency:     2,
		MaxCommits:      50,
	}, logger)

	res, err := pipeline.Ingest(ctx, ingest.Request{Handle: "test-owner"})
	require.NoError(t, err)
	require.Equal(t, model.StatusComplete, res.Status, res.Error)
	require.Len(t, res.Succeeded, 1)
	assert.Equal(t, 2, res.Succeeded[0].CommitsAdded)

	// A second run inside the staleness window is served from the store.
	res, err = pipeline.Ingest(ctx, ingest.Request{Handle: "test-owner"})
	require.NoError(t, err)
	assert.True(t, res.Cached)

	catalog := query.NewCatalog(store, logger)

	out, err := catalog.Execute(ctx, "get_repository_overview", json.RawMessage(`{"user":"test-owner","repo":"test-repo"}`))
	require.NoError(t, err)
	overview := out.(query.RepositoryOverview)
	assert.Equal(t, 2, overview.CommitCount)
	assert.Equal(t, 7, overview.Repository.StarsCount)
	assert.Equal(t, true, overview.Signals[model.SignalHasTests])
	assert.Equal(t, true, overview.Signals[model.SignalHasGithubActions])
	assert.Contains(t, overview.Repository.TechStack, "Go")

	out, err = catalog.Execute(ctx, "get_commit_timeline", json.RawMessage(`{"user":"test-owner","repo":"test-repo"}`))
	require.NoError(t, err)
	timeline := out.([]model.Commit)
	require.Len(t, timeline, 2)
	assert.Equal(t, "def", timeline[0].Hash)
	assert.Equal(t, "abc", timeline[1].Hash)

	out, err = catalog.Execute(ctx, "search_readmes", json.RawMessage(`{"user":"test-owner","query":"PARSING"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, out)

	require.NoError(t, pipeline.Purge(ctx, "test-owner"))
	_, err = pipeline.Status(ctx, "test-owner")
	assert.True(t, custom_errors.IsNotFound(err))
}
