// internal/query/catalog_test.go
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github-knowledge-store/internal/database"
	custom_errors "github-knowledge-store/internal/errors"
	"github-knowledge-store/internal/model"
)

var testLogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

var now = time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)

func daysAgo(d int) time.Time { return now.Add(-time.Duration(d) * 24 * time.Hour) }

func ptrTime(t time.Time) *time.Time { return &t }

func ptrString(s string) *string { return &s }

// seedCatalog stores three repositories for "octocat":
//
//	alpha: pushed 1d ago, 5 commits in window (latest 5d ago), has-ci + has-docker
//	beta:  pushed 3d ago, 5 commits in window (latest 2d ago), has-ci only
//	gamma: pushed 2d ago, 2 commits in window plus 3 old ones, archived, no signals
func seedCatalog(t *testing.T) *Catalog {
	t.Helper()
	ctx := context.Background()
	store, err := database.NewSQLiteStore(filepath.Join(t.TempDir(), "knowledge.db"), testLogger)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.UpsertUser(ctx, model.User{Handle: "octocat", Status: model.StatusComplete, LastIngestedAt: ptrTime(now)}))

	repos := []model.Repository{
		{Name: "alpha", Language: "Go", TechStack: []string{"Docker", "Go"}, PushedAt: ptrTime(daysAgo(1)),
			ReadmeText: ptrString("A Kafka consumer written in Go"), StarsCount: 10, ForksCount: 2},
		{Name: "beta", Language: "Python", TechStack: []string{"Python", "SQL"}, PushedAt: ptrTime(daysAgo(3)),
			ReadmeText: ptrString("Data pipeline in SQL"), StarsCount: 3},
		{Name: "gamma", Language: "Go", PushedAt: ptrTime(daysAgo(2)), Description: "kafka tooling", IsArchived: true},
	}
	ids := map[string]int64{}
	for _, r := range repos {
		r.UserHandle = "octocat"
		r.DefaultBranch = "main"
		r.Visibility = "public"
		stored, err := store.UpsertRepository(ctx, r)
		require.NoError(t, err)
		ids[r.Name] = stored.ID
	}

	appendN := func(repo string, n int, latest time.Time) {
		commits := make([]model.Commit, 0, n)
		for i := n - 1; i >= 0; i-- {
			commits = append(commits, model.Commit{
				Hash:       fmt.Sprintf("%s-%s-%d", repo, latest.Format("0102"), i),
				AuthorName: "Ada",
				Timestamp:  latest.Add(-time.Duration(i) * time.Hour),
				Message:    "work",
			})
		}
		_, err := store.AppendCommits(ctx, ids[repo], commits)
		require.NoError(t, err)
	}
	appendN("alpha", 5, daysAgo(5))
	appendN("beta", 5, daysAgo(2))
	appendN("gamma", 3, daysAgo(100))
	appendN("gamma", 2, daysAgo(1))

	require.NoError(t, store.ReplaceSignals(ctx, ids["alpha"], []model.Signal{
		model.BoolSignal(model.SignalHasCI, true, now),
		model.BoolSignal(model.SignalHasDocker, true, now),
		model.TextSignal(model.SignalDetectedCI, "github_actions", now),
		model.NumberSignal(model.SignalAutomationScore, 80, now),
	}))
	require.NoError(t, store.ReplaceSignals(ctx, ids["beta"], []model.Signal{
		model.BoolSignal(model.SignalHasCI, true, now),
		model.BoolSignal(model.SignalHasDocker, false, now),
		model.NumberSignal(model.SignalAutomationScore, 40, now),
	}))

	c := NewCatalog(store, testLogger)
	c.now = func() time.Time { return now }
	return c
}

func execute[T any](t *testing.T, c *Catalog, op, input string) T {
	t.Helper()
	out, err := c.Execute(context.Background(), op, json.RawMessage(input))
	require.NoError(t, err)
	typed, ok := out.(T)
	require.True(t, ok, "unexpected output type %T", out)
	return typed
}

func names[T any](items []T, name func(T) string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, name(it))
	}
	return out
}

func summaryName(r RepositorySummary) string { return r.Name }

func TestDescribe(t *testing.T) {
	c := NewCatalog(nil, testLogger)
	descs := c.Describe()
	assert.Equal(t, []string{
		"aggregate_repo_metrics",
		"get_commit_timeline",
		"get_repository_overview",
		"list_repositories",
		"query_repositories_by_signals",
		"rank_repositories_by_activity",
		"search_readmes",
	}, names(descs, func(d Descriptor) string { return d.Name }))

	for _, d := range descs {
		assert.NotEmpty(t, d.Description, d.Name)
		require.NotEmpty(t, d.Params, d.Name)
		assert.Equal(t, "user", d.Params[0].Name)
		assert.True(t, d.Params[0].Required)
	}
}

func TestExecute_UnknownOperation(t *testing.T) {
	c := NewCatalog(nil, testLogger)
	_, err := c.Execute(context.Background(), "drop_everything", json.RawMessage(`{}`))
	assert.True(t, custom_errors.IsUnknownOperation(err))
}

// nilStore panics on any call, proving validation happens before storage access.
type nilStore struct{ database.Querier }

func TestExecute_RejectsMalformedInputBeforeStorage(t *testing.T) {
	c := NewCatalog(nilStore{}, testLogger)

	tests := []struct {
		name  string
		op    string
		input string
	}{
		{"not an object", "list_repositories", `["octocat"]`},
		{"null input", "list_repositories", `null`},
		{"empty input", "list_repositories", ``},
		{"unknown field", "list_repositories", `{"user":"octocat","verbose":true}`},
		{"wrong type", "list_repositories", `{"user":42}`},
		{"null required", "list_repositories", `{"user":null}`},
		{"invalid handle", "list_repositories", `{"user":"not a login"}`},
		{"missing repo", "get_repository_overview", `{"user":"octocat"}`},
		{"empty repo", "get_repository_overview", `{"user":"octocat","repo":""}`},
		{"window as string", "rank_repositories_by_activity", `{"user":"octocat","window_days":"30"}`},
		{"window fractional", "rank_repositories_by_activity", `{"user":"octocat","window_days":1.5}`},
		{"window zero", "rank_repositories_by_activity", `{"user":"octocat","window_days":0}`},
		{"window too large", "rank_repositories_by_activity", `{"user":"octocat","window_days":5000}`},
		{"missing window", "rank_repositories_by_activity", `{"user":"octocat"}`},
		{"limit too large", "get_commit_timeline", `{"user":"octocat","repo":"alpha","limit":1000}`},
		{"limit negative", "search_readmes", `{"user":"octocat","query":"x","limit":-1}`},
		{"blank query", "search_readmes", `{"user":"octocat","query":"  "}`},
		{"signals not an object", "query_repositories_by_signals", `{"user":"octocat","signals":["has-ci"]}`},
		{"no constraints", "query_repositories_by_signals", `{"user":"octocat","signals":{}}`},
		{"unknown signal kind", "query_repositories_by_signals", `{"user":"octocat","signals":{"has-rockets":true}}`},
		{"bool kind given string", "query_repositories_by_signals", `{"user":"octocat","signals":{"has-ci":"true"}}`},
		{"number kind given bool", "query_repositories_by_signals", `{"user":"octocat","signals":{"automation-score":true}}`},
		{"text kind given number", "query_repositories_by_signals", `{"user":"octocat","signals":{"detected-ci":1}}`},
		{"null constraint", "query_repositories_by_signals", `{"user":"octocat","signals":{"has-ci":null}}`},
		{"tech stack not a string", "query_repositories_by_signals", `{"user":"octocat","signals":{"has-ci":true},"tech_stack":["go"]}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Execute(context.Background(), tc.op, json.RawMessage(tc.input))
			require.Error(t, err)
			assert.True(t, custom_errors.IsValidation(err), "got %v", err)
		})
	}
}

func TestListRepositories(t *testing.T) {
	c := seedCatalog(t)

	repos := execute[[]RepositorySummary](t, c, "list_repositories", `{"user":"octocat"}`)
	assert.Equal(t, []string{"alpha", "gamma", "beta"}, names(repos, summaryName))
	assert.Equal(t, []string{"Docker", "Go"}, repos[0].TechStack)

	empty := execute[[]RepositorySummary](t, c, "list_repositories", `{"user":"nobody"}`)
	assert.Empty(t, empty)
}

func TestGetRepositoryOverview(t *testing.T) {
	c := seedCatalog(t)

	overview := execute[RepositoryOverview](t, c, "get_repository_overview", `{"user":"octocat","repo":"alpha"}`)
	assert.Equal(t, "alpha", overview.Repository.Name)
	assert.Equal(t, 5, overview.CommitCount)
	assert.Equal(t, true, overview.Signals[model.SignalHasDocker])
	assert.Equal(t, "github_actions", overview.Signals[model.SignalDetectedCI])
	assert.Equal(t, 80.0, overview.Signals[model.SignalAutomationScore])

	_, err := c.Execute(context.Background(), "get_repository_overview", json.RawMessage(`{"user":"octocat","repo":"missing"}`))
	assert.True(t, custom_errors.IsNotFound(err))
	_, err = c.Execute(context.Background(), "get_repository_overview", json.RawMessage(`{"user":"alice","repo":"missing"}`))
	assert.True(t, custom_errors.IsNotFound(err))
}

func TestQueryRepositoriesBySignals(t *testing.T) {
	c := seedCatalog(t)

	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"conjunction", `{"user":"octocat","signals":{"has-ci":true,"has-docker":true}}`, []string{"alpha"}},
		{"single", `{"user":"octocat","signals":{"has-ci":true}}`, []string{"alpha", "beta"}},
		{"false requires a row", `{"user":"octocat","signals":{"has-docker":false}}`, []string{"beta"}},
		{"text ignores case", `{"user":"octocat","signals":{"detected-ci":"GITHUB_ACTIONS"}}`, []string{"alpha"}},
		{"number", `{"user":"octocat","signals":{"automation-score":40}}`, []string{"beta"}},
		{"limit", `{"user":"octocat","signals":{"has-ci":true},"limit":1}`, []string{"alpha"}},
		{"no match", `{"user":"octocat","signals":{"has-ci":false}}`, []string{}},
		{"unknown user", `{"user":"nobody","signals":{"has-ci":true}}`, []string{}},
		{"tech stack and signal", `{"user":"octocat","signals":{"has-ci":true},"tech_stack":"PYTH"}`, []string{"beta"}},
		{"tech stack substring", `{"user":"octocat","signals":{"has-ci":true},"tech_stack":"dock"}`, []string{"alpha"}},
		{"tech stack without match", `{"user":"octocat","signals":{"has-ci":true},"tech_stack":"rust"}`, []string{}},
		{"repo without tags never matches a stack", `{"user":"octocat","signals":{"automation-score":40},"tech_stack":"go"}`, []string{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := execute[[]SignalMatch](t, c, "query_repositories_by_signals", tc.input)
			assert.Equal(t, tc.want, names(got, func(m SignalMatch) string { return m.Name }))
		})
	}
}

func TestRankRepositoriesByActivity(t *testing.T) {
	c := seedCatalog(t)

	// alpha and beta both have 5 commits; beta's latest is more recent.
	ranked := execute[[]RepositoryActivity](t, c, "rank_repositories_by_activity", `{"user":"octocat","window_days":30}`)
	assert.Equal(t, []string{"beta", "alpha", "gamma"}, names(ranked, func(a RepositoryActivity) string { return a.Name }))
	assert.Equal(t, []int{5, 5, 2}, []int{ranked[0].CommitCount, ranked[1].CommitCount, ranked[2].CommitCount})
	assert.True(t, ranked[0].LatestCommitAt.Equal(daysAgo(2)))

	wide := execute[[]RepositoryActivity](t, c, "rank_repositories_by_activity", `{"user":"octocat","window_days":365}`)
	assert.Equal(t, "gamma", wide[0].Name)
	assert.Equal(t, 5, wide[0].CommitCount)

	narrow := execute[[]RepositoryActivity](t, c, "rank_repositories_by_activity", `{"user":"octocat","window_days":3,"limit":1}`)
	assert.Equal(t, []string{"beta"}, names(narrow, func(a RepositoryActivity) string { return a.Name }))
}

func TestAggregateRepoMetrics(t *testing.T) {
	c := seedCatalog(t)

	m := execute[Metrics](t, c, "aggregate_repo_metrics", `{"user":"octocat"}`)
	assert.Equal(t, 3, m.TotalRepositories)
	assert.Equal(t, 1, m.ArchivedRepositories)
	assert.Equal(t, 13, m.TotalStars)
	assert.Equal(t, 15, m.TotalCommits)
	assert.Equal(t, map[string]int{"Go": 2, "Python": 1}, m.Languages)
	assert.Equal(t, map[string]int{"Docker": 1, "Go": 1, "Python": 1, "SQL": 1}, m.TechStack)
	assert.Equal(t, 2, m.SignalPrevalence[model.SignalHasCI])
	assert.Equal(t, 1, m.SignalPrevalence[model.SignalHasDocker])
	assert.Equal(t, 60.0, m.AverageScores[model.SignalAutomationScore])

	empty := execute[Metrics](t, c, "aggregate_repo_metrics", `{"user":"nobody"}`)
	assert.Zero(t, empty.TotalRepositories)
	assert.Empty(t, empty.Languages)
}

func TestGetCommitTimeline(t *testing.T) {
	c := seedCatalog(t)

	commits := execute[[]model.Commit](t, c, "get_commit_timeline", `{"user":"octocat","repo":"gamma","limit":3}`)
	require.Len(t, commits, 3)
	assert.True(t, commits[0].Timestamp.Equal(daysAgo(1)))
	assert.True(t, commits[0].Timestamp.After(commits[1].Timestamp))
	assert.True(t, commits[2].Timestamp.Before(daysAgo(99)))

	all := execute[[]model.Commit](t, c, "get_commit_timeline", `{"user":"octocat","repo":"gamma"}`)
	assert.Len(t, all, 5)

	_, err := c.Execute(context.Background(), "get_commit_timeline", json.RawMessage(`{"user":"octocat","repo":"missing"}`))
	assert.True(t, custom_errors.IsNotFound(err))
}

func TestSearchReadmes(t *testing.T) {
	c := seedCatalog(t)

	hits := execute[[]RepositorySummary](t, c, "search_readmes", `{"user":"octocat","query":"KAFKA"}`)
	assert.Equal(t, []string{"alpha", "gamma"}, names(hits, summaryName))

	hits = execute[[]RepositorySummary](t, c, "search_readmes", `{"user":"octocat","query":"sql"}`)
	assert.Equal(t, []string{"beta"}, names(hits, summaryName))

	hits = execute[[]RepositorySummary](t, c, "search_readmes", `{"user":"octocat","query":"kafka","limit":1}`)
	assert.Equal(t, []string{"alpha"}, names(hits, summaryName))
}
