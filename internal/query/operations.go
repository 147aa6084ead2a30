// internal/query/operations.go
package query

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	custom_errors "github-knowledge-store/internal/errors"
	"github-knowledge-store/internal/model"
)

const maxLimit = 100

var (
	userParam = Param{Name: "user", Type: TypeString, Required: true, Description: "GitHub login of an ingested user"}
	repoParam = Param{Name: "repo", Type: TypeString, Required: true, Description: "Repository name"}
)

func limitParam(def int) Param {
	return Param{
		Name:        "limit",
		Type:        TypeInteger,
		Description: "Maximum number of results (default " + strconv.Itoa(def) + ")",
		Minimum:     intPtr(1),
		Maximum:     intPtr(maxLimit),
	}
}

// RepositorySummary is the list view of a repository.
type RepositorySummary struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	URL         string     `json:"html_url,omitempty"`
	Language    string     `json:"language,omitempty"`
	Visibility  string     `json:"visibility"`
	Stars       int        `json:"stars"`
	Forks       int        `json:"forks"`
	Topics      []string   `json:"topics"`
	TechStack   []string   `json:"tech_stack"`
	IsArchived  bool       `json:"is_archived"`
	IsFork      bool       `json:"is_fork"`
	PushedAt    *time.Time `json:"pushed_at,omitempty"`
}

func summarize(r model.Repository) RepositorySummary {
	return RepositorySummary{
		Name:        r.Name,
		Description: r.Description,
		URL:         r.URL,
		Language:    r.Language,
		Visibility:  r.Visibility,
		Stars:       r.StarsCount,
		Forks:       r.ForksCount,
		Topics:      r.Topics,
		TechStack:   r.TechStack,
		IsArchived:  r.IsArchived,
		IsFork:      r.IsFork,
		PushedAt:    r.PushedAt,
	}
}

// signalMap flattens a signal set into kind -> value.
func signalMap(signals []model.Signal) map[model.SignalKind]any {
	out := make(map[model.SignalKind]any, len(signals))
	for _, s := range signals {
		out[s.Kind] = s.Value()
	}
	return out
}

// ---------- list_repositories ----------

var listRepositoriesDesc = Descriptor{
	Name:        "list_repositories",
	Description: "List every stored repository of a user, most recently pushed first.",
	Params:      []Param{userParam},
}

type listRepositoriesInput struct {
	User string `json:"user"`
}

func (c *Catalog) listRepositories(ctx context.Context, in listRepositoriesInput) ([]RepositorySummary, error) {
	if err := validateUser(in.User); err != nil {
		return nil, err
	}
	repos, err := c.store.ListRepositories(ctx, in.User)
	if err != nil {
		return nil, err
	}
	// The store orders by pushed_at desc, name asc; keep that order.
	out := make([]RepositorySummary, 0, len(repos))
	for _, r := range repos {
		out = append(out, summarize(r))
	}
	return out, nil
}

// ---------- get_repository_overview ----------

var repositoryOverviewDesc = Descriptor{
	Name:        "get_repository_overview",
	Description: "Get one repository with its metadata, README, current engineering signals and stored commit count.",
	Params:      []Param{userParam, repoParam},
}

type repositoryOverviewInput struct {
	User string `json:"user"`
	Repo string `json:"repo"`
}

// RepositoryOverview is a repository plus everything derived from it.
type RepositoryOverview struct {
	Repository  model.Repository         `json:"repository"`
	Signals     map[model.SignalKind]any `json:"signals"`
	CommitCount int                      `json:"commit_count"`
}

func (c *Catalog) getRepositoryOverview(ctx context.Context, in repositoryOverviewInput) (RepositoryOverview, error) {
	if err := validateUser(in.User); err != nil {
		return RepositoryOverview{}, err
	}
	if err := validateRepoName(in.Repo); err != nil {
		return RepositoryOverview{}, err
	}
	repo, err := c.store.GetRepository(ctx, in.User, in.Repo)
	if err != nil {
		return RepositoryOverview{}, err
	}
	signals, err := c.store.ListSignals(ctx, repo.ID)
	if err != nil {
		return RepositoryOverview{}, err
	}
	count, err := c.store.CountCommits(ctx, repo.ID)
	if err != nil {
		return RepositoryOverview{}, err
	}
	return RepositoryOverview{Repository: repo, Signals: signalMap(signals), CommitCount: count}, nil
}

// ---------- query_repositories_by_signals ----------

var signalsQueryDesc = Descriptor{
	Name: "query_repositories_by_signals",
	Description: "Find repositories whose signals match every given kind: value constraint, e.g. " +
		`{"has-ci": true, "has-docker": true}. Values must have the kind's type. ` +
		"An optional tech_stack narrows the result to repositories with a matching tech-stack tag.",
	Params: []Param{
		userParam,
		{Name: "signals", Type: TypeObject, Required: true, Description: "Map of signal kind to required value"},
		{Name: "tech_stack", Type: TypeString, Description: "Case-insensitive substring of a tech-stack tag, e.g. \"docker\""},
		limitParam(20),
	},
}

type signalsQueryInput struct {
	User    string                     `json:"user"`
	Signals   map[string]json.RawMessage `json:"signals"`
	TechStack string                     `json:"tech_stack"`
	Limit     *int                       `json:"limit"`
}

// SignalMatch is a repository that satisfied a signal query.
type SignalMatch struct {
	RepositorySummary
	Signals map[model.SignalKind]any `json:"signals"`
}

func (c *Catalog) queryRepositoriesBySignals(ctx context.Context, in signalsQueryInput) ([]SignalMatch, error) {
	if err := validateUser(in.User); err != nil {
		return nil, err
	}
	constraints, err := parseConstraints(in.Signals)
	if err != nil {
		return nil, err
	}
	limit := limitOr(in.Limit, 20)
	stack := strings.ToLower(strings.TrimSpace(in.TechStack))

	repos, err := c.store.ListRepositories(ctx, in.User)
	if err != nil {
		return nil, err
	}
	byRepo, err := c.store.ListSignalsByUser(ctx, in.User)
	if err != nil {
		return nil, err
	}

	out := []SignalMatch{}
	for _, r := range repos {
		signals := signalMap(byRepo[r.ID])
		if !satisfies(signals, constraints) || !hasStackTag(r.TechStack, stack) {
			continue
		}
		out = append(out, SignalMatch{RepositorySummary: summarize(r), Signals: signals})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// satisfies reports whether every constraint holds. A missing signal row never matches.
func satisfies(signals map[model.SignalKind]any, constraints []constraint) bool {
	for _, c := range constraints {
		got, ok := signals[c.kind]
		if !ok {
			return false
		}
		switch want := c.value.(type) {
		case string:
			s, ok := got.(string)
			if !ok || !strings.EqualFold(s, want) {
				return false
			}
		default:
			if got != want {
				return false
			}
		}
	}
	return true
}

// hasStackTag reports whether any tag contains want. An empty want matches everything.
func hasStackTag(tags []string, want string) bool {
	if want == "" {
		return true
	}
	for _, tag := range tags {
		if strings.Contains(strings.ToLower(tag), want) {
			return true
		}
	}
	return false
}

// ---------- rank_repositories_by_activity ----------

var activityRankDesc = Descriptor{
	Name:        "rank_repositories_by_activity",
	Description: "Rank repositories by number of commits in the trailing window, ties broken by the most recent commit.",
	Params: []Param{
		userParam,
		{Name: "window_days", Type: TypeInteger, Required: true, Description: "Size of the trailing window in days",
			Minimum: intPtr(1), Maximum: intPtr(3650)},
		limitParam(10),
	},
}

type activityRankInput struct {
	User       string `json:"user"`
	WindowDays int    `json:"window_days"`
	Limit      *int   `json:"limit"`
}

// RepositoryActivity is one ranked repository.
type RepositoryActivity struct {
	Name           string    `json:"name"`
	CommitCount    int       `json:"commit_count"`
	LatestCommitAt time.Time `json:"latest_commit_at"`
}

func (c *Catalog) rankRepositoriesByActivity(ctx context.Context, in activityRankInput) ([]RepositoryActivity, error) {
	if err := validateUser(in.User); err != nil {
		return nil, err
	}
	limit := limitOr(in.Limit, 10)
	since := c.now().Add(-time.Duration(in.WindowDays) * 24 * time.Hour)

	activity, err := c.store.CommitActivity(ctx, in.User, since)
	if err != nil {
		return nil, err
	}
	out := make([]RepositoryActivity, 0, len(activity))
	for _, a := range activity {
		if a.CommitCount == 0 {
			continue
		}
		out = append(out, RepositoryActivity{Name: a.Name, CommitCount: a.CommitCount, LatestCommitAt: a.LatestCommitAt})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CommitCount != out[j].CommitCount {
			return out[i].CommitCount > out[j].CommitCount
		}
		if !out[i].LatestCommitAt.Equal(out[j].LatestCommitAt) {
			return out[i].LatestCommitAt.After(out[j].LatestCommitAt)
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---------- aggregate_repo_metrics ----------

var metricsDesc = Descriptor{
	Name:        "aggregate_repo_metrics",
	Description: "Summarize all stored repositories of a user: counts, language and tech-stack histograms, signal prevalence and total commits.",
	Params:      []Param{userParam},
}

type metricsInput struct {
	User string `json:"user"`
}

// Metrics aggregates a user's stored repositories.
type Metrics struct {
	User                 string                       `json:"user"`
	TotalRepositories    int                          `json:"total_repositories"`
	ArchivedRepositories int                          `json:"archived_repositories"`
	ForkedRepositories   int                          `json:"forked_repositories"`
	TotalStars           int                          `json:"total_stars"`
	TotalForks           int                          `json:"total_forks"`
	TotalCommits         int                          `json:"total_commits"`
	Languages            map[string]int               `json:"languages"`
	TechStack            map[string]int               `json:"tech_stack"`
	SignalPrevalence     map[model.SignalKind]int     `json:"signal_prevalence"`
	AverageScores        map[model.SignalKind]float64 `json:"average_scores"`
}

func (c *Catalog) aggregateRepoMetrics(ctx context.Context, in metricsInput) (Metrics, error) {
	if err := validateUser(in.User); err != nil {
		return Metrics{}, err
	}
	repos, err := c.store.ListRepositories(ctx, in.User)
	if err != nil {
		return Metrics{}, err
	}
	byRepo, err := c.store.ListSignalsByUser(ctx, in.User)
	if err != nil {
		return Metrics{}, err
	}
	commits, err := c.store.CountUserCommits(ctx, in.User)
	if err != nil {
		return Metrics{}, err
	}

	m := Metrics{
		User:              in.User,
		TotalRepositories: len(repos),
		TotalCommits:      commits,
		Languages:         map[string]int{},
		TechStack:         map[string]int{},
		SignalPrevalence:  map[model.SignalKind]int{},
		AverageScores:     map[model.SignalKind]float64{},
	}
	scoreSums := map[model.SignalKind]float64{}
	scoreCounts := map[model.SignalKind]int{}
	for _, r := range repos {
		if r.IsArchived {
			m.ArchivedRepositories++
		}
		if r.IsFork {
			m.ForkedRepositories++
		}
		m.TotalStars += r.StarsCount
		m.TotalForks += r.ForksCount
		if r.Language != "" {
			m.Languages[r.Language]++
		}
		for _, tag := range r.TechStack {
			m.TechStack[tag]++
		}
		for _, s := range byRepo[r.ID] {
			switch {
			case s.Bool != nil:
				if *s.Bool {
					m.SignalPrevalence[s.Kind]++
				}
			case s.Number != nil && s.Kind != model.SignalFileCount:
				scoreSums[s.Kind] += *s.Number
				scoreCounts[s.Kind]++
			}
		}
	}
	for kind, sum := range scoreSums {
		m.AverageScores[kind] = roundTenth(sum / float64(scoreCounts[kind]))
	}
	return m, nil
}

func roundTenth(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}

// ---------- get_commit_timeline ----------

var commitTimelineDesc = Descriptor{
	Name:        "get_commit_timeline",
	Description: "List the most recent stored commits of a repository, newest first.",
	Params:      []Param{userParam, repoParam, limitParam(50)},
}

type commitTimelineInput struct {
	User  string `json:"user"`
	Repo  string `json:"repo"`
	Limit *int   `json:"limit"`
}

func (c *Catalog) getCommitTimeline(ctx context.Context, in commitTimelineInput) ([]model.Commit, error) {
	if err := validateUser(in.User); err != nil {
		return nil, err
	}
	if err := validateRepoName(in.Repo); err != nil {
		return nil, err
	}
	repo, err := c.store.GetRepository(ctx, in.User, in.Repo)
	if err != nil {
		return nil, err
	}
	return c.store.RecentCommits(ctx, repo.ID, limitOr(in.Limit, 50))
}

// ---------- search_readmes ----------

var readmeSearchDesc = Descriptor{
	Name:        "search_readmes",
	Description: "Find repositories whose README or description contains the given text, ignoring case.",
	Params: []Param{
		userParam,
		{Name: "query", Type: TypeString, Required: true, Description: "Text to look for"},
		limitParam(10),
	},
}

type readmeSearchInput struct {
	User  string `json:"user"`
	Query string `json:"query"`
	Limit *int   `json:"limit"`
}

func (c *Catalog) searchReadmes(ctx context.Context, in readmeSearchInput) ([]RepositorySummary, error) {
	if err := validateUser(in.User); err != nil {
		return nil, err
	}
	needle := strings.ToLower(strings.TrimSpace(in.Query))
	if needle == "" {
		return nil, &custom_errors.ValidationError{Field: "query", Reason: "must not be blank"}
	}
	limit := limitOr(in.Limit, 10)

	repos, err := c.store.ListRepositories(ctx, in.User)
	if err != nil {
		return nil, err
	}
	out := []RepositorySummary{}
	for _, r := range repos {
		readme := ""
		if r.ReadmeText != nil {
			readme = *r.ReadmeText
		}
		if strings.Contains(strings.ToLower(readme), needle) || strings.Contains(strings.ToLower(r.Description), needle) {
			out = append(out, summarize(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
