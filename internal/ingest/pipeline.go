// internal/ingest/pipeline.go
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/go-github/v62/github"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github-knowledge-store/internal/database"
	custom_errors "github-knowledge-store/internal/errors"
	"github-knowledge-store/internal/fetchcache"
	"github-knowledge-store/internal/model"
	"github-knowledge-store/internal/normalize"
)

// finalWriteTimeout bounds the status write that closes a run, which must happen even after the
// run's own deadline expired.
const finalWriteTimeout = 10 * time.Second

// RemoteAPI is the subset of the GitHub API the pipeline fetches from.
type RemoteAPI interface {
	ListRepositories(ctx context.Context, token, owner string) ([]*github.Repository, error)
	GetFileTree(ctx context.Context, token, owner, repo, ref string) ([]string, error)
	GetReadme(ctx context.Context, token, owner, repo string) (string, error)
	ListCommits(ctx context.Context, token, owner, repo, sinceHash string, limit int) ([]*github.RepositoryCommit, error)
	GetCommitStats(ctx context.Context, token, owner, repo, sha string) (*github.RepositoryCommit, error)
}

// Config tunes a Pipeline.
type Config struct {
	DefaultToken     string
	StalenessWindow  time.Duration
	Timeout          time.Duration
	MaxRetries       int
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	Concurrency      int
	MaxCommits       int
	FetchCommitStats bool
}

// Request asks for one ingestion of a user.
type Request struct {
	Handle string
	Token  string
	Force  bool
}

type RepoOutcome struct {
	Name         string `json:"name"`
	CommitsAdded int    `json:"commits_added"`
	Signals      int    `json:"signals"`
	TreeCached   bool   `json:"tree_cached,omitempty"`
}

type RepoFailure struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Result reports what one ingestion run did.
type Result struct {
	RunID      string                `json:"run_id"`
	Handle     string                `json:"user"`
	Status     model.IngestionStatus `json:"status"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`
	Cached     bool                  `json:"cached"`
	Coalesced  bool                  `json:"coalesced"`
	Succeeded  []RepoOutcome         `json:"succeeded"`
	Failed     []RepoFailure         `json:"failed"`
	Error      string                `json:"error,omitempty"`
}

// Pipeline orchestrates fetch, normalize and store for one user at a time.
type Pipeline struct {
	store    database.Store
	remote   RemoteAPI
	cache    *fetchcache.Cache
	registry *Registry
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewPipeline creates a Pipeline. cache may be nil.
func NewPipeline(store database.Store, remote RemoteAPI, cache *fetchcache.Cache, cfg Config, logger *slog.Logger) *Pipeline {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Pipeline{
		store:    store,
		remote:   remote,
		cache:    cache,
		registry: NewRegistry(),
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// InFlight reports whether an ingestion or purge is running for handle.
func (p *Pipeline) InFlight(handle string) bool {
	return p.registry.InFlight(handle)
}

// Ingest runs the pipeline for req.Handle. A concurrent request for the same handle waits for
// the in-flight run and returns its result with Coalesced set. Per-repository failures are
// reported in the result; the returned error is reserved for requests that could not run.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (*Result, error) {
	if !model.ValidHandle(req.Handle) {
		return nil, &custom_errors.ValidationError{Field: "user", Reason: "must be a valid GitHub login"}
	}
	token := req.Token
	if token == "" {
		token = p.cfg.DefaultToken
	}
	if token == "" {
		return nil, &custom_errors.ValidationError{Field: "token", Reason: "no GitHub token in the request or configuration"}
	}

	rn, leader := p.registry.acquire(req.Handle)
	if !leader {
		p.logger.Info("Ingestion already in flight, waiting for it", "user", req.Handle)
		select {
		case <-rn.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if rn.result == nil {
			return nil, rn.err
		}
		res := *rn.result
		res.Coalesced = true
		return &res, rn.err
	}

	var (
		res *Result
		err error
	)
	defer func() { p.registry.release(req.Handle, rn, res, err) }()
	res, err = p.run(ctx, req.Handle, token, req.Force)
	return res, err
}

func (p *Pipeline) run(ctx context.Context, handle, token string, force bool) (*Result, error) {
	started := p.now()
	res := &Result{
		RunID:     uuid.NewString(),
		Handle:    handle,
		StartedAt: started,
		Succeeded: []RepoOutcome{},
		Failed:    []RepoFailure{},
	}
	logger := p.logger.With("user", handle, "run_id", res.RunID)

	user, err := p.store.GetUser(ctx, handle)
	if custom_errors.IsNotFound(err) {
		user = model.User{Handle: handle, Status: model.StatusNeverIngested}
	} else if err != nil {
		return nil, err
	}

	if !force && user.Status == model.StatusComplete && user.LastIngestedAt != nil &&
		started.Sub(*user.LastIngestedAt) < p.cfg.StalenessWindow {
		logger.Info("User is fresh, serving from store", "last_ingested_at", user.LastIngestedAt)
		res.Cached = true
		res.Status = user.Status
		res.FinishedAt = started
		return res, nil
	}

	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	user.Status = model.StatusInProgress
	user.LastAttemptAt = &started
	user.LastError = ""
	if err := p.store.UpsertUser(ctx, user); err != nil {
		return nil, err
	}
	logger.Info("Starting ingestion", "force", force)

	var repos []*github.Repository
	err = p.retry(ctx, newRetryBudget(p.cfg.MaxRetries), logger, "list repositories", func() error {
		var err error
		repos, err = p.remote.ListRepositories(ctx, token, handle)
		return err
	})
	if err != nil {
		return p.finish(ctx, logger, user, res, fmt.Errorf("list repositories: %w", err))
	}
	named := repos[:0:0]
	for _, remote := range repos {
		if remote.GetName() == "" {
			logger.Warn("Skipping repository without a name", "id", remote.GetID())
			continue
		}
		named = append(named, remote)
	}
	repos = named
	user.RepoCount = len(repos)
	logger.Info("Fetched repository list", "count", len(repos))

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(p.cfg.Concurrency)
	for _, remote := range repos {
		g.Go(func() error {
			outcome, err := p.ingestRepository(ctx, logger, handle, token, remote, force)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.Error("Failed to ingest repository", "repo", remote.GetName(), "error", err)
				res.Failed = append(res.Failed, RepoFailure{Name: remote.GetName(), Reason: err.Error()})
				return nil // siblings keep going
			}
			res.Succeeded = append(res.Succeeded, outcome)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(res.Succeeded, func(i, j int) bool { return res.Succeeded[i].Name < res.Succeeded[j].Name })
	sort.Slice(res.Failed, func(i, j int) bool { return res.Failed[i].Name < res.Failed[j].Name })

	var runErr error
	switch {
	case ctx.Err() != nil:
		runErr = fmt.Errorf("ingestion aborted after %d of %d repositories: %w", len(res.Succeeded), len(repos), ctx.Err())
	case len(res.Failed) > 0:
		runErr = fmt.Errorf("%d of %d repositories failed", len(res.Failed), len(repos))
	}
	return p.finish(ctx, logger, user, res, runErr)
}

// finish records the final user status. It runs on a context detached from ctx so that a run
// whose deadline expired is still marked failed.
func (p *Pipeline) finish(ctx context.Context, logger *slog.Logger, user model.User, res *Result, runErr error) (*Result, error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
	defer cancel()

	finished := p.now()
	if runErr == nil {
		user.Status = model.StatusComplete
		user.LastIngestedAt = &finished
		user.LastError = ""
	} else {
		user.Status = model.StatusFailed
		user.LastError = runErr.Error()
		res.Error = runErr.Error()
	}
	if err := p.store.UpsertUser(wctx, user); err != nil {
		return nil, fmt.Errorf("record final status: %w", err)
	}

	res.Status = user.Status
	res.FinishedAt = finished
	logger.Info("Ingestion finished", "status", res.Status, "succeeded", len(res.Succeeded), "failed", len(res.Failed),
		"duration", finished.Sub(res.StartedAt).String())
	return res, nil
}

// ingestRepository fetches one repository and writes its metadata, new commits and signals in
// a single transaction.
func (p *Pipeline) ingestRepository(ctx context.Context, logger *slog.Logger, handle, token string, remote *github.Repository, force bool) (RepoOutcome, error) {
	repo := normalize.Repository(remote, handle)
	logger = logger.With("repo", repo.Name)
	budget := newRetryBudget(p.cfg.MaxRetries)

	paths, readme, treeCached, err := p.fetchSnapshot(ctx, logger, budget, token, repo, force)
	if err != nil {
		return RepoOutcome{}, err
	}

	var latest *model.Commit
	existing, err := p.store.GetRepository(ctx, handle, repo.Name)
	switch {
	case err == nil:
		if latest, err = p.store.LatestCommit(ctx, existing.ID); err != nil {
			return RepoOutcome{}, err
		}
	case !custom_errors.IsNotFound(err):
		return RepoOutcome{}, err
	}

	commits, err := p.fetchCommits(ctx, logger, budget, token, repo, latest)
	if err != nil {
		return RepoOutcome{}, err
	}

	now := p.now()
	if readme != "" {
		repo.ReadmeText = &readme
	}
	repo.TechStack = normalize.TechStack(paths, repo.Language)
	repo.LastIngestedAt = &now
	signals := normalize.DetectSignals(paths, normalize.Metadata{
		Language:    repo.Language,
		LicenseName: repo.LicenseName,
		ReadmeText:  readme,
	}, now)

	var added int
	err = p.store.InTx(ctx, func(q database.Querier) error {
		stored, err := q.UpsertRepository(ctx, repo)
		if err != nil {
			return err
		}
		if added, err = q.AppendCommits(ctx, stored.ID, commits); err != nil {
			return err
		}
		return q.ReplaceSignals(ctx, stored.ID, signals)
	})
	if err != nil {
		return RepoOutcome{}, err
	}

	logger.Info("Repository ingested", "commits_added", added, "signals", len(signals), "tree_cached", treeCached)
	return RepoOutcome{Name: repo.Name, CommitsAdded: added, Signals: len(signals), TreeCached: treeCached}, nil
}

// fetchSnapshot returns the file tree and README, from the fetch cache when the repository has
// not been pushed and its default branch has not changed since they were captured.
func (p *Pipeline) fetchSnapshot(ctx context.Context, logger *slog.Logger, budget *retryBudget, token string, repo model.Repository, force bool) ([]string, string, bool, error) {
	var pushedAt time.Time
	if repo.PushedAt != nil {
		pushedAt = *repo.PushedAt
	}
	if !force {
		if entry, ok := p.cache.Get(repo.UserHandle, repo.Name, pushedAt, repo.DefaultBranch); ok {
			logger.Debug("Reusing cached file tree and readme", "pushed_at", pushedAt)
			return entry.Paths, entry.Readme, true, nil
		}
	}

	var readme string
	err := p.retry(ctx, budget, logger, "get readme", func() error {
		var err error
		readme, err = p.remote.GetReadme(ctx, token, repo.UserHandle, repo.Name)
		return err
	})
	if err != nil {
		return nil, "", false, err
	}

	var paths []string
	err = p.retry(ctx, budget, logger, "get file tree", func() error {
		var err error
		paths, err = p.remote.GetFileTree(ctx, token, repo.UserHandle, repo.Name, repo.DefaultBranch)
		return err
	})
	if err != nil {
		return nil, "", false, err
	}

	if !pushedAt.IsZero() {
		if err := p.cache.Put(repo.UserHandle, repo.Name, fetchcache.Entry{PushedAt: pushedAt, Branch: repo.DefaultBranch, Paths: paths, Readme: readme}); err != nil {
			logger.Warn("Failed to update fetch cache", "error", err)
		}
	}
	return paths, readme, false, nil
}

// fetchCommits returns the commits that sort after latest, oldest first.
func (p *Pipeline) fetchCommits(ctx context.Context, logger *slog.Logger, budget *retryBudget, token string, repo model.Repository, latest *model.Commit) ([]model.Commit, error) {
	sinceHash := ""
	if latest != nil {
		sinceHash = latest.Hash
	}

	var raw []*github.RepositoryCommit
	err := p.retry(ctx, budget, logger, "list commits", func() error {
		var err error
		raw, err = p.remote.ListCommits(ctx, token, repo.UserHandle, repo.Name, sinceHash, p.cfg.MaxCommits)
		return err
	})
	if err != nil {
		return nil, err
	}

	commits := make([]model.Commit, 0, len(raw))
	outside := 0
	for _, rc := range raw {
		c, ok := normalize.Commit(rc)
		if !ok {
			continue
		}
		// Rewritten history can surface commits older than what is stored; they are outside
		// the fetch window.
		if latest != nil && !latest.Less(c) {
			outside++
			continue
		}
		commits = append(commits, c)
	}
	if outside > 0 {
		logger.Warn("Skipped commits older than the latest stored commit", "count", outside)
	}

	if p.cfg.FetchCommitStats {
		for i := range commits {
			var detailed *github.RepositoryCommit
			err := p.retry(ctx, budget, logger, "get commit stats", func() error {
				var err error
				detailed, err = p.remote.GetCommitStats(ctx, token, repo.UserHandle, repo.Name, commits[i].Hash)
				return err
			})
			if err != nil {
				return nil, err
			}
			if full, ok := normalize.Commit(detailed); ok {
				commits[i].Additions = full.Additions
				commits[i].Deletions = full.Deletions
				commits[i].FilesChanged = full.FilesChanged
			}
		}
	}

	sort.Slice(commits, func(i, j int) bool { return commits[i].Less(commits[j]) })
	return commits, nil
}

// Purge deletes a user and everything stored for it. It is rejected while an ingestion for the
// user is in flight.
func (p *Pipeline) Purge(ctx context.Context, handle string) error {
	if !model.ValidHandle(handle) {
		return &custom_errors.ValidationError{Field: "user", Reason: "must be a valid GitHub login"}
	}
	rn, leader := p.registry.acquire(handle)
	if !leader {
		return &custom_errors.ConflictError{Entity: "user", Reason: fmt.Sprintf("an ingestion for %q is in progress", handle)}
	}
	err := p.store.DeleteUser(ctx, handle)
	if err == nil {
		if cerr := p.cache.DeleteOwner(handle); cerr != nil {
			p.logger.Warn("Failed to drop fetch cache entries", "user", handle, "error", cerr)
		}
		p.logger.Info("User purged", "user", handle)
	}
	// Requests that raced the purge see a conflict instead of a result.
	p.registry.release(handle, rn, nil, &custom_errors.ConflictError{Entity: "user", Reason: fmt.Sprintf("%q was being purged", handle)})
	return err
}

// Status returns the stored ingestion state of a user.
func (p *Pipeline) Status(ctx context.Context, handle string) (model.User, error) {
	if !model.ValidHandle(handle) {
		return model.User{}, &custom_errors.ValidationError{Field: "user", Reason: "must be a valid GitHub login"}
	}
	return p.store.GetUser(ctx, handle)
}
