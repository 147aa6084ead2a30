// internal/github/client.go
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	custom_errors "github-knowledge-store/internal/errors"
)

const perPage = 100

// Client is a wrapper around the go-github client. It keeps one authenticated go-github client
// per token and paces every call through a shared rate limiter.
type Client struct {
	baseURL     *url.URL
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	logger      *slog.Logger

	mu      sync.Mutex
	clients map[string]*github.Client
}

// NewClient creates a Client. An empty baseURL targets api.github.com; requestsPerSecond <= 0
// disables pacing.
func NewClient(baseURL string, requestsPerSecond float64, logger *slog.Logger) (*Client, error) {
	c := &Client{
		httpClient:  http.DefaultClient,
		rateLimiter: rate.NewLimiter(rate.Inf, 1),
		logger:      logger,
		clients:     make(map[string]*github.Client),
	}
	if requestsPerSecond > 0 {
		c.rateLimiter = rate.NewLimiter(rate.Limit(requestsPerSecond), 1)
	}
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid github base url: %w", err)
		}
		c.baseURL = u
	}
	return c, nil
}

// client returns the go-github client for token, building it on first use.
func (c *Client) client(token string) *github.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gh, ok := c.clients[token]; ok {
		return gh
	}
	httpClient := c.httpClient
	if token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, c.httpClient)
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(ctx, ts)
	}
	gh := github.NewClient(httpClient)
	if c.baseURL != nil {
		gh.BaseURL = c.baseURL
	}
	c.clients[token] = gh
	return gh
}

func (c *Client) wait(ctx context.Context) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

// ListRepositories returns every repository owned by owner, following pagination.
func (c *Client) ListRepositories(ctx context.Context, token, owner string) ([]*github.Repository, error) {
	gh := c.client(token)
	opts := &github.RepositoryListByUserOptions{
		Type:        "owner",
		Sort:        "pushed",
		ListOptions: github.ListOptions{PerPage: perPage},
	}

	var all []*github.Repository
	for {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		c.logger.Debug("Fetching repositories page", "owner", owner, "page", opts.Page)

		repos, resp, err := gh.Repositories.ListByUser(ctx, owner, opts)
		if err != nil {
			return nil, classify(ctx, "list repositories", resp, err)
		}
		c.logRateLimit(resp)
		all = append(all, repos...)

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// GetReadme returns the decoded README of a repository, or "" when it has none.
func (c *Client) GetReadme(ctx context.Context, token, owner, repo string) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	readme, resp, err := c.client(token).Repositories.GetReadme(ctx, owner, repo, nil)
	if isStatus(resp, http.StatusNotFound) {
		return "", nil
	}
	if err != nil {
		return "", classify(ctx, "get readme", resp, err)
	}
	c.logRateLimit(resp)

	content, err := readme.GetContent()
	if err != nil {
		// An undecodable README is treated as absent.
		c.logger.Warn("Failed to decode readme", "owner", owner, "repo", repo, "error", err)
		return "", nil
	}
	return content, nil
}

// GetFileTree returns the paths of all files in the repository at ref. Empty repositories
// yield an empty listing.
func (c *Client) GetFileTree(ctx context.Context, token, owner, repo, ref string) ([]string, error) {
	if ref == "" {
		ref = "HEAD"
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	tree, resp, err := c.client(token).Git.GetTree(ctx, owner, repo, ref, true)
	if isStatus(resp, http.StatusNotFound, http.StatusConflict) {
		return []string{}, nil
	}
	if err != nil {
		return nil, classify(ctx, "get file tree", resp, err)
	}
	c.logRateLimit(resp)
	if tree.GetTruncated() {
		c.logger.Warn("File tree truncated by the API", "owner", owner, "repo", repo, "entries", len(tree.Entries))
	}

	paths := make([]string, 0, len(tree.Entries))
	for _, entry := range tree.Entries {
		if entry.GetType() == "blob" {
			paths = append(paths, entry.GetPath())
		}
	}
	return paths, nil
}

// ListCommits returns commits newest first, stopping at sinceHash (exclusive) or after limit
// commits, whichever comes first.
func (c *Client) ListCommits(ctx context.Context, token, owner, repo, sinceHash string, limit int) ([]*github.RepositoryCommit, error) {
	gh := c.client(token)
	opts := &github.CommitsListOptions{ListOptions: github.ListOptions{PerPage: perPage}}
	if limit > 0 && limit < perPage {
		opts.PerPage = limit
	}

	var all []*github.RepositoryCommit
	for {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		c.logger.Debug("Fetching commits page", "owner", owner, "repo", repo, "page", opts.Page)

		commits, resp, err := gh.Repositories.ListCommits(ctx, owner, repo, opts)
		if isStatus(resp, http.StatusConflict) {
			return []*github.RepositoryCommit{}, nil // empty repository
		}
		if err != nil {
			return nil, classify(ctx, "list commits", resp, err)
		}
		c.logRateLimit(resp)

		for _, commit := range commits {
			if sinceHash != "" && commit.GetSHA() == sinceHash {
				return all, nil
			}
			all = append(all, commit)
			if limit > 0 && len(all) >= limit {
				return all, nil
			}
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// GetCommitStats fetches a single commit with its stats and changed files.
func (c *Client) GetCommitStats(ctx context.Context, token, owner, repo, sha string) (*github.RepositoryCommit, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	commit, resp, err := c.client(token).Repositories.GetCommit(ctx, owner, repo, sha, nil)
	if err != nil {
		return nil, classify(ctx, "get commit", resp, err)
	}
	c.logRateLimit(resp)
	return commit, nil
}

func (c *Client) logRateLimit(resp *github.Response) {
	if resp == nil {
		return
	}
	if resp.Rate.Limit > 0 && resp.Rate.Remaining < resp.Rate.Limit/10 {
		c.logger.Warn("GitHub rate limit running low", "remaining", resp.Rate.Remaining, "limit", resp.Rate.Limit, "reset", resp.Rate.Reset.Time)
		return
	}
	c.logger.Debug("GitHub rate limit", "remaining", resp.Rate.Remaining, "limit", resp.Rate.Limit)
}

func isStatus(resp *github.Response, codes ...int) bool {
	if resp == nil || resp.Response == nil {
		return false
	}
	for _, code := range codes {
		if resp.StatusCode == code {
			return true
		}
	}
	return false
}

// classify turns a go-github error into a TransientFetchError when a retry may succeed.
// Cancellation of ctx is never transient.
func classify(ctx context.Context, op string, resp *github.Response, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return &custom_errors.TransientFetchError{Op: op, RetryAfter: untilReset(rateErr.Rate.Reset.Time), Err: err}
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return &custom_errors.TransientFetchError{Op: op, RetryAfter: abuseErr.GetRetryAfter(), Err: err}
	}
	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		code := respErr.Response.StatusCode
		if code == http.StatusTooManyRequests || code >= http.StatusInternalServerError {
			return &custom_errors.TransientFetchError{Op: op, RetryAfter: retryAfterHeader(respErr.Response), Err: err}
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &custom_errors.TransientFetchError{Op: op, Err: err}
	}
	if resp != nil && resp.Response != nil && resp.StatusCode >= http.StatusInternalServerError {
		return &custom_errors.TransientFetchError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func untilReset(reset time.Time) time.Duration {
	if d := time.Until(reset); d > 0 {
		return d
	}
	return 0
}

func retryAfterHeader(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		return untilReset(at)
	}
	return 0
}
