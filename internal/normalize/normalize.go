// internal/normalize/normalize.go
package normalize

import (
	"strings"
	"time"

	"github.com/google/go-github/v62/github"

	"github-knowledge-store/internal/model"
)

// Repository translates a github.Repository payload into a model.Repository owned by handle.
// Missing fields become zero values; a nil payload yields a repository with only the handle set.
func Repository(r *github.Repository, handle string) model.Repository {
	out := model.Repository{
		UserHandle: handle,
		Topics:     []string{},
		TechStack:  []string{},
	}
	if r == nil {
		return out
	}

	out.Name = r.GetName()
	out.DefaultBranch = r.GetDefaultBranch()
	out.Visibility = r.GetVisibility()
	if out.Visibility == "" {
		out.Visibility = "public"
		if r.GetPrivate() {
			out.Visibility = "private"
		}
	}
	out.Description = r.GetDescription()
	out.URL = r.GetHTMLURL()
	out.Language = r.GetLanguage()
	out.StarsCount = r.GetStargazersCount()
	out.ForksCount = r.GetForksCount()
	out.WatchersCount = r.GetWatchersCount()
	out.OpenIssues = r.GetOpenIssuesCount()
	out.Size = r.GetSize()
	out.LicenseName = r.GetLicense().GetName()
	out.IsArchived = r.GetArchived()
	out.IsFork = r.GetFork()
	out.RepoCreatedAt = timestamp(r.CreatedAt)
	out.RepoUpdatedAt = timestamp(r.UpdatedAt)
	out.PushedAt = timestamp(r.PushedAt)
	for _, topic := range r.Topics {
		if topic = strings.TrimSpace(topic); topic != "" {
			out.Topics = append(out.Topics, topic)
		}
	}
	return out
}

// Commit translates a github.RepositoryCommit payload. It reports false when the payload has
// no hash or no usable date, in which case the commit is dropped by the caller.
func Commit(c *github.RepositoryCommit) (model.Commit, bool) {
	if c == nil || c.GetSHA() == "" {
		return model.Commit{}, false
	}
	gc := c.GetCommit()

	// The committer date orders history as it landed; the author date is the fallback.
	when := gc.GetCommitter().GetDate().Time
	if when.IsZero() {
		when = gc.GetAuthor().GetDate().Time
	}
	if when.IsZero() {
		return model.Commit{}, false
	}

	out := model.Commit{
		Hash:        c.GetSHA(),
		AuthorName:  gc.GetAuthor().GetName(),
		AuthorLogin: c.GetAuthor().GetLogin(),
		Timestamp:   model.StoreTime(when),
		Message:     gc.GetMessage(),
	}
	if out.AuthorName == "" {
		out.AuthorName = out.AuthorLogin
	}
	if stats := c.GetStats(); stats != nil {
		out.Additions = stats.Additions
		out.Deletions = stats.Deletions
		files := len(c.Files)
		out.FilesChanged = &files
	}
	return out, true
}

func timestamp(ts *github.Timestamp) *time.Time {
	if ts == nil || ts.Time.IsZero() {
		return nil
	}
	t := model.StoreTime(ts.Time)
	return &t
}
