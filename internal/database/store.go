// internal/database/store.go
package database

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	custom_errors "github-knowledge-store/internal/errors"
	"github-knowledge-store/internal/model"
)

const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config selects and parameterizes the storage backend. It is read once at startup.
type Config struct {
	Backend     string
	SQLitePath  string
	PostgresURL string
}

// RepoActivity is the commit activity of one repository inside a time window.
type RepoActivity struct {
	RepositoryID   int64
	Name           string
	CommitCount    int
	LatestCommitAt time.Time
}

// Querier is the backend-agnostic set of reads and writes over the four tables.
type Querier interface {
	UpsertUser(ctx context.Context, u model.User) error
	GetUser(ctx context.Context, handle string) (model.User, error)
	DeleteUser(ctx context.Context, handle string) error

	UpsertRepository(ctx context.Context, r model.Repository) (model.Repository, error)
	GetRepository(ctx context.Context, handle, name string) (model.Repository, error)
	ListRepositories(ctx context.Context, handle string) ([]model.Repository, error)

	AppendCommits(ctx context.Context, repoID int64, commits []model.Commit) (int, error)
	ListCommits(ctx context.Context, repoID int64, sinceHash string) ([]model.Commit, error)
	LatestCommit(ctx context.Context, repoID int64) (*model.Commit, error)
	RecentCommits(ctx context.Context, repoID int64, limit int) ([]model.Commit, error)
	CountCommits(ctx context.Context, repoID int64) (int, error)
	CountUserCommits(ctx context.Context, handle string) (int, error)
	CommitActivity(ctx context.Context, handle string, since time.Time) ([]RepoActivity, error)

	ReplaceSignals(ctx context.Context, repoID int64, signals []model.Signal) error
	ListSignals(ctx context.Context, repoID int64) ([]model.Signal, error)
	ListSignalsByUser(ctx context.Context, handle string) (map[int64][]model.Signal, error)
}

// Store is a Querier bound to a live backend.
type Store interface {
	Querier
	// InTx runs fn against a Querier whose writes commit together or not at all.
	InTx(ctx context.Context, fn func(q Querier) error) error
	Migrate(ctx context.Context) error
	Close() error
}

// Open connects to the configured backend. Schema migrations are not applied; call Migrate.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case BackendSQLite:
		return NewSQLiteStore(cfg.SQLitePath, logger)
	case BackendPostgres:
		return NewPostgresStore(ctx, cfg.PostgresURL, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// planAppend drops commits already stored (or repeated in the batch) and checks that every
// remaining commit sorts strictly after latest. The result is in ascending order.
func planAppend(latest *model.Commit, stored map[string]bool, batch []model.Commit) ([]model.Commit, error) {
	seen := make(map[string]bool, len(batch))
	fresh := make([]model.Commit, 0, len(batch))
	for _, c := range batch {
		if c.Hash == "" {
			return nil, &custom_errors.ValidationError{Field: "hash", Reason: "must not be empty"}
		}
		if stored[c.Hash] || seen[c.Hash] {
			continue
		}
		seen[c.Hash] = true
		c.Timestamp = model.StoreTime(c.Timestamp)
		fresh = append(fresh, c)
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].Less(fresh[j]) })

	if latest != nil && len(fresh) > 0 && !latest.Less(fresh[0]) {
		return nil, &custom_errors.ConflictError{
			Entity: "commit",
			Reason: fmt.Sprintf("commit %s at %s does not sort after latest stored commit %s at %s",
				fresh[0].Hash, fresh[0].Timestamp.Format(time.RFC3339), latest.Hash, latest.Timestamp.Format(time.RFC3339)),
		}
	}
	return fresh, nil
}

func validateSignals(signals []model.Signal) error {
	seen := make(map[model.SignalKind]bool, len(signals))
	for _, s := range signals {
		want, ok := model.KindType(s.Kind)
		if !ok {
			return &custom_errors.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown signal kind %q", s.Kind)}
		}
		if seen[s.Kind] {
			return &custom_errors.ValidationError{Field: "kind", Reason: fmt.Sprintf("duplicate signal kind %q", s.Kind)}
		}
		seen[s.Kind] = true

		var got model.ValueType
		n := 0
		if s.Bool != nil {
			got, n = model.ValueBool, n+1
		}
		if s.Number != nil {
			got, n = model.ValueNumber, n+1
		}
		if s.Text != nil {
			got, n = model.ValueText, n+1
		}
		if n != 1 || got != want {
			return &custom_errors.ValidationError{Field: string(s.Kind), Reason: fmt.Sprintf("must carry exactly one %s value", want)}
		}
	}
	return nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func storeTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	st := model.StoreTime(*t)
	return &st
}
