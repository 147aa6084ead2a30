// internal/database/postgres.go
package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	custom_errors "github-knowledge-store/internal/errors"
	"github-knowledge-store/internal/model"
)

// pgDBTX is satisfied by both *pgxpool.Pool and pgx.Tx. Begin on a pgx.Tx opens a savepoint.
type pgDBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore implements Store on a PostgreSQL database (the server backend).
type PostgresStore struct {
	*pgQueries
	pool   *pgxpool.Pool
	dbURL  string
	logger *slog.Logger
}

type pgQueries struct {
	db pgDBTX
}

// NewPostgresStore creates a pgx connection pool and verifies connectivity.
func NewPostgresStore(ctx context.Context, dbURL string, logger *slog.Logger) (*PostgresStore, error) {
	if dbURL == "" {
		return nil, errors.New("postgres url is required")
	}
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	logger.Debug("Opened postgres store")
	return &PostgresStore{
		pgQueries: &pgQueries{db: pool},
		pool:      pool,
		dbURL:     dbURL,
		logger:    logger,
	}, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if err := migratePostgres(s.dbURL); err != nil {
		return custom_errors.Storage("migrate postgres", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(q Querier) error) error {
	return s.atomic(ctx, func(q *pgQueries) error { return fn(q) })
}

func (q *pgQueries) atomic(ctx context.Context, fn func(q *pgQueries) error) error {
	tx, err := q.db.Begin(ctx)
	if err != nil {
		return custom_errors.Storage("begin transaction", err)
	}
	defer tx.Rollback(ctx) // Rollback is a no-op if the transaction has been committed.

	if err := fn(&pgQueries{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return custom_errors.Storage("commit transaction", err)
	}
	return nil
}

// ---------- users ----------

func (q *pgQueries) UpsertUser(ctx context.Context, u model.User) error {
	if u.Handle == "" {
		return &custom_errors.ValidationError{Field: "handle", Reason: "must not be empty"}
	}
	if u.Status == "" {
		u.Status = model.StatusNeverIngested
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO users (handle, status, last_ingested_at, last_attempt_at, repo_count, last_error)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (handle) DO UPDATE SET
			status = EXCLUDED.status,
			last_ingested_at = EXCLUDED.last_ingested_at,
			last_attempt_at = EXCLUDED.last_attempt_at,
			repo_count = EXCLUDED.repo_count,
			last_error = EXCLUDED.last_error`,
		u.Handle, string(u.Status), storeTimePtr(u.LastIngestedAt), storeTimePtr(u.LastAttemptAt), u.RepoCount, u.LastError)
	return custom_errors.Storage("upsert user", err)
}

func (q *pgQueries) GetUser(ctx context.Context, handle string) (model.User, error) {
	var u model.User
	var status string
	err := q.db.QueryRow(ctx, `
		SELECT handle, status, last_ingested_at, last_attempt_at, repo_count, last_error
		FROM users WHERE handle = $1`, handle).
		Scan(&u.Handle, &status, &u.LastIngestedAt, &u.LastAttemptAt, &u.RepoCount, &u.LastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, &custom_errors.NotFoundError{Entity: "user", Key: handle}
	}
	if err != nil {
		return model.User{}, custom_errors.Storage("get user", err)
	}
	u.Status = model.IngestionStatus(status)
	u.LastIngestedAt = utcPtr(u.LastIngestedAt)
	u.LastAttemptAt = utcPtr(u.LastAttemptAt)
	return u, nil
}

func (q *pgQueries) DeleteUser(ctx context.Context, handle string) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM users WHERE handle = $1`, handle)
	if err != nil {
		return custom_errors.Storage("delete user", err)
	}
	if tag.RowsAffected() == 0 {
		return &custom_errors.NotFoundError{Entity: "user", Key: handle}
	}
	return nil
}

// ---------- repositories ----------

const pgRepoColumns = `id, user_handle, name, default_branch, visibility, description, html_url, language,
	stars_count, forks_count, watchers_count, open_issues_count, size, topics, license_name,
	is_archived, is_fork, readme_text, tech_stack, repo_created_at, repo_updated_at, pushed_at, last_ingested_at`

type pgRepo struct {
	ID             int64      `db:"id"`
	UserHandle     string     `db:"user_handle"`
	Name           string     `db:"name"`
	DefaultBranch  string     `db:"default_branch"`
	Visibility     string     `db:"visibility"`
	Description    string     `db:"description"`
	URL            string     `db:"html_url"`
	Language       string     `db:"language"`
	StarsCount     int        `db:"stars_count"`
	ForksCount     int        `db:"forks_count"`
	WatchersCount  int        `db:"watchers_count"`
	OpenIssues     int        `db:"open_issues_count"`
	Size           int        `db:"size"`
	Topics         []string   `db:"topics"`
	LicenseName    string     `db:"license_name"`
	IsArchived     bool       `db:"is_archived"`
	IsFork         bool       `db:"is_fork"`
	ReadmeText     *string    `db:"readme_text"`
	TechStack      []string   `db:"tech_stack"`
	RepoCreatedAt  *time.Time `db:"repo_created_at"`
	RepoUpdatedAt  *time.Time `db:"repo_updated_at"`
	PushedAt       *time.Time `db:"pushed_at"`
	LastIngestedAt *time.Time `db:"last_ingested_at"`
}

func (r pgRepo) toModel() model.Repository {
	return model.Repository{
		ID:             r.ID,
		UserHandle:     r.UserHandle,
		Name:           r.Name,
		DefaultBranch:  r.DefaultBranch,
		Visibility:     r.Visibility,
		Description:    r.Description,
		URL:            r.URL,
		Language:       r.Language,
		StarsCount:     r.StarsCount,
		ForksCount:     r.ForksCount,
		WatchersCount:  r.WatchersCount,
		OpenIssues:     r.OpenIssues,
		Size:           r.Size,
		Topics:         nonNil(r.Topics),
		LicenseName:    r.LicenseName,
		IsArchived:     r.IsArchived,
		IsFork:         r.IsFork,
		ReadmeText:     r.ReadmeText,
		TechStack:      nonNil(r.TechStack),
		RepoCreatedAt:  utcPtr(r.RepoCreatedAt),
		RepoUpdatedAt:  utcPtr(r.RepoUpdatedAt),
		PushedAt:       utcPtr(r.PushedAt),
		LastIngestedAt: utcPtr(r.LastIngestedAt),
	}
}

func (q *pgQueries) queryRepositories(ctx context.Context, op, sql string, args ...any) ([]model.Repository, error) {
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, custom_errors.Storage(op, err)
	}
	found, err := pgx.CollectRows(rows, pgx.RowToStructByName[pgRepo])
	if err != nil {
		return nil, custom_errors.Storage(op, err)
	}
	repos := make([]model.Repository, 0, len(found))
	for _, r := range found {
		repos = append(repos, r.toModel())
	}
	return repos, nil
}

func (q *pgQueries) UpsertRepository(ctx context.Context, r model.Repository) (model.Repository, error) {
	if r.UserHandle == "" || r.Name == "" {
		return model.Repository{}, &custom_errors.ValidationError{Field: "name", Reason: "user and repository name are required"}
	}

	var stored model.Repository
	err := q.atomic(ctx, func(q *pgQueries) error {
		var userExists bool
		if err := q.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE handle = $1)`, r.UserHandle).Scan(&userExists); err != nil {
			return custom_errors.Storage("check user", err)
		}
		if !userExists {
			return &custom_errors.NotFoundError{Entity: "user", Key: r.UserHandle}
		}

		var id int64
		err := q.db.QueryRow(ctx, `SELECT id FROM repositories WHERE user_handle = $1 AND name = $2 FOR UPDATE`, r.UserHandle, r.Name).Scan(&id)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			err = q.db.QueryRow(ctx, `
				INSERT INTO repositories (user_handle, name, default_branch, visibility, description, html_url, language,
					stars_count, forks_count, watchers_count, open_issues_count, size, topics, license_name,
					is_archived, is_fork, readme_text, tech_stack, repo_created_at, repo_updated_at, pushed_at, last_ingested_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
				RETURNING id`,
				r.UserHandle, r.Name, r.DefaultBranch, r.Visibility, r.Description, r.URL, r.Language,
				r.StarsCount, r.ForksCount, r.WatchersCount, r.OpenIssues, r.Size, nonNil(r.Topics), r.LicenseName,
				r.IsArchived, r.IsFork, r.ReadmeText, nonNil(r.TechStack),
				storeTimePtr(r.RepoCreatedAt), storeTimePtr(r.RepoUpdatedAt), storeTimePtr(r.PushedAt), storeTimePtr(r.LastIngestedAt)).
				Scan(&id)
			if err != nil {
				return custom_errors.Storage("insert repository", err)
			}
		case err != nil:
			return custom_errors.Storage("lookup repository", err)
		default:
			_, err = q.db.Exec(ctx, `
				UPDATE repositories SET
					default_branch = $2, visibility = $3, description = $4, html_url = $5, language = $6,
					stars_count = $7, forks_count = $8, watchers_count = $9, open_issues_count = $10, size = $11,
					topics = $12, license_name = $13, is_archived = $14, is_fork = $15, readme_text = $16, tech_stack = $17,
					repo_created_at = $18, repo_updated_at = $19, pushed_at = $20, last_ingested_at = $21
				WHERE id = $1`,
				id, r.DefaultBranch, r.Visibility, r.Description, r.URL, r.Language,
				r.StarsCount, r.ForksCount, r.WatchersCount, r.OpenIssues, r.Size,
				nonNil(r.Topics), r.LicenseName, r.IsArchived, r.IsFork, r.ReadmeText, nonNil(r.TechStack),
				storeTimePtr(r.RepoCreatedAt), storeTimePtr(r.RepoUpdatedAt), storeTimePtr(r.PushedAt), storeTimePtr(r.LastIngestedAt))
			if err != nil {
				return custom_errors.Storage("update repository", err)
			}
		}

		repos, err := q.queryRepositories(ctx, "get repository", `SELECT `+pgRepoColumns+` FROM repositories WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if len(repos) == 0 {
			return &custom_errors.NotFoundError{Entity: "repository", Key: fmt.Sprint(id)}
		}
		stored = repos[0]
		return nil
	})
	return stored, err
}

func (q *pgQueries) GetRepository(ctx context.Context, handle, name string) (model.Repository, error) {
	repos, err := q.queryRepositories(ctx, "get repository",
		`SELECT `+pgRepoColumns+` FROM repositories WHERE user_handle = $1 AND name = $2`, handle, name)
	if err != nil {
		return model.Repository{}, err
	}
	if len(repos) == 0 {
		return model.Repository{}, &custom_errors.NotFoundError{Entity: "repository", Key: handle + "/" + name}
	}
	return repos[0], nil
}

func (q *pgQueries) ListRepositories(ctx context.Context, handle string) ([]model.Repository, error) {
	return q.queryRepositories(ctx, "list repositories", `
		SELECT `+pgRepoColumns+` FROM repositories
		WHERE user_handle = $1
		ORDER BY pushed_at DESC NULLS LAST, name COLLATE "C" ASC`, handle)
}

// ---------- commits ----------

const pgCommitColumns = `repository_id, hash, author_name, author_login, committed_at, message, additions, deletions, files_changed`

func (q *pgQueries) queryCommits(ctx context.Context, op, sql string, args ...any) ([]model.Commit, error) {
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, custom_errors.Storage(op, err)
	}
	commits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Commit, error) {
		var c model.Commit
		err := row.Scan(&c.RepositoryID, &c.Hash, &c.AuthorName, &c.AuthorLogin, &c.Timestamp, &c.Message,
			&c.Additions, &c.Deletions, &c.FilesChanged)
		c.Timestamp = c.Timestamp.UTC()
		return c, err
	})
	if err != nil {
		return nil, custom_errors.Storage(op, err)
	}
	return commits, nil
}

func (q *pgQueries) AppendCommits(ctx context.Context, repoID int64, commits []model.Commit) (int, error) {
	var inserted int
	err := q.atomic(ctx, func(q *pgQueries) error {
		// Serializes concurrent appends to the same repository.
		var locked int64
		err := q.db.QueryRow(ctx, `SELECT id FROM repositories WHERE id = $1 FOR UPDATE`, repoID).Scan(&locked)
		if errors.Is(err, pgx.ErrNoRows) {
			return &custom_errors.NotFoundError{Entity: "repository", Key: fmt.Sprint(repoID)}
		}
		if err != nil {
			return custom_errors.Storage("lock repository", err)
		}
		if len(commits) == 0 {
			return nil
		}

		latest, err := q.LatestCommit(ctx, repoID)
		if err != nil {
			return err
		}
		hashes := make([]string, 0, len(commits))
		for _, c := range commits {
			hashes = append(hashes, c.Hash)
		}
		rows, err := q.db.Query(ctx, `SELECT hash FROM commits WHERE repository_id = $1 AND hash = ANY($2)`, repoID, hashes)
		if err != nil {
			return custom_errors.Storage("lookup commits", err)
		}
		existing, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return custom_errors.Storage("lookup commits", err)
		}
		stored := make(map[string]bool, len(existing))
		for _, h := range existing {
			stored[h] = true
		}

		fresh, err := planAppend(latest, stored, commits)
		if err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for _, c := range fresh {
			batch.Queue(`
				INSERT INTO commits (`+pgCommitColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				repoID, c.Hash, c.AuthorName, c.AuthorLogin, c.Timestamp, c.Message, c.Additions, c.Deletions, c.FilesChanged)
		}
		if batch.Len() > 0 {
			if err := q.db.SendBatch(ctx, batch).Close(); err != nil {
				return custom_errors.Storage("insert commits", err)
			}
		}
		inserted = len(fresh)
		return nil
	})
	return inserted, err
}

func (q *pgQueries) ListCommits(ctx context.Context, repoID int64, sinceHash string) ([]model.Commit, error) {
	if sinceHash == "" {
		return q.queryCommits(ctx, "list commits", `
			SELECT `+pgCommitColumns+` FROM commits
			WHERE repository_id = $1
			ORDER BY committed_at ASC, hash COLLATE "C" ASC`, repoID)
	}

	var since time.Time
	err := q.db.QueryRow(ctx, `SELECT committed_at FROM commits WHERE repository_id = $1 AND hash = $2`, repoID, sinceHash).Scan(&since)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &custom_errors.NotFoundError{Entity: "commit", Key: sinceHash}
	}
	if err != nil {
		return nil, custom_errors.Storage("list commits", err)
	}
	return q.queryCommits(ctx, "list commits", `
		SELECT `+pgCommitColumns+` FROM commits
		WHERE repository_id = $1 AND (committed_at > $2 OR (committed_at = $2 AND hash COLLATE "C" > $3))
		ORDER BY committed_at ASC, hash COLLATE "C" ASC`, repoID, since, sinceHash)
}

func (q *pgQueries) LatestCommit(ctx context.Context, repoID int64) (*model.Commit, error) {
	commits, err := q.RecentCommits(ctx, repoID, 1)
	if err != nil {
		return nil, custom_errors.Storage("latest commit", err)
	}
	if len(commits) == 0 {
		return nil, nil
	}
	return &commits[0], nil
}

func (q *pgQueries) RecentCommits(ctx context.Context, repoID int64, limit int) ([]model.Commit, error) {
	return q.queryCommits(ctx, "recent commits", `
		SELECT `+pgCommitColumns+` FROM commits
		WHERE repository_id = $1
		ORDER BY committed_at DESC, hash COLLATE "C" DESC LIMIT $2`, repoID, limit)
}

func (q *pgQueries) CountCommits(ctx context.Context, repoID int64) (int, error) {
	var n int
	err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM commits WHERE repository_id = $1`, repoID).Scan(&n)
	return n, custom_errors.Storage("count commits", err)
}

func (q *pgQueries) CountUserCommits(ctx context.Context, handle string) (int, error) {
	var n int
	err := q.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM commits c
		JOIN repositories r ON r.id = c.repository_id
		WHERE r.user_handle = $1`, handle).Scan(&n)
	return n, custom_errors.Storage("count user commits", err)
}

func (q *pgQueries) CommitActivity(ctx context.Context, handle string, since time.Time) ([]RepoActivity, error) {
	rows, err := q.db.Query(ctx, `
		SELECT r.id, r.name, COUNT(*), MAX(c.committed_at)
		FROM repositories r
		JOIN commits c ON c.repository_id = r.id
		WHERE r.user_handle = $1 AND c.committed_at >= $2
		GROUP BY r.id, r.name`, handle, model.StoreTime(since))
	if err != nil {
		return nil, custom_errors.Storage("commit activity", err)
	}
	activity, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (RepoActivity, error) {
		var a RepoActivity
		err := row.Scan(&a.RepositoryID, &a.Name, &a.CommitCount, &a.LatestCommitAt)
		a.LatestCommitAt = a.LatestCommitAt.UTC()
		return a, err
	})
	if err != nil {
		return nil, custom_errors.Storage("commit activity", err)
	}
	return activity, nil
}

// ---------- signals ----------

const pgSignalColumns = `repository_id, kind, bool_value, num_value, text_value, detected_at`

func (q *pgQueries) querySignals(ctx context.Context, op, sql string, args ...any) ([]model.Signal, error) {
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, custom_errors.Storage(op, err)
	}
	signals, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Signal, error) {
		var s model.Signal
		var kind string
		err := row.Scan(&s.RepositoryID, &kind, &s.Bool, &s.Number, &s.Text, &s.DetectedAt)
		s.Kind = model.SignalKind(kind)
		s.DetectedAt = s.DetectedAt.UTC()
		return s, err
	})
	if err != nil {
		return nil, custom_errors.Storage(op, err)
	}
	return signals, nil
}

func (q *pgQueries) ReplaceSignals(ctx context.Context, repoID int64, signals []model.Signal) error {
	if err := validateSignals(signals); err != nil {
		return err
	}
	return q.atomic(ctx, func(q *pgQueries) error {
		var locked int64
		err := q.db.QueryRow(ctx, `SELECT id FROM repositories WHERE id = $1 FOR UPDATE`, repoID).Scan(&locked)
		if errors.Is(err, pgx.ErrNoRows) {
			return &custom_errors.NotFoundError{Entity: "repository", Key: fmt.Sprint(repoID)}
		}
		if err != nil {
			return custom_errors.Storage("lock repository", err)
		}
		if _, err := q.db.Exec(ctx, `DELETE FROM signals WHERE repository_id = $1`, repoID); err != nil {
			return custom_errors.Storage("delete signals", err)
		}
		for _, s := range signals {
			_, err := q.db.Exec(ctx, `
				INSERT INTO signals (`+pgSignalColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				repoID, string(s.Kind), s.Bool, s.Number, s.Text, model.StoreTime(s.DetectedAt))
			if err != nil {
				return custom_errors.Storage("insert signal", err)
			}
		}
		return nil
	})
}

func (q *pgQueries) ListSignals(ctx context.Context, repoID int64) ([]model.Signal, error) {
	return q.querySignals(ctx, "list signals", `
		SELECT `+pgSignalColumns+` FROM signals
		WHERE repository_id = $1
		ORDER BY kind COLLATE "C" ASC`, repoID)
}

func (q *pgQueries) ListSignalsByUser(ctx context.Context, handle string) (map[int64][]model.Signal, error) {
	signals, err := q.querySignals(ctx, "list user signals", `
		SELECT s.repository_id, s.kind, s.bool_value, s.num_value, s.text_value, s.detected_at
		FROM signals s
		JOIN repositories r ON r.id = s.repository_id
		WHERE r.user_handle = $1
		ORDER BY s.repository_id ASC, s.kind COLLATE "C" ASC`, handle)
	if err != nil {
		return nil, err
	}
	out := make(map[int64][]model.Signal)
	for _, s := range signals {
		out[s.RepositoryID] = append(out[s.RepositoryID], s)
	}
	return out, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return timePtr(t.UTC())
}
