// internal/database/sqlite.go
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	custom_errors "github-knowledge-store/internal/errors"
	"github-knowledge-store/internal/model"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// SQLiteStore implements Store on a single SQLite file (the embedded backend).
type SQLiteStore struct {
	*sqliteQueries
	db     *sqlx.DB
	path   string
	logger *slog.Logger
}

// sqliteQueries runs statements either on the pool (root set) or inside a transaction.
type sqliteQueries struct {
	db   sqlx.ExtContext
	root *sqlx.DB
}

// NewSQLiteStore opens (or creates) the database file at path.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Pragmas go in the DSN so that every pooled connection gets them.
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	logger.Debug("Opened sqlite store", "path", path)
	return &SQLiteStore{
		sqliteQueries: &sqliteQueries{db: db, root: db},
		db:            db,
		path:          path,
		logger:        logger,
	}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if err := migrateSQLite(s.db.DB); err != nil {
		return custom_errors.Storage("migrate sqlite", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InTx(ctx context.Context, fn func(q Querier) error) error {
	return s.atomic(ctx, func(q *sqliteQueries) error { return fn(q) })
}

func (q *sqliteQueries) atomic(ctx context.Context, fn func(q *sqliteQueries) error) error {
	if q.root == nil {
		return fn(q)
	}
	tx, err := q.root.BeginTxx(ctx, nil)
	if err != nil {
		return custom_errors.Storage("begin transaction", err)
	}
	defer tx.Rollback() // no-op after commit

	if err := fn(&sqliteQueries{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return custom_errors.Storage("commit transaction", err)
	}
	return nil
}

// ---------- users ----------

type sqliteUser struct {
	Handle         string        `db:"handle"`
	Status         string        `db:"status"`
	LastIngestedAt sql.NullInt64 `db:"last_ingested_at"`
	LastAttemptAt  sql.NullInt64 `db:"last_attempt_at"`
	RepoCount      int           `db:"repo_count"`
	LastError      string        `db:"last_error"`
}

func (q *sqliteQueries) UpsertUser(ctx context.Context, u model.User) error {
	if u.Handle == "" {
		return &custom_errors.ValidationError{Field: "handle", Reason: "must not be empty"}
	}
	if u.Status == "" {
		u.Status = model.StatusNeverIngested
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO users (handle, status, last_ingested_at, last_attempt_at, repo_count, last_error)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (handle) DO UPDATE SET
			status = excluded.status,
			last_ingested_at = excluded.last_ingested_at,
			last_attempt_at = excluded.last_attempt_at,
			repo_count = excluded.repo_count,
			last_error = excluded.last_error`,
		u.Handle, string(u.Status), nullMicros(u.LastIngestedAt), nullMicros(u.LastAttemptAt), u.RepoCount, u.LastError)
	return custom_errors.Storage("upsert user", err)
}

func (q *sqliteQueries) GetUser(ctx context.Context, handle string) (model.User, error) {
	var row sqliteUser
	err := sqlx.GetContext(ctx, q.db, &row, `
		SELECT handle, status, last_ingested_at, last_attempt_at, repo_count, last_error
		FROM users WHERE handle = ?`, handle)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, &custom_errors.NotFoundError{Entity: "user", Key: handle}
	}
	if err != nil {
		return model.User{}, custom_errors.Storage("get user", err)
	}
	return model.User{
		Handle:         row.Handle,
		Status:         model.IngestionStatus(row.Status),
		LastIngestedAt: fromNullMicros(row.LastIngestedAt),
		LastAttemptAt:  fromNullMicros(row.LastAttemptAt),
		RepoCount:      row.RepoCount,
		LastError:      row.LastError,
	}, nil
}

func (q *sqliteQueries) DeleteUser(ctx context.Context, handle string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM users WHERE handle = ?`, handle)
	if err != nil {
		return custom_errors.Storage("delete user", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &custom_errors.NotFoundError{Entity: "user", Key: handle}
	}
	return nil
}

// ---------- repositories ----------

const sqliteRepoColumns = `id, user_handle, name, default_branch, visibility, description, html_url, language,
	stars_count, forks_count, watchers_count, open_issues_count, size, topics, license_name,
	is_archived, is_fork, readme_text, tech_stack, repo_created_at, repo_updated_at, pushed_at, last_ingested_at`

type sqliteRepo struct {
	ID             int64          `db:"id"`
	UserHandle     string         `db:"user_handle"`
	Name           string         `db:"name"`
	DefaultBranch  string         `db:"default_branch"`
	Visibility     string         `db:"visibility"`
	Description    string         `db:"description"`
	URL            string         `db:"html_url"`
	Language       string         `db:"language"`
	StarsCount     int            `db:"stars_count"`
	ForksCount     int            `db:"forks_count"`
	WatchersCount  int            `db:"watchers_count"`
	OpenIssues     int            `db:"open_issues_count"`
	Size           int            `db:"size"`
	Topics         string         `db:"topics"`
	LicenseName    string         `db:"license_name"`
	IsArchived     bool           `db:"is_archived"`
	IsFork         bool           `db:"is_fork"`
	ReadmeText     sql.NullString `db:"readme_text"`
	TechStack      string         `db:"tech_stack"`
	RepoCreatedAt  sql.NullInt64  `db:"repo_created_at"`
	RepoUpdatedAt  sql.NullInt64  `db:"repo_updated_at"`
	PushedAt       sql.NullInt64  `db:"pushed_at"`
	LastIngestedAt sql.NullInt64  `db:"last_ingested_at"`
}

func (r sqliteRepo) toModel() (model.Repository, error) {
	out := model.Repository{
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
		LicenseName:    r.LicenseName,
		IsArchived:     r.IsArchived,
		IsFork:         r.IsFork,
		RepoCreatedAt:  fromNullMicros(r.RepoCreatedAt),
		RepoUpdatedAt:  fromNullMicros(r.RepoUpdatedAt),
		PushedAt:       fromNullMicros(r.PushedAt),
		LastIngestedAt: fromNullMicros(r.LastIngestedAt),
	}
	if r.ReadmeText.Valid {
		readme := r.ReadmeText.String
		out.ReadmeText = &readme
	}
	if err := json.Unmarshal([]byte(r.Topics), &out.Topics); err != nil {
		return model.Repository{}, fmt.Errorf("decode topics of %s: %w", r.Name, err)
	}
	if err := json.Unmarshal([]byte(r.TechStack), &out.TechStack); err != nil {
		return model.Repository{}, fmt.Errorf("decode tech stack of %s: %w", r.Name, err)
	}
	out.Topics = nonNil(out.Topics)
	out.TechStack = nonNil(out.TechStack)
	return out, nil
}

func (q *sqliteQueries) UpsertRepository(ctx context.Context, r model.Repository) (model.Repository, error) {
	if r.UserHandle == "" || r.Name == "" {
		return model.Repository{}, &custom_errors.ValidationError{Field: "name", Reason: "user and repository name are required"}
	}
	topics, err := json.Marshal(nonNil(r.Topics))
	if err != nil {
		return model.Repository{}, err
	}
	stack, err := json.Marshal(nonNil(r.TechStack))
	if err != nil {
		return model.Repository{}, err
	}

	var stored model.Repository
	err = q.atomic(ctx, func(q *sqliteQueries) error {
		var exists int
		err := sqlx.GetContext(ctx, q.db, &exists, `SELECT COUNT(*) FROM users WHERE handle = ?`, r.UserHandle)
		if err != nil {
			return custom_errors.Storage("check user", err)
		}
		if exists == 0 {
			return &custom_errors.NotFoundError{Entity: "user", Key: r.UserHandle}
		}

		var id int64
		err = sqlx.GetContext(ctx, q.db, &id, `SELECT id FROM repositories WHERE user_handle = ? AND name = ?`, r.UserHandle, r.Name)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			res, err := q.db.ExecContext(ctx, `
				INSERT INTO repositories (user_handle, name, default_branch, visibility, description, html_url, language,
					stars_count, forks_count, watchers_count, open_issues_count, size, topics, license_name,
					is_archived, is_fork, readme_text, tech_stack, repo_created_at, repo_updated_at, pushed_at, last_ingested_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				r.UserHandle, r.Name, r.DefaultBranch, r.Visibility, r.Description, r.URL, r.Language,
				r.StarsCount, r.ForksCount, r.WatchersCount, r.OpenIssues, r.Size, string(topics), r.LicenseName,
				r.IsArchived, r.IsFork, nullString(r.ReadmeText), string(stack),
				nullMicros(r.RepoCreatedAt), nullMicros(r.RepoUpdatedAt), nullMicros(r.PushedAt), nullMicros(r.LastIngestedAt))
			if err != nil {
				return custom_errors.Storage("insert repository", err)
			}
			if id, err = res.LastInsertId(); err != nil {
				return custom_errors.Storage("insert repository", err)
			}
		case err != nil:
			return custom_errors.Storage("lookup repository", err)
		default:
			_, err = q.db.ExecContext(ctx, `
				UPDATE repositories SET
					default_branch = ?, visibility = ?, description = ?, html_url = ?, language = ?,
					stars_count = ?, forks_count = ?, watchers_count = ?, open_issues_count = ?, size = ?,
					topics = ?, license_name = ?, is_archived = ?, is_fork = ?, readme_text = ?, tech_stack = ?,
					repo_created_at = ?, repo_updated_at = ?, pushed_at = ?, last_ingested_at = ?
				WHERE id = ?`,
				r.DefaultBranch, r.Visibility, r.Description, r.URL, r.Language,
				r.StarsCount, r.ForksCount, r.WatchersCount, r.OpenIssues, r.Size,
				string(topics), r.LicenseName, r.IsArchived, r.IsFork, nullString(r.ReadmeText), string(stack),
				nullMicros(r.RepoCreatedAt), nullMicros(r.RepoUpdatedAt), nullMicros(r.PushedAt), nullMicros(r.LastIngestedAt),
				id)
			if err != nil {
				return custom_errors.Storage("update repository", err)
			}
		}

		stored, err = q.getRepositoryByID(ctx, id)
		return err
	})
	return stored, err
}

func (q *sqliteQueries) getRepositoryByID(ctx context.Context, id int64) (model.Repository, error) {
	var row sqliteRepo
	err := sqlx.GetContext(ctx, q.db, &row, `SELECT `+sqliteRepoColumns+` FROM repositories WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Repository{}, &custom_errors.NotFoundError{Entity: "repository", Key: fmt.Sprint(id)}
	}
	if err != nil {
		return model.Repository{}, custom_errors.Storage("get repository", err)
	}
	repo, err := row.toModel()
	return repo, custom_errors.Storage("get repository", err)
}

func (q *sqliteQueries) GetRepository(ctx context.Context, handle, name string) (model.Repository, error) {
	var row sqliteRepo
	err := sqlx.GetContext(ctx, q.db, &row, `SELECT `+sqliteRepoColumns+` FROM repositories WHERE user_handle = ? AND name = ?`, handle, name)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Repository{}, &custom_errors.NotFoundError{Entity: "repository", Key: handle + "/" + name}
	}
	if err != nil {
		return model.Repository{}, custom_errors.Storage("get repository", err)
	}
	repo, err := row.toModel()
	return repo, custom_errors.Storage("get repository", err)
}

func (q *sqliteQueries) ListRepositories(ctx context.Context, handle string) ([]model.Repository, error) {
	var rows []sqliteRepo
	err := sqlx.SelectContext(ctx, q.db, &rows, `
		SELECT `+sqliteRepoColumns+` FROM repositories
		WHERE user_handle = ?
		ORDER BY pushed_at DESC NULLS LAST, name ASC`, handle)
	if err != nil {
		return nil, custom_errors.Storage("list repositories", err)
	}
	repos := make([]model.Repository, 0, len(rows))
	for _, row := range rows {
		repo, err := row.toModel()
		if err != nil {
			return nil, custom_errors.Storage("list repositories", err)
		}
		repos = append(repos, repo)
	}
	return repos, nil
}

func (q *sqliteQueries) repositoryExists(ctx context.Context, repoID int64) error {
	var n int
	if err := sqlx.GetContext(ctx, q.db, &n, `SELECT COUNT(*) FROM repositories WHERE id = ?`, repoID); err != nil {
		return custom_errors.Storage("check repository", err)
	}
	if n == 0 {
		return &custom_errors.NotFoundError{Entity: "repository", Key: fmt.Sprint(repoID)}
	}
	return nil
}

// ---------- commits ----------

const sqliteCommitColumns = `repository_id, hash, author_name, author_login, committed_at, message, additions, deletions, files_changed`

type sqliteCommit struct {
	RepositoryID int64         `db:"repository_id"`
	Hash         string        `db:"hash"`
	AuthorName   string        `db:"author_name"`
	AuthorLogin  string        `db:"author_login"`
	CommittedAt  int64         `db:"committed_at"`
	Message      string        `db:"message"`
	Additions    sql.NullInt64 `db:"additions"`
	Deletions    sql.NullInt64 `db:"deletions"`
	FilesChanged sql.NullInt64 `db:"files_changed"`
}

func (c sqliteCommit) toModel() model.Commit {
	return model.Commit{
		RepositoryID: c.RepositoryID,
		Hash:         c.Hash,
		AuthorName:   c.AuthorName,
		AuthorLogin:  c.AuthorLogin,
		Timestamp:    fromMicros(c.CommittedAt),
		Message:      c.Message,
		Additions:    fromNullInt(c.Additions),
		Deletions:    fromNullInt(c.Deletions),
		FilesChanged: fromNullInt(c.FilesChanged),
	}
}

func commitsToModel(rows []sqliteCommit) []model.Commit {
	out := make([]model.Commit, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out
}

func (q *sqliteQueries) AppendCommits(ctx context.Context, repoID int64, commits []model.Commit) (int, error) {
	var inserted int
	err := q.atomic(ctx, func(q *sqliteQueries) error {
		if err := q.repositoryExists(ctx, repoID); err != nil {
			return err
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
		query, args, err := sqlx.In(`SELECT hash FROM commits WHERE repository_id = ? AND hash IN (?)`, repoID, hashes)
		if err != nil {
			return custom_errors.Storage("lookup commits", err)
		}
		var existing []string
		if err := sqlx.SelectContext(ctx, q.db, &existing, query, args...); err != nil {
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
		for _, c := range fresh {
			_, err := q.db.ExecContext(ctx, `
				INSERT INTO commits (`+sqliteCommitColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				repoID, c.Hash, c.AuthorName, c.AuthorLogin, toMicros(c.Timestamp), c.Message,
				nullInt(c.Additions), nullInt(c.Deletions), nullInt(c.FilesChanged))
			if err != nil {
				return custom_errors.Storage("insert commit", err)
			}
		}
		inserted = len(fresh)
		return nil
	})
	return inserted, err
}

func (q *sqliteQueries) ListCommits(ctx context.Context, repoID int64, sinceHash string) ([]model.Commit, error) {
	var rows []sqliteCommit
	if sinceHash == "" {
		err := sqlx.SelectContext(ctx, q.db, &rows, `
			SELECT `+sqliteCommitColumns+` FROM commits
			WHERE repository_id = ?
			ORDER BY committed_at ASC, hash ASC`, repoID)
		if err != nil {
			return nil, custom_errors.Storage("list commits", err)
		}
		return commitsToModel(rows), nil
	}

	var since int64
	err := sqlx.GetContext(ctx, q.db, &since, `SELECT committed_at FROM commits WHERE repository_id = ? AND hash = ?`, repoID, sinceHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &custom_errors.NotFoundError{Entity: "commit", Key: sinceHash}
	}
	if err != nil {
		return nil, custom_errors.Storage("list commits", err)
	}
	err = sqlx.SelectContext(ctx, q.db, &rows, `
		SELECT `+sqliteCommitColumns+` FROM commits
		WHERE repository_id = ? AND (committed_at > ? OR (committed_at = ? AND hash > ?))
		ORDER BY committed_at ASC, hash ASC`, repoID, since, since, sinceHash)
	if err != nil {
		return nil, custom_errors.Storage("list commits", err)
	}
	return commitsToModel(rows), nil
}

func (q *sqliteQueries) LatestCommit(ctx context.Context, repoID int64) (*model.Commit, error) {
	var row sqliteCommit
	err := sqlx.GetContext(ctx, q.db, &row, `
		SELECT `+sqliteCommitColumns+` FROM commits
		WHERE repository_id = ?
		ORDER BY committed_at DESC, hash DESC LIMIT 1`, repoID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, custom_errors.Storage("latest commit", err)
	}
	c := row.toModel()
	return &c, nil
}

func (q *sqliteQueries) RecentCommits(ctx context.Context, repoID int64, limit int) ([]model.Commit, error) {
	var rows []sqliteCommit
	err := sqlx.SelectContext(ctx, q.db, &rows, `
		SELECT `+sqliteCommitColumns+` FROM commits
		WHERE repository_id = ?
		ORDER BY committed_at DESC, hash DESC LIMIT ?`, repoID, limit)
	if err != nil {
		return nil, custom_errors.Storage("recent commits", err)
	}
	return commitsToModel(rows), nil
}

func (q *sqliteQueries) CountCommits(ctx context.Context, repoID int64) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, q.db, &n, `SELECT COUNT(*) FROM commits WHERE repository_id = ?`, repoID)
	return n, custom_errors.Storage("count commits", err)
}

func (q *sqliteQueries) CountUserCommits(ctx context.Context, handle string) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, q.db, &n, `
		SELECT COUNT(*) FROM commits c
		JOIN repositories r ON r.id = c.repository_id
		WHERE r.user_handle = ?`, handle)
	return n, custom_errors.Storage("count user commits", err)
}

func (q *sqliteQueries) CommitActivity(ctx context.Context, handle string, since time.Time) ([]RepoActivity, error) {
	var rows []struct {
		ID     int64  `db:"id"`
		Name   string `db:"name"`
		Count  int    `db:"commit_count"`
		Latest int64  `db:"latest_commit_at"`
	}
	err := sqlx.SelectContext(ctx, q.db, &rows, `
		SELECT r.id, r.name, COUNT(*) AS commit_count, MAX(c.committed_at) AS latest_commit_at
		FROM repositories r
		JOIN commits c ON c.repository_id = r.id
		WHERE r.user_handle = ? AND c.committed_at >= ?
		GROUP BY r.id, r.name`, handle, toMicros(since))
	if err != nil {
		return nil, custom_errors.Storage("commit activity", err)
	}
	out := make([]RepoActivity, 0, len(rows))
	for _, row := range rows {
		out = append(out, RepoActivity{
			RepositoryID:   row.ID,
			Name:           row.Name,
			CommitCount:    row.Count,
			LatestCommitAt: fromMicros(row.Latest),
		})
	}
	return out, nil
}

// ---------- signals ----------

type sqliteSignal struct {
	RepositoryID int64           `db:"repository_id"`
	Kind         string          `db:"kind"`
	BoolValue    sql.NullBool    `db:"bool_value"`
	NumValue     sql.NullFloat64 `db:"num_value"`
	TextValue    sql.NullString  `db:"text_value"`
	DetectedAt   int64           `db:"detected_at"`
}

func (s sqliteSignal) toModel() model.Signal {
	out := model.Signal{
		RepositoryID: s.RepositoryID,
		Kind:         model.SignalKind(s.Kind),
		DetectedAt:   fromMicros(s.DetectedAt),
	}
	if s.BoolValue.Valid {
		v := s.BoolValue.Bool
		out.Bool = &v
	}
	if s.NumValue.Valid {
		v := s.NumValue.Float64
		out.Number = &v
	}
	if s.TextValue.Valid {
		v := s.TextValue.String
		out.Text = &v
	}
	return out
}

func (q *sqliteQueries) ReplaceSignals(ctx context.Context, repoID int64, signals []model.Signal) error {
	if err := validateSignals(signals); err != nil {
		return err
	}
	return q.atomic(ctx, func(q *sqliteQueries) error {
		if err := q.repositoryExists(ctx, repoID); err != nil {
			return err
		}
		if _, err := q.db.ExecContext(ctx, `DELETE FROM signals WHERE repository_id = ?`, repoID); err != nil {
			return custom_errors.Storage("delete signals", err)
		}
		for _, s := range signals {
			var b any
			if s.Bool != nil {
				b = *s.Bool
			}
			var n any
			if s.Number != nil {
				n = *s.Number
			}
			_, err := q.db.ExecContext(ctx, `
				INSERT INTO signals (repository_id, kind, bool_value, num_value, text_value, detected_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				repoID, string(s.Kind), b, n, nullString(s.Text), toMicros(s.DetectedAt))
			if err != nil {
				return custom_errors.Storage("insert signal", err)
			}
		}
		return nil
	})
}

func (q *sqliteQueries) ListSignals(ctx context.Context, repoID int64) ([]model.Signal, error) {
	var rows []sqliteSignal
	err := sqlx.SelectContext(ctx, q.db, &rows, `
		SELECT repository_id, kind, bool_value, num_value, text_value, detected_at
		FROM signals WHERE repository_id = ? ORDER BY kind ASC`, repoID)
	if err != nil {
		return nil, custom_errors.Storage("list signals", err)
	}
	out := make([]model.Signal, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

func (q *sqliteQueries) ListSignalsByUser(ctx context.Context, handle string) (map[int64][]model.Signal, error) {
	var rows []sqliteSignal
	err := sqlx.SelectContext(ctx, q.db, &rows, `
		SELECT s.repository_id, s.kind, s.bool_value, s.num_value, s.text_value, s.detected_at
		FROM signals s
		JOIN repositories r ON r.id = s.repository_id
		WHERE r.user_handle = ?
		ORDER BY s.repository_id ASC, s.kind ASC`, handle)
	if err != nil {
		return nil, custom_errors.Storage("list user signals", err)
	}
	out := make(map[int64][]model.Signal)
	for _, row := range rows {
		out[row.RepositoryID] = append(out[row.RepositoryID], row.toModel())
	}
	return out, nil
}

// ---------- value helpers ----------

func toMicros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

func nullMicros(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMicros(*t)
}

func fromNullMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	return timePtr(fromMicros(v.Int64))
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func fromNullInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
