// internal/model/models.go
package model

import (
	"regexp"
	"time"
)

// IngestionStatus is the per-user state of the ingestion state machine.
type IngestionStatus string

const (
	StatusNeverIngested IngestionStatus = "never_ingested"
	StatusInProgress    IngestionStatus = "in_progress"
	StatusComplete      IngestionStatus = "complete"
	StatusFailed        IngestionStatus = "failed"
)

var handlePattern = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9-]{0,38})$`)

// ValidHandle reports whether h is a syntactically valid GitHub login.
func ValidHandle(h string) bool {
	return handlePattern.MatchString(h)
}

// User is the root entity; every other row is scoped by its handle.
type User struct {
	Handle         string          `json:"handle"`
	Status         IngestionStatus `json:"status"`
	LastIngestedAt *time.Time      `json:"last_ingested_at,omitempty"`
	LastAttemptAt  *time.Time      `json:"last_attempt_at,omitempty"`
	RepoCount      int             `json:"repo_count"`
	LastError      string          `json:"last_error,omitempty"`
}

// Repository represents the metadata of a GitHub repository owned by a user.
type Repository struct {
	ID             int64      `json:"-"`
	UserHandle     string     `json:"user"`
	Name           string     `json:"name"`
	DefaultBranch  string     `json:"default_branch"`
	Visibility     string     `json:"visibility"`
	Description    string     `json:"description,omitempty"`
	URL            string     `json:"html_url,omitempty"`
	Language       string     `json:"language,omitempty"`
	StarsCount     int        `json:"stars"`
	ForksCount     int        `json:"forks"`
	WatchersCount  int        `json:"watchers"`
	OpenIssues     int        `json:"open_issues"`
	Size           int        `json:"size"`
	Topics         []string   `json:"topics"`
	LicenseName    string     `json:"license,omitempty"`
	IsArchived     bool       `json:"is_archived"`
	IsFork         bool       `json:"is_fork"`
	ReadmeText     *string    `json:"readme_text,omitempty"`
	TechStack      []string   `json:"tech_stack"`
	RepoCreatedAt  *time.Time `json:"created_at,omitempty"`
	RepoUpdatedAt  *time.Time `json:"updated_at,omitempty"`
	PushedAt       *time.Time `json:"pushed_at,omitempty"`
	LastIngestedAt *time.Time `json:"last_ingested_at,omitempty"`
}

// Commit is an immutable commit record. Ordering key is (Timestamp, Hash).
type Commit struct {
	RepositoryID int64     `json:"-"`
	Hash         string    `json:"sha"`
	AuthorName   string    `json:"author_name"`
	AuthorLogin  string    `json:"author_login,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Message      string    `json:"message"`
	Additions    *int      `json:"additions,omitempty"`
	Deletions    *int      `json:"deletions,omitempty"`
	FilesChanged *int      `json:"files_changed,omitempty"`
}

// Less reports whether c sorts before o by (Timestamp, Hash).
func (c Commit) Less(o Commit) bool {
	if !c.Timestamp.Equal(o.Timestamp) {
		return c.Timestamp.Before(o.Timestamp)
	}
	return c.Hash < o.Hash
}

// SignalKind enumerates the engineering signals detected per repository.
type SignalKind string

const (
	SignalHasTests            SignalKind = "has-tests"
	SignalHasGithubActions    SignalKind = "has-github-actions"
	SignalHasCI               SignalKind = "has-ci"
	SignalHasLintConfig       SignalKind = "has-lint-config"
	SignalHasPrecommit        SignalKind = "has-precommit"
	SignalHasDocker           SignalKind = "has-docker"
	SignalHasDockerCompose    SignalKind = "has-docker-compose"
	SignalHasMakefile         SignalKind = "has-makefile"
	SignalHasCodeOfConduct    SignalKind = "has-code-of-conduct"
	SignalHasContributing     SignalKind = "has-contributing"
	SignalHasLicense          SignalKind = "has-license"
	SignalHasSecurityPolicy   SignalKind = "has-security-policy"
	SignalHasIssueTemplates   SignalKind = "has-issue-templates"
	SignalHasPRTemplates      SignalKind = "has-pr-templates"
	SignalHasChangelog        SignalKind = "has-changelog"
	SignalHasDocs             SignalKind = "has-docs"
	SignalHasReadme           SignalKind = "has-readme"
	SignalDetectedCI          SignalKind = "detected-ci"
	SignalDetectedTestFw      SignalKind = "detected-test-framework"
	SignalOrganizationScore   SignalKind = "organization-score"
	SignalCodingStandardScore SignalKind = "coding-standards-score"
	SignalAutomationScore     SignalKind = "automation-score"
	SignalFileCount           SignalKind = "file-count"
)

// ValueType is the type of value a signal kind carries.
type ValueType string

const (
	ValueBool   ValueType = "boolean"
	ValueNumber ValueType = "number"
	ValueText   ValueType = "string"
)

var signalKinds = map[SignalKind]ValueType{
	SignalHasTests:            ValueBool,
	SignalHasGithubActions:    ValueBool,
	SignalHasCI:               ValueBool,
	SignalHasLintConfig:       ValueBool,
	SignalHasPrecommit:        ValueBool,
	SignalHasDocker:           ValueBool,
	SignalHasDockerCompose:    ValueBool,
	SignalHasMakefile:         ValueBool,
	SignalHasCodeOfConduct:    ValueBool,
	SignalHasContributing:     ValueBool,
	SignalHasLicense:          ValueBool,
	SignalHasSecurityPolicy:   ValueBool,
	SignalHasIssueTemplates:   ValueBool,
	SignalHasPRTemplates:      ValueBool,
	SignalHasChangelog:        ValueBool,
	SignalHasDocs:             ValueBool,
	SignalHasReadme:           ValueBool,
	SignalDetectedCI:          ValueText,
	SignalDetectedTestFw:      ValueText,
	SignalOrganizationScore:   ValueNumber,
	SignalCodingStandardScore: ValueNumber,
	SignalAutomationScore:     ValueNumber,
	SignalFileCount:           ValueNumber,
}

// KindType returns the value type of a known signal kind.
func KindType(k SignalKind) (ValueType, bool) {
	t, ok := signalKinds[k]
	return t, ok
}

// Signal is one detected engineering signal. Exactly one of Bool, Number, Text is set.
type Signal struct {
	RepositoryID int64      `json:"-"`
	Kind         SignalKind `json:"kind"`
	Bool         *bool      `json:"bool,omitempty"`
	Number       *float64   `json:"number,omitempty"`
	Text         *string    `json:"text,omitempty"`
	DetectedAt   time.Time  `json:"detected_at"`
}

// Value returns the signal's value as a plain Go value (bool, float64, string or nil).
func (s Signal) Value() any {
	switch {
	case s.Bool != nil:
		return *s.Bool
	case s.Number != nil:
		return *s.Number
	case s.Text != nil:
		return *s.Text
	}
	return nil
}

func BoolSignal(kind SignalKind, v bool, at time.Time) Signal {
	return Signal{Kind: kind, Bool: &v, DetectedAt: at}
}

func NumberSignal(kind SignalKind, v float64, at time.Time) Signal {
	return Signal{Kind: kind, Number: &v, DetectedAt: at}
}

func TextSignal(kind SignalKind, v string, at time.Time) Signal {
	return Signal{Kind: kind, Text: &v, DetectedAt: at}
}

// StoreTime normalizes a timestamp to the precision both backends round-trip.
func StoreTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
