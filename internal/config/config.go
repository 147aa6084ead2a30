// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github-knowledge-store/internal/database"
	"github-knowledge-store/internal/model"
)

// Config holds all configuration for the application.
type Config struct {
	LogLevel string `mapstructure:"LOG_LEVEL"`

	StorageBackend string `mapstructure:"STORAGE_BACKEND"`
	SQLitePath     string `mapstructure:"SQLITE_PATH"`
	DBURL          string `mapstructure:"DB_URL"`

	GithubToken     string  `mapstructure:"GITHUB_TOKEN"`
	GithubBaseURL   string  `mapstructure:"GITHUB_BASE_URL"`
	GithubRateLimit float64 `mapstructure:"GITHUB_RATE_LIMIT"`

	HTTPAddr string `mapstructure:"HTTP_ADDR"`

	StalenessWindow   time.Duration `mapstructure:"STALENESS_WINDOW"`
	IngestTimeout     time.Duration `mapstructure:"INGEST_TIMEOUT"`
	MaxRetries        int           `mapstructure:"MAX_RETRIES"`
	BackoffInitial    time.Duration `mapstructure:"BACKOFF_INITIAL"`
	BackoffMax        time.Duration `mapstructure:"BACKOFF_MAX"`
	RepoConcurrency   int           `mapstructure:"REPO_CONCURRENCY"`
	MaxCommitsPerRepo int           `mapstructure:"MAX_COMMITS_PER_REPO"`
	FetchCommitStats  bool          `mapstructure:"FETCH_COMMIT_STATS"`
	FetchCachePath    string        `mapstructure:"FETCH_CACHE_PATH"`

	UsersToSync  []string      `mapstructure:"USERS_TO_SYNC"`
	SyncInterval time.Duration `mapstructure:"SYNC_INTERVAL"`
}

// Database returns the storage selection part of the configuration.
func (c *Config) Database() database.Config {
	return database.Config{
		Backend:     c.StorageBackend,
		SQLitePath:  c.SQLitePath,
		PostgresURL: c.DBURL,
	}
}

var keys = []string{
	"LOG_LEVEL", "STORAGE_BACKEND", "SQLITE_PATH", "DB_URL",
	"GITHUB_TOKEN", "GITHUB_BASE_URL", "GITHUB_RATE_LIMIT", "HTTP_ADDR",
	"STALENESS_WINDOW", "INGEST_TIMEOUT", "MAX_RETRIES", "BACKOFF_INITIAL", "BACKOFF_MAX",
	"REPO_CONCURRENCY", "MAX_COMMITS_PER_REPO", "FETCH_COMMIT_STATS", "FETCH_CACHE_PATH",
	"USERS_TO_SYNC", "SYNC_INTERVAL",
}

// LoadConfig reads configuration from defaults, an optional .env file in the working
// directory, an optional YAML file named by CONFIG_FILE, and environment variables, in
// increasing order of precedence.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORAGE_BACKEND", database.BackendSQLite)
	v.SetDefault("SQLITE_PATH", "data/knowledge.db")
	v.SetDefault("GITHUB_BASE_URL", "https://api.github.com/")
	v.SetDefault("GITHUB_RATE_LIMIT", 10.0)
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("STALENESS_WINDOW", "6h")
	v.SetDefault("INGEST_TIMEOUT", "10m")
	v.SetDefault("MAX_RETRIES", 5)
	v.SetDefault("BACKOFF_INITIAL", "1s")
	v.SetDefault("BACKOFF_MAX", "1m")
	v.SetDefault("REPO_CONCURRENCY", 4)
	v.SetDefault("MAX_COMMITS_PER_REPO", 300)
	v.SetDefault("FETCH_COMMIT_STATS", false)
	v.SetDefault("FETCH_CACHE_PATH", "data/fetch-cache.db")
	v.SetDefault("USERS_TO_SYNC", []string{})
	v.SetDefault("SYNC_INTERVAL", "1h")

	// Load from .env file if it exists
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // Ignore error if file not found

	// Bind environment variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	if path := v.GetString("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.UsersToSync = splitList(cfg.UsersToSync)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the loaded values. Only the backend settings are required; GITHUB_TOKEN may be
// supplied per ingestion request instead.
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case database.BackendSQLite:
		if c.SQLitePath == "" {
			return errors.New("SQLITE_PATH is required when STORAGE_BACKEND is sqlite")
		}
	case database.BackendPostgres:
		if c.DBURL == "" {
			return errors.New("DB_URL is required when STORAGE_BACKEND is postgres")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be %q or %q, got %q", database.BackendSQLite, database.BackendPostgres, c.StorageBackend)
	}

	if c.GithubRateLimit < 0 {
		return errors.New("GITHUB_RATE_LIMIT must not be negative")
	}
	if c.MaxRetries < 0 {
		return errors.New("MAX_RETRIES must not be negative")
	}
	if c.RepoConcurrency < 1 {
		return errors.New("REPO_CONCURRENCY must be at least 1")
	}
	if c.MaxCommitsPerRepo < 1 {
		return errors.New("MAX_COMMITS_PER_REPO must be at least 1")
	}
	if c.IngestTimeout <= 0 {
		return errors.New("INGEST_TIMEOUT must be positive")
	}
	if c.BackoffInitial <= 0 || c.BackoffMax < c.BackoffInitial {
		return errors.New("BACKOFF_INITIAL must be positive and not exceed BACKOFF_MAX")
	}
	if c.StalenessWindow < 0 {
		return errors.New("STALENESS_WINDOW must not be negative")
	}
	for _, u := range c.UsersToSync {
		if !model.ValidHandle(u) {
			return fmt.Errorf("USERS_TO_SYNC contains an invalid GitHub login: %q", u)
		}
	}
	if len(c.UsersToSync) > 0 && c.SyncInterval <= 0 {
		return errors.New("SYNC_INTERVAL must be positive when USERS_TO_SYNC is set")
	}
	return nil
}

// splitList accepts both a YAML list and a comma or space separated environment value.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.FieldsFunc(item, func(r rune) bool { return r == ',' || r == ' ' }) {
			out = append(out, part)
		}
	}
	return out
}
