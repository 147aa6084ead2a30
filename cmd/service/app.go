// cmd/service/app.go
package main

import (
	"context"
	"fmt"
	"log/slog"

	"github-knowledge-store/internal/config"
	"github-knowledge-store/internal/database"
	"github-knowledge-store/internal/fetchcache"
	"github-knowledge-store/internal/github"
	"github-knowledge-store/internal/ingest"
	"github-knowledge-store/internal/query"
)

// app holds the components shared by the commands.
type app struct {
	store    database.Store
	cache    *fetchcache.Cache
	pipeline *ingest.Pipeline
	catalog  *query.Catalog
}

// newApp opens the configured store and applies migrations. The ingestion pipeline (and with
// it the GitHub client and fetch cache) is only built when withIngest is set.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, withIngest bool) (*app, error) {
	store, err := database.Open(ctx, cfg.Database(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.StorageBackend, err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}
	logger.Debug("Database migrations applied successfully")

	a := &app{store: store, catalog: query.NewCatalog(store, logger)}
	if !withIngest {
		return a, nil
	}

	ghClient, err := github.NewClient(cfg.GithubBaseURL, cfg.GithubRateLimit, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to create GitHub client: %w", err)
	}

	if cfg.FetchCachePath != "" {
		// Another process may hold the cache file; ingestion works without it.
		if a.cache, err = fetchcache.Open(cfg.FetchCachePath, logger); err != nil {
			logger.Warn("Fetch cache unavailable, continuing without it", "path", cfg.FetchCachePath, "error", err)
		}
	}

	a.pipeline = ingest.NewPipeline(store, ghClient, a.cache, ingest.Config{
		DefaultToken:     cfg.GithubToken,
		StalenessWindow:  cfg.StalenessWindow,
		Timeout:          cfg.IngestTimeout,
		MaxRetries:       cfg.MaxRetries,
		BackoffInitial:   cfg.BackoffInitial,
		BackoffMax:       cfg.BackoffMax,
		Concurrency:      cfg.RepoConcurrency,
		MaxCommits:       cfg.MaxCommitsPerRepo,
		FetchCommitStats: cfg.FetchCommitStats,
	}, logger)
	return a, nil
}

func (a *app) close() {
	if err := a.cache.Close(); err != nil {
		logger.Warn("Failed to close fetch cache", "error", err)
	}
	if err := a.store.Close(); err != nil {
		logger.Warn("Failed to close store", "error", err)
	}
}
