// internal/ingest/scheduler.go
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	custom_errors "github-knowledge-store/internal/errors"
	"github-knowledge-store/internal/model"
)

// Number of users to ingest in parallel per cycle
const schedulerConcurrency = 4

// Scheduler periodically ingests a fixed list of users with the default token.
type Scheduler struct {
	pipeline *Pipeline
	logger   *slog.Logger
	users    []string
	interval time.Duration
}

// NewScheduler validates the configured handles and creates a Scheduler.
func NewScheduler(pipeline *Pipeline, logger *slog.Logger, users []string, interval time.Duration) (*Scheduler, error) {
	for _, u := range users {
		if !model.ValidHandle(u) {
			return nil, &custom_errors.ValidationError{Field: "USERS_TO_SYNC", Reason: "contains invalid login " + u}
		}
	}
	if interval <= 0 {
		return nil, &custom_errors.ValidationError{Field: "SYNC_INTERVAL", Reason: "must be positive"}
	}
	return &Scheduler{pipeline: pipeline, logger: logger, users: users, interval: interval}, nil
}

// Start runs a cycle immediately and then once per interval until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("Starting scheduler", "interval", s.interval.String(), "users", len(s.users))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunCycle(ctx)

	for {
		select {
		case <-ticker.C:
			s.RunCycle(ctx)
		case <-ctx.Done():
			s.logger.Info("Scheduler shutting down", "reason", ctx.Err())
			return
		}
	}
}

// RunCycle ingests every configured user once. Fresh users are served from the store.
func (s *Scheduler) RunCycle(ctx context.Context) {
	s.logger.Info("Starting new ingestion cycle")
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(schedulerConcurrency)

	for _, handle := range s.users {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			res, err := s.pipeline.Ingest(gctx, Request{Handle: handle})
			switch {
			case err != nil && !errors.Is(err, context.Canceled):
				s.logger.Error("Scheduled ingestion failed", "user", handle, "error", err)
			case err == nil && res.Status == model.StatusFailed:
				s.logger.Warn("Scheduled ingestion finished with failures", "user", handle, "error", res.Error)
			}
			return nil
		})
	}

	_ = g.Wait()
	s.logger.Info("Ingestion cycle finished")
}
