// internal/ingest/retry.go
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	custom_errors "github-knowledge-store/internal/errors"
)

// retryBudget caps the number of retries across every fetch of one repository.
type retryBudget struct {
	mu        sync.Mutex
	remaining int
}

func newRetryBudget(n int) *retryBudget {
	return &retryBudget{remaining: n}
}

func (b *retryBudget) take() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remaining <= 0 {
		return false
	}
	b.remaining--
	return true
}

// fetchBackOff is an exponential backoff that draws from a shared budget and never waits less
// than the retry-after hint of the last error.
type fetchBackOff struct {
	next   backoff.BackOff
	budget *retryBudget
	hint   time.Duration
}

func (b *fetchBackOff) NextBackOff() time.Duration {
	if !b.budget.take() {
		return backoff.Stop
	}
	d := b.next.NextBackOff()
	if d == backoff.Stop {
		return backoff.Stop
	}
	if b.hint > d {
		d = b.hint
	}
	b.hint = 0
	return d
}

func (b *fetchBackOff) Reset() {
	b.next.Reset()
	b.hint = 0
}

// retry runs fn until it succeeds, fails with a non-transient error, the budget runs out or ctx
// is done.
func (p *Pipeline) retry(ctx context.Context, budget *retryBudget, logger *slog.Logger, op string, fn func() error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.cfg.BackoffInitial
	exp.MaxInterval = p.cfg.BackoffMax
	exp.MaxElapsedTime = 0
	bo := &fetchBackOff{next: exp, budget: budget}

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		if !custom_errors.IsTransient(err) {
			return backoff.Permanent(err)
		}
		bo.hint = custom_errors.RetryAfter(err)
		return err
	}, backoff.WithContext(bo, ctx), func(err error, wait time.Duration) {
		logger.Warn("Transient fetch error, backing off", "op", op, "attempt", attempts, "wait", wait, "error", err)
	})
	if err != nil && custom_errors.IsTransient(err) && ctx.Err() == nil {
		return fmt.Errorf("%s: retries exhausted after %d attempts: %w", op, attempts, err)
	}
	return err
}
