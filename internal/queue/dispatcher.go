// Package queue sits between the stores and the loops that drain them: it
// hides claim races from workers and routes deferred commands to handlers.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	"cardscan/internal/domain"
	"cardscan/internal/ports"
)

const (
	claimRetries     = 8
	claimBackoffBase = 2 * time.Millisecond
)

func claimBackoff() retry.Backoff {
	return retry.WithMaxRetries(claimRetries, retry.WithJitterPercent(25, retry.NewExponential(claimBackoffBase)))
}

// claimWithRetry re-runs claim while the store reports contention. A claim that
// keeps losing is reported as found=false; the caller polls again later.
func claimWithRetry[T any](ctx context.Context, claim func(context.Context) (T, bool, error)) (T, bool, error) {
	var (
		out   T
		found bool
	)
	err := retry.Do(ctx, claimBackoff(), func(ctx context.Context) error {
		v, ok, err := claim(ctx)
		if errors.Is(err, domain.ErrClaimContention) {
			return retry.RetryableError(err)
		}
		if err != nil {
			return err
		}
		out, found = v, ok
		return nil
	})
	if errors.Is(err, domain.ErrClaimContention) {
		var zero T
		return zero, false, nil
	}
	if err != nil {
		var zero T
		return zero, false, err
	}
	return out, found, nil
}

// Dispatcher is the worker-facing side of the job queue.
type Dispatcher struct {
	jobs ports.JobQueue
}

func NewDispatcher(jobs ports.JobQueue) *Dispatcher {
	return &Dispatcher{jobs: jobs}
}

// ClaimNext hands out the oldest pending job to exactly one caller.
func (d *Dispatcher) ClaimNext(ctx context.Context) (domain.ScanJob, bool, error) {
	return claimWithRetry(ctx, d.jobs.ClaimNext)
}

// Report records the outcome of a job this caller claimed, fenced to that claim's attempt.
func (d *Dispatcher) Report(ctx context.Context, job domain.ScanJob, outcome domain.Outcome) error {
	outcome.Attempt = job.Attempt
	return d.jobs.ReportResult(ctx, job.ID, outcome)
}
