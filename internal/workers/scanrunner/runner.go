// Package scanrunner runs the worker loops that drain the job queue. It holds
// no business logic: claim, hand the job to the process function, report.
package scanrunner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"cardscan/internal/domain"
	"cardscan/internal/logging"
)

// Queue is the worker-facing job queue; *queue.Dispatcher implements it.
type Queue interface {
	ClaimNext(ctx context.Context) (domain.ScanJob, bool, error)
	Report(ctx context.Context, job domain.ScanJob, outcome domain.Outcome) error
}

// ProcessFunc does the work for one claimed job. Failures are returned as a
// failed outcome, not an error.
type ProcessFunc func(ctx context.Context, job domain.ScanJob) domain.Outcome

type Options struct {
	Concurrency  int
	PollInterval time.Duration
	Clock        clockwork.Clock
}

const reportTimeout = 10 * time.Second

// Run starts opts.Concurrency workers and blocks until ctx is done and every
// worker has reported the job it was holding.
func Run(ctx context.Context, q Queue, process ProcessFunc, opts Options) {
	if opts.Concurrency < 1 {
		return
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	var wg sync.WaitGroup
	for i := 0; i < opts.Concurrency; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			log := logging.FromContext(ctx).With("worker", idx)
			work(logging.WithContext(ctx, log), q, process, opts)
		}(i)
	}
	wg.Wait()
}

func work(ctx context.Context, q Queue, process ProcessFunc, opts Options) {
	log := logging.FromContext(ctx)
	for {
		ran, err := RunOnce(ctx, q, process)
		if err != nil && ctx.Err() == nil {
			log.Error("worker iteration", "error", err)
		}
		if ran && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-opts.Clock.After(opts.PollInterval):
		}
	}
}

// RunOnce claims at most one job, processes it and reports the outcome. It
// reports whether a job was claimed.
func RunOnce(ctx context.Context, q Queue, process ProcessFunc) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	job, found, err := q.ClaimNext(ctx)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	if !found {
		return false, nil
	}

	log := logging.FromContext(ctx).With("job_id", job.ID, "scan_id", job.ScanID, "attempt", job.Attempt)
	started := time.Now()
	outcome := safeProcess(logging.WithContext(ctx, log), process, job)

	// the outcome is recorded even when shutdown cancelled ctx mid-job
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	if err := q.Report(rctx, job, outcome); err != nil {
		switch {
		case errors.Is(err, domain.ErrStaleClaim):
			log.Warn("job was reclaimed while processing, result dropped")
			return true, nil
		case errors.Is(err, domain.ErrNotFound):
			log.Warn("scan was purged while processing, result dropped")
			return true, nil
		}
		return true, fmt.Errorf("report job %s: %w", job.ID, err)
	}
	log.Info("job finished", "status", outcome.Status, "needs_review", outcome.NeedsReview,
		"duration_ms", time.Since(started).Milliseconds())
	return true, nil
}

func safeProcess(ctx context.Context, process ProcessFunc, job domain.ScanJob) (out domain.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			logging.FromContext(ctx).Error("processing panicked", "panic", r)
			out = domain.Failed("internal error while processing")
		}
	}()
	return process(ctx, job)
}
