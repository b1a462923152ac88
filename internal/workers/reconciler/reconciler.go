// Package reconciler repairs the queues in the background: it returns stuck
// jobs to pending, purges long-failed scans and re-schedules deletes whose
// command never made it into the queue.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"cardscan/internal/domain"
	"cardscan/internal/logging"
	"cardscan/internal/ports"
	"cardscan/internal/services/cleanup"
)

// Enqueuer schedules a deferred command.
type Enqueuer interface {
	Enqueue(ctx context.Context, typ domain.CommandType, payload any) (domain.Command, error)
}

type Options struct {
	StuckTimeout    time.Duration
	MaxAttempts     int
	FailedRetention time.Duration
	OrphanGrace     time.Duration
	Interval        time.Duration
	// BatchSize caps how many scans one sweep purges or re-schedules.
	BatchSize int
}

func (o *Options) defaults() {
	if o.StuckTimeout <= 0 {
		o.StuckTimeout = 5 * time.Minute
	}
	if o.FailedRetention <= 0 {
		o.FailedRetention = 72 * time.Hour
	}
	if o.OrphanGrace <= 0 {
		o.OrphanGrace = 5 * time.Minute
	}
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
}

type Reconciler struct {
	store    ports.Store
	purger   *cleanup.Purger
	commands Enqueuer
	clock    clockwork.Clock
	opts     Options
}

func New(store ports.Store, purger *cleanup.Purger, commands Enqueuer, clock clockwork.Clock, opts Options) *Reconciler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	opts.defaults()
	return &Reconciler{store: store, purger: purger, commands: commands, clock: clock, opts: opts}
}

// RequeueStuck is the only path from running back to pending.
func (r *Reconciler) RequeueStuck(ctx context.Context) (requeued, exhausted int, err error) {
	cutoff := r.clock.Now().Add(-r.opts.StuckTimeout)
	requeued, exhausted, err = r.store.RequeueStuck(ctx, cutoff, r.opts.MaxAttempts)
	if err != nil {
		return 0, 0, fmt.Errorf("requeue stuck jobs: %w", err)
	}
	if requeued+exhausted > 0 {
		logging.FromContext(ctx).Warn("stuck jobs reclaimed", "requeued", requeued, "exhausted", exhausted)
	}
	return requeued, exhausted, nil
}

// PurgeFailed removes scans that have sat in failed longer than the retention.
func (r *Reconciler) PurgeFailed(ctx context.Context) (int, error) {
	cutoff := r.clock.Now().Add(-r.opts.FailedRetention)
	scans, err := r.store.ListFailedBefore(ctx, cutoff, r.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list failed scans: %w", err)
	}
	purged := 0
	var errs []error
	for _, scan := range scans {
		ok, err := r.purger.PurgeFailed(ctx, scan, cutoff)
		if ok {
			purged++
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("scan %s: %w", scan.ID, err))
		}
	}
	if purged > 0 {
		logging.FromContext(ctx).Info("failed scans purged", "count", purged)
	}
	return purged, errors.Join(errs...)
}

// ReenqueueOrphanedDeletes schedules DELETE_SCAN for soft-deleted scans that
// have no unprocessed command, which happens when the enqueue after a soft
// delete failed.
func (r *Reconciler) ReenqueueOrphanedDeletes(ctx context.Context) (int, error) {
	cutoff := r.clock.Now().Add(-r.opts.OrphanGrace)
	scans, err := r.store.ListOrphanedDeletes(ctx, cutoff, r.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list orphaned deletes: %w", err)
	}
	n := 0
	var errs []error
	for _, scan := range scans {
		_, err = r.commands.Enqueue(ctx, domain.CommandDeleteScan, domain.DeleteScanPayload{
			ScanID:      scan.ID,
			OwnerID:     scan.OwnerID,
			StoragePath: scan.StoragePath,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("enqueue delete for %s: %w", scan.ID, err))
			continue
		}
		logging.FromContext(ctx).Warn("orphaned delete re-enqueued", "scan_id", scan.ID)
		n++
	}
	return n, errors.Join(errs...)
}

// Sweep runs every repair once. A failing step does not stop the others.
func (r *Reconciler) Sweep(ctx context.Context) (domain.SweepResult, error) {
	var (
		res  domain.SweepResult
		errs []error
		err  error
	)
	if res.Requeued, res.Exhausted, err = r.RequeueStuck(ctx); err != nil {
		errs = append(errs, err)
	}
	if res.Purged, err = r.PurgeFailed(ctx); err != nil {
		errs = append(errs, err)
	}
	if res.Reenqueued, err = r.ReenqueueOrphanedDeletes(ctx); err != nil {
		errs = append(errs, err)
	}
	return res, errors.Join(errs...)
}

// Run sweeps every Interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	log := logging.FromContext(ctx).With("component", "reconciler")
	ctx = logging.WithContext(ctx, log)
	ticker := r.clock.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				log.Error("sweep", "error", err)
			}
		}
	}
}
