package ports

import (
	"context"
	"time"

	"cardscan/internal/domain"
)

// ScanRepository manages scan records and the jobs attached to them.
type ScanRepository interface {
	// CreateWithJob inserts the scan and its first job in one transaction.
	CreateWithJob(ctx context.Context, scan domain.Scan, job domain.ScanJob) error
	// GetScan returns the scan including soft-deleted rows.
	GetScan(ctx context.Context, scanID string) (domain.Scan, error)
	FindByFingerprint(ctx context.Context, ownerID, fingerprint string) (scan domain.Scan, found bool, err error)
	// ListScans returns live (not soft-deleted) scans, newest first.
	ListScans(ctx context.Context, ownerID string, filter domain.ScanFilter) ([]domain.Scan, error)
	// LatestJob returns the most recent job of a scan; older jobs are history.
	LatestJob(ctx context.Context, scanID string) (job domain.ScanJob, found bool, err error)
	// EnqueueRetry adds a fresh pending job. It fails with domain.ErrActiveJob
	// when the scan still has a pending or running job.
	EnqueueRetry(ctx context.Context, job domain.ScanJob) error
	SoftDelete(ctx context.Context, scanID string) (domain.Scan, error)
	// Approve moves a review_pending scan to approved when expectedVersion matches.
	Approve(ctx context.Context, scanID string, expectedVersion int64) (domain.Scan, error)
	DeleteJobs(ctx context.Context, scanID string) (int, error)
	// DeleteScan hard-deletes the row. Deleting an absent row is not an error.
	DeleteScan(ctx context.Context, scanID string) error
	ListFailedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Scan, error)
	// PurgeFailedScan hard-deletes a scan and its jobs in one step, but only
	// while the scan is live, failed since before cutoff and has no pending or
	// running job. purged is false when the scan no longer qualifies.
	PurgeFailedScan(ctx context.Context, scanID string, cutoff time.Time) (jobs int, purged bool, err error)
	// ListOrphanedDeletes returns scans soft-deleted before cutoff that have no
	// unprocessed DELETE_SCAN command, oldest first.
	ListOrphanedDeletes(ctx context.Context, cutoff time.Time, limit int) ([]domain.Scan, error)
}

// Store is the whole durable queue: the only shared mutable state.
type Store interface {
	JobQueue
	CommandQueue
	ScanRepository
	Ping(ctx context.Context) error
}
