package ports

import (
	"context"
	"time"

	"cardscan/internal/domain"
)

// JobQueue is the claim primitive for scan jobs.
type JobQueue interface {
	// ClaimNext moves the oldest pending job to running and returns it to
	// exactly one caller. found is false when nothing is eligible. A store may
	// return domain.ErrClaimContention when every candidate was lost to a
	// concurrent claimant; callers retry from scratch.
	ClaimNext(ctx context.Context) (job domain.ScanJob, found bool, err error)
	// ReportResult records a terminal outcome. Reporting on an already
	// terminal job is a no-op.
	ReportResult(ctx context.Context, jobID string, outcome domain.Outcome) error
	// RequeueStuck returns running jobs picked before cutoff to pending, or
	// fails them once their attempt count reached maxAttempts.
	RequeueStuck(ctx context.Context, cutoff time.Time, maxAttempts int) (requeued, exhausted int, err error)
}

// CommandQueue holds deferred side-effecting requests.
type CommandQueue interface {
	InsertCommand(ctx context.Context, cmd domain.Command) error
	// ClaimCommand leases the oldest unprocessed command of the given type whose
	// previous lease (if any) started before leaseCutoff.
	ClaimCommand(ctx context.Context, typ domain.CommandType, leaseCutoff time.Time) (cmd domain.Command, found bool, err error)
	// MarkProcessed sets processed_at. It is idempotent.
	MarkProcessed(ctx context.Context, commandID string) error
	HasPendingCommand(ctx context.Context, typ domain.CommandType, scanID string) (bool, error)
}
