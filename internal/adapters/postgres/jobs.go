package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"cardscan/internal/domain"
)

const jobColumns = `id, scan_id, status, payload, attempt, error, created_at, picked_at, finished_at`

func scanJob(row pgx.Row) (domain.ScanJob, error) {
	var job domain.ScanJob
	err := row.Scan(&job.ID, &job.ScanID, &job.Status, &job.Payload, &job.Attempt, &job.Error,
		&job.CreatedAt, &job.PickedAt, &job.FinishedAt)
	return job, err
}

// claimCandidates bounds how many pending rows one claim ranks before it
// gives up and reports contention.
const claimCandidates = 32

// ClaimNext ranks the oldest pending jobs of live scans and takes the first one
// a conditional UPDATE still finds pending. Rows lost to a concurrent claimant
// are skipped, never waited on.
func (db *DB) ClaimNext(ctx context.Context) (domain.ScanJob, bool, error) {
	ids, err := db.candidates(ctx, `
		SELECT j.id FROM scan_jobs j JOIN scans s ON s.id = j.scan_id
		WHERE j.status = 'pending' AND s.deleted_at IS NULL
		ORDER BY j.created_at, j.id LIMIT $1`, claimCandidates)
	if err != nil {
		return domain.ScanJob{}, false, fmt.Errorf("rank pending jobs: %w", err)
	}
	if len(ids) == 0 {
		return domain.ScanJob{}, false, nil
	}
	for _, id := range ids {
		job, claimed, err := db.claimJob(ctx, id)
		if err != nil {
			return domain.ScanJob{}, false, fmt.Errorf("claim job %s: %w", id, err)
		}
		if claimed {
			return job, true, nil
		}
	}
	return domain.ScanJob{}, false, domain.ErrClaimContention
}

func (db *DB) claimJob(ctx context.Context, id string) (job domain.ScanJob, claimed bool, err error) {
	err = db.inTx(ctx, func(tx pgx.Tx) error {
		now := db.now()
		var err error
		job, err = scanJob(tx.QueryRow(ctx, `
			UPDATE scan_jobs SET status = 'running', picked_at = $2, finished_at = NULL, attempt = attempt + 1
			WHERE id = $1 AND status = 'pending'
				AND EXISTS (SELECT 1 FROM scans WHERE scans.id = scan_jobs.scan_id AND scans.deleted_at IS NULL)
			RETURNING `+jobColumns, id, now))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		claimed = true
		_, err = tx.Exec(ctx, `
			UPDATE scans SET processing_status = $2, version = version + 1, updated_at = $3 WHERE id = $1`,
			job.ScanID, domain.ScanProcessing, now)
		return err
	})
	return job, claimed, err
}

func (db *DB) candidates(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (db *DB) ReportResult(ctx context.Context, jobID string, outcome domain.Outcome) error {
	if !outcome.Status.Terminal() {
		return fmt.Errorf("%w: status %q", domain.ErrInvalidOutcome, outcome.Status)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.inTx(ctx, func(tx pgx.Tx) error {
		var (
			status  domain.JobStatus
			attempt int
			scanID  string
		)
		err := tx.QueryRow(ctx, `SELECT status, attempt, scan_id FROM scan_jobs WHERE id = $1 FOR UPDATE`, jobID).
			Scan(&status, &attempt, &scanID)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if status.Terminal() {
			return nil
		}
		if outcome.Attempt > 0 && outcome.Attempt != attempt {
			return fmt.Errorf("job %s attempt %d (current %d): %w", jobID, outcome.Attempt, attempt, domain.ErrStaleClaim)
		}
		if !domain.ValidJobTransition(status, outcome.Status) {
			return fmt.Errorf("job %s %s -> %s: %w", jobID, status, outcome.Status, domain.ErrInvalidTransition)
		}
		now := db.now()
		if _, err := tx.Exec(ctx, `
			UPDATE scan_jobs SET status = $2, finished_at = $3, error = $4 WHERE id = $1`,
			jobID, outcome.Status, now, outcome.Error); err != nil {
			return err
		}
		var results []byte
		if outcome.Status == domain.JobCompleted {
			results = outcome.Results
		}
		_, err = tx.Exec(ctx, `
			UPDATE scans SET processing_status = $2, error_message = $3, results = COALESCE(results, $4::jsonb),
				version = version + 1, updated_at = $5
			WHERE id = $1`,
			scanID, outcome.ScanStatusFor(), outcome.Error, results, now)
		return err
	})
}

type stuckJob struct {
	ID      string
	ScanID  string
	Attempt int
}

// RequeueStuck returns abandoned running jobs to pending, or fails those that
// already used up their attempts.
func (db *DB) RequeueStuck(ctx context.Context, cutoff time.Time, maxAttempts int) (requeued, exhausted int, err error) {
	err = db.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, scan_id, attempt FROM scan_jobs
			WHERE status = 'running' AND picked_at < $1
			FOR UPDATE SKIP LOCKED`, cutoff)
		if err != nil {
			return err
		}
		stuck, err := pgx.CollectRows(rows, pgx.RowToStructByPos[stuckJob])
		if err != nil {
			return err
		}
		now := db.now()
		for _, j := range stuck {
			if maxAttempts > 0 && j.Attempt >= maxAttempts {
				msg := fmt.Sprintf("processing abandoned after %d attempts", j.Attempt)
				if _, err := tx.Exec(ctx, `
					UPDATE scan_jobs SET status = 'failed', finished_at = $2, error = $3 WHERE id = $1`,
					j.ID, now, msg); err != nil {
					return err
				}
				if _, err := tx.Exec(ctx, `
					UPDATE scans SET processing_status = $2, error_message = $3, version = version + 1, updated_at = $4
					WHERE id = $1`, j.ScanID, domain.ScanFailed, msg, now); err != nil {
					return err
				}
				exhausted++
				continue
			}
			if _, err := tx.Exec(ctx, `
				UPDATE scan_jobs SET status = 'pending', picked_at = NULL, finished_at = NULL WHERE id = $1`,
				j.ID); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				UPDATE scans SET processing_status = $2, version = version + 1, updated_at = $3 WHERE id = $1`,
				j.ScanID, domain.ScanQueued, now); err != nil {
				return err
			}
			requeued++
		}
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("requeue stuck jobs: %w", err)
	}
	return requeued, exhausted, nil
}
