package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"cardscan/internal/domain"
)

const scanColumns = `id, owner_id, storage_path, fingerprint, content_type, processing_status,
	error_message, results, version, deleted_at, created_at, updated_at`

func scanScan(row pgx.Row) (domain.Scan, error) {
	var (
		scan    domain.Scan
		results []byte
	)
	err := row.Scan(&scan.ID, &scan.OwnerID, &scan.StoragePath, &scan.Fingerprint, &scan.ContentType,
		&scan.ProcessingStatus, &scan.ErrorMessage, &results, &scan.Version, &scan.DeletedAt,
		&scan.CreatedAt, &scan.UpdatedAt)
	if err != nil {
		return domain.Scan{}, err
	}
	scan.Results = results
	return scan, nil
}

func (db *DB) CreateWithJob(ctx context.Context, scan domain.Scan, job domain.ScanJob) error {
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		results := []byte(scan.Results)
		if _, err := tx.Exec(ctx, `
			INSERT INTO scans (`+scanColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10, $11, $12)`,
			scan.ID, scan.OwnerID, scan.StoragePath, scan.Fingerprint, scan.ContentType, scan.ProcessingStatus,
			scan.ErrorMessage, results, max(scan.Version, 1), scan.DeletedAt, scan.CreatedAt, scan.UpdatedAt); err != nil {
			return err
		}
		return insertJob(ctx, tx, job)
	})
	if err != nil {
		return fmt.Errorf("create scan %s: %w", scan.ID, MapError(err))
	}
	return nil
}

func insertJob(ctx context.Context, tx pgx.Tx, job domain.ScanJob) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO scan_jobs (`+jobColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, job.ScanID, job.Status, job.Payload, job.Attempt, job.Error,
		job.CreatedAt, job.PickedAt, job.FinishedAt)
	return err
}

func (db *DB) GetScan(ctx context.Context, scanID string) (domain.Scan, error) {
	scan, err := scanScan(db.Pool.QueryRow(ctx, `SELECT `+scanColumns+` FROM scans WHERE id = $1`, scanID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Scan{}, fmt.Errorf("scan %s: %w", scanID, domain.ErrNotFound)
	}
	return scan, err
}

func (db *DB) FindByFingerprint(ctx context.Context, ownerID, fingerprint string) (domain.Scan, bool, error) {
	scan, err := scanScan(db.Pool.QueryRow(ctx, `
		SELECT `+scanColumns+` FROM scans
		WHERE owner_id = $1 AND fingerprint = $2 AND deleted_at IS NULL
		ORDER BY created_at DESC LIMIT 1`, ownerID, fingerprint))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Scan{}, false, nil
	}
	if err != nil {
		return domain.Scan{}, false, err
	}
	return scan, true, nil
}

func (db *DB) ListScans(ctx context.Context, ownerID string, filter domain.ScanFilter) ([]domain.Scan, error) {
	where := []string{"owner_id = $1", "deleted_at IS NULL"}
	args := []any{ownerID}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, "processing_status = $"+strconv.Itoa(len(args)))
	}
	query := `SELECT ` + scanColumns + ` FROM scans WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}
	return db.queryScans(ctx, query, args...)
}

func (db *DB) queryScans(ctx context.Context, query string, args ...any) ([]domain.Scan, error) {
	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Scan, error) {
		return scanScan(row)
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []domain.Scan{}
	}
	return out, nil
}

func (db *DB) LatestJob(ctx context.Context, scanID string) (domain.ScanJob, bool, error) {
	job, err := scanJob(db.Pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM scan_jobs WHERE scan_id = $1 ORDER BY created_at DESC, seq DESC LIMIT 1`, scanID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ScanJob{}, false, nil
	}
	if err != nil {
		return domain.ScanJob{}, false, err
	}
	return job, true, nil
}

func (db *DB) EnqueueRetry(ctx context.Context, job domain.ScanJob) error {
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		var deletedAt *time.Time
		err := tx.QueryRow(ctx, `SELECT deleted_at FROM scans WHERE id = $1 FOR UPDATE`, job.ScanID).Scan(&deletedAt)
		if errors.Is(err, pgx.ErrNoRows) || (err == nil && deletedAt != nil) {
			return fmt.Errorf("scan %s: %w", job.ScanID, domain.ErrNotFound)
		}
		if err != nil {
			return err
		}
		var active bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM scan_jobs WHERE scan_id = $1 AND status IN ('pending', 'running'))`,
			job.ScanID).Scan(&active); err != nil {
			return err
		}
		if active {
			return fmt.Errorf("scan %s: %w", job.ScanID, domain.ErrActiveJob)
		}
		if err := insertJob(ctx, tx, job); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE scans SET processing_status = $2, error_message = '', results = NULL,
				version = version + 1, updated_at = $3
			WHERE id = $1`, job.ScanID, domain.ScanQueued, db.now())
		return err
	})
	if err != nil && !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrActiveJob) {
		return MapError(err)
	}
	return err
}

func (db *DB) SoftDelete(ctx context.Context, scanID string) (domain.Scan, error) {
	now := db.now()
	if _, err := db.Pool.Exec(ctx, `
		UPDATE scans SET deleted_at = $2, version = version + 1, updated_at = $2
		WHERE id = $1 AND deleted_at IS NULL`, scanID, now); err != nil {
		return domain.Scan{}, fmt.Errorf("soft delete scan %s: %w", scanID, err)
	}
	return db.GetScan(ctx, scanID)
}

func (db *DB) Approve(ctx context.Context, scanID string, expectedVersion int64) (domain.Scan, error) {
	var out domain.Scan
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		scan, err := scanScan(tx.QueryRow(ctx, `SELECT `+scanColumns+` FROM scans WHERE id = $1 FOR UPDATE`, scanID))
		if errors.Is(err, pgx.ErrNoRows) || (err == nil && scan.Deleted()) {
			return fmt.Errorf("scan %s: %w", scanID, domain.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if scan.Version != expectedVersion {
			return fmt.Errorf("scan %s at version %d, not %d: %w", scanID, scan.Version, expectedVersion, domain.ErrVersionConflict)
		}
		if scan.ProcessingStatus != domain.ScanReviewPending {
			return fmt.Errorf("scan %s is %s: %w", scanID, scan.ProcessingStatus, domain.ErrInvalidTransition)
		}
		out, err = scanScan(tx.QueryRow(ctx, `
			UPDATE scans SET processing_status = $2, version = version + 1, updated_at = $3
			WHERE id = $1
			RETURNING `+scanColumns, scanID, domain.ScanApproved, db.now()))
		return err
	})
	return out, err
}

func (db *DB) DeleteJobs(ctx context.Context, scanID string) (int, error) {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM scan_jobs WHERE scan_id = $1`, scanID)
	if err != nil {
		return 0, fmt.Errorf("delete jobs of scan %s: %w", scanID, err)
	}
	return int(tag.RowsAffected()), nil
}

func (db *DB) DeleteScan(ctx context.Context, scanID string) error {
	if _, err := db.Pool.Exec(ctx, `DELETE FROM scans WHERE id = $1`, scanID); err != nil {
		return fmt.Errorf("delete scan %s: %w", scanID, MapError(err))
	}
	return nil
}

func (db *DB) ListFailedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Scan, error) {
	return db.queryScans(ctx, `
		SELECT `+scanColumns+` FROM scans
		WHERE processing_status = 'failed' AND deleted_at IS NULL AND updated_at < $1
		ORDER BY updated_at LIMIT $2`, cutoff, limitOrAll(limit))
}

// PurgeFailedScan locks the scan row first, the same row EnqueueRetry locks, so
// a retry either lands before the check and keeps the scan or waits and finds
// it gone.
func (db *DB) PurgeFailedScan(ctx context.Context, scanID string, cutoff time.Time) (jobs int, purged bool, err error) {
	err = db.inTx(ctx, func(tx pgx.Tx) error {
		var id string
		err := tx.QueryRow(ctx, `
			SELECT id FROM scans
			WHERE id = $1 AND processing_status = 'failed' AND deleted_at IS NULL AND updated_at < $2
			FOR UPDATE`, scanID, cutoff).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		var active bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM scan_jobs WHERE scan_id = $1 AND status IN ('pending', 'running'))`,
			scanID).Scan(&active); err != nil {
			return err
		}
		if active {
			return nil
		}
		tag, err := tx.Exec(ctx, `DELETE FROM scan_jobs WHERE scan_id = $1`, scanID)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM scans WHERE id = $1`, scanID); err != nil {
			return err
		}
		jobs, purged = int(tag.RowsAffected()), true
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("purge failed scan %s: %w", scanID, MapError(err))
	}
	return jobs, purged, nil
}

func (db *DB) ListOrphanedDeletes(ctx context.Context, cutoff time.Time, limit int) ([]domain.Scan, error) {
	return db.queryScans(ctx, `
		SELECT `+scanColumns+` FROM scans s
		WHERE s.deleted_at IS NOT NULL AND s.deleted_at < $1
			AND NOT EXISTS (
				SELECT 1 FROM commands c
				WHERE c.type = $2 AND c.processed_at IS NULL AND c.payload->>'scan_id' = s.id
			)
		ORDER BY s.deleted_at LIMIT $3`, cutoff, domain.CommandDeleteScan, limitOrAll(limit))
}

// limitOrAll maps a non-positive limit to NULL, which LIMIT treats as no limit.
func limitOrAll(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}
