// Package sqlite implements ports.Store on a single SQLite file. SQLite has no
// SKIP LOCKED, so claims rank a handful of candidates and take the first one a
// conditional UPDATE still finds pending.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mattn/go-sqlite3"

	"cardscan/internal/domain"
	"cardscan/internal/migrate"
	"cardscan/internal/ports"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const claimCandidates = 32

var _ ports.Store = (*Store)(nil)

type Store struct {
	db    *sql.DB
	clock clockwork.Clock
}

// Open connects to the database file at path. WAL, a busy timeout and
// immediate transactions keep concurrent writers from failing with SQLITE_BUSY.
func Open(ctx context.Context, path string, clock clockwork.Clock) (*Store, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=1", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	return &Store{db: db, clock: clock}, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	return migrate.Up(ctx, s.db, migrate.SQLite, sub)
}

func (s *Store) SchemaVersion(ctx context.Context) (int64, error) {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return 0, err
	}
	return migrate.Version(ctx, s.db, migrate.SQLite, sub)
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) now() int64 { return nanos(s.clock.Now()) }

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()
	return fn(tx)
}

// ---- jobs ----

const jobColumns = `id, scan_id, status, payload, attempt, error, created_at, picked_at, finished_at`

func (s *Store) ClaimNext(ctx context.Context) (domain.ScanJob, bool, error) {
	ids, err := s.candidates(ctx, `
		SELECT j.id FROM scan_jobs j JOIN scans s ON s.id = j.scan_id
		WHERE j.status = 'pending' AND s.deleted_at IS NULL
		ORDER BY j.created_at, j.id LIMIT ?`, claimCandidates)
	if err != nil {
		return domain.ScanJob{}, false, fmt.Errorf("rank pending jobs: %w", err)
	}
	if len(ids) == 0 {
		return domain.ScanJob{}, false, nil
	}
	for _, id := range ids {
		var (
			job     domain.ScanJob
			claimed bool
		)
		err := s.inTx(ctx, func(tx *sql.Tx) error {
			now := s.now()
			row := tx.QueryRowContext(ctx, `
				UPDATE scan_jobs SET status = 'running', picked_at = ?, finished_at = NULL, attempt = attempt + 1
				WHERE id = ? AND status = 'pending'
					AND EXISTS (SELECT 1 FROM scans WHERE scans.id = scan_jobs.scan_id AND scans.deleted_at IS NULL)
				RETURNING `+jobColumns, now, id)
			var err error
			job, err = scanJob(row)
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			if err != nil {
				return err
			}
			claimed = true
			_, err = tx.ExecContext(ctx, `
				UPDATE scans SET processing_status = ?, version = version + 1, updated_at = ? WHERE id = ?`,
				domain.ScanProcessing, now, job.ScanID)
			return err
		})
		if err != nil {
			return domain.ScanJob{}, false, fmt.Errorf("claim job %s: %w", id, err)
		}
		if claimed {
			return job, true, nil
		}
	}
	return domain.ScanJob{}, false, domain.ErrClaimContention
}

// candidates runs a ranking query and drains it before any write is issued;
// the pool holds a single connection.
func (s *Store) candidates(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) ReportResult(ctx context.Context, jobID string, outcome domain.Outcome) error {
	if !outcome.Status.Terminal() {
		return fmt.Errorf("%w: status %q", domain.ErrInvalidOutcome, outcome.Status)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var (
			status  domain.JobStatus
			attempt int
			scanID  string
		)
		err := tx.QueryRowContext(ctx, `SELECT status, attempt, scan_id FROM scan_jobs WHERE id = ?`, jobID).
			Scan(&status, &attempt, &scanID)
		if errors.Is(err, sql.ErrNoRows) {
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
		now := s.now()
		if _, err := tx.ExecContext(ctx, `
			UPDATE scan_jobs SET status = ?, finished_at = ?, error = ? WHERE id = ?`,
			outcome.Status, now, outcome.Error, jobID); err != nil {
			return err
		}
		var results any
		if outcome.Status == domain.JobCompleted && outcome.Results != nil {
			results = string(outcome.Results)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE scans SET processing_status = ?, error_message = ?, results = COALESCE(results, ?),
				version = version + 1, updated_at = ?
			WHERE id = ?`,
			outcome.ScanStatusFor(), outcome.Error, results, now, scanID)
		return err
	})
}

func (s *Store) RequeueStuck(ctx context.Context, cutoff time.Time, maxAttempts int) (requeued, exhausted int, err error) {
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		type stuck struct {
			id, scanID string
			attempt    int
		}
		rows, err := tx.QueryContext(ctx, `
			SELECT id, scan_id, attempt FROM scan_jobs WHERE status = 'running' AND picked_at < ?`, nanos(cutoff))
		if err != nil {
			return err
		}
		var found []stuck
		for rows.Next() {
			var st stuck
			if err := rows.Scan(&st.id, &st.scanID, &st.attempt); err != nil {
				rows.Close()
				return err
			}
			found = append(found, st)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := s.now()
		for _, st := range found {
			if maxAttempts > 0 && st.attempt >= maxAttempts {
				msg := fmt.Sprintf("processing abandoned after %d attempts", st.attempt)
				if _, err := tx.ExecContext(ctx, `
					UPDATE scan_jobs SET status = 'failed', finished_at = ?, error = ? WHERE id = ?`,
					now, msg, st.id); err != nil {
					return err
				}
				if _, err := tx.ExecContext(ctx, `
					UPDATE scans SET processing_status = ?, error_message = ?, version = version + 1, updated_at = ?
					WHERE id = ?`, domain.ScanFailed, msg, now, st.scanID); err != nil {
					return err
				}
				exhausted++
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE scan_jobs SET status = 'pending', picked_at = NULL, finished_at = NULL WHERE id = ?`,
				st.id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE scans SET processing_status = ?, version = version + 1, updated_at = ? WHERE id = ?`,
				domain.ScanQueued, now, st.scanID); err != nil {
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

// ---- scans ----

const scanColumns = `id, owner_id, storage_path, fingerprint, content_type, processing_status,
	error_message, results, version, deleted_at, created_at, updated_at`

func (s *Store) CreateWithJob(ctx context.Context, scan domain.Scan, job domain.ScanJob) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO scans (`+scanColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			scan.ID, scan.OwnerID, scan.StoragePath, scan.Fingerprint, scan.ContentType, scan.ProcessingStatus,
			scan.ErrorMessage, rawOrNil(scan.Results), max(scan.Version, 1), nullNanos(scan.DeletedAt),
			nanos(scan.CreatedAt), nanos(scan.UpdatedAt)); err != nil {
			return err
		}
		return insertJob(ctx, tx, job)
	})
	if err != nil {
		return fmt.Errorf("create scan %s: %w", scan.ID, mapError(err))
	}
	return nil
}

func insertJob(ctx context.Context, tx *sql.Tx, job domain.ScanJob) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO scan_jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.ScanID, job.Status, string(payload), job.Attempt, job.Error,
		nanos(job.CreatedAt), nullNanos(job.PickedAt), nullNanos(job.FinishedAt))
	return err
}

func (s *Store) GetScan(ctx context.Context, scanID string) (domain.Scan, error) {
	scan, err := scanScan(s.db.QueryRowContext(ctx, `SELECT `+scanColumns+` FROM scans WHERE id = ?`, scanID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Scan{}, fmt.Errorf("scan %s: %w", scanID, domain.ErrNotFound)
	}
	return scan, err
}

func (s *Store) FindByFingerprint(ctx context.Context, ownerID, fingerprint string) (domain.Scan, bool, error) {
	scan, err := scanScan(s.db.QueryRowContext(ctx, `
		SELECT `+scanColumns+` FROM scans
		WHERE owner_id = ? AND fingerprint = ? AND deleted_at IS NULL
		ORDER BY created_at DESC LIMIT 1`, ownerID, fingerprint))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Scan{}, false, nil
	}
	if err != nil {
		return domain.Scan{}, false, err
	}
	return scan, true, nil
}

func (s *Store) ListScans(ctx context.Context, ownerID string, filter domain.ScanFilter) ([]domain.Scan, error) {
	var (
		where = []string{"owner_id = ?", "deleted_at IS NULL"}
		args  = []any{ownerID}
	)
	if filter.Status != "" {
		where = append(where, "processing_status = ?")
		args = append(args, filter.Status)
	}
	query := `SELECT ` + scanColumns + ` FROM scans WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return s.queryScans(ctx, query, args...)
}

func (s *Store) queryScans(ctx context.Context, query string, args ...any) ([]domain.Scan, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.Scan, 0)
	for rows.Next() {
		scan, err := scanScan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, scan)
	}
	return out, rows.Err()
}

func (s *Store) LatestJob(ctx context.Context, scanID string) (domain.ScanJob, bool, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM scan_jobs WHERE scan_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, scanID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScanJob{}, false, nil
	}
	if err != nil {
		return domain.ScanJob{}, false, err
	}
	return job, true, nil
}

func (s *Store) EnqueueRetry(ctx context.Context, job domain.ScanJob) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var deleted sql.NullInt64
		err := tx.QueryRowContext(ctx, `SELECT deleted_at FROM scans WHERE id = ?`, job.ScanID).Scan(&deleted)
		if errors.Is(err, sql.ErrNoRows) || deleted.Valid {
			return fmt.Errorf("scan %s: %w", job.ScanID, domain.ErrNotFound)
		}
		if err != nil {
			return err
		}
		var active int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM scan_jobs WHERE scan_id = ? AND status IN ('pending', 'running')`,
			job.ScanID).Scan(&active); err != nil {
			return err
		}
		if active > 0 {
			return fmt.Errorf("scan %s: %w", job.ScanID, domain.ErrActiveJob)
		}
		if err := insertJob(ctx, tx, job); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE scans SET processing_status = ?, error_message = '', results = NULL,
				version = version + 1, updated_at = ?
			WHERE id = ?`, domain.ScanQueued, s.now(), job.ScanID)
		return err
	})
	return mapError(err)
}

func (s *Store) SoftDelete(ctx context.Context, scanID string) (domain.Scan, error) {
	now := s.now()
	if _, err := s.db.ExecContext(ctx, `
		UPDATE scans SET deleted_at = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`, now, now, scanID); err != nil {
		return domain.Scan{}, fmt.Errorf("soft delete scan %s: %w", scanID, err)
	}
	return s.GetScan(ctx, scanID)
}

func (s *Store) Approve(ctx context.Context, scanID string, expectedVersion int64) (domain.Scan, error) {
	var out domain.Scan
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		scan, err := scanScan(tx.QueryRowContext(ctx, `SELECT `+scanColumns+` FROM scans WHERE id = ?`, scanID))
		if errors.Is(err, sql.ErrNoRows) || (err == nil && scan.Deleted()) {
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
		now := s.now()
		if _, err := tx.ExecContext(ctx, `
			UPDATE scans SET processing_status = ?, version = version + 1, updated_at = ? WHERE id = ?`,
			domain.ScanApproved, now, scanID); err != nil {
			return err
		}
		scan.ProcessingStatus = domain.ScanApproved
		scan.Version++
		scan.UpdatedAt = fromNanos(now)
		out = scan
		return nil
	})
	return out, err
}

func (s *Store) DeleteJobs(ctx context.Context, scanID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scan_jobs WHERE scan_id = ?`, scanID)
	if err != nil {
		return 0, fmt.Errorf("delete jobs of scan %s: %w", scanID, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) DeleteScan(ctx context.Context, scanID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM scans WHERE id = ?`, scanID); err != nil {
		return fmt.Errorf("delete scan %s: %w", scanID, err)
	}
	return nil
}

func (s *Store) ListFailedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Scan, error) {
	return s.queryScans(ctx, `
		SELECT `+scanColumns+` FROM scans
		WHERE processing_status = 'failed' AND deleted_at IS NULL AND updated_at < ?
		ORDER BY updated_at LIMIT ?`, nanos(cutoff), limitOrAll(limit))
}

func (s *Store) PurgeFailedScan(ctx context.Context, scanID string, cutoff time.Time) (jobs int, purged bool, err error) {
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var eligible int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM scans
			WHERE id = ? AND processing_status = 'failed' AND deleted_at IS NULL AND updated_at < ?
				AND NOT EXISTS (
					SELECT 1 FROM scan_jobs WHERE scan_id = scans.id AND status IN ('pending', 'running')
				)`, scanID, nanos(cutoff)).Scan(&eligible); err != nil {
			return err
		}
		if eligible == 0 {
			return nil
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM scan_jobs WHERE scan_id = ?`, scanID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM scans WHERE id = ?`, scanID); err != nil {
			return err
		}
		jobs, purged = int(n), true
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("purge failed scan %s: %w", scanID, err)
	}
	return jobs, purged, nil
}

func (s *Store) ListOrphanedDeletes(ctx context.Context, cutoff time.Time, limit int) ([]domain.Scan, error) {
	return s.queryScans(ctx, `
		SELECT `+scanColumns+` FROM scans
		WHERE deleted_at IS NOT NULL AND deleted_at < ?
			AND NOT EXISTS (
				SELECT 1 FROM commands
				WHERE type = ? AND processed_at IS NULL AND json_extract(payload, '$.scan_id') = scans.id
			)
		ORDER BY deleted_at LIMIT ?`, nanos(cutoff), domain.CommandDeleteScan, limitOrAll(limit))
}

// ---- commands ----

const commandColumns = `id, type, payload, attempts, created_at, claimed_at, processed_at`

func (s *Store) InsertCommand(ctx context.Context, cmd domain.Command) error {
	if !cmd.Type.Valid() {
		return fmt.Errorf("unknown command type %q", cmd.Type)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commands (`+commandColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cmd.ID, cmd.Type, string(cmd.Payload), cmd.Attempts, nanos(cmd.CreatedAt),
		nullNanos(cmd.ClaimedAt), nullNanos(cmd.ProcessedAt))
	if err != nil {
		return fmt.Errorf("insert command %s: %w", cmd.ID, err)
	}
	return nil
}

func (s *Store) ClaimCommand(ctx context.Context, typ domain.CommandType, leaseCutoff time.Time) (domain.Command, bool, error) {
	cutoff := nanos(leaseCutoff)
	ids, err := s.candidates(ctx, `
		SELECT id FROM commands
		WHERE type = ? AND processed_at IS NULL AND (claimed_at IS NULL OR claimed_at < ?)
		ORDER BY created_at, id LIMIT ?`, typ, cutoff, claimCandidates)
	if err != nil {
		return domain.Command{}, false, fmt.Errorf("rank commands: %w", err)
	}
	if len(ids) == 0 {
		return domain.Command{}, false, nil
	}
	for _, id := range ids {
		cmd, err := scanCommand(s.db.QueryRowContext(ctx, `
			UPDATE commands SET claimed_at = ?, attempts = attempts + 1
			WHERE id = ? AND processed_at IS NULL AND (claimed_at IS NULL OR claimed_at < ?)
			RETURNING `+commandColumns, s.now(), id, cutoff))
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return domain.Command{}, false, fmt.Errorf("claim command %s: %w", id, err)
		}
		return cmd, true, nil
	}
	return domain.Command{}, false, domain.ErrClaimContention
}

func (s *Store) MarkProcessed(ctx context.Context, commandID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE commands SET processed_at = COALESCE(processed_at, ?) WHERE id = ?`, s.now(), commandID)
	if err != nil {
		return fmt.Errorf("mark command %s processed: %w", commandID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("command %s: %w", commandID, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) HasPendingCommand(ctx context.Context, typ domain.CommandType, scanID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM commands
		WHERE type = ? AND processed_at IS NULL AND json_extract(payload, '$.scan_id') = ?`,
		typ, scanID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("look up commands for scan %s: %w", scanID, err)
	}
	return n > 0, nil
}

// ---- row mapping ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.ScanJob, error) {
	var (
		job              domain.ScanJob
		payload          string
		created          int64
		picked, finished sql.NullInt64
	)
	if err := row.Scan(&job.ID, &job.ScanID, &job.Status, &payload, &job.Attempt, &job.Error,
		&created, &picked, &finished); err != nil {
		return domain.ScanJob{}, err
	}
	if err := json.Unmarshal([]byte(payload), &job.Payload); err != nil {
		return domain.ScanJob{}, fmt.Errorf("decode payload of job %s: %w", job.ID, err)
	}
	job.CreatedAt = fromNanos(created)
	job.PickedAt = timePtr(picked)
	job.FinishedAt = timePtr(finished)
	return job, nil
}

func scanScan(row rowScanner) (domain.Scan, error) {
	var (
		scan             domain.Scan
		results          sql.NullString
		deleted          sql.NullInt64
		created, updated int64
	)
	if err := row.Scan(&scan.ID, &scan.OwnerID, &scan.StoragePath, &scan.Fingerprint, &scan.ContentType,
		&scan.ProcessingStatus, &scan.ErrorMessage, &results, &scan.Version, &deleted, &created, &updated); err != nil {
		return domain.Scan{}, err
	}
	if results.Valid {
		scan.Results = json.RawMessage(results.String)
	}
	scan.DeletedAt = timePtr(deleted)
	scan.CreatedAt = fromNanos(created)
	scan.UpdatedAt = fromNanos(updated)
	return scan, nil
}

func scanCommand(row rowScanner) (domain.Command, error) {
	var (
		cmd                domain.Command
		payload            string
		created            int64
		claimed, processed sql.NullInt64
	)
	if err := row.Scan(&cmd.ID, &cmd.Type, &payload, &cmd.Attempts, &created, &claimed, &processed); err != nil {
		return domain.Command{}, err
	}
	cmd.Payload = json.RawMessage(payload)
	cmd.CreatedAt = fromNanos(created)
	cmd.ClaimedAt = timePtr(claimed)
	cmd.ProcessedAt = timePtr(processed)
	return cmd, nil
}

// mapError turns a unique-index hit on the one-active-job index into ErrActiveJob.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) && serr.ExtendedCode == sqlite3.ErrConstraintUnique &&
		strings.Contains(serr.Error(), "scan_jobs.scan_id") {
		return fmt.Errorf("%w: %v", domain.ErrActiveJob, err)
	}
	return err
}

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: nanos(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func rawOrNil(b json.RawMessage) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
