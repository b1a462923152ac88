// Package memory is an in-process implementation of ports.Store. It uses the
// same ranked-candidate, compare-and-set claim as the sqlite adapter, so the
// lock-skip contract can be exercised without a database.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"cardscan/internal/domain"
	"cardscan/internal/ports"
)

const claimCandidates = 32

var _ ports.Store = (*Store)(nil)

type jobRow struct {
	job domain.ScanJob
	seq uint64
}

type Store struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	seq      uint64
	scans    map[string]*domain.Scan
	jobs     map[string]*jobRow
	commands map[string]*domain.Command
}

func New(clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		clock:    clock,
		scans:    map[string]*domain.Scan{},
		jobs:     map[string]*jobRow{},
		commands: map[string]*domain.Command{},
	}
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) now() time.Time { return s.clock.Now().UTC() }

// ---- jobs ----

func (s *Store) ClaimNext(ctx context.Context) (domain.ScanJob, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.ScanJob{}, false, err
	}
	candidates := s.pendingCandidates()
	if len(candidates) == 0 {
		return domain.ScanJob{}, false, nil
	}
	for _, id := range candidates {
		if job, ok := s.casClaim(id); ok {
			return job, true, nil
		}
	}
	return domain.ScanJob{}, false, domain.ErrClaimContention
}

func (s *Store) pendingCandidates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]*jobRow, 0)
	for _, r := range s.jobs {
		if s.claimableLocked(r) {
			rows = append(rows, r)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i].job, rows[j].job
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if len(rows) > claimCandidates {
		rows = rows[:claimCandidates]
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.job.ID
	}
	return ids
}

// claimableLocked reports whether a job is pending on a scan that is still live.
func (s *Store) claimableLocked(r *jobRow) bool {
	if r.job.Status != domain.JobPending {
		return false
	}
	scan, ok := s.scans[r.job.ScanID]
	return ok && !scan.Deleted()
}

// casClaim flips one candidate pending->running if nobody got there first.
func (s *Store) casClaim(jobID string) (domain.ScanJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.jobs[jobID]
	if !ok || !s.claimableLocked(r) {
		return domain.ScanJob{}, false
	}
	now := s.now()
	r.job.Status = domain.JobRunning
	r.job.PickedAt = &now
	r.job.FinishedAt = nil
	r.job.Attempt++
	if scan, ok := s.scans[r.job.ScanID]; ok {
		scan.ProcessingStatus = domain.ScanProcessing
		scan.Version++
		scan.UpdatedAt = now
	}
	return copyJob(r.job), true
}

func (s *Store) ReportResult(ctx context.Context, jobID string, outcome domain.Outcome) error {
	if !outcome.Status.Terminal() {
		return fmt.Errorf("%w: status %q", domain.ErrInvalidOutcome, outcome.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	if r.job.Status.Terminal() {
		return nil
	}
	if outcome.Attempt > 0 && outcome.Attempt != r.job.Attempt {
		return fmt.Errorf("job %s attempt %d (current %d): %w", jobID, outcome.Attempt, r.job.Attempt, domain.ErrStaleClaim)
	}
	if !domain.ValidJobTransition(r.job.Status, outcome.Status) {
		return fmt.Errorf("job %s %s -> %s: %w", jobID, r.job.Status, outcome.Status, domain.ErrInvalidTransition)
	}
	now := s.now()
	r.job.Status = outcome.Status
	r.job.FinishedAt = &now
	r.job.Error = outcome.Error
	if scan, ok := s.scans[r.job.ScanID]; ok {
		scan.ProcessingStatus = outcome.ScanStatusFor()
		scan.ErrorMessage = outcome.Error
		if scan.Results == nil && outcome.Status == domain.JobCompleted {
			scan.Results = cloneRaw(outcome.Results)
		}
		scan.Version++
		scan.UpdatedAt = now
	}
	return nil
}

func (s *Store) RequeueStuck(ctx context.Context, cutoff time.Time, maxAttempts int) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var requeued, exhausted int
	for _, r := range s.jobs {
		j := &r.job
		if j.Status != domain.JobRunning || j.PickedAt == nil || !j.PickedAt.Before(cutoff) {
			continue
		}
		scan := s.scans[j.ScanID]
		if maxAttempts > 0 && j.Attempt >= maxAttempts {
			j.Status = domain.JobFailed
			j.FinishedAt = &now
			j.Error = abandonedMessage(j.Attempt)
			if scan != nil {
				scan.ProcessingStatus = domain.ScanFailed
				scan.ErrorMessage = j.Error
				scan.Version++
				scan.UpdatedAt = now
			}
			exhausted++
			continue
		}
		j.Status = domain.JobPending
		j.PickedAt = nil
		j.FinishedAt = nil
		if scan != nil {
			scan.ProcessingStatus = domain.ScanQueued
			scan.Version++
			scan.UpdatedAt = now
		}
		requeued++
	}
	return requeued, exhausted, nil
}

func abandonedMessage(attempt int) string {
	return fmt.Sprintf("processing abandoned after %d attempts", attempt)
}

// ---- scans ----

func (s *Store) CreateWithJob(ctx context.Context, scan domain.Scan, job domain.ScanJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.scans[scan.ID]; exists {
		return fmt.Errorf("scan %s already exists", scan.ID)
	}
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if job.ScanID != scan.ID {
		return fmt.Errorf("job %s does not belong to scan %s", job.ID, scan.ID)
	}
	if !job.Status.Valid() {
		return fmt.Errorf("job %s has unknown status %q", job.ID, job.Status)
	}
	sc := copyScan(scan)
	s.scans[scan.ID] = &sc
	s.insertJobLocked(job)
	return nil
}

func (s *Store) insertJobLocked(job domain.ScanJob) {
	s.seq++
	s.jobs[job.ID] = &jobRow{job: copyJob(job), seq: s.seq}
}

func (s *Store) GetScan(ctx context.Context, scanID string) (domain.Scan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	scan, ok := s.scans[scanID]
	if !ok {
		return domain.Scan{}, fmt.Errorf("scan %s: %w", scanID, domain.ErrNotFound)
	}
	return copyScan(*scan), nil
}

func (s *Store) FindByFingerprint(ctx context.Context, ownerID, fingerprint string) (domain.Scan, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *domain.Scan
	for _, scan := range s.scans {
		if scan.OwnerID != ownerID || scan.Fingerprint != fingerprint || scan.Deleted() {
			continue
		}
		if best == nil || scan.CreatedAt.After(best.CreatedAt) {
			best = scan
		}
	}
	if best == nil {
		return domain.Scan{}, false, nil
	}
	return copyScan(*best), true, nil
}

func (s *Store) ListScans(ctx context.Context, ownerID string, filter domain.ScanFilter) ([]domain.Scan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Scan, 0)
	for _, scan := range s.scans {
		if scan.OwnerID != ownerID || scan.Deleted() {
			continue
		}
		if filter.Status != "" && scan.ProcessingStatus != filter.Status {
			continue
		}
		out = append(out, copyScan(*scan))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) LatestJob(ctx context.Context, scanID string) (domain.ScanJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *jobRow
	for _, r := range s.jobs {
		if r.job.ScanID != scanID {
			continue
		}
		if latest == nil || r.seq > latest.seq {
			latest = r
		}
	}
	if latest == nil {
		return domain.ScanJob{}, false, nil
	}
	return copyJob(latest.job), true, nil
}

func (s *Store) EnqueueRetry(ctx context.Context, job domain.ScanJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	scan, ok := s.scans[job.ScanID]
	if !ok || scan.Deleted() {
		return fmt.Errorf("scan %s: %w", job.ScanID, domain.ErrNotFound)
	}
	for _, r := range s.jobs {
		if r.job.ScanID == job.ScanID && !r.job.Status.Terminal() {
			return fmt.Errorf("scan %s: %w", job.ScanID, domain.ErrActiveJob)
		}
	}
	s.insertJobLocked(job)
	scan.ProcessingStatus = domain.ScanQueued
	scan.ErrorMessage = ""
	scan.Results = nil
	scan.Version++
	scan.UpdatedAt = s.now()
	return nil
}

func (s *Store) SoftDelete(ctx context.Context, scanID string) (domain.Scan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	scan, ok := s.scans[scanID]
	if !ok {
		return domain.Scan{}, fmt.Errorf("scan %s: %w", scanID, domain.ErrNotFound)
	}
	if scan.DeletedAt == nil {
		now := s.now()
		scan.DeletedAt = &now
		scan.Version++
		scan.UpdatedAt = now
	}
	return copyScan(*scan), nil
}

func (s *Store) Approve(ctx context.Context, scanID string, expectedVersion int64) (domain.Scan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	scan, ok := s.scans[scanID]
	if !ok || scan.Deleted() {
		return domain.Scan{}, fmt.Errorf("scan %s: %w", scanID, domain.ErrNotFound)
	}
	if scan.Version != expectedVersion {
		return domain.Scan{}, fmt.Errorf("scan %s at version %d, not %d: %w", scanID, scan.Version, expectedVersion, domain.ErrVersionConflict)
	}
	if scan.ProcessingStatus != domain.ScanReviewPending {
		return domain.Scan{}, fmt.Errorf("scan %s is %s: %w", scanID, scan.ProcessingStatus, domain.ErrInvalidTransition)
	}
	scan.ProcessingStatus = domain.ScanApproved
	scan.Version++
	scan.UpdatedAt = s.now()
	return copyScan(*scan), nil
}

func (s *Store) DeleteJobs(ctx context.Context, scanID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.jobs {
		if r.job.ScanID == scanID {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteScan(ctx context.Context, scanID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.jobs {
		if r.job.ScanID == scanID {
			return fmt.Errorf("scan %s still has jobs", scanID)
		}
	}
	delete(s.scans, scanID)
	return nil
}

func (s *Store) ListFailedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Scan, error) {
	return s.collect(limit, func(scan *domain.Scan) bool {
		return !scan.Deleted() && scan.ProcessingStatus == domain.ScanFailed && scan.UpdatedAt.Before(cutoff)
	}, func(scan domain.Scan) time.Time { return scan.UpdatedAt })
}

func (s *Store) PurgeFailedScan(ctx context.Context, scanID string, cutoff time.Time) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	scan, ok := s.scans[scanID]
	if !ok || scan.Deleted() || scan.ProcessingStatus != domain.ScanFailed || !scan.UpdatedAt.Before(cutoff) {
		return 0, false, nil
	}
	for _, r := range s.jobs {
		if r.job.ScanID == scanID && !r.job.Status.Terminal() {
			return 0, false, nil
		}
	}
	n := 0
	for id, r := range s.jobs {
		if r.job.ScanID == scanID {
			delete(s.jobs, id)
			n++
		}
	}
	delete(s.scans, scanID)
	return n, true, nil
}

func (s *Store) ListOrphanedDeletes(ctx context.Context, cutoff time.Time, limit int) ([]domain.Scan, error) {
	return s.collect(limit, func(scan *domain.Scan) bool {
		return scan.Deleted() && scan.DeletedAt.Before(cutoff) && !s.pendingDeleteLocked(scan.ID)
	}, func(scan domain.Scan) time.Time { return *scan.DeletedAt })
}

func (s *Store) collect(limit int, match func(*domain.Scan) bool, key func(domain.Scan) time.Time) ([]domain.Scan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Scan, 0)
	for _, scan := range s.scans {
		if match(scan) {
			out = append(out, copyScan(*scan))
		}
	}
	sort.Slice(out, func(i, j int) bool { return key(out[i]).Before(key(out[j])) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- commands ----

func (s *Store) InsertCommand(ctx context.Context, cmd domain.Command) error {
	if !cmd.Type.Valid() {
		return fmt.Errorf("unknown command type %q", cmd.Type)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.commands[cmd.ID]; exists {
		return fmt.Errorf("command %s already exists", cmd.ID)
	}
	c := copyCommand(cmd)
	s.commands[cmd.ID] = &c
	return nil
}

func (s *Store) ClaimCommand(ctx context.Context, typ domain.CommandType, leaseCutoff time.Time) (domain.Command, bool, error) {
	eligible := func(c *domain.Command) bool {
		return c.Type == typ && c.ProcessedAt == nil && (c.ClaimedAt == nil || c.ClaimedAt.Before(leaseCutoff))
	}

	s.mu.Lock()
	rows := make([]*domain.Command, 0)
	for _, c := range s.commands {
		if eligible(c) {
			rows = append(rows, c)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.Before(rows[j].CreatedAt)
		}
		return rows[i].ID < rows[j].ID
	})
	ids := make([]string, 0, claimCandidates)
	for i := 0; i < len(rows) && i < claimCandidates; i++ {
		ids = append(ids, rows[i].ID)
	}
	s.mu.Unlock()

	if len(ids) == 0 {
		return domain.Command{}, false, nil
	}
	for _, id := range ids {
		s.mu.Lock()
		c, ok := s.commands[id]
		if ok && eligible(c) {
			now := s.now()
			c.ClaimedAt = &now
			c.Attempts++
			out := copyCommand(*c)
			s.mu.Unlock()
			return out, true, nil
		}
		s.mu.Unlock()
	}
	return domain.Command{}, false, domain.ErrClaimContention
}

func (s *Store) MarkProcessed(ctx context.Context, commandID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commands[commandID]
	if !ok {
		return fmt.Errorf("command %s: %w", commandID, domain.ErrNotFound)
	}
	if c.ProcessedAt == nil {
		now := s.now()
		c.ProcessedAt = &now
	}
	return nil
}

func (s *Store) HasPendingCommand(ctx context.Context, typ domain.CommandType, scanID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingCommandLocked(typ, scanID), nil
}

func (s *Store) pendingDeleteLocked(scanID string) bool {
	return s.pendingCommandLocked(domain.CommandDeleteScan, scanID)
}

func (s *Store) pendingCommandLocked(typ domain.CommandType, scanID string) bool {
	for _, c := range s.commands {
		if c.Type != typ || c.ProcessedAt != nil {
			continue
		}
		var p domain.DeleteScanPayload
		if err := json.Unmarshal(c.Payload, &p); err != nil {
			continue
		}
		if p.ScanID == scanID {
			return true
		}
	}
	return false
}

// Commands returns a snapshot of every command, oldest first.
func (s *Store) Commands() []domain.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Command, 0, len(s.commands))
	for _, c := range s.commands {
		out = append(out, copyCommand(*c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Jobs returns a snapshot of the jobs of one scan in creation order.
func (s *Store) Jobs(scanID string) []domain.ScanJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]*jobRow, 0)
	for _, r := range s.jobs {
		if r.job.ScanID == scanID {
			rows = append(rows, r)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	out := make([]domain.ScanJob, len(rows))
	for i, r := range rows {
		out[i] = copyJob(r.job)
	}
	return out
}

func copyJob(j domain.ScanJob) domain.ScanJob {
	j.PickedAt = copyTime(j.PickedAt)
	j.FinishedAt = copyTime(j.FinishedAt)
	return j
}

func copyScan(s domain.Scan) domain.Scan {
	s.DeletedAt = copyTime(s.DeletedAt)
	s.Results = cloneRaw(s.Results)
	return s
}

func copyCommand(c domain.Command) domain.Command {
	c.ClaimedAt = copyTime(c.ClaimedAt)
	c.ProcessedAt = copyTime(c.ProcessedAt)
	c.Payload = cloneRaw(c.Payload)
	return c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}
