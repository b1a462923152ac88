// Package storetest is a conformance suite every ports.Store adapter runs
// from its own tests.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardscan/internal/domain"
	"cardscan/internal/ports"
)

// Factory returns an empty, migrated store driven by clock.
type Factory func(t *testing.T, clock clockwork.Clock) ports.Store

var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func Run(t *testing.T, newStore Factory) {
	t.Run("ClaimOldestFirst", func(t *testing.T) { testClaimOldestFirst(t, newStore) })
	t.Run("ClaimConcurrentExactlyOnce", func(t *testing.T) { testClaimConcurrent(t, newStore) })
	t.Run("ReportResult", func(t *testing.T) { testReportResult(t, newStore) })
	t.Run("RequeueStuck", func(t *testing.T) { testRequeueStuck(t, newStore) })
	t.Run("RetryAndLatestJob", func(t *testing.T) { testRetry(t, newStore) })
	t.Run("SoftDeleteAndPurge", func(t *testing.T) { testSoftDelete(t, newStore) })
	t.Run("PurgeFailedScan", func(t *testing.T) { testPurgeFailedScan(t, newStore) })
	t.Run("Approve", func(t *testing.T) { testApprove(t, newStore) })
	t.Run("CommandLease", func(t *testing.T) { testCommandLease(t, newStore) })
}

// Seed creates n queued scans for owner, one millisecond apart, and returns their ids.
func Seed(t *testing.T, s ports.Store, clock *clockwork.FakeClock, owner string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		now := clock.Now().UTC()
		scanID := fmt.Sprintf("%s-scan-%03d", owner, i)
		require.NoError(t, s.CreateWithJob(context.Background(),
			domain.Scan{
				ID: scanID, OwnerID: owner, StoragePath: owner + "/" + scanID + ".jpg",
				Fingerprint: fmt.Sprintf("fp-%03d", i), ContentType: "image/jpeg",
				ProcessingStatus: domain.ScanQueued, Version: 1, CreatedAt: now, UpdatedAt: now,
			},
			domain.ScanJob{
				ID: scanID + "-job", ScanID: scanID, Status: domain.JobPending, CreatedAt: now,
				Payload: domain.JobPayload{StoragePath: owner + "/" + scanID + ".jpg", ContentType: "image/jpeg"},
			},
		))
		ids = append(ids, scanID)
		clock.Advance(time.Millisecond)
	}
	return ids
}

// Claim calls ClaimNext until it gets an answer that is not a lost race.
func Claim(t *testing.T, s ports.Store) (domain.ScanJob, bool) {
	t.Helper()
	for {
		job, ok, err := s.ClaimNext(context.Background())
		if errors.Is(err, domain.ErrClaimContention) {
			continue
		}
		require.NoError(t, err)
		return job, ok
	}
}

func testClaimOldestFirst(t *testing.T, newStore Factory) {
	clock := clockwork.NewFakeClockAt(Epoch)
	s := newStore(t, clock)
	ids := Seed(t, s, clock, "alice", 3)

	for _, scanID := range ids {
		job, ok := Claim(t, s)
		require.True(t, ok)
		assert.Equal(t, scanID, job.ScanID)
		assert.Equal(t, domain.JobRunning, job.Status)
		assert.Equal(t, 1, job.Attempt)
		require.NotNil(t, job.PickedAt)
		assert.Equal(t, "alice/"+scanID+".jpg", job.Payload.StoragePath)

		scan, err := s.GetScan(context.Background(), scanID)
		require.NoError(t, err)
		assert.Equal(t, domain.ScanProcessing, scan.ProcessingStatus)
	}
	_, ok := Claim(t, s)
	assert.False(t, ok)
}

func testClaimConcurrent(t *testing.T, newStore Factory) {
	clock := clockwork.NewFakeClockAt(Epoch)
	s := newStore(t, clock)
	Seed(t, s, clock, "bob", 25)

	var (
		mu      sync.Mutex
		claimed = map[string]int{}
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, ok, err := s.ClaimNext(context.Background())
				if errors.Is(err, domain.ErrClaimContention) {
					continue
				}
				if err != nil || !ok {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, 25)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
}

func testReportResult(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(Epoch)
	s := newStore(t, clock)
	ids := Seed(t, s, clock, "carol", 1)

	err := s.ReportResult(ctx, ids[0]+"-job", domain.Completed(nil, false))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "pending job cannot be reported")

	job, ok := Claim(t, s)
	require.True(t, ok)

	stale := domain.Completed(json.RawMessage(`{}`), false)
	stale.Attempt = job.Attempt + 1
	assert.ErrorIs(t, s.ReportResult(ctx, job.ID, stale), domain.ErrStaleClaim)

	out := domain.Completed(json.RawMessage(`{"name":"Mox Pearl"}`), true)
	out.Attempt = job.Attempt
	require.NoError(t, s.ReportResult(ctx, job.ID, out))

	scan, err := s.GetScan(ctx, job.ScanID)
	require.NoError(t, err)
	assert.Equal(t, domain.ScanReviewPending, scan.ProcessingStatus)
	assert.JSONEq(t, `{"name":"Mox Pearl"}`, string(scan.Results))

	require.NoError(t, s.ReportResult(ctx, job.ID, domain.Failed("duplicate ack")))
	again, err := s.GetScan(ctx, job.ScanID)
	require.NoError(t, err)
	assert.Equal(t, scan.Version, again.Version, "terminal report must not mutate")
	assert.Equal(t, domain.ScanReviewPending, again.ProcessingStatus)

	latest, ok, err := s.LatestJob(ctx, job.ScanID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.JobCompleted, latest.Status)
	assert.NotNil(t, latest.FinishedAt)

	assert.ErrorIs(t, s.ReportResult(ctx, "missing-job", domain.Failed("x")), domain.ErrNotFound)
}

func testRequeueStuck(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(Epoch)
	s := newStore(t, clock)
	ids := Seed(t, s, clock, "dave", 2)

	first, _ := Claim(t, s)
	clock.Advance(10 * time.Minute)
	Claim(t, s)

	requeued, exhausted, err := s.RequeueStuck(ctx, clock.Now().Add(-5*time.Minute), 2)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	assert.Equal(t, 0, exhausted)

	scan, err := s.GetScan(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.ScanQueued, scan.ProcessingStatus)

	again, ok := Claim(t, s)
	require.True(t, ok)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 2, again.Attempt)

	late := domain.Completed(json.RawMessage(`{}`), false)
	late.Attempt = first.Attempt
	assert.ErrorIs(t, s.ReportResult(ctx, first.ID, late), domain.ErrStaleClaim)

	clock.Advance(10 * time.Minute)
	requeued, exhausted, err = s.RequeueStuck(ctx, clock.Now().Add(-5*time.Minute), 2)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued, "second job is on its first attempt")
	assert.Equal(t, 1, exhausted, "first job reached the attempt cap")

	latest, _, err := s.LatestJob(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, latest.Status)
	assert.Contains(t, latest.Error, "abandoned after 2 attempts")
}

func testRetry(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(Epoch)
	s := newStore(t, clock)
	ids := Seed(t, s, clock, "erin", 1)

	retry := domain.ScanJob{ID: "retry-job", ScanID: ids[0], Status: domain.JobPending, CreatedAt: clock.Now()}
	assert.ErrorIs(t, s.EnqueueRetry(ctx, retry), domain.ErrActiveJob)

	job, _ := Claim(t, s)
	require.NoError(t, s.ReportResult(ctx, job.ID, domain.Failed("glare")))
	failed, err := s.GetScan(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.ScanFailed, failed.ProcessingStatus)
	assert.Equal(t, "glare", failed.ErrorMessage)

	clock.Advance(time.Second)
	retry.CreatedAt = clock.Now()
	require.NoError(t, s.EnqueueRetry(ctx, retry))

	latest, ok, err := s.LatestJob(ctx, ids[0])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "retry-job", latest.ID)
	assert.Equal(t, domain.JobPending, latest.Status)

	scan, err := s.GetScan(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.ScanQueued, scan.ProcessingStatus)
	assert.Empty(t, scan.ErrorMessage)
	assert.Greater(t, scan.Version, failed.Version)

	assert.ErrorIs(t, s.EnqueueRetry(ctx, domain.ScanJob{ID: "x", ScanID: "nope", Status: domain.JobPending, CreatedAt: clock.Now()}), domain.ErrNotFound)
}

func testSoftDelete(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(Epoch)
	s := newStore(t, clock)
	ids := Seed(t, s, clock, "fay", 3)

	deleted, err := s.SoftDelete(ctx, ids[1])
	require.NoError(t, err)
	require.NotNil(t, deleted.DeletedAt)

	live, err := s.ListScans(ctx, "fay", domain.ScanFilter{})
	require.NoError(t, err)
	require.Len(t, live, 2)
	assert.Equal(t, ids[2], live[0].ID, "newest first")
	assert.Equal(t, ids[0], live[1].ID)

	_, found, err := s.FindByFingerprint(ctx, "fay", "fp-001")
	require.NoError(t, err)
	assert.False(t, found, "soft-deleted scans do not dedupe")

	first, ok := Claim(t, s)
	require.True(t, ok)
	assert.Equal(t, ids[0], first.ScanID)
	last, ok := Claim(t, s)
	require.True(t, ok)
	assert.Equal(t, ids[2], last.ScanID, "jobs of deleted scans are skipped")
	_, ok = Claim(t, s)
	assert.False(t, ok)

	_, err = s.SoftDelete(ctx, ids[0])
	require.NoError(t, err)
	payload, err := json.Marshal(domain.DeleteScanPayload{ScanID: ids[0], OwnerID: "fay"})
	require.NoError(t, err)
	require.NoError(t, s.InsertCommand(ctx, domain.Command{ID: "cmd-0", Type: domain.CommandDeleteScan, Payload: payload, CreatedAt: clock.Now()}))

	clock.Advance(time.Hour)
	orphans, err := s.ListOrphanedDeletes(ctx, clock.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, orphans, 1, "a scan with an unprocessed delete is not an orphan")
	assert.Equal(t, ids[1], orphans[0].ID)

	n, err := s.DeleteJobs(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, s.DeleteScan(ctx, ids[1]))
	require.NoError(t, s.DeleteScan(ctx, ids[1]), "deleting an absent scan is not an error")

	_, err = s.GetScan(ctx, ids[1])
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.SoftDelete(ctx, ids[1])
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testPurgeFailedScan(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(Epoch)
	s := newStore(t, clock)
	ids := Seed(t, s, clock, "ivy", 3)

	for i := 0; i < 2; i++ {
		job, ok := Claim(t, s)
		require.True(t, ok)
		require.NoError(t, s.ReportResult(ctx, job.ID, domain.Failed("torn")))
	}
	clock.Advance(2 * time.Hour)
	cutoff := clock.Now().Add(-time.Hour)

	n, purged, err := s.PurgeFailedScan(ctx, ids[0], clock.Now().Add(-3*time.Hour))
	require.NoError(t, err)
	assert.False(t, purged, "failed too recently")
	assert.Zero(t, n)

	// a retry after the scan was listed for purging keeps it alive
	retry := domain.ScanJob{ID: "retry-job", ScanID: ids[1], Status: domain.JobPending, CreatedAt: clock.Now()}
	require.NoError(t, s.EnqueueRetry(ctx, retry))
	_, purged, err = s.PurgeFailedScan(ctx, ids[1], cutoff)
	require.NoError(t, err)
	assert.False(t, purged)
	scan, err := s.GetScan(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, domain.ScanQueued, scan.ProcessingStatus)
	latest, ok, err := s.LatestJob(ctx, ids[1])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "retry-job", latest.ID)
	assert.Equal(t, domain.JobPending, latest.Status)

	_, purged, err = s.PurgeFailedScan(ctx, ids[2], cutoff)
	require.NoError(t, err)
	assert.False(t, purged, "queued scans are never purged")

	n, purged, err = s.PurgeFailedScan(ctx, ids[0], cutoff)
	require.NoError(t, err)
	assert.True(t, purged)
	assert.Equal(t, 1, n)
	_, err = s.GetScan(ctx, ids[0])
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, purged, err = s.PurgeFailedScan(ctx, ids[0], cutoff)
	require.NoError(t, err)
	assert.False(t, purged, "already gone")
}

func testApprove(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(Epoch)
	s := newStore(t, clock)
	Seed(t, s, clock, "gus", 1)

	job, _ := Claim(t, s)
	require.NoError(t, s.ReportResult(ctx, job.ID, domain.Completed(json.RawMessage(`{"name":"Sol Ring"}`), true)))
	scan, err := s.GetScan(ctx, job.ScanID)
	require.NoError(t, err)

	_, err = s.Approve(ctx, scan.ID, scan.Version-1)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)

	approved, err := s.Approve(ctx, scan.ID, scan.Version)
	require.NoError(t, err)
	assert.Equal(t, domain.ScanApproved, approved.ProcessingStatus)
	assert.Equal(t, scan.Version+1, approved.Version)

	_, err = s.Approve(ctx, scan.ID, approved.Version)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func testCommandLease(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(Epoch)
	s := newStore(t, clock)
	lease := 2 * time.Minute

	payload, err := json.Marshal(domain.DeleteScanPayload{ScanID: "scan-1", OwnerID: "hal"})
	require.NoError(t, err)
	require.NoError(t, s.InsertCommand(ctx, domain.Command{ID: "cmd-1", Type: domain.CommandDeleteScan, Payload: payload, CreatedAt: clock.Now()}))

	pending, err := s.HasPendingCommand(ctx, domain.CommandDeleteScan, "scan-1")
	require.NoError(t, err)
	assert.True(t, pending)

	cmd, ok, err := s.ClaimCommand(ctx, domain.CommandDeleteScan, clock.Now().Add(-lease))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "cmd-1", cmd.ID)
	assert.Equal(t, 1, cmd.Attempts)

	_, ok, err = s.ClaimCommand(ctx, domain.CommandDeleteScan, clock.Now().Add(-lease))
	require.NoError(t, err)
	assert.False(t, ok, "leased command is not handed out twice")

	clock.Advance(lease + time.Second)
	cmd, ok, err = s.ClaimCommand(ctx, domain.CommandDeleteScan, clock.Now().Add(-lease))
	require.NoError(t, err)
	require.True(t, ok, "an expired lease is reclaimable")
	assert.Equal(t, 2, cmd.Attempts)

	require.NoError(t, s.MarkProcessed(ctx, cmd.ID))
	require.NoError(t, s.MarkProcessed(ctx, cmd.ID))

	clock.Advance(time.Hour)
	_, ok, err = s.ClaimCommand(ctx, domain.CommandDeleteScan, clock.Now())
	require.NoError(t, err)
	assert.False(t, ok, "processed commands are never claimed")

	pending, err = s.HasPendingCommand(ctx, domain.CommandDeleteScan, "scan-1")
	require.NoError(t, err)
	assert.False(t, pending)

	assert.ErrorIs(t, s.MarkProcessed(ctx, "missing"), domain.ErrNotFound)
}
