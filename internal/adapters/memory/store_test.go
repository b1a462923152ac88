package memory

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardscan/internal/adapters/storetest"
	"cardscan/internal/domain"
	"cardscan/internal/ports"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, clock clockwork.Clock) ports.Store {
		return New(clock)
	})
}

func TestReturnedRowsAreCopies(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(storetest.Epoch)
	s := New(clock)
	ids := storetest.Seed(t, s, clock, "owner", 1)

	job, ok := storetest.Claim(t, s)
	require.True(t, ok)
	require.NoError(t, s.ReportResult(ctx, job.ID, domain.Completed(json.RawMessage(`{"name":"Opt"}`), false)))

	scan, err := s.GetScan(ctx, ids[0])
	require.NoError(t, err)
	scan.Results[2] = 'X'
	scan.ProcessingStatus = domain.ScanFailed

	fresh, err := s.GetScan(ctx, ids[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Opt"}`, string(fresh.Results))
	assert.Equal(t, domain.ScanCompleted, fresh.ProcessingStatus)
}

func TestJobsSnapshotKeepsHistory(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(storetest.Epoch)
	s := New(clock)
	ids := storetest.Seed(t, s, clock, "owner", 1)

	job, _ := storetest.Claim(t, s)
	require.NoError(t, s.ReportResult(ctx, job.ID, domain.Failed("blurry")))
	require.NoError(t, s.EnqueueRetry(ctx, domain.ScanJob{ID: "second", ScanID: ids[0], Status: domain.JobPending, CreatedAt: clock.Now()}))

	jobs := s.Jobs(ids[0])
	require.Len(t, jobs, 2)
	assert.Equal(t, domain.JobFailed, jobs[0].Status)
	assert.Equal(t, "second", jobs[1].ID)

	latest, ok, err := s.LatestJob(ctx, ids[0])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", latest.ID, "same created_at resolves by insertion order")
}

func TestDeleteScanRequiresJobsGone(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(storetest.Epoch)
	s := New(clock)
	ids := storetest.Seed(t, s, clock, "owner", 1)

	assert.Error(t, s.DeleteScan(ctx, ids[0]))
	_, err := s.DeleteJobs(ctx, ids[0])
	require.NoError(t, err)
	assert.NoError(t, s.DeleteScan(ctx, ids[0]))
}

func TestCreateWithJobRejectsUnknownStatus(t *testing.T) {
	now := storetest.Epoch
	s := New(clockwork.NewFakeClockAt(now))
	err := s.CreateWithJob(context.Background(),
		domain.Scan{ID: "s1", OwnerID: "owner", ProcessingStatus: domain.ScanQueued, Version: 1, CreatedAt: now, UpdatedAt: now},
		domain.ScanJob{ID: "j1", ScanID: "s1", Status: "waiting", CreatedAt: now})
	require.Error(t, err)
	_, err = s.GetScan(context.Background(), "s1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
