package scanrunner

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardscan/internal/adapters/memory"
	"cardscan/internal/adapters/storetest"
	"cardscan/internal/domain"
	"cardscan/internal/queue"
)

func complete(ctx context.Context, job domain.ScanJob) domain.Outcome {
	return domain.Completed(json.RawMessage(`{"name":"Island"}`), false)
}

func TestRunOnce(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(storetest.Epoch)
	store := memory.New(clock)
	ids := storetest.Seed(t, store, clock, "alice", 1)
	d := queue.NewDispatcher(store)

	ran, err := RunOnce(ctx, d, complete)
	require.NoError(t, err)
	assert.True(t, ran)

	scan, err := store.GetScan(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.ScanCompleted, scan.ProcessingStatus)
	assert.JSONEq(t, `{"name":"Island"}`, string(scan.Results))

	ran, err = RunOnce(ctx, d, complete)
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestRunOncePanicFailsJob(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(storetest.Epoch)
	store := memory.New(clock)
	ids := storetest.Seed(t, store, clock, "alice", 1)

	ran, err := RunOnce(ctx, queue.NewDispatcher(store), func(context.Context, domain.ScanJob) domain.Outcome {
		panic("boom")
	})
	require.NoError(t, err)
	assert.True(t, ran)

	job, found, err := store.LatestJob(ctx, ids[0])
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.JobFailed, job.Status)
	assert.Equal(t, "internal error while processing", job.Error)
}

func TestRunOnceDropsResultOfPurgedScan(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(storetest.Epoch)
	store := memory.New(clock)
	ids := storetest.Seed(t, store, clock, "alice", 1)

	ran, err := RunOnce(ctx, queue.NewDispatcher(store), func(ctx context.Context, job domain.ScanJob) domain.Outcome {
		// the owner deletes the scan and the cleanup runs before the worker reports
		_, err := store.SoftDelete(ctx, job.ScanID)
		require.NoError(t, err)
		_, err = store.DeleteJobs(ctx, job.ScanID)
		require.NoError(t, err)
		require.NoError(t, store.DeleteScan(ctx, job.ScanID))
		return domain.Completed(json.RawMessage(`{}`), false)
	})
	require.NoError(t, err)
	assert.True(t, ran)

	_, err = store.GetScan(ctx, ids[0])
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRunOnceDropsStaleResult(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(storetest.Epoch)
	store := memory.New(clock)
	ids := storetest.Seed(t, store, clock, "alice", 1)
	d := queue.NewDispatcher(store)

	ran, err := RunOnce(ctx, d, func(ctx context.Context, job domain.ScanJob) domain.Outcome {
		// the reconciler reclaims the job and another worker claims it
		clock.Advance(10 * time.Minute)
		_, _, err := store.RequeueStuck(ctx, clock.Now().Add(-5*time.Minute), 3)
		require.NoError(t, err)
		_, found, err := d.ClaimNext(ctx)
		require.NoError(t, err)
		require.True(t, found)
		return domain.Failed("too slow")
	})
	require.NoError(t, err)
	assert.True(t, ran)

	job, _, err := store.LatestJob(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.JobRunning, job.Status)
	assert.Equal(t, 2, job.Attempt)
}

func TestRunDrainsQueueConcurrently(t *testing.T) {
	clock := clockwork.NewFakeClockAt(storetest.Epoch)
	store := memory.New(clock)
	ids := storetest.Seed(t, store, clock, "alice", 12)

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		done atomic.Int32
	)
	process := func(ctx context.Context, job domain.ScanJob) domain.Outcome {
		mu.Lock()
		seen[job.ScanID]++
		mu.Unlock()
		done.Add(1)
		return domain.Completed(json.RawMessage(`{}`), false)
	}

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		Run(ctx, queue.NewDispatcher(store), process, Options{Concurrency: 4, PollInterval: time.Hour, Clock: clock})
		close(finished)
	}()

	require.Eventually(t, func() bool { return done.Load() == int32(len(ids)) }, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	for _, id := range ids {
		assert.Equal(t, 1, seen[id], "scan %s", id)
	}
}
