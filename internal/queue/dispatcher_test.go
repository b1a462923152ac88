package queue

import (
	"context"
	"errors"
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
	"cardscan/internal/ports"
)

// contendedQueue loses the first n claims to an imaginary rival.
type contendedQueue struct {
	ports.JobQueue
	losses atomic.Int32
}

func (q *contendedQueue) ClaimNext(ctx context.Context) (domain.ScanJob, bool, error) {
	if q.losses.Add(-1) >= 0 {
		return domain.ScanJob{}, false, domain.ErrClaimContention
	}
	return q.JobQueue.ClaimNext(ctx)
}

func TestDispatcherHidesContention(t *testing.T) {
	clock := clockwork.NewFakeClockAt(storetest.Epoch)
	store := memory.New(clock)
	storetest.Seed(t, store, clock, "owner", 1)

	q := &contendedQueue{JobQueue: store}
	q.losses.Store(3)
	job, ok, err := NewDispatcher(q).ClaimNext(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "owner-scan-000", job.ScanID)
}

func TestDispatcherGivesUpQuietly(t *testing.T) {
	q := &contendedQueue{JobQueue: memory.New(nil)}
	q.losses.Store(1000)
	_, ok, err := NewDispatcher(q).ClaimNext(context.Background())
	require.NoError(t, err, "persistent contention looks like an empty queue, not an error")
	assert.False(t, ok)
}

func TestTwoClaimersOneJob(t *testing.T) {
	clock := clockwork.NewFakeClockAt(storetest.Epoch)
	store := memory.New(clock)
	storetest.Seed(t, store, clock, "owner", 1)
	d := NewDispatcher(store)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		gotJob int
		gotNil int
	)
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, ok, err := d.ClaimNext(context.Background())
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			if ok {
				gotJob++
			} else {
				gotNil++
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.Equal(t, 1, gotJob)
	assert.Equal(t, 1, gotNil)
}

func TestManyClaimersFewJobs(t *testing.T) {
	const claimers, pending = 24, 7
	clock := clockwork.NewFakeClockAt(storetest.Epoch)
	store := memory.New(clock)
	storetest.Seed(t, store, clock, "owner", pending)
	d := NewDispatcher(store)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = map[string]int{}
		empty   int
	)
	start := make(chan struct{})
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			job, ok, err := d.ClaimNext(context.Background())
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			if ok {
				claimed[job.ID]++
			} else {
				empty++
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Len(t, claimed, pending)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
	assert.Equal(t, claimers-pending, empty)
}

func TestReportIsFencedToClaim(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(storetest.Epoch)
	store := memory.New(clock)
	storetest.Seed(t, store, clock, "owner", 1)
	d := NewDispatcher(store)

	job, ok, err := d.ClaimNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(time.Hour)
	_, _, err = store.RequeueStuck(ctx, clock.Now().Add(-time.Minute), 0)
	require.NoError(t, err)
	reclaimed, ok, err := d.ClaimNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	err = d.Report(ctx, job, domain.Failed("slow worker"))
	assert.True(t, errors.Is(err, domain.ErrStaleClaim))
	require.NoError(t, d.Report(ctx, reclaimed, domain.Completed(nil, false)))
}
