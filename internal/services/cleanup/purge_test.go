package cleanup

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardscan/internal/adapters/blob"
	"cardscan/internal/adapters/memory"
	"cardscan/internal/adapters/storetest"
	"cardscan/internal/domain"
)

func deleteCommand(t *testing.T, p domain.DeleteScanPayload) domain.Command {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return domain.Command{ID: "cmd-1", Type: domain.CommandDeleteScan, Payload: raw}
}

func setup(t *testing.T) (*memory.Store, *blob.MemoryStore, *DeleteScanHandler, domain.Scan) {
	t.Helper()
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(storetest.Epoch)
	store := memory.New(clock)
	blobs := blob.NewMemory()
	ids := storetest.Seed(t, store, clock, "alice", 1)

	scan, err := store.GetScan(ctx, ids[0])
	require.NoError(t, err)
	require.NoError(t, blobs.Put(ctx, scan.StoragePath, strings.NewReader("img"), 3, "image/jpeg"))
	scan, err = store.SoftDelete(ctx, scan.ID)
	require.NoError(t, err)

	return store, blobs, NewDeleteScanHandler(store, NewPurger(store, blobs)), scan
}

func TestDeleteScanPurgesEverything(t *testing.T) {
	ctx := context.Background()
	store, blobs, h, scan := setup(t)
	cmd := deleteCommand(t, domain.DeleteScanPayload{ScanID: scan.ID, OwnerID: scan.OwnerID, StoragePath: scan.StoragePath})

	require.NoError(t, h.Handle(ctx, cmd))

	assert.False(t, blobs.Has(scan.StoragePath))
	assert.Empty(t, store.Jobs(scan.ID))
	_, err := store.GetScan(ctx, scan.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, h.Handle(ctx, cmd), "second delivery reaches the same end state")
	assert.Equal(t, 0, blobs.Len())
}

func TestDeleteScanToleratesMissingImage(t *testing.T) {
	ctx := context.Background()
	store, blobs, h, scan := setup(t)
	_, err := blobs.Remove(ctx, scan.StoragePath)
	require.NoError(t, err)

	require.NoError(t, h.Handle(ctx, deleteCommand(t, domain.DeleteScanPayload{ScanID: scan.ID})))
	_, err = store.GetScan(ctx, scan.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeleteScanStorageOutageStillPurgesRows(t *testing.T) {
	ctx := context.Background()
	store, blobs, h, scan := setup(t)
	blobs.FailRemove = errors.New("bucket unreachable")

	require.NoError(t, h.Handle(ctx, deleteCommand(t, domain.DeleteScanPayload{ScanID: scan.ID})))
	_, err := store.GetScan(ctx, scan.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.True(t, blobs.Has(scan.StoragePath))
}

func TestDeleteScanSkipsLiveScan(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(storetest.Epoch)
	store := memory.New(clock)
	blobs := blob.NewMemory()
	ids := storetest.Seed(t, store, clock, "alice", 1)
	h := NewDeleteScanHandler(store, NewPurger(store, blobs))

	require.NoError(t, h.Handle(ctx, deleteCommand(t, domain.DeleteScanPayload{ScanID: ids[0]})))
	_, err := store.GetScan(ctx, ids[0])
	assert.NoError(t, err)
	assert.Len(t, store.Jobs(ids[0]), 1)
}

func TestDeleteScanBadPayload(t *testing.T) {
	_, _, h, _ := setup(t)
	err := h.Handle(context.Background(), domain.Command{ID: "x", Type: domain.CommandDeleteScan, Payload: json.RawMessage(`[`)})
	assert.Error(t, err)
	err = h.Handle(context.Background(), domain.Command{ID: "y", Type: domain.CommandDeleteScan, Payload: json.RawMessage(`{}`)})
	assert.Error(t, err)
}

func TestPurgeJoinsErrors(t *testing.T) {
	ctx := context.Background()
	store, blobs, _, scan := setup(t)
	blobs.FailRemove = errors.New("bucket unreachable")

	err := NewPurger(store, blobs).Purge(ctx, scan.ID, scan.StoragePath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remove image")
	_, err = store.GetScan(ctx, scan.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPurgeFailedRemovesImageOnlyAfterRows(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(storetest.Epoch)
	store := memory.New(clock)
	blobs := blob.NewMemory()
	ids := storetest.Seed(t, store, clock, "alice", 2)
	for _, id := range ids {
		scan, err := store.GetScan(ctx, id)
		require.NoError(t, err)
		require.NoError(t, blobs.Put(ctx, scan.StoragePath, strings.NewReader("img"), 3, "image/jpeg"))
		job, ok := storetest.Claim(t, store)
		require.True(t, ok)
		require.NoError(t, store.ReportResult(ctx, job.ID, domain.Failed("glare")))
	}
	clock.Advance(time.Hour)
	p := NewPurger(store, blobs)

	live, err := store.GetScan(ctx, ids[0])
	require.NoError(t, err)
	require.NoError(t, store.EnqueueRetry(ctx, domain.ScanJob{ID: "retry", ScanID: live.ID, Status: domain.JobPending, CreatedAt: clock.Now()}))
	purged, err := p.PurgeFailed(ctx, live, clock.Now())
	require.NoError(t, err)
	assert.False(t, purged)
	assert.True(t, blobs.Has(live.StoragePath))

	failed, err := store.GetScan(ctx, ids[1])
	require.NoError(t, err)
	blobs.FailRemove = errors.New("bucket unreachable")
	purged, err = p.PurgeFailed(ctx, failed, clock.Now())
	assert.True(t, purged, "rows are gone even when the image is not")
	require.Error(t, err)
	_, err = store.GetScan(ctx, failed.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
