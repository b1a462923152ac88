package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardscan/internal/domain"
)

type fakeRemote struct {
	mu        sync.Mutex
	scans     []Scan
	deleteErr error
	approve   func(id string, version int64) (Scan, error)
	retryErr  error
	deleted   []string
}

func (f *fakeRemote) ListScans(ctx context.Context, status string) ([]Scan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Scan(nil), f.scans...), nil
}

func (f *fakeRemote) DeleteScan(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return f.deleteErr
}

func (f *fakeRemote) Approve(ctx context.Context, id string, version int64) (Scan, error) {
	return f.approve(id, version)
}

func (f *fakeRemote) Retry(ctx context.Context, id string) (string, error) {
	return "job-2", f.retryErr
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seeded(t *testing.T, remote *fakeRemote) *Store {
	t.Helper()
	remote.scans = []Scan{
		{ID: "s1", Status: "review_pending", Version: 3, CreatedAt: t0},
		{ID: "s2", Status: "failed", ErrorMessage: "blurry", Version: 4, CreatedAt: t0.Add(time.Second)},
	}
	s := NewStore(remote)
	require.NoError(t, s.Refresh(context.Background()))
	return s
}

func TestMergeKeepsNewestVersion(t *testing.T) {
	v := NewView()
	v.Merge(Scan{ID: "s1", Status: "processing", Version: 5})
	v.Merge(Scan{ID: "s1", Status: "queued", Version: 4})
	got, _ := v.Get("s1")
	assert.Equal(t, "processing", got.Status)

	v.Merge(Scan{ID: "s1", Status: "completed", Version: 6})
	got, _ = v.Get("s1")
	assert.Equal(t, "completed", got.Status)
}

func TestSyncDropsScansGoneFromServer(t *testing.T) {
	remote := &fakeRemote{}
	s := seeded(t, remote)
	remote.scans = remote.scans[:1]
	require.NoError(t, s.Refresh(context.Background()))
	_, ok := s.View().Get("s2")
	assert.False(t, ok)
	assert.Len(t, s.View().List(), 1)
}

func TestListNewestFirst(t *testing.T) {
	s := seeded(t, &fakeRemote{})
	list := s.View().List()
	require.Len(t, list, 2)
	assert.Equal(t, "s2", list[0].ID)
}

func TestDeleteIsImmediateAndRolledBack(t *testing.T) {
	ctx := context.Background()
	remote := &fakeRemote{}
	s := seeded(t, remote)

	require.NoError(t, s.Delete(ctx, "s1"))
	_, ok := s.View().Get("s1")
	assert.False(t, ok)

	remote.deleteErr = &APIError{Status: 500, Message: "scan deleted but cleanup could not be scheduled"}
	err := s.Delete(ctx, "s2")
	require.Error(t, err)
	got, ok := s.View().Get("s2")
	require.True(t, ok, "failed delete restores the scan")
	assert.Equal(t, "failed", got.Status)
}

func TestApproveUsesSnapshotVersion(t *testing.T) {
	ctx := context.Background()
	remote := &fakeRemote{}
	s := seeded(t, remote)

	var sawVersion int64
	remote.approve = func(id string, version int64) (Scan, error) {
		sawVersion = version
		return Scan{ID: id, Status: "approved", Version: version + 1, CreatedAt: t0}, nil
	}
	require.NoError(t, s.Approve(ctx, "s1"))
	assert.Equal(t, int64(3), sawVersion)
	got, _ := s.View().Get("s1")
	assert.Equal(t, "approved", got.Status)
	assert.Equal(t, int64(4), got.Version)
}

func TestApproveConflictRollsBack(t *testing.T) {
	ctx := context.Background()
	remote := &fakeRemote{}
	s := seeded(t, remote)
	remote.approve = func(string, int64) (Scan, error) {
		return Scan{}, &APIError{Status: 409, Message: "scan changed since it was loaded"}
	}

	err := s.Approve(ctx, "s1")
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
	got, _ := s.View().Get("s1")
	assert.Equal(t, "review_pending", got.Status)

	assert.Error(t, s.Approve(ctx, "unknown"))
}

func TestRetryRollbackDoesNotClobberNewerServerRow(t *testing.T) {
	ctx := context.Background()
	remote := &fakeRemote{}
	s := seeded(t, remote)
	remote.retryErr = errors.New("network down")

	err := s.Apply(ctx, Mutation{
		Name:    "retry with concurrent refresh",
		Forward: func(v *View) { v.Update("s2", func(sc *Scan) { sc.Status = "queued" }) },
		Inverse: func(v *View) { v.Restore(Scan{ID: "s2", Status: "failed", Version: 4}) },
		Remote: func(ctx context.Context) error {
			s.View().Merge(Scan{ID: "s2", Status: "processing", Version: 6})
			return remote.retryErr
		},
	})
	require.Error(t, err)
	got, _ := s.View().Get("s2")
	assert.Equal(t, "processing", got.Status)

	require.Error(t, s.Retry(ctx, "s2"))
	got, _ = s.View().Get("s2")
	assert.Equal(t, "processing", got.Status)

	remote.retryErr = nil
	require.NoError(t, s.Retry(ctx, "s2"))
	got, _ = s.View().Get("s2")
	assert.Equal(t, "queued", got.Status)
}
