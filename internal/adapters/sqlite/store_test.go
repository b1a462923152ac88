package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardscan/internal/adapters/storetest"
	"cardscan/internal/domain"
	"cardscan/internal/ports"
)

func openTestStore(t *testing.T, clock clockwork.Clock) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, filepath.Join(t.TempDir(), "scans.db"), clock)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, clock clockwork.Clock) ports.Store {
		return openTestStore(t, clock)
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := openTestStore(t, clockwork.NewFakeClockAt(storetest.Epoch))
	require.NoError(t, s.Migrate(context.Background()))
	v, err := s.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestSecondActiveJobRejectedByIndex(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(storetest.Epoch)
	s := openTestStore(t, clock)
	ids := storetest.Seed(t, s, clock, "owner", 1)

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		return insertJob(ctx, tx, domain.ScanJob{ID: "dup", ScanID: ids[0], Status: domain.JobPending, CreatedAt: clock.Now()})
	})
	assert.ErrorIs(t, mapError(err), domain.ErrActiveJob)
}
