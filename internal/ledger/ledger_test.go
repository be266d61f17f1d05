package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-admission/internal/apperr"
	"ms-admission/internal/clock"
	"ms-admission/internal/ledger"
	"ms-admission/internal/models"
	"ms-admission/internal/testutil"
)

var fixedNow = time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)

func TestLockAndCommitBumpsVersion(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	event := testutil.SeedEvent(t, db, "Concert", 10)
	ctx := context.Background()
	l := ledger.New(db, clock.NewFixed(fixedNow))

	entry, err := l.LockForCapacityCheck(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, entry.Capacity)
	assert.Equal(t, int64(0), entry.Token)

	require.NoError(t, l.Commit(ctx, entry))
	assert.Equal(t, int64(1), entry.Token)

	var stored models.Event
	require.NoError(t, db.NewSelect().Model(&stored).Where("id = ?", event.ID).Scan(ctx))
	assert.Equal(t, int64(1), stored.Version)
	assert.True(t, stored.UpdatedAt.Equal(fixedNow))
}

func TestCommitWithStaleTokenConflicts(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	event := testutil.SeedEvent(t, db, "Concert", 10)
	ctx := context.Background()
	l := ledger.New(db, clock.NewFixed(fixedNow))

	first, err := l.LockForCapacityCheck(ctx, event.ID)
	require.NoError(t, err)
	second, err := l.LockForCapacityCheck(ctx, event.ID)
	require.NoError(t, err)

	require.NoError(t, l.Commit(ctx, first))

	err = l.Commit(ctx, second)
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestLockMissingEvent(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	l := ledger.New(db, clock.NewFixed(fixedNow))

	_, err := l.LockForCapacityCheck(context.Background(), 404)
	assert.ErrorIs(t, err, ledger.ErrEventNotFound)
}

func TestCommitCapacity(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	event := testutil.SeedEvent(t, db, "Concert", 2)
	ctx := context.Background()
	l := ledger.New(db, clock.NewFixed(fixedNow))

	entry, err := l.LockForCapacityCheck(ctx, event.ID)
	require.NoError(t, err)
	require.NoError(t, l.CommitCapacity(ctx, entry, 7))
	assert.Equal(t, 7, entry.Capacity)

	again, err := l.LockForCapacityCheck(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, again.Capacity)
	assert.Equal(t, int64(1), again.Token)
}

func TestRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("gives up after max attempts with the conflict", func(t *testing.T) {
		calls := 0
		err := ledger.Retry(ctx, 3, func(context.Context, int) error {
			calls++
			return ledger.ErrConcurrentModification
		})
		assert.Equal(t, 3, calls)
		assert.ErrorIs(t, err, ledger.ErrConcurrentModification)
	})

	t.Run("succeeds on a later attempt", func(t *testing.T) {
		calls := 0
		err := ledger.Retry(ctx, 3, func(_ context.Context, attempt int) error {
			calls++
			if attempt < 2 {
				return ledger.ErrConcurrentModification
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		boom := errors.New("boom")
		calls := 0
		err := ledger.Retry(ctx, 3, func(context.Context, int) error {
			calls++
			return boom
		})
		assert.Equal(t, 1, calls)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("cancelled context stops before running", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := ledger.Retry(cctx, 3, func(context.Context, int) error {
			t.Fatal("should not run")
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
