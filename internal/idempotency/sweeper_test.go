package idempotency_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	idemdb "ms-admission/internal/idempotency/db"
	idemredis "ms-admission/internal/idempotency/redis"
	"ms-admission/internal/models"
)

func (f *fixture) claim(t *testing.T, key, userID string) *models.IdempotencyRecord {
	t.Helper()
	ctx := context.Background()
	now := f.clock.Now()
	store := idemdb.New(f.db)

	ok, err := store.TryInsert(ctx, &models.IdempotencyRecord{
		IdempotencyKey: key,
		Endpoint:       "POST:/api/v1/bookings",
		UserID:         userID,
		EventID:        f.event.ID,
		RequestHash:    "h",
		CreatedAt:      now,
		ExpiresAt:      now.Add(48 * time.Hour),
	})
	require.NoError(t, err)
	require.True(t, ok)

	rec, err := store.Get(ctx, key, "POST:/api/v1/bookings")
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec
}

func TestSweepResolvesStaleRecords(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	orphanSuccess := f.claim(t, "crashed-after-commit", "alice")
	_, err := f.bookings.CreateBooking(ctx, "alice", f.event.ID)
	require.NoError(t, err)
	orphanFailure := f.claim(t, "crashed-before-commit", "bob")

	f.clock.Advance(10 * time.Minute)
	fresh := f.claim(t, "still-running", "carol")

	report, err := f.coord.Sweep(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Failed)

	store := idemdb.New(f.db)

	rec, err := store.Get(ctx, orphanSuccess.IdempotencyKey, orphanSuccess.Endpoint)
	require.NoError(t, err)
	assert.Equal(t, models.IdempotencySuccess, rec.Status)
	require.NotNil(t, rec.ResponseCode)
	assert.Equal(t, http.StatusCreated, *rec.ResponseCode)
	require.NotNil(t, rec.BookingID)

	rec, err = store.Get(ctx, orphanFailure.IdempotencyKey, orphanFailure.Endpoint)
	require.NoError(t, err)
	assert.Equal(t, models.IdempotencyFailure, rec.Status)

	rec, err = store.Get(ctx, fresh.IdempotencyKey, fresh.Endpoint)
	require.NoError(t, err)
	assert.Equal(t, models.IdempotencyInProgress, rec.Status)
}

func TestSweepDeletesExpired(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	calls := 0

	_, err := f.coord.Execute(ctx, f.request("old", "alice"), f.countingAction("alice", &calls))
	require.NoError(t, err)

	f.clock.Advance(72 * time.Hour)

	report, err := f.coord.Sweep(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Deleted)

	rec, err := idemdb.New(f.db).Get(ctx, "old", "POST:/api/v1/bookings")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestSweepNeverDowngradesSuccess(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	store := idemdb.New(f.db)

	rec := f.claim(t, "k", "alice")
	require.NoError(t, store.MarkSuccess(ctx, rec.ID, 99, http.StatusCreated))

	ok, err := store.MarkFailure(ctx, rec.ID, http.StatusConflict)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.Get(ctx, "k", "POST:/api/v1/bookings")
	require.NoError(t, err)
	assert.Equal(t, models.IdempotencySuccess, got.Status)
}

func TestTrySweepHonoursLease(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	lease := idemredis.NewLease(client, "test:sweep", time.Minute)
	f.coord.Lease = lease

	held, err := lease.Acquire(ctx, "other-replica")
	require.NoError(t, err)
	require.True(t, held)

	_, ran, err := f.coord.TrySweep(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, ran)

	require.NoError(t, lease.Release(ctx, "other-replica"))

	report, ran, err := f.coord.TrySweep(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.NotNil(t, report)
	assert.False(t, mr.Exists("test:sweep"), "lease released after sweeping")
}
