package idempotency_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"ms-admission/internal/apperr"
	"ms-admission/internal/booking"
	"ms-admission/internal/clock"
	"ms-admission/internal/idempotency"
	"ms-admission/internal/logger"
	"ms-admission/internal/models"
	"ms-admission/internal/testutil"
)

type fixture struct {
	db       *bun.DB
	clock    *clock.Stepping
	bookings *booking.BookingService
	coord    *idempotency.Coordinator
	event    *models.Event
}

func newFixture(t *testing.T, capacity int) *fixture {
	t.Helper()
	db := testutil.NewSQLiteDB(t)
	clk := clock.NewStepping(time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC), time.Second)
	log := logger.NewNopLogger()
	return &fixture{
		db:       db,
		clock:    clk,
		bookings: booking.NewBookingService(db, clk, nil, log, 3),
		coord:    idempotency.NewCoordinator(db, clk, 48*time.Hour, log),
		event:    testutil.SeedEvent(t, db, "Opera", capacity),
	}
}

func (f *fixture) request(key, userID string) idempotency.Request {
	return idempotency.Request{
		Key:         key,
		Endpoint:    idempotency.EndpointCreateBooking,
		RequesterID: userID,
		EventID:     f.event.ID,
		RequestHash: idempotency.RequestHash(userID, f.event.ID),
	}
}

// countingAction books for userID and counts how often admission actually ran.
func (f *fixture) countingAction(userID string, calls *int) idempotency.Action {
	return func(ctx context.Context, commit booking.CommitHook) (*models.Booking, error) {
		*calls++
		return f.bookings.CreateBooking(ctx, userID, f.event.ID, commit)
	}
}

func TestRequestHash(t *testing.T) {
	a := idempotency.RequestHash("alice", 1)
	assert.Len(t, a, 64)
	assert.Equal(t, a, idempotency.RequestHash("alice", 1))
	assert.NotEqual(t, a, idempotency.RequestHash("alice", 2))
	assert.NotEqual(t, a, idempotency.RequestHash("bob", 1))
}

func TestReplayReturnsSameBookingWithoutRerunning(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	calls := 0

	first, err := f.coord.Execute(ctx, f.request("key-1", "alice"), f.countingAction("alice", &calls))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, first.StatusCode)
	assert.False(t, first.Replayed)

	second, err := f.coord.Execute(ctx, f.request("key-1", "alice"), f.countingAction("alice", &calls))
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, http.StatusCreated, second.StatusCode)
	require.NotNil(t, second.Booking)
	assert.Equal(t, first.Booking.ID, second.Booking.ID)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, testutil.CountBookings(t, f.db, f.event.ID, models.BookingConfirmed))
}

func TestKeyReuseWithDifferentPayloadConflicts(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	calls := 0

	_, err := f.coord.Execute(ctx, f.request("key-1", "alice"), f.countingAction("alice", &calls))
	require.NoError(t, err)

	other := f.request("key-1", "alice")
	other.RequestHash = idempotency.RequestHash("alice", f.event.ID+1)
	_, err = f.coord.Execute(ctx, other, f.countingAction("alice", &calls))

	assert.ErrorIs(t, err, idempotency.ErrKeyReuse)
	assert.Equal(t, http.StatusConflict, apperr.HTTPStatus(err))
	assert.Equal(t, 1, calls)
}

func TestFailedFirstAttemptIsReplayedAsFailure(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	calls := 0

	_, err := f.coord.Execute(ctx, f.request("key-full", "alice"), f.countingAction("alice", &calls))
	require.ErrorIs(t, err, booking.ErrEventFull)

	_, err = f.coord.Execute(ctx, f.request("key-full", "alice"), f.countingAction("alice", &calls))
	require.Error(t, err)

	var stored *idempotency.StoredFailure
	require.True(t, errors.As(err, &stored))
	assert.Equal(t, http.StatusConflict, stored.ResponseCode)
	assert.Equal(t, http.StatusConflict, apperr.HTTPStatus(err))
	assert.Equal(t, 1, calls)
}

func TestInProgressRecordConflicts(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	var inner error
	_, err := f.coord.Execute(ctx, f.request("key-slow", "alice"), func(ctx context.Context, commit booking.CommitHook) (*models.Booking, error) {
		_, inner = f.coord.Execute(ctx, f.request("key-slow", "alice"), func(context.Context, booking.CommitHook) (*models.Booking, error) {
			t.Fatal("duplicate must not run")
			return nil, nil
		})
		return f.bookings.CreateBooking(ctx, "alice", f.event.ID, commit)
	})
	require.NoError(t, err)

	assert.ErrorIs(t, inner, idempotency.ErrInProgress)
	assert.Equal(t, http.StatusConflict, apperr.HTTPStatus(inner))
}

func TestConcurrentSameKeyRunsOnce(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	var runs atomic.Int32
	action := func(ctx context.Context, commit booking.CommitHook) (*models.Booking, error) {
		runs.Add(1)
		return f.bookings.CreateBooking(ctx, "alice", f.event.ID, commit)
	}

	const callers = 10
	outcomes := make([]*idempotency.Outcome, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = f.coord.Execute(ctx, f.request("key-race", "alice"), action)
		}(i)
	}
	wg.Wait()

	var bookingID int64
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			assert.ErrorIs(t, errs[i], idempotency.ErrInProgress)
			continue
		}
		require.NotNil(t, outcomes[i].Booking)
		if bookingID == 0 {
			bookingID = outcomes[i].Booking.ID
		}
		assert.Equal(t, bookingID, outcomes[i].Booking.ID)
	}

	assert.NotZero(t, bookingID)
	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, 1, testutil.CountBookings(t, f.db, f.event.ID, models.BookingConfirmed))
}

func TestInternalFailureReleasesClaim(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	calls := 0

	_, err := f.coord.Execute(ctx, f.request("key-flaky", "alice"), func(context.Context, booking.CommitHook) (*models.Booking, error) {
		calls++
		return nil, context.Canceled
	})
	require.ErrorIs(t, err, context.Canceled)

	out, err := f.coord.Execute(ctx, f.request("key-flaky", "alice"), f.countingAction("alice", &calls))
	require.NoError(t, err)
	assert.False(t, out.Replayed)
	assert.Equal(t, http.StatusCreated, out.StatusCode)
	assert.Equal(t, 2, calls)
}

func TestMissingKey(t *testing.T) {
	f := newFixture(t, 5)
	calls := 0
	_, err := f.coord.Execute(context.Background(), f.request("", "alice"), f.countingAction("alice", &calls))
	assert.ErrorIs(t, err, idempotency.ErrKeyRequired)
	assert.Equal(t, 0, calls)
}

func TestSameKeyOnDifferentEndpointsIsIndependent(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	calls := 0

	_, err := f.coord.Execute(ctx, f.request("shared", "alice"), f.countingAction("alice", &calls))
	require.NoError(t, err)

	req := f.request("shared", "bob")
	req.Endpoint = "POST:/api/v2/bookings"
	out, err := f.coord.Execute(ctx, req, f.countingAction("bob", &calls))
	require.NoError(t, err)
	assert.False(t, out.Replayed)
	assert.Equal(t, 2, calls)
}

func TestExpiredRecordIsReclaimed(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	calls := 0

	first, err := f.coord.Execute(ctx, f.request("key-old", "alice"), f.countingAction("alice", &calls))
	require.NoError(t, err)

	_, err = f.bookings.CancelBooking(ctx, first.Booking.ID, "alice", false)
	require.NoError(t, err)

	f.clock.Advance(49 * time.Hour)

	second, err := f.coord.Execute(ctx, f.request("key-old", "alice"), f.countingAction("alice", &calls))
	require.NoError(t, err)
	assert.False(t, second.Replayed)
	assert.NotEqual(t, first.Booking.ID, second.Booking.ID)
	assert.Equal(t, 2, calls)
}

func TestReplayedSuccessWithDeletedBooking(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	calls := 0

	first, err := f.coord.Execute(ctx, f.request("key-gone", "alice"), f.countingAction("alice", &calls))
	require.NoError(t, err)

	_, err = f.db.NewDelete().Model((*models.Booking)(nil)).Where("id = ?", first.Booking.ID).Exec(ctx)
	require.NoError(t, err)

	out, err := f.coord.Execute(ctx, f.request("key-gone", "alice"), f.countingAction("alice", &calls))
	require.NoError(t, err)
	assert.True(t, out.Replayed)
	assert.Nil(t, out.Booking)
	assert.Equal(t, http.StatusCreated, out.StatusCode)
}
