package waitlist_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"ms-admission/internal/booking"
	"ms-admission/internal/clock"
	"ms-admission/internal/ledger"
	"ms-admission/internal/logger"
	"ms-admission/internal/models"
	"ms-admission/internal/notify"
	"ms-admission/internal/testutil"
	"ms-admission/internal/waitlist"
)

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) NotifyPromotion(ctx context.Context, p models.Promotion) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

type fixture struct {
	db       *bun.DB
	bookings *booking.BookingService
	waitlist *waitlist.WaitlistService
	notifier *notify.AsyncNotifier
}

func newFixture(t *testing.T, n notify.Notifier) *fixture {
	t.Helper()
	db := testutil.NewSQLiteDB(t)
	clk := clock.NewStepping(time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC), time.Second)
	log := logger.NewNopLogger()

	f := &fixture{db: db, bookings: booking.NewBookingService(db, clk, nil, log, 3)}
	if n != nil {
		f.notifier = notify.NewAsync(n, log)
		f.waitlist = waitlist.NewWaitlistService(db, clk, f.notifier, nil, log, 3)
	} else {
		f.waitlist = waitlist.NewWaitlistService(db, clk, nil, nil, log, 3)
	}
	return f
}

func TestEnqueueIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	event := testutil.SeedEvent(t, f.db, "Gig", 1)
	ctx := context.Background()

	first, err := f.waitlist.Enqueue(ctx, event.ID, "alice")
	require.NoError(t, err)
	second, err := f.waitlist.Enqueue(ctx, event.ID, "alice")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, first.EnqueuedAt.Equal(second.EnqueuedAt))
}

func TestEnqueueConcurrentSameUser(t *testing.T) {
	f := newFixture(t, nil)
	event := testutil.SeedEvent(t, f.db, "Gig", 1)

	var wg sync.WaitGroup
	ids := make([]int64, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry, err := f.waitlist.Enqueue(context.Background(), event.ID, "alice")
			if assert.NoError(t, err) {
				ids[i] = entry.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestEnqueueErrors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.waitlist.Enqueue(ctx, 404, "alice")
	assert.ErrorIs(t, err, ledger.ErrEventNotFound)

	_, err = f.waitlist.Enqueue(ctx, 1, "")
	assert.ErrorIs(t, err, waitlist.ErrUserRequired)
}

func TestPromotionIsFIFO(t *testing.T) {
	n := new(MockNotifier)
	n.On("NotifyPromotion", mock.Anything, mock.MatchedBy(func(p models.Promotion) bool {
		return p.UserID == "A"
	})).Return(nil).Once()

	f := newFixture(t, n)
	event := testutil.SeedEvent(t, f.db, "Gig", 1)
	ctx := context.Background()

	holder, err := f.bookings.CreateBooking(ctx, "holder", event.ID)
	require.NoError(t, err)
	for _, u := range []string{"A", "B", "C"} {
		_, err := f.waitlist.Enqueue(ctx, event.ID, u)
		require.NoError(t, err)
	}

	none, err := f.waitlist.PromoteNextIfAvailable(ctx, event.ID)
	require.NoError(t, err)
	assert.Nil(t, none, "no seat free yet")

	_, err = f.bookings.CancelBooking(ctx, holder.ID, "holder", false)
	require.NoError(t, err)

	promoted, err := f.waitlist.PromoteNextIfAvailable(ctx, event.ID)
	require.NoError(t, err)
	require.NotNil(t, promoted)
	assert.Equal(t, "A", promoted.UserID)
	assert.Equal(t, models.BookingConfirmed, promoted.Booking.Status)
	assert.Equal(t, "Gig", promoted.Event.Name)

	b, err := f.waitlist.QueuePosition(ctx, event.ID, "B")
	require.NoError(t, err)
	assert.Equal(t, 1, b.Position)
	assert.Equal(t, 2, b.Total)

	c, err := f.waitlist.QueuePosition(ctx, event.ID, "C")
	require.NoError(t, err)
	assert.Equal(t, 2, c.Position)

	_, err = f.waitlist.QueuePosition(ctx, event.ID, "A")
	assert.ErrorIs(t, err, waitlist.ErrNotQueued)

	f.notifier.Wait()
	n.AssertExpectations(t)
	assert.Equal(t, 1, testutil.CountBookings(t, f.db, event.ID, models.BookingConfirmed))
}

func TestStaleWaiterSkippedWithoutConsumingSeat(t *testing.T) {
	f := newFixture(t, nil)
	event := testutil.SeedEvent(t, f.db, "Gig", 2)
	ctx := context.Background()

	holder, err := f.bookings.CreateBooking(ctx, "holder", event.ID)
	require.NoError(t, err)
	_, err = f.bookings.CreateBooking(ctx, "stale", event.ID)
	require.NoError(t, err)

	_, err = f.waitlist.Enqueue(ctx, event.ID, "stale")
	require.NoError(t, err)
	_, err = f.waitlist.Enqueue(ctx, event.ID, "fresh")
	require.NoError(t, err)

	_, err = f.bookings.CancelBooking(ctx, holder.ID, "", true)
	require.NoError(t, err)

	promoted, err := f.waitlist.PromoteNextIfAvailable(ctx, event.ID)
	require.NoError(t, err)
	require.NotNil(t, promoted)
	assert.Equal(t, "fresh", promoted.UserID)

	_, err = f.waitlist.QueuePosition(ctx, event.ID, "stale")
	assert.ErrorIs(t, err, waitlist.ErrNotQueued)
	assert.Equal(t, 2, testutil.CountBookings(t, f.db, event.ID, models.BookingConfirmed))
}

func TestPromoteOnlyStaleEntriesPromotesNobody(t *testing.T) {
	f := newFixture(t, nil)
	event := testutil.SeedEvent(t, f.db, "Gig", 5)
	ctx := context.Background()

	_, err := f.bookings.CreateBooking(ctx, "stale", event.ID)
	require.NoError(t, err)
	_, err = f.waitlist.Enqueue(ctx, event.ID, "stale")
	require.NoError(t, err)

	promoted, err := f.waitlist.PromoteNextIfAvailable(ctx, event.ID)
	require.NoError(t, err)
	assert.Nil(t, promoted)

	_, err = f.waitlist.QueuePosition(ctx, event.ID, "stale")
	assert.ErrorIs(t, err, waitlist.ErrNotQueued)
}

func TestFillFreedSeats(t *testing.T) {
	f := newFixture(t, nil)
	event := testutil.SeedEvent(t, f.db, "Gig", 2)
	ctx := context.Background()

	for _, u := range []string{"A", "B", "C"} {
		_, err := f.waitlist.Enqueue(ctx, event.ID, u)
		require.NoError(t, err)
	}

	promoted, err := f.waitlist.FillFreedSeats(ctx, event.ID)
	require.NoError(t, err)
	require.Len(t, promoted, 2)
	assert.Equal(t, "A", promoted[0].UserID)
	assert.Equal(t, "B", promoted[1].UserID)

	c, err := f.waitlist.QueuePosition(ctx, event.ID, "C")
	require.NoError(t, err)
	assert.Equal(t, 1, c.Position)
}

func TestQueuePositionEstimate(t *testing.T) {
	f := newFixture(t, nil)
	event := testutil.SeedEvent(t, f.db, "Gig", 0)
	ctx := context.Background()

	for _, u := range []string{"A", "B", "C", "D"} {
		_, err := f.waitlist.Enqueue(ctx, event.ID, u)
		require.NoError(t, err)
	}

	d, err := f.waitlist.QueuePosition(ctx, event.ID, "D")
	require.NoError(t, err)
	assert.Equal(t, 4, d.Position)
	assert.Equal(t, 4, d.Total)
	assert.Equal(t, 6, d.EstimatedMinutes)
	assert.Equal(t, "Gig", d.EventName)

	items, err := f.waitlist.ListForUser(ctx, "C")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 3, items[0].Position)
	assert.Equal(t, event.ID, items[0].EventID)
}

func TestQueueOrderTieBreaksOnID(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	clk := clock.NewFixed(time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC))
	svc := waitlist.NewWaitlistService(db, clk, nil, nil, logger.NewNopLogger(), 3)
	event := testutil.SeedEvent(t, db, "Gig", 0)
	ctx := context.Background()

	for _, u := range []string{"A", "B"} {
		_, err := svc.Enqueue(ctx, event.ID, u)
		require.NoError(t, err)
	}

	a, err := svc.QueuePosition(ctx, event.ID, "A")
	require.NoError(t, err)
	b, err := svc.QueuePosition(ctx, event.ID, "B")
	require.NoError(t, err)
	assert.Equal(t, 1, a.Position)
	assert.Equal(t, 2, b.Position)
}
