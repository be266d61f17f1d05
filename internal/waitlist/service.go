// Package waitlist keeps the per-event FIFO queue and promotes its head
// into a confirmed booking whenever the ledger shows a free seat.
package waitlist

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"ms-admission/internal/apperr"
	"ms-admission/internal/booking"
	bookingdb "ms-admission/internal/booking/db"
	"ms-admission/internal/clock"
	"ms-admission/internal/database"
	eventdb "ms-admission/internal/event/db"
	"ms-admission/internal/ledger"
	"ms-admission/internal/logger"
	"ms-admission/internal/models"
	"ms-admission/internal/notify"
	waitlistdb "ms-admission/internal/waitlist/db"
)

var (
	ErrNotQueued    = apperr.NotFound("not_on_waitlist", "not on waitlist for this event")
	ErrUserRequired = apperr.Validation("user_required", "user id is required")
)

const defaultMinutesPerEntry = 2

type WaitlistService struct {
	DB          *bun.DB
	Clock       clock.Clock
	Notifier    notify.Notifier
	Publisher   booking.EventPublisher
	Logger      *logger.Logger
	MaxAttempts int
	// MinutesPerEntry drives the queue ETA heuristic.
	MinutesPerEntry int
}

// NewWaitlistService wraps notifier so promotion notices never block or
// fail the promoting transaction.
func NewWaitlistService(db *bun.DB, clk clock.Clock, notifier notify.Notifier, publisher booking.EventPublisher, log *logger.Logger, maxAttempts int) *WaitlistService {
	if maxAttempts < 1 {
		maxAttempts = ledger.DefaultMaxAttempts
	}
	var n notify.Notifier
	if notifier != nil {
		if async, ok := notifier.(*notify.AsyncNotifier); ok {
			n = async
		} else {
			n = notify.NewAsync(notifier, log)
		}
	}
	return &WaitlistService{
		DB:              db,
		Clock:           clk,
		Notifier:        n,
		Publisher:       publisher,
		Logger:          log,
		MaxAttempts:     maxAttempts,
		MinutesPerEntry: defaultMinutesPerEntry,
	}
}

// Enqueue adds the user to the event's waitlist. Joining twice returns the
// original entry.
func (s *WaitlistService) Enqueue(ctx context.Context, eventID int64, userID string) (*models.WaitlistEntry, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}

	queue := waitlistdb.New(s.DB)
	existing, err := queue.GetEntry(ctx, eventID, userID)
	if err != nil {
		return nil, fmt.Errorf("get waitlist entry: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	exists, err := eventdb.New(s.DB).EventExists(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("check event: %w", err)
	}
	if !exists {
		return nil, ledger.ErrEventNotFound
	}

	entry := &models.WaitlistEntry{
		EventID:    eventID,
		UserID:     userID,
		EnqueuedAt: s.Clock.Now(),
	}
	if err := queue.CreateEntry(ctx, entry); err != nil {
		if !database.IsUniqueViolation(err) {
			return nil, fmt.Errorf("insert waitlist entry: %w", err)
		}
		// Lost a race with a concurrent join of the same user.
		existing, err := queue.GetEntry(ctx, eventID, userID)
		if err != nil {
			return nil, fmt.Errorf("get waitlist entry: %w", err)
		}
		if existing == nil {
			return nil, fmt.Errorf("waitlist entry for user %s vanished after conflict", userID)
		}
		return existing, nil
	}

	s.Logger.LogWaitlist("ENQUEUED", eventID, fmt.Sprintf("user %s entry %d", userID, entry.ID))
	return entry, nil
}

// PromoteNextIfAvailable converts the head of the queue into a confirmed
// booking if the event has a free seat. Heads that already hold a
// confirmed booking are dropped without consuming the seat. Returns nil
// when nobody was promoted.
func (s *WaitlistService) PromoteNextIfAvailable(ctx context.Context, eventID int64) (*models.Promotion, error) {
	var promotion *models.Promotion

	err := ledger.Retry(ctx, s.MaxAttempts, func(ctx context.Context, attempt int) error {
		promotion = nil
		return s.DB.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			p, err := s.promoteInTx(ctx, tx, eventID)
			if err != nil {
				return err
			}
			promotion = p
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if promotion == nil {
		return nil, nil
	}

	s.Logger.LogWaitlist("PROMOTED", eventID, fmt.Sprintf("user %s booking %d", promotion.UserID, promotion.Booking.ID))
	s.publishCreated(ctx, &promotion.Booking)
	if s.Notifier != nil {
		s.Notifier.NotifyPromotion(ctx, *promotion)
	}
	return promotion, nil
}

func (s *WaitlistService) promoteInTx(ctx context.Context, tx bun.Tx, eventID int64) (*models.Promotion, error) {
	l := ledger.New(tx, s.Clock)
	entry, err := l.LockForCapacityCheck(ctx, eventID)
	if err != nil {
		return nil, err
	}

	bookings := bookingdb.New(tx)
	confirmed, err := bookings.CountConfirmed(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("count confirmed bookings: %w", err)
	}
	if entry.Capacity-confirmed <= 0 {
		return nil, nil
	}

	queue := waitlistdb.New(tx)
	queued, err := queue.CountEntries(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("count waitlist: %w", err)
	}

	for i := 0; i < queued; i++ {
		next, err := queue.NextEntry(ctx, eventID)
		if err != nil {
			return nil, fmt.Errorf("next waitlist entry: %w", err)
		}
		if next == nil {
			return nil, nil
		}

		active, err := bookings.HasActiveBooking(ctx, eventID, next.UserID)
		if err != nil {
			return nil, fmt.Errorf("check active booking: %w", err)
		}
		if active {
			if err := queue.DeleteEntry(ctx, next.ID); err != nil {
				return nil, fmt.Errorf("drop stale waitlist entry: %w", err)
			}
			s.Logger.LogWaitlist("STALE", eventID, fmt.Sprintf("user %s already booked, entry %d removed", next.UserID, next.ID))
			continue
		}

		b := &models.Booking{
			EventID:  eventID,
			UserID:   next.UserID,
			Status:   models.BookingConfirmed,
			BookedAt: s.Clock.Now(),
		}
		if err := bookings.CreateBooking(ctx, b); err != nil {
			return nil, fmt.Errorf("insert promoted booking: %w", err)
		}
		if err := queue.DeleteEntry(ctx, next.ID); err != nil {
			return nil, fmt.Errorf("remove promoted waitlist entry: %w", err)
		}
		if err := l.Commit(ctx, entry); err != nil {
			return nil, err
		}

		return &models.Promotion{
			UserID:     next.UserID,
			Event:      entry.Event,
			Booking:    *b,
			PromotedAt: b.BookedAt,
		}, nil
	}
	return nil, nil
}

// FillFreedSeats promotes until the event is full or the queue is empty.
func (s *WaitlistService) FillFreedSeats(ctx context.Context, eventID int64) ([]models.Promotion, error) {
	var promoted []models.Promotion
	for {
		p, err := s.PromoteNextIfAvailable(ctx, eventID)
		if err != nil {
			return promoted, err
		}
		if p == nil {
			return promoted, nil
		}
		promoted = append(promoted, *p)
	}
}

// QueuePosition is a plain read; the answer may be stale by the time it
// reaches the caller.
func (s *WaitlistService) QueuePosition(ctx context.Context, eventID int64, userID string) (*models.QueueStatus, error) {
	queue := waitlistdb.New(s.DB)
	entry, err := queue.GetEntry(ctx, eventID, userID)
	if err != nil {
		return nil, fmt.Errorf("get waitlist entry: %w", err)
	}
	if entry == nil {
		return nil, ErrNotQueued
	}

	ahead, err := queue.CountAhead(ctx, eventID, entry.EnqueuedAt, entry.ID)
	if err != nil {
		return nil, fmt.Errorf("count ahead: %w", err)
	}
	total, err := queue.CountEntries(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("count waitlist: %w", err)
	}

	status := &models.QueueStatus{
		EventID:          eventID,
		Position:         ahead + 1,
		Total:            total,
		EnqueuedAt:       entry.EnqueuedAt,
		EstimatedMinutes: ahead * s.MinutesPerEntry,
	}
	if event, err := eventdb.New(s.DB).GetEventByID(ctx, eventID); err == nil && event != nil {
		status.EventName = event.Name
	}
	return status, nil
}

// ListForUser returns the user's waitlist entries with their live position.
func (s *WaitlistService) ListForUser(ctx context.Context, userID string) ([]models.WaitlistItem, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}

	queue := waitlistdb.New(s.DB)
	entries, err := queue.ListForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list waitlist: %w", err)
	}

	events := eventdb.New(s.DB)
	items := make([]models.WaitlistItem, 0, len(entries))
	for _, e := range entries {
		ahead, err := queue.CountAhead(ctx, e.EventID, e.EnqueuedAt, e.ID)
		if err != nil {
			return nil, fmt.Errorf("count ahead: %w", err)
		}
		item := models.WaitlistItem{
			ID:         e.ID,
			EventID:    e.EventID,
			EnqueuedAt: e.EnqueuedAt,
			Position:   ahead + 1,
		}
		if event, err := events.GetEventByID(ctx, e.EventID); err == nil && event != nil {
			item.EventName = event.Name
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *WaitlistService) publishCreated(ctx context.Context, b *models.Booking) {
	if s.Publisher == nil {
		return
	}
	evt := models.NewBookingEvent(booking.EventBookingCreated, b, s.Clock.Now())
	if err := s.Publisher.PublishBookingEvent(context.WithoutCancel(ctx), evt); err != nil {
		s.Logger.Error("KAFKA", fmt.Sprintf("Failed to publish promotion booking %d: %v", b.ID, err))
	}
}
