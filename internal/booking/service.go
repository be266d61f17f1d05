// Package booking is the admission controller: it creates and cancels
// bookings under the event's capacity ledger.
package booking

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"ms-admission/internal/apperr"
	bookingdb "ms-admission/internal/booking/db"
	"ms-admission/internal/clock"
	"ms-admission/internal/database"
	eventdb "ms-admission/internal/event/db"
	"ms-admission/internal/ledger"
	"ms-admission/internal/logger"
	"ms-admission/internal/models"
)

var (
	ErrDuplicateBooking = apperr.Conflict("duplicate_booking", "user already holds an active booking for this event")
	ErrEventFull        = apperr.Conflict("event_full", "event is at capacity")
	ErrBookingNotFound  = apperr.NotFound("booking_not_found", "booking not found")
	ErrNotOwner         = apperr.Forbidden("booking_not_owned", "booking not found for requester")
	ErrUserRequired     = apperr.Validation("user_required", "user id is required")
)

const (
	EventBookingCreated  = "booking.created"
	EventBookingCanceled = "booking.canceled"
)

// EventPublisher receives booking lifecycle events after commit.
type EventPublisher interface {
	PublishBookingEvent(ctx context.Context, event models.BookingEvent) error
}

// CommitHook runs inside the transaction that created the booking, after
// the ledger commit. An error rolls the booking back.
type CommitHook func(ctx context.Context, tx bun.Tx, booking *models.Booking) error

type BookingService struct {
	DB          *bun.DB
	Clock       clock.Clock
	Publisher   EventPublisher
	Logger      *logger.Logger
	MaxAttempts int
}

func NewBookingService(db *bun.DB, clk clock.Clock, publisher EventPublisher, log *logger.Logger, maxAttempts int) *BookingService {
	if maxAttempts < 1 {
		maxAttempts = ledger.DefaultMaxAttempts
	}
	return &BookingService{
		DB:          db,
		Clock:       clk,
		Publisher:   publisher,
		Logger:      log,
		MaxAttempts: maxAttempts,
	}
}

// CreateBooking admits userID to eventID if a seat is free and the user has
// no active booking for it. Lost version races retry the whole transaction.
func (s *BookingService) CreateBooking(ctx context.Context, userID string, eventID int64, hooks ...CommitHook) (*models.Booking, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}

	var created *models.Booking
	err := ledger.Retry(ctx, s.MaxAttempts, func(ctx context.Context, attempt int) error {
		created = nil
		if attempt > 1 {
			s.Logger.Warn("BOOKING", fmt.Sprintf("Retrying admission for user %s on event %d (attempt %d/%d)", userID, eventID, attempt, s.MaxAttempts))
		}
		return s.DB.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			booking, err := s.admit(ctx, tx, userID, eventID)
			if err != nil {
				return err
			}
			for _, hook := range hooks {
				if err := hook(ctx, tx, booking); err != nil {
					return err
				}
			}
			created = booking
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.Logger.LogBooking("CREATED", created.ID, fmt.Sprintf("user %s admitted to event %d", userID, eventID))
	s.publish(ctx, EventBookingCreated, created)
	return created, nil
}

func (s *BookingService) admit(ctx context.Context, tx bun.Tx, userID string, eventID int64) (*models.Booking, error) {
	l := ledger.New(tx, s.Clock)
	entry, err := l.LockForCapacityCheck(ctx, eventID)
	if err != nil {
		return nil, err
	}

	store := bookingdb.New(tx)
	exists, err := store.HasActiveBooking(ctx, eventID, userID)
	if err != nil {
		return nil, fmt.Errorf("check active booking: %w", err)
	}
	if exists {
		return nil, ErrDuplicateBooking
	}

	confirmed, err := store.CountConfirmed(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("count confirmed bookings: %w", err)
	}
	if confirmed >= entry.Capacity {
		return nil, ErrEventFull
	}

	booking := &models.Booking{
		EventID:  eventID,
		UserID:   userID,
		Status:   models.BookingConfirmed,
		BookedAt: s.Clock.Now(),
	}
	if err := store.CreateBooking(ctx, booking); err != nil {
		if database.IsUniqueViolation(err) {
			return nil, ErrDuplicateBooking
		}
		return nil, fmt.Errorf("insert booking: %w", err)
	}

	if err := l.Commit(ctx, entry); err != nil {
		return nil, err
	}
	return booking, nil
}

// CancelBooking cancels a booking. Admins may cancel any booking; everyone
// else only their own. Cancelling an already cancelled booking returns it
// unchanged. Promotion of waitlisted users is left to the caller.
func (s *BookingService) CancelBooking(ctx context.Context, bookingID int64, requesterUserID string, isAdmin bool) (*models.Booking, error) {
	var result *models.Booking
	var changed bool

	err := ledger.Retry(ctx, s.MaxAttempts, func(ctx context.Context, attempt int) error {
		result, changed = nil, false
		return s.DB.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			store := bookingdb.New(tx)

			booking, err := s.lookupForCancel(ctx, store, bookingID, requesterUserID, isAdmin)
			if err != nil {
				return err
			}
			if booking.IsCanceled() {
				result = booking
				return nil
			}

			l := ledger.New(tx, s.Clock)
			entry, err := l.LockForCapacityCheck(ctx, booking.EventID)
			if err != nil {
				return err
			}

			// Re-read under the event lock; a concurrent cancel may have won.
			booking, err = store.GetBookingByID(ctx, booking.ID)
			if err != nil {
				return fmt.Errorf("reload booking: %w", err)
			}
			if booking == nil {
				return ErrBookingNotFound
			}
			if booking.IsCanceled() {
				result = booking
				return nil
			}

			now := s.Clock.Now()
			booking.Status = models.BookingCanceled
			booking.CanceledAt = &now
			if err := store.UpdateBooking(ctx, booking); err != nil {
				return fmt.Errorf("cancel booking: %w", err)
			}
			if err := l.Commit(ctx, entry); err != nil {
				return err
			}

			result, changed = booking, true
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.Logger.LogBooking("CANCELED", result.ID, fmt.Sprintf("event %d, requester %q admin=%t", result.EventID, requesterUserID, isAdmin))
		s.publish(ctx, EventBookingCanceled, result)
	} else {
		s.Logger.LogBooking("CANCEL_NOOP", result.ID, "booking already canceled")
	}
	return result, nil
}

func (s *BookingService) lookupForCancel(ctx context.Context, store *bookingdb.DB, bookingID int64, requesterUserID string, isAdmin bool) (*models.Booking, error) {
	if isAdmin {
		booking, err := store.GetBookingByID(ctx, bookingID)
		if err != nil {
			return nil, fmt.Errorf("get booking: %w", err)
		}
		if booking == nil {
			return nil, ErrBookingNotFound
		}
		return booking, nil
	}

	if requesterUserID == "" {
		return nil, ErrNotOwner
	}
	booking, err := store.GetBookingForUser(ctx, bookingID, requesterUserID)
	if err != nil {
		return nil, fmt.Errorf("get booking: %w", err)
	}
	if booking == nil {
		return nil, ErrNotOwner
	}
	return booking, nil
}

// GetBooking is used to replay stored outcomes. Returns nil, nil if missing.
func (s *BookingService) GetBooking(ctx context.Context, bookingID int64) (*models.Booking, error) {
	return bookingdb.New(s.DB).GetBookingByID(ctx, bookingID)
}

func (s *BookingService) ListUserBookings(ctx context.Context, userID string) ([]models.Booking, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}
	bookings, err := bookingdb.New(s.DB).ListBookingsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list bookings for %s: %w", userID, err)
	}
	return bookings, nil
}

// Availability reads committed state only; it is never cached.
func (s *BookingService) Availability(ctx context.Context, eventID int64) (*models.Availability, error) {
	event, err := eventdb.New(s.DB).GetEventByID(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	if event == nil {
		return nil, ledger.ErrEventNotFound
	}

	confirmed, err := bookingdb.New(s.DB).CountConfirmed(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("count confirmed bookings: %w", err)
	}

	available := event.Capacity - confirmed
	if available < 0 {
		available = 0
	}
	return &models.Availability{
		EventID:   eventID,
		Capacity:  event.Capacity,
		Confirmed: confirmed,
		Available: available,
	}, nil
}

func (s *BookingService) publish(ctx context.Context, eventType string, booking *models.Booking) {
	if s.Publisher == nil {
		return
	}
	evt := models.NewBookingEvent(eventType, booking, s.Clock.Now())
	if err := s.Publisher.PublishBookingEvent(context.WithoutCancel(ctx), evt); err != nil {
		s.Logger.Error("KAFKA", fmt.Sprintf("Failed to publish %s for booking %d: %v", eventType, booking.ID, err))
	}
}
