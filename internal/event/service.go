// Package event is the administrative surface for events: creation,
// cached detail reads and capacity changes under the ledger.
package event

import (
	"context"
	"fmt"
	"strings"

	"github.com/uptrace/bun"

	"ms-admission/internal/apperr"
	bookingdb "ms-admission/internal/booking/db"
	"ms-admission/internal/clock"
	eventdb "ms-admission/internal/event/db"
	"ms-admission/internal/ledger"
	"ms-admission/internal/logger"
	"ms-admission/internal/models"
)

var (
	ErrInvalidEvent           = apperr.Validation("invalid_event", "event name, venue, times and a non-negative capacity are required")
	ErrInvalidCapacity        = apperr.Validation("invalid_capacity", "capacity must be non-negative")
	ErrCapacityBelowConfirmed = apperr.Conflict("capacity_below_confirmed", "capacity cannot drop below the number of confirmed bookings")
)

// DetailCache is a read-through cache for event rows.
type DetailCache interface {
	Get(ctx context.Context, eventID int64) (*models.Event, error)
	Set(ctx context.Context, event *models.Event) error
	Invalidate(ctx context.Context, eventID int64) error
}

type AvailabilityReader interface {
	Availability(ctx context.Context, eventID int64) (*models.Availability, error)
}

// SeatFiller promotes waitlisted users into newly freed seats.
type SeatFiller interface {
	FillFreedSeats(ctx context.Context, eventID int64) ([]models.Promotion, error)
}

type EventService struct {
	DB           *bun.DB
	Cache        DetailCache
	Availability AvailabilityReader
	Waitlist     SeatFiller
	Clock        clock.Clock
	Logger       *logger.Logger
	MaxAttempts  int
}

func NewEventService(db *bun.DB, cache DetailCache, availability AvailabilityReader, waitlist SeatFiller, clk clock.Clock, log *logger.Logger, maxAttempts int) *EventService {
	if maxAttempts < 1 {
		maxAttempts = ledger.DefaultMaxAttempts
	}
	return &EventService{
		DB:           db,
		Cache:        cache,
		Availability: availability,
		Waitlist:     waitlist,
		Clock:        clk,
		Logger:       log,
		MaxAttempts:  maxAttempts,
	}
}

func (s *EventService) CreateEvent(ctx context.Context, req models.EventRequest) (*models.Event, error) {
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Venue) == "" ||
		req.StartTime.IsZero() || req.EndTime.IsZero() || req.EndTime.Before(req.StartTime) || req.Capacity < 0 {
		return nil, ErrInvalidEvent
	}

	now := s.Clock.Now()
	event := &models.Event{
		Name:      strings.TrimSpace(req.Name),
		Venue:     strings.TrimSpace(req.Venue),
		StartTime: req.StartTime.UTC(),
		EndTime:   req.EndTime.UTC(),
		Capacity:  req.Capacity,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := eventdb.New(s.DB).CreateEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}

	s.Logger.LogDatabase("INSERT", "events", fmt.Sprintf("event %d %q capacity %d", event.ID, event.Name, event.Capacity))
	return event, nil
}

// GetEvent reads through the cache. Cache failures fall back to the database.
func (s *EventService) GetEvent(ctx context.Context, eventID int64) (*models.Event, error) {
	if s.Cache != nil {
		cached, err := s.Cache.Get(ctx, eventID)
		if err != nil {
			s.Logger.Warn("REDIS", fmt.Sprintf("Event cache read failed for %d: %v", eventID, err))
		} else if cached != nil {
			return cached, nil
		}
	}

	event, err := eventdb.New(s.DB).GetEventByID(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	if event == nil {
		return nil, ledger.ErrEventNotFound
	}

	if s.Cache != nil {
		if err := s.Cache.Set(ctx, event); err != nil {
			s.Logger.Warn("REDIS", fmt.Sprintf("Event cache write failed for %d: %v", eventID, err))
		}
	}
	return event, nil
}

// GetEventDetail pairs the (possibly cached) event with live availability.
func (s *EventService) GetEventDetail(ctx context.Context, eventID int64) (*models.EventDetail, error) {
	event, err := s.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	availability, err := s.Availability.Availability(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return &models.EventDetail{Event: *event, Availability: *availability}, nil
}

// UpdateCapacity changes capacity under the ledger lock, invalidates the
// cached detail and, when seats were added, promotes from the waitlist.
func (s *EventService) UpdateCapacity(ctx context.Context, eventID int64, capacity int) (*models.Event, []models.Promotion, error) {
	if capacity < 0 {
		return nil, nil, ErrInvalidCapacity
	}

	var updated models.Event
	var grew bool
	err := ledger.Retry(ctx, s.MaxAttempts, func(ctx context.Context, attempt int) error {
		return s.DB.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			l := ledger.New(tx, s.Clock)
			entry, err := l.LockForCapacityCheck(ctx, eventID)
			if err != nil {
				return err
			}

			confirmed, err := bookingdb.New(tx).CountConfirmed(ctx, eventID)
			if err != nil {
				return fmt.Errorf("count confirmed bookings: %w", err)
			}
			if capacity < confirmed {
				return ErrCapacityBelowConfirmed
			}

			grew = capacity > entry.Capacity
			if err := l.CommitCapacity(ctx, entry, capacity); err != nil {
				return err
			}
			updated = entry.Event
			return nil
		})
	})
	if err != nil {
		return nil, nil, err
	}

	s.invalidate(ctx, eventID)
	s.Logger.LogDatabase("UPDATE", "events", fmt.Sprintf("event %d capacity now %d", eventID, capacity))

	if !grew || s.Waitlist == nil {
		return &updated, nil, nil
	}
	promoted, err := s.Waitlist.FillFreedSeats(ctx, eventID)
	if err != nil {
		s.Logger.Error("WAITLIST", fmt.Sprintf("Filling freed seats for event %d failed: %v", eventID, err))
	}
	return &updated, promoted, nil
}

func (s *EventService) invalidate(ctx context.Context, eventID int64) {
	if s.Cache == nil {
		return
	}
	if err := s.Cache.Invalidate(ctx, eventID); err != nil {
		s.Logger.Warn("REDIS", fmt.Sprintf("Event cache invalidation failed for %d: %v", eventID, err))
	}
}
