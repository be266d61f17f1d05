package models

import (
	"time"

	"github.com/uptrace/bun"
)

type BookingStatus string

const (
	BookingConfirmed BookingStatus = "CONFIRMED"
	BookingCanceled  BookingStatus = "CANCELED"
)

type Booking struct {
	bun.BaseModel `bun:"table:bookings,alias:b"`

	ID         int64         `bun:"id,pk,autoincrement" json:"id"`
	EventID    int64         `bun:"event_id,notnull" json:"event_id"`
	UserID     string        `bun:"user_id,notnull" json:"user_id"`
	Status     BookingStatus `bun:"status,notnull" json:"status"`
	BookedAt   time.Time     `bun:"booked_at,notnull" json:"booked_at"`
	CanceledAt *time.Time    `bun:"canceled_at" json:"canceled_at,omitempty"`
}

func (b *Booking) IsCanceled() bool {
	return b.Status == BookingCanceled
}

type BookingRequest struct {
	EventID int64  `json:"event_id"`
	UserID  string `json:"user_id,omitempty"`
}

// BookingEvent is the payload published on the booking lifecycle topics.
type BookingEvent struct {
	Type       string        `json:"type"`
	BookingID  int64         `json:"booking_id"`
	EventID    int64         `json:"event_id"`
	UserID     string        `json:"user_id"`
	Status     BookingStatus `json:"status"`
	OccurredAt time.Time     `json:"occurred_at"`
}

func NewBookingEvent(eventType string, b *Booking, at time.Time) BookingEvent {
	return BookingEvent{
		Type:       eventType,
		BookingID:  b.ID,
		EventID:    b.EventID,
		UserID:     b.UserID,
		Status:     b.Status,
		OccurredAt: at.UTC(),
	}
}
