package models

import (
	"time"

	"github.com/uptrace/bun"
)

// WaitlistEntry is ordered FIFO by (EnqueuedAt, ID).
type WaitlistEntry struct {
	bun.BaseModel `bun:"table:waitlist,alias:w"`

	ID         int64     `bun:"id,pk,autoincrement" json:"id"`
	EventID    int64     `bun:"event_id,notnull,unique:uq_waitlist_event_user" json:"event_id"`
	UserID     string    `bun:"user_id,notnull,unique:uq_waitlist_event_user" json:"user_id"`
	EnqueuedAt time.Time `bun:"enqueued_at,notnull" json:"enqueued_at"`
}

type QueueStatus struct {
	EventID          int64     `json:"event_id"`
	EventName        string    `json:"event_name,omitempty"`
	Position         int       `json:"position"`
	Total            int       `json:"total"`
	EnqueuedAt       time.Time `json:"enqueued_at"`
	EstimatedMinutes int       `json:"estimated_minutes"`
}

// Promotion is handed to the notification channel after a waitlisted user
// has been converted into a confirmed booking.
type Promotion struct {
	UserID     string    `json:"user_id"`
	Event      Event     `json:"event"`
	Booking    Booking   `json:"booking"`
	PromotedAt time.Time `json:"promoted_at"`
}

// WaitlistItem is one row of a user's own waitlist view.
type WaitlistItem struct {
	ID         int64     `json:"id"`
	EventID    int64     `json:"event_id"`
	EventName  string    `json:"event_name"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Position   int       `json:"position"`
}
