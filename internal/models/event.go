package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Event is the capacity ledger row. Version is the concurrency token and is
// bumped on every committed capacity-affecting mutation.
type Event struct {
	bun.BaseModel `bun:"table:events,alias:e"`

	ID        int64     `bun:"id,pk,autoincrement" json:"id"`
	Name      string    `bun:"name,notnull" json:"name"`
	Venue     string    `bun:"venue,notnull" json:"venue"`
	StartTime time.Time `bun:"start_time,notnull" json:"start_time"`
	EndTime   time.Time `bun:"end_time,notnull" json:"end_time"`
	Capacity  int       `bun:"capacity,notnull" json:"capacity"`
	Version   int64     `bun:"version,notnull" json:"version"`
	CreatedAt time.Time `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt time.Time `bun:"updated_at,notnull" json:"updated_at"`
}

type EventRequest struct {
	Name      string    `json:"name"`
	Venue     string    `json:"venue"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Capacity  int       `json:"capacity"`
}

type CapacityRequest struct {
	Capacity *int `json:"capacity"`
}

// Availability is always computed from committed state.
type Availability struct {
	EventID   int64 `json:"event_id"`
	Capacity  int   `json:"capacity"`
	Confirmed int   `json:"confirmed"`
	Available int   `json:"available"`
}

type EventDetail struct {
	Event        Event        `json:"event"`
	Availability Availability `json:"availability"`
}
