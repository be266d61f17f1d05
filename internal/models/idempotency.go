package models

import (
	"time"

	"github.com/uptrace/bun"
)

type IdempotencyStatus string

const (
	IdempotencyInProgress IdempotencyStatus = "IN_PROGRESS"
	IdempotencySuccess    IdempotencyStatus = "SUCCESS"
	IdempotencyFailure    IdempotencyStatus = "FAILURE"
)

type IdempotencyRecord struct {
	bun.BaseModel `bun:"table:idempotency_records,alias:ir"`

	ID             int64             `bun:"id,pk,autoincrement"`
	IdempotencyKey string            `bun:"idempotency_key,notnull,unique:ux_idem_key_endpoint"`
	Endpoint       string            `bun:"endpoint,notnull,unique:ux_idem_key_endpoint"`
	UserID         string            `bun:"user_id"`
	EventID        int64             `bun:"event_id"`
	RequestHash    string            `bun:"request_hash,notnull"`
	Status         IdempotencyStatus `bun:"status,notnull"`
	ResponseCode   *int              `bun:"response_code"`
	BookingID      *int64            `bun:"booking_id"`
	CreatedAt      time.Time         `bun:"created_at,notnull"`
	ExpiresAt      time.Time         `bun:"expires_at,notnull"`
}

func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}
