// Package idempotency makes booking creation safe to retry: the first
// request for an (Idempotency-Key, endpoint) pair runs, later ones replay
// its recorded outcome.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-admission/internal/apperr"
	"ms-admission/internal/booking"
	bookingdb "ms-admission/internal/booking/db"
	"ms-admission/internal/clock"
	idemdb "ms-admission/internal/idempotency/db"
	"ms-admission/internal/logger"
	"ms-admission/internal/models"
)

const (
	EndpointCreateBooking = "POST:/api/v1/bookings"
	DefaultTTL            = 48 * time.Hour
)

var (
	ErrKeyRequired     = apperr.Validation("idempotency_key_required", "Idempotency-Key header is required")
	ErrKeyReuse        = apperr.Conflict("idempotency_key_reuse", "idempotency key reused with a different request")
	ErrInProgress      = apperr.Conflict("idempotency_in_progress", "request with this idempotency key is still in progress, retry later")
	errReplayedFailure = apperr.Conflict("idempotency_replayed_failure", "an earlier request with this idempotency key failed")
)

// StoredFailure carries the status code recorded for a failed first attempt.
type StoredFailure struct {
	ResponseCode int
}

func (e *StoredFailure) Error() string {
	return fmt.Sprintf("stored failure with status %d", e.ResponseCode)
}

func (e *StoredFailure) HTTPStatus() int {
	return e.ResponseCode
}

type Request struct {
	Key         string
	Endpoint    string
	RequesterID string
	EventID     int64
	RequestHash string
}

// Outcome is what the HTTP layer writes. Booking is nil when a replayed
// success no longer has its booking row.
type Outcome struct {
	Booking    *models.Booking
	StatusCode int
	Replayed   bool
}

// Action performs the side effect. It must run commit inside the
// transaction that creates the booking.
type Action func(ctx context.Context, commit booking.CommitHook) (*models.Booking, error)

type Coordinator struct {
	DB     *bun.DB
	Clock  clock.Clock
	TTL    time.Duration
	Logger *logger.Logger
	// Lease is optional. Owner identifies this replica when holding it.
	Lease SweepLease
	Owner string
}

func NewCoordinator(db *bun.DB, clk clock.Clock, ttl time.Duration, log *logger.Logger) *Coordinator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Coordinator{DB: db, Clock: clk, TTL: ttl, Logger: log, Owner: uuid.NewString()}
}

// RequestHash fingerprints a create-booking request.
func RequestHash(userID string, eventID int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", userID, eventID)))
	return hex.EncodeToString(sum[:])
}

func (c *Coordinator) Execute(ctx context.Context, req Request, action Action) (*Outcome, error) {
	if req.Key == "" {
		return nil, ErrKeyRequired
	}

	store := idemdb.New(c.DB)
	now := c.Clock.Now()
	claim := &models.IdempotencyRecord{
		IdempotencyKey: req.Key,
		Endpoint:       req.Endpoint,
		UserID:         req.RequesterID,
		EventID:        req.EventID,
		RequestHash:    req.RequestHash,
		Status:         models.IdempotencyInProgress,
		CreatedAt:      now,
		ExpiresAt:      now.Add(c.TTL),
	}

	// An expired record is reclaimed once; a second miss replays whatever
	// is there.
	for attempt := 0; attempt < 2; attempt++ {
		inserted, err := store.TryInsert(ctx, claim)
		if err != nil {
			return nil, fmt.Errorf("claim idempotency key: %w", err)
		}
		if inserted {
			return c.run(ctx, req, action)
		}

		existing, err := store.Get(ctx, req.Key, req.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("load idempotency record: %w", err)
		}
		if existing == nil {
			continue
		}
		if attempt == 0 && existing.Expired(now) {
			if _, err := store.DeleteIfExpired(ctx, existing.ID, now); err != nil {
				return nil, fmt.Errorf("reclaim expired idempotency record: %w", err)
			}
			c.Logger.LogIdempotency("RECLAIMED", req.Key, "expired record removed")
			continue
		}
		return c.replay(ctx, req, existing)
	}
	return nil, ErrInProgress
}

func (c *Coordinator) run(ctx context.Context, req Request, action Action) (*Outcome, error) {
	rec, err := idemdb.New(c.DB).Get(ctx, req.Key, req.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("load claimed idempotency record: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("claimed idempotency record %q disappeared", req.Key)
	}

	commit := func(ctx context.Context, tx bun.Tx, b *models.Booking) error {
		return idemdb.New(tx).MarkSuccess(ctx, rec.ID, b.ID, http.StatusCreated)
	}

	b, err := action(ctx, commit)
	if err != nil {
		// Unclassified errors (dropped connections, cancellations, driver
		// failures) say nothing about the request itself, so the claim is
		// released and a retry runs again.
		if apperr.KindOf(err) == apperr.KindInternal {
			if _, relErr := idemdb.New(c.DB).ReleaseClaim(context.WithoutCancel(ctx), rec.ID); relErr != nil {
				c.Logger.Error("IDEMPOTENCY", fmt.Sprintf("Failed to release claim for key %s: %v", req.Key, relErr))
			}
			c.Logger.LogIdempotency("RELEASED", req.Key, fmt.Sprintf("transient failure: %v", err))
			return nil, err
		}

		code := apperr.HTTPStatus(err)
		if _, markErr := idemdb.New(c.DB).MarkFailure(context.WithoutCancel(ctx), rec.ID, code); markErr != nil {
			c.Logger.Error("IDEMPOTENCY", fmt.Sprintf("Failed to record failure for key %s: %v", req.Key, markErr))
		}
		c.Logger.LogIdempotency("FAILURE", req.Key, fmt.Sprintf("status %d: %v", code, err))
		return nil, err
	}

	c.Logger.LogIdempotency("SUCCESS", req.Key, fmt.Sprintf("booking %d", b.ID))
	return &Outcome{Booking: b, StatusCode: http.StatusCreated}, nil
}

func (c *Coordinator) replay(ctx context.Context, req Request, rec *models.IdempotencyRecord) (*Outcome, error) {
	if rec.RequestHash != req.RequestHash {
		c.Logger.LogSecurity("IDEMPOTENCY_KEY_REUSE", fmt.Sprintf("key %s reused by %s with a different payload", req.Key, req.RequesterID))
		return nil, ErrKeyReuse
	}

	switch rec.Status {
	case models.IdempotencySuccess:
		code := http.StatusCreated
		if rec.ResponseCode != nil {
			code = *rec.ResponseCode
		}
		out := &Outcome{StatusCode: code, Replayed: true}
		if rec.BookingID != nil {
			b, err := bookingdb.New(c.DB).GetBookingByID(ctx, *rec.BookingID)
			if err != nil {
				return nil, fmt.Errorf("load replayed booking: %w", err)
			}
			out.Booking = b
		}
		if out.Booking == nil && rec.ResponseCode == nil {
			out.StatusCode = http.StatusOK
		}
		c.Logger.LogIdempotency("REPLAY", req.Key, fmt.Sprintf("success with status %d", out.StatusCode))
		return out, nil

	case models.IdempotencyFailure:
		code := http.StatusUnprocessableEntity
		if rec.ResponseCode != nil {
			code = *rec.ResponseCode
		}
		c.Logger.LogIdempotency("REPLAY", req.Key, fmt.Sprintf("failure with status %d", code))
		return nil, apperr.Wrap(errReplayedFailure, &StoredFailure{ResponseCode: code})

	case models.IdempotencyInProgress:
		return nil, ErrInProgress

	default:
		return nil, fmt.Errorf("idempotency record %d has unknown status %q", rec.ID, rec.Status)
	}
}
