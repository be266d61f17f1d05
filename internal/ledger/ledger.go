// Package ledger guards each event's capacity. Every capacity-affecting
// mutation locks the event row, does its work, and commits by bumping the
// event version with a compare-and-swap.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"ms-admission/internal/apperr"
	"ms-admission/internal/clock"
	"ms-admission/internal/database"
	"ms-admission/internal/models"
)

var (
	ErrEventNotFound          = apperr.NotFound("event_not_found", "event not found")
	ErrConcurrentModification = apperr.Conflict("concurrent_modification", "event was modified concurrently, retry the request")
)

// Entry is a locked view of an event. Token is the version read under the
// lock and must still match at commit time.
type Entry struct {
	EventID  int64
	Capacity int
	Token    int64
	Event    models.Event
}

type Ledger struct {
	db    bun.IDB
	clock clock.Clock
}

// New binds the ledger to db, which is normally the enclosing bun.Tx.
func New(db bun.IDB, clk clock.Clock) *Ledger {
	return &Ledger{db: db, clock: clk}
}

// LockForCapacityCheck reads the event's capacity and version. On
// PostgreSQL the row stays locked until the transaction ends.
func (l *Ledger) LockForCapacityCheck(ctx context.Context, eventID int64) (*Entry, error) {
	var event models.Event
	q := l.db.NewSelect().
		Model(&event).
		Where("e.id = ?", eventID)
	if database.IsPostgres(l.db) {
		q = q.For("UPDATE")
	}
	if err := q.Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("lock event %d: %w", eventID, err)
	}

	return &Entry{
		EventID:  event.ID,
		Capacity: event.Capacity,
		Token:    event.Version,
		Event:    event,
	}, nil
}

// Commit bumps the version if nobody else committed since the lock was taken.
func (l *Ledger) Commit(ctx context.Context, e *Entry) error {
	now := l.clock.Now()
	res, err := l.db.NewUpdate().
		Model((*models.Event)(nil)).
		Set("version = version + 1").
		Set("updated_at = ?", now).
		Where("id = ?", e.EventID).
		Where("version = ?", e.Token).
		Exec(ctx)
	return l.checkCommitted(e, now, res, err)
}

// CommitCapacity is Commit plus a capacity change.
func (l *Ledger) CommitCapacity(ctx context.Context, e *Entry, capacity int) error {
	now := l.clock.Now()
	res, err := l.db.NewUpdate().
		Model((*models.Event)(nil)).
		Set("capacity = ?", capacity).
		Set("version = version + 1").
		Set("updated_at = ?", now).
		Where("id = ?", e.EventID).
		Where("version = ?", e.Token).
		Exec(ctx)
	if err := l.checkCommitted(e, now, res, err); err != nil {
		return err
	}
	e.Capacity = capacity
	e.Event.Capacity = capacity
	return nil
}

func (l *Ledger) checkCommitted(e *Entry, now time.Time, res sql.Result, err error) error {
	if err != nil {
		return fmt.Errorf("commit event %d: %w", e.EventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("commit event %d: %w", e.EventID, err)
	}
	if n == 0 {
		return ErrConcurrentModification
	}
	e.Token++
	e.Event.Version = e.Token
	e.Event.UpdatedAt = now
	return nil
}
