package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"

	"ms-admission/internal/database"
	"ms-admission/internal/models"
)

type DB struct {
	Bun bun.IDB
}

func New(idb bun.IDB) *DB {
	return &DB{Bun: idb}
}

// GetEntry returns nil, nil when the user is not queued for the event.
func (d *DB) GetEntry(ctx context.Context, eventID int64, userID string) (*models.WaitlistEntry, error) {
	var entry models.WaitlistEntry
	err := d.Bun.NewSelect().
		Model(&entry).
		Where("w.event_id = ?", eventID).
		Where("w.user_id = ?", userID).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (d *DB) CreateEntry(ctx context.Context, entry *models.WaitlistEntry) error {
	_, err := d.Bun.NewInsert().
		Model(entry).
		Exec(ctx)
	return err
}

// NextEntry returns the head of the event's queue, ordered by
// (enqueued_at, id). The row is locked on PostgreSQL.
func (d *DB) NextEntry(ctx context.Context, eventID int64) (*models.WaitlistEntry, error) {
	var entry models.WaitlistEntry
	q := d.Bun.NewSelect().
		Model(&entry).
		Where("w.event_id = ?", eventID).
		OrderExpr("w.enqueued_at ASC, w.id ASC").
		Limit(1)
	if database.IsPostgres(d.Bun) {
		q = q.For("UPDATE")
	}
	err := q.Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (d *DB) DeleteEntry(ctx context.Context, id int64) error {
	_, err := d.Bun.NewDelete().
		Model((*models.WaitlistEntry)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

func (d *DB) CountEntries(ctx context.Context, eventID int64) (int, error) {
	return d.Bun.NewSelect().
		Model((*models.WaitlistEntry)(nil)).
		Where("w.event_id = ?", eventID).
		Count(ctx)
}

// CountAhead counts entries strictly before (enqueuedAt, id) in FIFO order.
func (d *DB) CountAhead(ctx context.Context, eventID int64, enqueuedAt time.Time, id int64) (int, error) {
	return d.Bun.NewSelect().
		Model((*models.WaitlistEntry)(nil)).
		Where("w.event_id = ?", eventID).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("w.enqueued_at < ?", enqueuedAt).
				WhereOr("w.enqueued_at = ? AND w.id < ?", enqueuedAt, id)
		}).
		Count(ctx)
}

// ListForUser returns all of the user's entries, oldest first.
func (d *DB) ListForUser(ctx context.Context, userID string) ([]models.WaitlistEntry, error) {
	var entries []models.WaitlistEntry
	err := d.Bun.NewSelect().
		Model(&entries).
		Where("w.user_id = ?", userID).
		OrderExpr("w.enqueued_at ASC, w.id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return entries, nil
}
