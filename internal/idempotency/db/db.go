package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"

	"ms-admission/internal/models"
)

type DB struct {
	Bun bun.IDB
}

func New(idb bun.IDB) *DB {
	return &DB{Bun: idb}
}

const insertIfAbsent = `INSERT INTO idempotency_records
	(idempotency_key, endpoint, user_id, event_id, request_hash, status, created_at, expires_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (idempotency_key, endpoint) DO NOTHING`

// TryInsert claims (key, endpoint) with an IN_PROGRESS record. It reports
// false when a record already exists; the first writer wins.
func (d *DB) TryInsert(ctx context.Context, rec *models.IdempotencyRecord) (bool, error) {
	res, err := d.Bun.ExecContext(ctx, insertIfAbsent,
		rec.IdempotencyKey, rec.Endpoint, rec.UserID, rec.EventID, rec.RequestHash,
		models.IdempotencyInProgress, rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Get returns nil, nil when no record exists.
func (d *DB) Get(ctx context.Context, key, endpoint string) (*models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord
	err := d.Bun.NewSelect().
		Model(&rec).
		Where("ir.idempotency_key = ?", key).
		Where("ir.endpoint = ?", endpoint).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteIfExpired removes one record if it is past its expiry at now.
func (d *DB) DeleteIfExpired(ctx context.Context, id int64, now time.Time) (bool, error) {
	res, err := d.Bun.NewDelete().
		Model((*models.IdempotencyRecord)(nil)).
		Where("id = ?", id).
		Where("expires_at <= ?", now).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (d *DB) MarkSuccess(ctx context.Context, id, bookingID int64, code int) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.IdempotencyRecord)(nil)).
		Set("status = ?", models.IdempotencySuccess).
		Set("booking_id = ?", bookingID).
		Set("response_code = ?", code).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

// MarkFailure only moves records that are still IN_PROGRESS, so it can
// never overwrite a committed success.
func (d *DB) MarkFailure(ctx context.Context, id int64, code int) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.IdempotencyRecord)(nil)).
		Set("status = ?", models.IdempotencyFailure).
		Set("response_code = ?", code).
		Where("id = ?", id).
		Where("status = ?", models.IdempotencyInProgress).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReleaseClaim drops a record that is still IN_PROGRESS so the key can be
// claimed again.
func (d *DB) ReleaseClaim(ctx context.Context, id int64) (bool, error) {
	res, err := d.Bun.NewDelete().
		Model((*models.IdempotencyRecord)(nil)).
		Where("id = ?", id).
		Where("status = ?", models.IdempotencyInProgress).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ResolveSuccess is MarkSuccess guarded on IN_PROGRESS, for reconciliation.
func (d *DB) ResolveSuccess(ctx context.Context, id, bookingID int64, code int) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.IdempotencyRecord)(nil)).
		Set("status = ?", models.IdempotencySuccess).
		Set("booking_id = ?", bookingID).
		Set("response_code = ?", code).
		Where("id = ?", id).
		Where("status = ?", models.IdempotencyInProgress).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListStaleInProgress returns IN_PROGRESS records created before cutoff.
func (d *DB) ListStaleInProgress(ctx context.Context, cutoff time.Time, limit int) ([]models.IdempotencyRecord, error) {
	var recs []models.IdempotencyRecord
	err := d.Bun.NewSelect().
		Model(&recs).
		Where("ir.status = ?", models.IdempotencyInProgress).
		Where("ir.created_at < ?", cutoff).
		OrderExpr("ir.created_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (d *DB) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := d.Bun.NewDelete().
		Model((*models.IdempotencyRecord)(nil)).
		Where("expires_at <= ?", now).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
