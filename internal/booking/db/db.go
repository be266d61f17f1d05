package db

import (
	"context"
	"database/sql"
	"errors"

	"github.com/uptrace/bun"

	"ms-admission/internal/models"
)

type DB struct {
	Bun bun.IDB
}

func New(idb bun.IDB) *DB {
	return &DB{Bun: idb}
}

// ---------------- BOOKINGS ----------------

// GetBookingByID returns nil, nil when the booking does not exist.
func (d *DB) GetBookingByID(ctx context.Context, id int64) (*models.Booking, error) {
	var booking models.Booking
	err := d.Bun.NewSelect().
		Model(&booking).
		Where("b.id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &booking, nil
}

// GetBookingForUser matches on both id and owner.
func (d *DB) GetBookingForUser(ctx context.Context, id int64, userID string) (*models.Booking, error) {
	var booking models.Booking
	err := d.Bun.NewSelect().
		Model(&booking).
		Where("b.id = ?", id).
		Where("b.user_id = ?", userID).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &booking, nil
}

func (d *DB) HasActiveBooking(ctx context.Context, eventID int64, userID string) (bool, error) {
	return d.Bun.NewSelect().
		Model((*models.Booking)(nil)).
		Where("b.event_id = ?", eventID).
		Where("b.user_id = ?", userID).
		Where("b.status = ?", models.BookingConfirmed).
		Exists(ctx)
}

func (d *DB) CountConfirmed(ctx context.Context, eventID int64) (int, error) {
	return d.Bun.NewSelect().
		Model((*models.Booking)(nil)).
		Where("b.event_id = ?", eventID).
		Where("b.status = ?", models.BookingConfirmed).
		Count(ctx)
}

func (d *DB) CreateBooking(ctx context.Context, booking *models.Booking) error {
	_, err := d.Bun.NewInsert().
		Model(booking).
		Exec(ctx)
	return err
}

func (d *DB) UpdateBooking(ctx context.Context, booking *models.Booking) error {
	_, err := d.Bun.NewUpdate().
		Model(booking).
		Column("status", "canceled_at").
		WherePK().
		Exec(ctx)
	return err
}

// GetActiveBooking returns the user's CONFIRMED booking for the event, or nil.
func (d *DB) GetActiveBooking(ctx context.Context, eventID int64, userID string) (*models.Booking, error) {
	var booking models.Booking
	err := d.Bun.NewSelect().
		Model(&booking).
		Where("b.event_id = ?", eventID).
		Where("b.user_id = ?", userID).
		Where("b.status = ?", models.BookingConfirmed).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &booking, nil
}

// ListBookingsForUser returns every booking of the user, newest first.
func (d *DB) ListBookingsForUser(ctx context.Context, userID string) ([]models.Booking, error) {
	bookings := []models.Booking{}
	err := d.Bun.NewSelect().
		Model(&bookings).
		Where("b.user_id = ?", userID).
		OrderExpr("b.booked_at DESC, b.id DESC").
		Scan(ctx)
	return bookings, err
}
