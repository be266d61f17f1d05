// Package testutil provides an in-memory SQLite database with the admission
// schema for package tests.
package testutil

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"ms-admission/internal/database"
	"ms-admission/internal/models"
)

// NewSQLiteDB returns a fresh schema. The pool is pinned to one connection
// because every :memory: connection is its own database, which also
// serializes transactions the way a row lock would.
func NewSQLiteDB(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)
	sqldb.SetMaxIdleConns(1)
	sqldb.SetConnMaxLifetime(0)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	require.NoError(t, database.CreateSchema(context.Background(), db))

	t.Cleanup(func() { db.Close() })
	return db
}

// SeedEvent inserts an event with the given capacity.
func SeedEvent(t *testing.T, db bun.IDB, name string, capacity int) *models.Event {
	t.Helper()

	now := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	event := &models.Event{
		Name:      name,
		Venue:     "Main Hall",
		StartTime: now.Add(30 * 24 * time.Hour),
		EndTime:   now.Add(30*24*time.Hour + 3*time.Hour),
		Capacity:  capacity,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := db.NewInsert().Model(event).Exec(context.Background())
	require.NoError(t, err)
	require.NotZero(t, event.ID)
	return event
}

func CountBookings(t *testing.T, db bun.IDB, eventID int64, status models.BookingStatus) int {
	t.Helper()

	n, err := db.NewSelect().Model((*models.Booking)(nil)).
		Where("event_id = ?", eventID).
		Where("status = ?", status).
		Count(context.Background())
	require.NoError(t, err)
	return n
}
