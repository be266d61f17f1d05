package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"github.com/uptrace/bun/dialect/pgdialect"

	"ms-admission/internal/config"
	"ms-admission/internal/logger"
	"ms-admission/internal/models"
)

const (
	connectAttempts = 5
	connectBackoff  = 2 * time.Second
)

// Connect opens PostgreSQL through lib/pq and retries the initial ping.
func Connect(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*bun.DB, error) {
	var sqldb *sql.DB
	var err error

	for i := 0; i < connectAttempts; i++ {
		log.Info("DATABASE", fmt.Sprintf("Attempting to connect to PostgreSQL (attempt %d/%d)", i+1, connectAttempts))
		sqldb, err = sql.Open("postgres", cfg.DSN)
		if err != nil {
			log.Error("DATABASE", fmt.Sprintf("Failed to open PostgreSQL: %v", err))
			time.Sleep(connectBackoff)
			continue
		}

		err = sqldb.PingContext(ctx)
		if err == nil {
			break
		}
		sqldb.Close()

		log.Error("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
		if i < connectAttempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(connectBackoff):
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect postgres after %d attempts: %w", connectAttempts, err)
	}

	sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.MaxLifetime)

	log.Info("DATABASE", "PostgreSQL connection successful")
	return bun.NewDB(sqldb, pgdialect.New()), nil
}

// IsPostgres reports whether row locks (SELECT ... FOR UPDATE) are available.
func IsPostgres(db bun.IDB) bool {
	return db.Dialect().Name() == dialect.PG
}

var schemaModels = []interface{}{
	(*models.Event)(nil),
	(*models.Booking)(nil),
	(*models.WaitlistEntry)(nil),
	(*models.IdempotencyRecord)(nil),
}

var schemaIndexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_bookings_active ON bookings (event_id, user_id) WHERE status = 'CONFIRMED'`,
	`CREATE INDEX IF NOT EXISTS ix_bookings_event_status ON bookings (event_id, status)`,
	`CREATE INDEX IF NOT EXISTS ix_waitlist_fifo ON waitlist (event_id, enqueued_at, id)`,
	`CREATE INDEX IF NOT EXISTS ix_idempotency_expires ON idempotency_records (expires_at)`,
}

// CreateSchema builds the tables from the bun models. It is used for SQLite
// and local development; PostgreSQL deployments run the SQL migrations.
func CreateSchema(ctx context.Context, db bun.IDB) error {
	for _, model := range schemaModels {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", model, err)
		}
	}
	for _, stmt := range schemaIndexes {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// DropSchema removes every table created by CreateSchema.
func DropSchema(ctx context.Context, db bun.IDB) error {
	for i := len(schemaModels) - 1; i >= 0; i-- {
		if _, err := db.NewDropTable().Model(schemaModels[i]).IfExists().Exec(ctx); err != nil {
			return fmt.Errorf("drop table for %T: %w", schemaModels[i], err)
		}
	}
	return nil
}

// IsUniqueViolation recognizes unique constraint failures from PostgreSQL
// and SQLite.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
