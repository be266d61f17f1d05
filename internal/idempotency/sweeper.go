package idempotency

import (
	"context"
	"fmt"
	"net/http"
	"time"

	bookingdb "ms-admission/internal/booking/db"
	idemdb "ms-admission/internal/idempotency/db"
)

const sweepBatch = 500

type SweepReport struct {
	Succeeded int
	Failed    int
	Deleted   int64
}

// Sweep settles IN_PROGRESS records older than grace whose outcome was
// never written, then deletes expired records. A stale record counts as a
// success if its requester now holds a confirmed booking for the event made
// after the record was claimed.
func (c *Coordinator) Sweep(ctx context.Context, grace time.Duration) (*SweepReport, error) {
	now := c.Clock.Now()
	store := idemdb.New(c.DB)
	bookings := bookingdb.New(c.DB)
	report := &SweepReport{}

	stale, err := store.ListStaleInProgress(ctx, now.Add(-grace), sweepBatch)
	if err != nil {
		return nil, fmt.Errorf("list stale idempotency records: %w", err)
	}

	for _, rec := range stale {
		b, err := bookings.GetActiveBooking(ctx, rec.EventID, rec.UserID)
		if err != nil {
			return report, fmt.Errorf("reconcile idempotency record %d: %w", rec.ID, err)
		}

		if b != nil && !b.BookedAt.Before(rec.CreatedAt) {
			ok, err := store.ResolveSuccess(ctx, rec.ID, b.ID, http.StatusCreated)
			if err != nil {
				return report, fmt.Errorf("resolve idempotency record %d: %w", rec.ID, err)
			}
			if ok {
				report.Succeeded++
			}
			continue
		}

		ok, err := store.MarkFailure(ctx, rec.ID, http.StatusConflict)
		if err != nil {
			return report, fmt.Errorf("resolve idempotency record %d: %w", rec.ID, err)
		}
		if ok {
			report.Failed++
		}
	}

	deleted, err := store.DeleteExpired(ctx, now)
	if err != nil {
		return report, fmt.Errorf("delete expired idempotency records: %w", err)
	}
	report.Deleted = deleted

	if report.Succeeded+report.Failed > 0 || deleted > 0 {
		c.Logger.LogIdempotency("SWEEP", "*", fmt.Sprintf("resolved %d success, %d failure, deleted %d expired",
			report.Succeeded, report.Failed, report.Deleted))
	}
	return report, nil
}

// SweepLease keeps replicas from sweeping at the same time.
type SweepLease interface {
	Acquire(ctx context.Context, owner string) (bool, error)
	Release(ctx context.Context, owner string) error
}

// TrySweep sweeps only if this replica holds the lease. Without a lease it
// always sweeps.
func (c *Coordinator) TrySweep(ctx context.Context, grace time.Duration) (*SweepReport, bool, error) {
	if c.Lease == nil {
		report, err := c.Sweep(ctx, grace)
		return report, true, err
	}

	held, err := c.Lease.Acquire(ctx, c.Owner)
	if err != nil {
		return nil, false, err
	}
	if !held {
		return nil, false, nil
	}
	defer func() {
		if err := c.Lease.Release(context.WithoutCancel(ctx), c.Owner); err != nil {
			c.Logger.Warn("IDEMPOTENCY", fmt.Sprintf("Release sweep lease: %v", err))
		}
	}()

	report, err := c.Sweep(ctx, grace)
	return report, true, err
}

// RunSweeper calls TrySweep every interval until ctx is done.
func (c *Coordinator) RunSweeper(ctx context.Context, interval, grace time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := c.TrySweep(ctx, grace); err != nil {
				c.Logger.Error("IDEMPOTENCY", fmt.Sprintf("Sweep failed: %v", err))
			}
		}
	}
}
