// Package notify delivers waitlist promotion notices. Delivery is best
// effort: it happens after the promotion committed and can never undo it.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ms-admission/internal/logger"
	"ms-admission/internal/models"
)

type Notifier interface {
	NotifyPromotion(ctx context.Context, promotion models.Promotion) error
}

// AsyncNotifier hands each promotion to a goroutine and returns at once.
type AsyncNotifier struct {
	next    Notifier
	logger  *logger.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewAsync(next Notifier, log *logger.Logger) *AsyncNotifier {
	return &AsyncNotifier{next: next, logger: log, timeout: 10 * time.Second}
}

// NotifyPromotion never returns an error; failures are logged.
func (a *AsyncNotifier) NotifyPromotion(ctx context.Context, promotion models.Promotion) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()

		if err := a.next.NotifyPromotion(ctx, promotion); err != nil {
			a.logger.Error("NOTIFY", fmt.Sprintf("Promotion notice for user %s on event %d failed: %v",
				promotion.UserID, promotion.Event.ID, err))
			return
		}
		a.logger.LogWaitlist("NOTIFIED", promotion.Event.ID, fmt.Sprintf("user %s, booking %d", promotion.UserID, promotion.Booking.ID))
	}()
	return nil
}

// Wait blocks until in-flight notices finish. Used on shutdown.
func (a *AsyncNotifier) Wait() {
	a.wg.Wait()
}

// LogNotifier only writes the notice to the log.
type LogNotifier struct {
	Logger *logger.Logger
}

func (n LogNotifier) NotifyPromotion(_ context.Context, p models.Promotion) error {
	n.Logger.Info("NOTIFY", Render(p))
	return nil
}

// Render is the human readable notice body.
func Render(p models.Promotion) string {
	return fmt.Sprintf("You're in! User %s has been promoted from the waitlist for %q at %s (%s). Booking #%d is confirmed.",
		p.UserID, p.Event.Name, p.Event.Venue, p.Event.StartTime.UTC().Format(time.RFC3339), p.Booking.ID)
}
