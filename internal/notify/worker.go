package notify

import (
	"context"
	"encoding/json"
	"fmt"

	kafkago "github.com/segmentio/kafka-go"

	"ms-admission/internal/kafka"
	"ms-admission/internal/logger"
	"ms-admission/internal/models"
)

// PromotionHandler decodes promotions published by KafkaNotifier and
// delivers them through n.
func PromotionHandler(n Notifier) kafka.Handler {
	return func(ctx context.Context, msg kafkago.Message) error {
		var p models.Promotion
		if err := json.Unmarshal(msg.Value, &p); err != nil {
			return fmt.Errorf("decode promotion: %w", err)
		}
		if p.UserID == "" {
			return fmt.Errorf("promotion at offset %d has no user", msg.Offset)
		}
		return n.NotifyPromotion(ctx, p)
	}
}

// BookingEventHandler writes booking lifecycle events to the audit log.
func BookingEventHandler(log *logger.Logger) kafka.Handler {
	return func(_ context.Context, msg kafkago.Message) error {
		var ev models.BookingEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			return fmt.Errorf("decode booking event: %w", err)
		}
		log.LogBooking(ev.Type, ev.BookingID, fmt.Sprintf("event %d user %s status %s at %s",
			ev.EventID, ev.UserID, ev.Status, ev.OccurredAt.Format("2006-01-02T15:04:05Z07:00")))
		return nil
	}
}
