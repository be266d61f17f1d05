package notify

import (
	"context"

	"ms-admission/internal/models"
)

type jsonPublisher interface {
	PublishJSON(ctx context.Context, topic, key string, v interface{}) error
}

// KafkaNotifier publishes the promotion for the notification worker.
type KafkaNotifier struct {
	Publisher jsonPublisher
	Topic     string
}

func NewKafkaNotifier(publisher jsonPublisher, topic string) *KafkaNotifier {
	return &KafkaNotifier{Publisher: publisher, Topic: topic}
}

func (k *KafkaNotifier) NotifyPromotion(ctx context.Context, p models.Promotion) error {
	return k.Publisher.PublishJSON(ctx, k.Topic, p.UserID, p)
}
