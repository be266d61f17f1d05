package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"ms-admission/internal/config"
	"ms-admission/internal/logger"
	"ms-admission/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes to any topic; the topic is chosen per message.
type Producer struct {
	Writer messageWriter
	Logger *logger.Logger
}

func NewProducer(brokers []string, log *logger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return &Producer{Writer: writer, Logger: log}
}

func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	err := p.Writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Time:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	p.Logger.LogKafka("PUBLISH", topic, fmt.Sprintf("key=%s bytes=%d", key, len(value)))
	return nil
}

func (p *Producer) PublishJSON(ctx context.Context, topic, key string, v interface{}) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	return p.Publish(ctx, topic, key, value)
}

func (p *Producer) Close() error {
	return p.Writer.Close()
}

// BookingPublisher routes booking lifecycle events to their topics. Events
// are keyed by event id so each event's history stays in one partition.
type BookingPublisher struct {
	Producer *Producer
	Topics   config.TopicConfig
}

func NewBookingPublisher(producer *Producer, topics config.TopicConfig) *BookingPublisher {
	return &BookingPublisher{Producer: producer, Topics: topics}
}

func (b *BookingPublisher) PublishBookingEvent(ctx context.Context, event models.BookingEvent) error {
	var topic string
	switch event.Type {
	case "booking.created":
		topic = b.Topics.BookingCreated
	case "booking.canceled":
		topic = b.Topics.BookingCanceled
	default:
		return fmt.Errorf("unknown booking event type %q", event.Type)
	}
	return b.Producer.PublishJSON(ctx, topic, strconv.FormatInt(event.EventID, 10), event)
}
