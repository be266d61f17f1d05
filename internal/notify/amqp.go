package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"ms-admission/internal/logger"
	"ms-admission/internal/models"
)

// AMQPNotifier publishes promotions to a durable RabbitMQ queue through the
// default exchange. The connection is opened lazily and reopened after a
// failure.
type AMQPNotifier struct {
	url    string
	queue  string
	logger *logger.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPNotifier(url, queue string, log *logger.Logger) *AMQPNotifier {
	return &AMQPNotifier{url: url, queue: queue, logger: log}
}

func (a *AMQPNotifier) NotifyPromotion(ctx context.Context, p models.Promotion) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal promotion: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	ch, err := a.channel()
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx,
		"",      // default exchange
		a.queue, // routing key = queue name
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	)
	if err != nil {
		a.reset()
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

func (a *AMQPNotifier) channel() (*amqp.Channel, error) {
	if a.ch != nil && !a.ch.IsClosed() {
		return a.ch, nil
	}
	a.reset()

	conn, err := amqp.Dial(a.url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(a.queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("amqp queue declare: %w", err)
	}

	a.logger.Info("AMQP", fmt.Sprintf("Connected, publishing to queue %s", a.queue))
	a.conn, a.ch = conn, ch
	return ch, nil
}

func (a *AMQPNotifier) reset() {
	if a.ch != nil {
		a.ch.Close()
		a.ch = nil
	}
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
}

func (a *AMQPNotifier) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reset()
	return nil
}

// ConsumeAMQP delivers every message on queue to handle until ctx ends.
// Messages that fail to decode are rejected without requeue.
func ConsumeAMQP(ctx context.Context, url, queue string, log *logger.Logger, handle func(context.Context, models.Promotion) error) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn, err := amqp.Dial(url)
		if err != nil {
			log.Warn("AMQP", fmt.Sprintf("Dial failed: %v, retrying in %s", err, backoff))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = consumeLoop(ctx, conn, queue, log, handle)
		conn.Close()
		if err != nil {
			log.Error("AMQP", fmt.Sprintf("Consume loop ended: %v, reconnecting", err))
		}
	}
}

func consumeLoop(ctx context.Context, conn *amqp.Connection, queue string, log *logger.Logger, handle func(context.Context, models.Promotion) error) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(50, 0, false); err != nil {
		log.Warn("AMQP", fmt.Sprintf("Set QoS failed: %v", err))
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			var p models.Promotion
			if err := json.Unmarshal(d.Body, &p); err != nil {
				log.Error("AMQP", fmt.Sprintf("Bad promotion payload: %v", err))
				d.Reject(false)
				continue
			}
			if err := handle(ctx, p); err != nil {
				log.Error("AMQP", fmt.Sprintf("Deliver promotion failed: %v", err))
				d.Nack(false, true)
				continue
			}
			d.Ack(false)
		}
	}
}
