package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-admission/internal/config"
	"ms-admission/internal/logger"
	"ms-admission/internal/models"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

var topics = config.TopicConfig{
	WaitlistPromoted: "evently.waitlist.promoted",
	BookingCreated:   "evently.booking.created",
	BookingCanceled:  "evently.booking.canceled",
}

func TestBookingPublisherRoutesByType(t *testing.T) {
	w := &fakeWriter{}
	pub := NewBookingPublisher(&Producer{Writer: w, Logger: logger.NewNopLogger()}, topics)
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b := &models.Booking{ID: 3, EventID: 9, UserID: "alice", Status: models.BookingConfirmed}

	require.NoError(t, pub.PublishBookingEvent(context.Background(), models.NewBookingEvent("booking.created", b, at)))
	b.Status = models.BookingCanceled
	require.NoError(t, pub.PublishBookingEvent(context.Background(), models.NewBookingEvent("booking.canceled", b, at)))

	require.Len(t, w.msgs, 2)
	assert.Equal(t, "evently.booking.created", w.msgs[0].Topic)
	assert.Equal(t, "evently.booking.canceled", w.msgs[1].Topic)
	assert.Equal(t, "9", string(w.msgs[0].Key))

	var decoded models.BookingEvent
	require.NoError(t, json.Unmarshal(w.msgs[1].Value, &decoded))
	assert.Equal(t, int64(3), decoded.BookingID)
	assert.Equal(t, models.BookingCanceled, decoded.Status)
}

func TestBookingPublisherUnknownType(t *testing.T) {
	pub := NewBookingPublisher(&Producer{Writer: &fakeWriter{}, Logger: logger.NewNopLogger()}, topics)
	err := pub.PublishBookingEvent(context.Background(), models.BookingEvent{Type: "booking.exploded"})
	assert.Error(t, err)
}

func TestPublishWrapsWriterError(t *testing.T) {
	boom := errors.New("leader not available")
	p := &Producer{Writer: &fakeWriter{err: boom}, Logger: logger.NewNopLogger()}

	err := p.Publish(context.Background(), "t", "k", []byte("v"))
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "publish to t")
}
