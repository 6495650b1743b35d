package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Publisher announces booking changes to subscribers.
type Publisher interface {
	// Publish returns the message ID assigned by the transport.
	Publish(ctx context.Context, event BookingEvent) (messageID string, err error)
}

// RedisPublisher implements Publisher using Redis Streams.
type RedisPublisher struct {
	client *redis.Client
	stream string
	log    logrus.FieldLogger
}

func NewPublisher(client *redis.Client, log logrus.FieldLogger) *RedisPublisher {
	return &RedisPublisher{client: client, stream: StreamBookings, log: log.WithField("component", "publisher")}
}

// Publish adds the event with XADD, trimming the stream to about StreamMaxLen entries.
func (p *RedisPublisher) Publish(ctx context.Context, event BookingEvent) (string, error) {
	startTime := time.Now()
	log := p.log.WithFields(logrus.Fields{
		"stream":        p.stream,
		"type":          event.Type,
		"booking_id":    event.BookingID,
		"restaurant_id": event.RestaurantID,
	})

	values, err := event.ToMap()
	if err != nil {
		log.WithError(err).Error("Publish FAILED")
		return "", fmt.Errorf("serialize event: %w", err)
	}

	messageID, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: StreamMaxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		log.WithError(err).Error("Publish FAILED")
		return "", fmt.Errorf("xadd to stream: %w", err)
	}

	log.WithFields(logrus.Fields{"msg_id": messageID, "duration": time.Since(startTime)}).Debug("Publish OK")
	return messageID, nil
}

// MultiPublisher fans one event out to several publishers. The first error wins;
// every publisher is still attempted.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, event BookingEvent) (string, error) {
	var (
		firstID  string
		firstErr error
	)
	for _, p := range m {
		id, err := p.Publish(ctx, event)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if firstID == "" {
			firstID = id
		}
	}
	return firstID, firstErr
}
