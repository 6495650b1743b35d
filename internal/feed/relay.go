package feed

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tablealert/internal/queue"
)

const (
	relayBatchSize    = 50
	relayBlockTimeout = 5 * time.Second
)

// Relay forwards the shared booking stream to this instance's hub.
type Relay struct {
	consumer queue.Consumer
	hub      queue.Publisher
	group    string
	name     string
	log      logrus.FieldLogger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewRelay creates a relay reading through group, which must be unique per
// server instance so each instance receives every event.
func NewRelay(consumer queue.Consumer, hub queue.Publisher, instance string, log logrus.FieldLogger) *Relay {
	return &Relay{
		consumer: consumer,
		hub:      hub,
		group:    "feed_relay:" + instance,
		name:     instance,
		log:      log.WithFields(logrus.Fields{"component": "feed_relay", "group": "feed_relay:" + instance}),
	}
}

func (r *Relay) Start(ctx context.Context) error {
	if err := r.consumer.EnsureGroup(ctx, queue.StreamBookings, r.group); err != nil {
		return err
	}
	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.run(ctx)
	r.log.Info("Feed relay started")
	return nil
}

func (r *Relay) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.wg.Wait()
	r.log.Info("Feed relay stopped")
}

func (r *Relay) run(ctx context.Context) {
	defer r.wg.Done()

	// Entries read before a crash are still pending for this consumer.
	for {
		pending, err := r.consumer.ReadPending(ctx, queue.StreamBookings, r.group, r.name, relayBatchSize)
		if err != nil || len(pending) == 0 {
			break
		}
		r.forward(ctx, pending)
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := r.consumer.Read(ctx, queue.StreamBookings, r.group, r.name, relayBatchSize, relayBlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.WithError(err).Warn("Stream read failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		r.forward(ctx, messages)
	}
}

func (r *Relay) forward(ctx context.Context, messages []queue.Message) {
	ids := make([]string, 0, len(messages))
	for _, msg := range messages {
		ids = append(ids, msg.ID)
		if msg.Event.RestaurantID == "" {
			continue
		}
		if _, err := r.hub.Publish(ctx, msg.Event); err != nil {
			r.log.WithError(err).WithField("msg_id", msg.ID).Warn("Forward to hub failed")
		}
	}
	if err := r.consumer.Ack(ctx, queue.StreamBookings, r.group, ids...); err != nil {
		r.log.WithError(err).Warn("Stream ack failed")
	}
}
