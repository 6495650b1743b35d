package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"tablealert/internal/metrics"
	"tablealert/internal/model"
)

// repeat spawns one child per due chain and delivers it straight away.
// The parent keeps the clock; the child is an ordinary delivery row.
func (w *Worker) repeat(ctx context.Context, runID string, sum *Summary) error {
	now := w.now()
	parents, err := w.intents.ListRepeatDue(ctx, now, w.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list repeat due: %w", err)
	}

	for i := range parents {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		parent := &parents[i]
		log := w.log.WithFields(logrus.Fields{
			"run_id":        runID,
			"intent_id":     parent.ID,
			"booking_id":    parent.BookingRef(),
			"restaurant_id": parent.RestaurantID,
			"repeat_count":  parent.RepeatCount,
		})

		if w.resolved(ctx, parent, log) {
			if _, err := w.intents.StopRepeating(ctx, parent.BookingRef(), now); err != nil {
				log.WithError(err).Error("Stop repeating failed")
				continue
			}
			sum.RepeatsStopped++
			log.Info("Booking no longer pending, repeat chain stopped")
			continue
		}

		child := parent.NewRepeatChild(w.newID(), now)
		created, err := w.intents.CreateRepeatChild(ctx, parent.ID, parent.LastRepeatAt, now, child)
		if err != nil {
			log.WithError(err).Error("Create repeat child failed")
			continue
		}
		if !created {
			log.Debug("Repeat clock advanced elsewhere")
			continue
		}
		sum.RepeatsCreated++
		metrics.RepeatChildren.Inc()
		log.WithField("child_id", child.ID).Info("Repeat child created")

		claimed, err := w.intents.ClaimByID(ctx, child.ID, runID, now, now.Add(w.cfg.ClaimTTL))
		if err != nil {
			if errors.Is(err, model.ErrStaleTransition) {
				continue
			}
			log.WithError(err).Error("Claim repeat child failed")
			continue
		}
		w.deliver(ctx, runID, claimed, sum)
	}
	return nil
}

// resolved reports whether the booking behind an alerting intent has left
// pending, covering a stop signal that never reached the outbox.
func (w *Worker) resolved(ctx context.Context, intent *model.AlertIntent, log logrus.FieldLogger) bool {
	if w.bookings == nil || intent.BookingID == nil || !intent.Kind.StartsAlert() {
		return false
	}
	status, err := w.bookings.GetStatus(ctx, *intent.BookingID)
	if err != nil {
		if !errors.Is(err, model.ErrBookingNotFound) {
			log.WithError(err).Warn("Booking status lookup failed, repeating anyway")
		}
		return false
	}
	return status.IsHandled()
}
