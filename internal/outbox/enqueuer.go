// Package outbox turns booking status transitions into durable alert intents.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tablealert/internal/cache"
	"tablealert/internal/metrics"
	"tablealert/internal/model"
	"tablealert/internal/repository"
)

type Config struct {
	RepeatInterval time.Duration
	RepeatWindow   time.Duration
	DedupeWindow   time.Duration
	MaxAttempts    int
}

func DefaultConfig() Config {
	return Config{
		RepeatInterval: 30 * time.Second,
		RepeatWindow:   300 * time.Second,
		DedupeWindow:   10 * time.Second,
		MaxAttempts:    model.DefaultMaxAttempts,
	}
}

// Transition describes one booking write. From is nil for an insert.
type Transition struct {
	Booking        model.Booking
	From           *model.BookingStatus
	To             model.BookingStatus
	DetailsChanged bool
}

type Enqueuer struct {
	intents repository.IntentRepository
	guard   cache.DedupeGuard
	cfg     Config
	now     func() time.Time
	newID   func() string
	log     logrus.FieldLogger
}

type Option func(*Enqueuer)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Enqueuer) { e.now = now }
}

// WithDedupeGuard adds a shared short-window guard in front of the store check.
func WithDedupeGuard(g cache.DedupeGuard) Option {
	return func(e *Enqueuer) { e.guard = g }
}

func NewEnqueuer(intents repository.IntentRepository, cfg Config, log logrus.FieldLogger, opts ...Option) *Enqueuer {
	e := &Enqueuer{
		intents: intents,
		cfg:     cfg,
		now:     time.Now,
		newID:   uuid.NewString,
		log:     log.WithField("component", "outbox"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnTransition reacts to a booking insert or status change. It returns the id
// of the intent written, or "" when the transition needs none.
func (e *Enqueuer) OnTransition(ctx context.Context, t Transition) (string, error) {
	b := t.Booking
	wasPending := t.From != nil && *t.From == model.BookingStatusPending
	fields := logrus.Fields{"booking_id": b.ID, "restaurant_id": b.RestaurantID, "to": t.To}

	switch {
	case t.To == model.BookingStatusPending && !wasPending:
		until := e.now().Add(e.cfg.RepeatWindow)
		return e.Enqueue(ctx, model.EnqueueRequest{
			RestaurantID: b.RestaurantID,
			Kind:         model.IntentKindNewBooking,
			Title:        "New booking request",
			Body:         describe(b),
			Payload:      bookingPayload(b),
			BookingID:    &b.ID,
			Priority:     model.PriorityHigh,
			Repeat: &model.RepeatConfig{
				IntervalSeconds: int(e.cfg.RepeatInterval / time.Second),
				Until:           until,
			},
		})

	case wasPending && t.To.IsHandled():
		n, err := e.StopRepeating(ctx, b.ID)
		if err != nil {
			return "", err
		}
		e.log.WithFields(fields).WithField("chains", n).Info("Booking left pending, repeat stopped")
		// Devices without a live feed learn about the decision from this push.
		return e.Enqueue(ctx, model.EnqueueRequest{
			RestaurantID: b.RestaurantID,
			Kind:         model.IntentKindCancelled,
			Title:        "Booking request " + string(t.To),
			Body:         describe(b),
			Payload:      bookingPayload(b),
			BookingID:    &b.ID,
			Priority:     model.PriorityHigh,
		})

	case wasPending && t.To == model.BookingStatusPending && t.DetailsChanged:
		return e.Enqueue(ctx, model.EnqueueRequest{
			RestaurantID: b.RestaurantID,
			Kind:         model.IntentKindModified,
			Title:        "Booking request updated",
			Body:         describe(b),
			Payload:      bookingPayload(b),
			BookingID:    &b.ID,
			Priority:     model.PriorityHigh,
		})
	}

	e.log.WithFields(fields).Debug("Transition needs no alert")
	return "", nil
}

// Enqueue validates req and writes one queued intent. A repeat config makes it
// the parent of a new chain. Duplicate requests for the same booking and kind
// inside the dedupe window return the existing intent id.
func (e *Enqueuer) Enqueue(ctx context.Context, req model.EnqueueRequest) (string, error) {
	if err := validate(req); err != nil {
		return "", err
	}
	now := e.now()
	if req.Kind == "" {
		req.Kind = model.IntentKindGeneric
	}

	if req.BookingID != nil && e.cfg.DedupeWindow > 0 {
		if id, dup, err := e.findDuplicate(ctx, *req.BookingID, req.Kind, req.Repeat != nil, now); err != nil {
			return "", err
		} else if dup {
			e.log.WithFields(logrus.Fields{
				"booking_id": *req.BookingID,
				"kind":       req.Kind,
				"intent_id":  id,
			}).Info("Duplicate enqueue ignored")
			return id, nil
		}
	}

	intent := e.build(req, now)
	if err := e.intents.Create(ctx, intent); err != nil {
		return "", fmt.Errorf("create intent: %w", err)
	}

	metrics.IntentsEnqueued.WithLabelValues(string(intent.Kind)).Inc()
	e.log.WithFields(logrus.Fields{
		"intent_id":     intent.ID,
		"booking_id":    intent.BookingRef(),
		"restaurant_id": intent.RestaurantID,
		"kind":          intent.Kind,
		"repeat":        intent.RepeatEnabled,
	}).Info("Alert intent enqueued")
	return intent.ID, nil
}

// findDuplicate reports an intent written for the same booking and kind
// inside the window. A stopped chain never counts as a duplicate of a new one.
func (e *Enqueuer) findDuplicate(ctx context.Context, bookingID string, kind model.IntentKind, repeating bool, now time.Time) (string, bool, error) {
	fresh := true
	if e.guard != nil {
		ok, err := e.guard.Claim(ctx, cache.EnqueueKey(bookingID, string(kind)), e.cfg.DedupeWindow)
		if err != nil {
			e.log.WithError(err).WithField("booking_id", bookingID).Warn("Dedupe guard unavailable, using store check only")
		} else {
			fresh = ok
		}
	}

	existing, err := e.intents.FindRecent(ctx, bookingID, kind, now.Add(-e.cfg.DedupeWindow))
	if err == nil && (!repeating || existing.RepeatEnabled) {
		return existing.ID, true, nil
	}
	if err == nil {
		return "", false, nil
	}
	if !errors.Is(err, model.ErrIntentNotFound) {
		return "", false, fmt.Errorf("dedupe lookup: %w", err)
	}
	if !fresh {
		// The other caller has not committed yet; enqueue anyway, devices are idempotent.
		e.log.WithField("booking_id", bookingID).Debug("Dedupe key held without stored intent")
	}
	return "", false, nil
}

func (e *Enqueuer) build(req model.EnqueueRequest, now time.Time) *model.AlertIntent {
	id := e.newID()

	payload := model.Payload{}
	for k, v := range req.Payload {
		payload[k] = v
	}
	payload[model.PayloadIntentID] = id
	payload[model.PayloadKind] = string(req.Kind)
	payload[model.PayloadRestaurantID] = req.RestaurantID
	if req.BookingID != nil {
		payload[model.PayloadBookingID] = *req.BookingID
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.cfg.MaxAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = model.DefaultMaxAttempts
	}
	priority := req.Priority
	if priority == "" {
		priority = model.PriorityHigh
	}
	scheduled := now
	if req.ScheduledFor != nil {
		scheduled = *req.ScheduledFor
	}

	intent := &model.AlertIntent{
		ID:              id,
		RestaurantID:    req.RestaurantID,
		BookingID:       req.BookingID,
		Kind:            req.Kind,
		Title:           req.Title,
		Body:            req.Body,
		Payload:         payload,
		Priority:        priority,
		Status:          model.IntentStatusQueued,
		MaxAttempts:     maxAttempts,
		TargetAddresses: req.TargetAddresses,
		ScheduledFor:    scheduled,
		CreatedAt:       now,
	}
	if req.Repeat != nil {
		until := req.Repeat.Until
		intent.RepeatEnabled = true
		intent.RepeatIntervalSeconds = req.Repeat.IntervalSeconds
		intent.RepeatUntil = &until
	}
	return intent
}

// StopRepeating disables the live chain for a booking so the next worker
// pass stops generating children. Safe to call repeatedly.
func (e *Enqueuer) StopRepeating(ctx context.Context, bookingID string) (int, error) {
	n, err := e.intents.StopRepeating(ctx, bookingID, e.now())
	if err != nil {
		return 0, fmt.Errorf("stop repeating for booking %s: %w", bookingID, err)
	}
	return n, nil
}

func validate(req model.EnqueueRequest) error {
	var missing []string
	if req.RestaurantID == "" {
		missing = append(missing, "restaurant_id")
	}
	if req.Title == "" && req.Body == "" {
		missing = append(missing, "title or body")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", model.ErrInvalidRequest, strings.Join(missing, ", "))
	}
	if req.Repeat != nil {
		if req.Repeat.IntervalSeconds <= 0 {
			return fmt.Errorf("%w: repeat interval must be positive", model.ErrInvalidRequest)
		}
		if req.Repeat.Until.IsZero() {
			return fmt.Errorf("%w: repeat until is required", model.ErrInvalidRequest)
		}
	}
	return nil
}

func describe(b model.Booking) string {
	guest := b.GuestName
	if guest == "" {
		guest = "Guest"
	}
	return fmt.Sprintf("%s, party of %d, %s", guest, b.PartySize, b.BookingTime.Format("Mon 02 Jan 15:04"))
}

func bookingPayload(b model.Booking) model.Payload {
	return model.Payload{
		model.PayloadBookingStatus: string(b.Status),
		model.PayloadGuestName:     b.GuestName,
		model.PayloadPartySize:     strconv.Itoa(b.PartySize),
		model.PayloadBookingTime:   b.BookingTime.UTC().Format(time.RFC3339),
	}
}
