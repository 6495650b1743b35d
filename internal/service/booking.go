package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tablealert/internal/archive"
	"tablealert/internal/model"
	"tablealert/internal/outbox"
	"tablealert/internal/queue"
	"tablealert/internal/repository"
)

// BookingService applies staff and guest actions to the booking store and
// fans each write out to the outbox and the change feed.
type BookingService struct {
	bookings  repository.BookingRepository
	intents   repository.IntentRepository
	logs      repository.DeliveryLogRepository
	enqueuer  *outbox.Enqueuer
	publisher queue.Publisher // nil when no feed is configured
	archiver  archive.Archiver
	now       func() time.Time
	log       logrus.FieldLogger
}

func NewBookingService(
	store *repository.Store,
	enqueuer *outbox.Enqueuer,
	publisher queue.Publisher,
	archiver archive.Archiver,
	log logrus.FieldLogger,
) *BookingService {
	return &BookingService{
		bookings:  store.Bookings,
		intents:   store.Intents,
		logs:      store.Logs,
		enqueuer:  enqueuer,
		publisher: publisher,
		archiver:  archiver,
		now:       time.Now,
		log:       log.WithField("component", "booking_service"),
	}
}

// Create stores a new pending booking and starts its alert chain.
func (s *BookingService) Create(ctx context.Context, restaurantID string, req model.CreateBookingRequest) (*model.Booking, error) {
	req.GuestName = strings.TrimSpace(req.GuestName)
	if req.PartySize <= 0 || req.BookingTime.IsZero() {
		return nil, fmt.Errorf("%w: party_size and booking_time are required", model.ErrInvalidRequest)
	}

	now := s.now()
	booking := &model.Booking{
		ID:           req.ID,
		RestaurantID: restaurantID,
		GuestName:    req.GuestName,
		PartySize:    req.PartySize,
		BookingTime:  req.BookingTime,
		Status:       model.BookingStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if booking.ID == "" {
		booking.ID = uuid.NewString()
	}
	if err := s.bookings.Create(ctx, booking); err != nil {
		return nil, err
	}

	s.transition(ctx, outbox.Transition{Booking: *booking, To: booking.Status})
	s.publish(ctx, queue.NewBookingCreatedEvent(*booking))
	return booking, nil
}

func (s *BookingService) Get(ctx context.Context, restaurantID, id string) (*model.Booking, error) {
	booking, err := s.bookings.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if booking.RestaurantID != restaurantID {
		return nil, model.ErrBookingNotFound
	}
	return booking, nil
}

// List returns bookings in status, optionally bounded by booking time.
func (s *BookingService) List(ctx context.Context, restaurantID string, status model.BookingStatus, from, to *time.Time) ([]model.Booking, error) {
	if !status.Valid() {
		return nil, model.ErrInvalidStatus
	}
	return s.bookings.ListByStatus(ctx, restaurantID, status, from, to)
}

// UpdateStatus records a staff decision. Leaving pending stops the repeat
// chain before the change is announced on the feed.
func (s *BookingService) UpdateStatus(ctx context.Context, restaurantID, id string, req model.UpdateStatusRequest) (*model.Booking, error) {
	if !req.Status.Valid() {
		return nil, model.ErrInvalidStatus
	}
	if _, err := s.Get(ctx, restaurantID, id); err != nil {
		return nil, err
	}

	booking, previous, err := s.bookings.UpdateStatus(ctx, id, req.Status, req.Note)
	if err != nil {
		return nil, err
	}

	s.transition(ctx, outbox.Transition{Booking: *booking, From: &previous, To: booking.Status})
	if previous != booking.Status {
		s.publish(ctx, queue.NewBookingStatusChangedEvent(*booking, previous))
	}

	s.log.WithFields(logrus.Fields{
		"booking_id":    id,
		"restaurant_id": restaurantID,
		"from":          previous,
		"to":            booking.Status,
	}).Info("Booking status updated")
	return booking, nil
}

// Modify changes time or party size. A still-pending booking gets a
// one-off "updated" alert.
func (s *BookingService) Modify(ctx context.Context, restaurantID, id string, req model.ModifyBookingRequest) (*model.Booking, error) {
	if req.BookingTime == nil && req.PartySize == nil {
		return nil, fmt.Errorf("%w: nothing to modify", model.ErrInvalidRequest)
	}
	if req.PartySize != nil && *req.PartySize <= 0 {
		return nil, fmt.Errorf("%w: party_size must be positive", model.ErrInvalidRequest)
	}
	if _, err := s.Get(ctx, restaurantID, id); err != nil {
		return nil, err
	}

	booking, err := s.bookings.UpdateDetails(ctx, id, req.BookingTime, req.PartySize)
	if err != nil {
		return nil, err
	}

	status := booking.Status
	s.transition(ctx, outbox.Transition{Booking: *booking, From: &status, To: status, DetailsChanged: true})
	s.publish(ctx, queue.NewBookingModifiedEvent(*booking))
	return booking, nil
}

// StopAlerts is the server half of a local accept/decline: it ends the
// booking's repeat chain so the next worker pass sends nothing more.
func (s *BookingService) StopAlerts(ctx context.Context, restaurantID, id string) (int, error) {
	if _, err := s.Get(ctx, restaurantID, id); err != nil {
		return 0, err
	}
	return s.enqueuer.StopRepeating(ctx, id)
}

// Timeline returns every intent and delivery attempt for a booking.
func (s *BookingService) Timeline(ctx context.Context, restaurantID, id string) (*model.DeliveryTimeline, error) {
	if _, err := s.Get(ctx, restaurantID, id); err != nil {
		return nil, err
	}

	intents, err := s.intents.ListByBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(intents))
	for _, intent := range intents {
		ids = append(ids, intent.ID)
	}

	deliveries := []model.DeliveryLogEntry{}
	if len(ids) > 0 {
		deliveries, err = s.logs.ListByIntents(ctx, ids)
		if err != nil {
			return nil, err
		}
	}

	return &model.DeliveryTimeline{
		BookingID:    id,
		RestaurantID: restaurantID,
		Intents:      intents,
		Deliveries:   deliveries,
		GeneratedAt:  s.now().UTC(),
	}, nil
}

func (s *BookingService) ArchiveTimeline(ctx context.Context, restaurantID, id string) (*model.ArchiveResult, error) {
	if s.archiver == nil {
		return nil, model.ErrArchiveDisabled
	}
	timeline, err := s.Timeline(ctx, restaurantID, id)
	if err != nil {
		return nil, err
	}
	return s.archiver.Archive(ctx, timeline)
}

// transition hands the write to the outbox. Failures are logged: the booking
// write already happened and devices still alert from their next snapshot.
func (s *BookingService) transition(ctx context.Context, t outbox.Transition) {
	if _, err := s.enqueuer.OnTransition(ctx, t); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"booking_id":    t.Booking.ID,
			"restaurant_id": t.Booking.RestaurantID,
			"to":            t.To,
		}).Error("Outbox transition failed")
	}
}

func (s *BookingService) publish(ctx context.Context, event queue.BookingEvent) {
	if s.publisher == nil {
		return
	}
	if _, err := s.publisher.Publish(ctx, event); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"booking_id":    event.BookingID,
			"restaurant_id": event.RestaurantID,
			"type":          event.Type,
		}).Warn("Publish booking event failed")
	}
}
