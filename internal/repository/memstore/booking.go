package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"tablealert/internal/model"
)

type bookingRepository struct {
	db *DB
}

func (r *bookingRepository) Create(ctx context.Context, booking *model.Booking) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if _, exists := r.db.bookings[booking.ID]; exists {
		return fmt.Errorf("insert booking: duplicate id %s", booking.ID)
	}
	stored := *booking
	r.db.bookings[booking.ID] = &stored
	return nil
}

func (r *bookingRepository) Get(ctx context.Context, id string) (*model.Booking, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	b, ok := r.db.bookings[id]
	if !ok {
		return nil, model.ErrBookingNotFound
	}
	out := *b
	return &out, nil
}

func (r *bookingRepository) GetStatus(ctx context.Context, id string) (model.BookingStatus, error) {
	b, err := r.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return b.Status, nil
}

func (r *bookingRepository) ListByStatus(ctx context.Context, restaurantID string, status model.BookingStatus, from, to *time.Time) ([]model.Booking, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	out := []model.Booking{}
	for _, b := range r.db.bookings {
		if b.RestaurantID != restaurantID || b.Status != status {
			continue
		}
		if from != nil && b.BookingTime.Before(*from) {
			continue
		}
		if to != nil && !b.BookingTime.Before(*to) {
			continue
		}
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].BookingTime.Equal(out[j].BookingTime) {
			return out[i].BookingTime.Before(out[j].BookingTime)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *bookingRepository) UpdateStatus(ctx context.Context, id string, status model.BookingStatus, note *string) (*model.Booking, model.BookingStatus, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	b, ok := r.db.bookings[id]
	if !ok {
		return nil, "", model.ErrBookingNotFound
	}
	previous := b.Status
	b.Status = status
	if note != nil {
		n := *note
		b.Note = &n
	}
	b.UpdatedAt = time.Now()
	out := *b
	return &out, previous, nil
}

func (r *bookingRepository) UpdateDetails(ctx context.Context, id string, bookingTime *time.Time, partySize *int) (*model.Booking, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	b, ok := r.db.bookings[id]
	if !ok {
		return nil, model.ErrBookingNotFound
	}
	if bookingTime != nil {
		b.BookingTime = *bookingTime
	}
	if partySize != nil {
		b.PartySize = *partySize
	}
	b.UpdatedAt = time.Now()
	out := *b
	return &out, nil
}
