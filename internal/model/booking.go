package model

import (
	"time"
)

// BookingStatus is owned by the booking store; this service reads transitions
// and writes staff decisions.
type BookingStatus string

const (
	BookingStatusPending   BookingStatus = "pending"
	BookingStatusConfirmed BookingStatus = "confirmed"
	BookingStatusDeclined  BookingStatus = "declined"
	BookingStatusCancelled BookingStatus = "cancelled"
	BookingStatusCompleted BookingStatus = "completed"
)

// Valid reports whether s is a known status.
func (s BookingStatus) Valid() bool {
	switch s {
	case BookingStatusPending, BookingStatusConfirmed, BookingStatusDeclined,
		BookingStatusCancelled, BookingStatusCompleted:
		return true
	}
	return false
}

// IsHandled reports whether a human has resolved the request.
func (s BookingStatus) IsHandled() bool {
	return s.Valid() && s != BookingStatusPending
}

// Booking carries the fields the alert pipeline needs to describe a reservation.
type Booking struct {
	ID           string        `db:"id" json:"id"`
	RestaurantID string        `db:"restaurant_id" json:"restaurant_id"`
	GuestName    string        `db:"guest_name" json:"guest_name"`
	PartySize    int           `db:"party_size" json:"party_size"`
	BookingTime  time.Time     `db:"booking_time" json:"booking_time"`
	Status       BookingStatus `db:"status" json:"status"`
	Note         *string       `db:"note" json:"note,omitempty"`
	CreatedAt    time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at" json:"updated_at"`
}

// CreateBookingRequest is an inbound reservation request.
type CreateBookingRequest struct {
	ID          string    `json:"id,omitempty"`
	GuestName   string    `json:"guest_name"`
	PartySize   int       `json:"party_size"`
	BookingTime time.Time `json:"booking_time"`
}

// UpdateStatusRequest is a staff accept/decline/cancel action.
type UpdateStatusRequest struct {
	Status BookingStatus `json:"status"`
	Note   *string       `json:"note,omitempty"`
}

// ModifyBookingRequest changes time or party size in place.
type ModifyBookingRequest struct {
	BookingTime *time.Time `json:"booking_time,omitempty"`
	PartySize   *int       `json:"party_size,omitempty"`
}
