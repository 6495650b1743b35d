package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"tablealert/internal/model"
)

// Event types for the booking change stream
const (
	EventBookingCreated       = "booking_created"
	EventBookingStatusChanged = "booking_status_changed"
	EventBookingModified      = "booking_modified"
)

// StreamBookings carries booking changes for every restaurant; subscribers
// filter on RestaurantID.
const StreamBookings = "stream:bookings"

// StreamMaxLen trims the stream approximately; subscribers only need recent history.
const StreamMaxLen = 10000

// BookingEvent is one change observed in the booking store.
type BookingEvent struct {
	Type           string              `json:"type"`
	Timestamp      int64               `json:"timestamp"`
	RestaurantID   string              `json:"restaurant_id"`
	BookingID      string              `json:"booking_id"`
	Status         model.BookingStatus `json:"status"`
	PreviousStatus model.BookingStatus `json:"previous_status,omitempty"`
	GuestName      string              `json:"guest_name,omitempty"`
	PartySize      int                 `json:"party_size,omitempty"`
	BookingTime    *time.Time          `json:"booking_time,omitempty"`
}

func newBookingEvent(eventType string, b model.Booking) BookingEvent {
	bt := b.BookingTime
	return BookingEvent{
		Type:         eventType,
		Timestamp:    time.Now().Unix(),
		RestaurantID: b.RestaurantID,
		BookingID:    b.ID,
		Status:       b.Status,
		GuestName:    b.GuestName,
		PartySize:    b.PartySize,
		BookingTime:  &bt,
	}
}

func NewBookingCreatedEvent(b model.Booking) BookingEvent {
	return newBookingEvent(EventBookingCreated, b)
}

func NewBookingStatusChangedEvent(b model.Booking, previous model.BookingStatus) BookingEvent {
	e := newBookingEvent(EventBookingStatusChanged, b)
	e.PreviousStatus = previous
	return e
}

func NewBookingModifiedEvent(b model.Booking) BookingEvent {
	return newBookingEvent(EventBookingModified, b)
}

// ToMap converts the event to XADD field-value pairs. The JSON body lives in
// "data"; "restaurant_id" is duplicated for inspection with redis-cli.
func (e BookingEvent) ToMap() (map[string]interface{}, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return map[string]interface{}{
		"type":          e.Type,
		"restaurant_id": e.RestaurantID,
		"data":          string(data),
	}, nil
}

// ParseBookingEvent parses a BookingEvent from Redis stream message values.
func ParseBookingEvent(values map[string]interface{}) (BookingEvent, error) {
	data, ok := values["data"].(string)
	if !ok {
		return BookingEvent{}, fmt.Errorf("missing or invalid 'data' field")
	}

	var event BookingEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return BookingEvent{}, fmt.Errorf("unmarshal event: %w", err)
	}
	return event, nil
}

// Booking rebuilds the booking fields the event carries.
func (e BookingEvent) Booking() model.Booking {
	b := model.Booking{
		ID:           e.BookingID,
		RestaurantID: e.RestaurantID,
		GuestName:    e.GuestName,
		PartySize:    e.PartySize,
		Status:       e.Status,
	}
	if e.BookingTime != nil {
		b.BookingTime = *e.BookingTime
	}
	return b
}
