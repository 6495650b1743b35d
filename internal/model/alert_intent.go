package model

import (
	"time"
)

// IntentStatus is the delivery state of an alert intent row.
// Rows only move forward: queued -> sent | skipped | failed.
type IntentStatus string

const (
	IntentStatusQueued  IntentStatus = "queued"
	IntentStatusSent    IntentStatus = "sent"
	IntentStatusSkipped IntentStatus = "skipped"
	IntentStatusFailed  IntentStatus = "failed"
)

// IsTerminal reports whether no further delivery will be attempted.
func (s IntentStatus) IsTerminal() bool {
	return s == IntentStatusSent || s == IntentStatusSkipped || s == IntentStatusFailed
}

// Valid reports whether s is a known status.
func (s IntentStatus) Valid() bool {
	return s == IntentStatusQueued || s.IsTerminal()
}

// IntentKind describes why an intent was created.
type IntentKind string

const (
	IntentKindNewBooking IntentKind = "new_booking"
	IntentKindCancelled  IntentKind = "cancelled"
	IntentKindModified   IntentKind = "modified"
	IntentKindGeneric    IntentKind = "generic"
)

// StartsAlert reports whether a push of this kind asks the device to ring.
// A cancelled push tells devices the booking was handled.
func (k IntentKind) StartsAlert() bool {
	return k == IntentKindNewBooking || k == IntentKindModified
}

// Push priorities understood by both push providers.
const (
	PriorityDefault = "default"
	PriorityNormal  = "normal"
	PriorityHigh    = "high"
)

// Payload keys carried in every push so the device can reconcile without a fetch.
const (
	PayloadBookingID     = "bookingId"
	PayloadBookingStatus = "bookingStatus"
	PayloadKind          = "kind"
	PayloadIntentID      = "intentId"
	PayloadRestaurantID  = "restaurantId"
	PayloadGuestName     = "guestName"
	PayloadPartySize     = "partySize"
	PayloadBookingTime   = "bookingTime"
	PayloadChannel       = "channel"
)

// DefaultMaxAttempts bounds retries when the caller does not choose.
const DefaultMaxAttempts = 3

// Payload is the opaque key/value map delivered with a push.
type Payload map[string]string

// Clone returns an independent copy.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// RepeatConfig turns an intent into the parent of a repeat chain.
type RepeatConfig struct {
	IntervalSeconds int       `json:"interval_seconds"`
	Until           time.Time `json:"until"`
}

// AlertIntent is one durable outbox row. Parents of a repeat chain carry the
// repeat clock; children are plain delivery rows pointing back via ParentID.
type AlertIntent struct {
	ID              string       `json:"id"`
	ParentID        *string      `json:"parent_id,omitempty"`
	RestaurantID    string       `json:"restaurant_id"`
	BookingID       *string      `json:"booking_id,omitempty"`
	Kind            IntentKind   `json:"kind"`
	Title           string       `json:"title"`
	Body            string       `json:"body"`
	Payload         Payload      `json:"payload"`
	Priority        string       `json:"priority"`
	Status          IntentStatus `json:"status"`
	Attempts        int          `json:"attempts"`
	MaxAttempts     int          `json:"max_attempts"`
	TargetAddresses []string     `json:"target_addresses,omitempty"`

	RepeatEnabled         bool       `json:"repeat_enabled"`
	RepeatIntervalSeconds int        `json:"repeat_interval_seconds,omitempty"`
	RepeatUntil           *time.Time `json:"repeat_until,omitempty"`
	LastRepeatAt          *time.Time `json:"last_repeat_at,omitempty"`
	RepeatCount           int        `json:"repeat_count"`

	ScheduledFor time.Time  `json:"scheduled_for"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	Error        *string    `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// BookingRef returns the booking id or "" for intents not tied to a booking.
func (i *AlertIntent) BookingRef() string {
	if i.BookingID == nil {
		return ""
	}
	return *i.BookingID
}

// RepeatDue reports whether a sent parent should spawn its next child at now.
// The clock starts at the parent's own send time until the first repeat.
func (i *AlertIntent) RepeatDue(now time.Time) bool {
	if !i.RepeatEnabled || i.Status != IntentStatusSent || i.RepeatUntil == nil {
		return false
	}
	if !i.RepeatUntil.After(now) {
		return false
	}
	last := i.LastRepeatAt
	if last == nil {
		last = i.SentAt
	}
	if last == nil {
		return false
	}
	return now.Sub(*last) >= time.Duration(i.RepeatIntervalSeconds)*time.Second
}

// NewRepeatChild copies the delivery content of a parent into a fresh queued
// row. Children never repeat themselves.
func (i *AlertIntent) NewRepeatChild(id string, now time.Time) *AlertIntent {
	parentID := i.ID
	payload := i.Payload.Clone()
	payload[PayloadIntentID] = id
	var targets []string
	if len(i.TargetAddresses) > 0 {
		targets = append(targets, i.TargetAddresses...)
	}
	return &AlertIntent{
		ID:              id,
		ParentID:        &parentID,
		RestaurantID:    i.RestaurantID,
		BookingID:       i.BookingID,
		Kind:            i.Kind,
		Title:           i.Title,
		Body:            i.Body,
		Payload:         payload,
		Priority:        i.Priority,
		Status:          IntentStatusQueued,
		MaxAttempts:     i.MaxAttempts,
		TargetAddresses: targets,
		ScheduledFor:    now,
		CreatedAt:       now,
	}
}

// EnqueueRequest is the application-facing enqueue contract.
type EnqueueRequest struct {
	RestaurantID    string        `json:"restaurant_id"`
	Kind            IntentKind    `json:"kind"`
	Title           string        `json:"title"`
	Body            string        `json:"body"`
	Payload         Payload       `json:"payload"`
	BookingID       *string       `json:"booking_id,omitempty"`
	Priority        string        `json:"priority,omitempty"`
	MaxAttempts     int           `json:"max_attempts,omitempty"`
	TargetAddresses []string      `json:"target_addresses,omitempty"`
	Repeat          *RepeatConfig `json:"repeat,omitempty"`
	ScheduledFor    *time.Time    `json:"scheduled_for,omitempty"`
}

// EnqueueResponse is returned by the enqueue endpoint.
type EnqueueResponse struct {
	IntentID string `json:"intent_id"`
}
