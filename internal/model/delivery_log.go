package model

import (
	"time"
)

// Delivery log outcomes
const (
	DeliveryStatusOK    = "ok"
	DeliveryStatusError = "error"
)

// DeliveryLogEntry is the append-only record of one (intent, device) attempt.
type DeliveryLogEntry struct {
	ID                string    `db:"id" json:"id"`
	IntentID          string    `db:"intent_id" json:"intent_id"`
	DeviceID          string    `db:"device_id" json:"device_id"`
	PushAddress       string    `db:"push_address" json:"push_address"`
	Status            string    `db:"status" json:"status"`
	ProviderReceiptID *string   `db:"provider_receipt_id" json:"provider_receipt_id,omitempty"`
	Error             *string   `db:"error" json:"error,omitempty"`
	RawResponse       string    `db:"raw_response" json:"raw_response"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}

// DeliveryTimeline groups everything sent for a booking, oldest first.
type DeliveryTimeline struct {
	BookingID    string             `json:"booking_id"`
	RestaurantID string             `json:"restaurant_id"`
	Intents      []AlertIntent      `json:"intents"`
	Deliveries   []DeliveryLogEntry `json:"deliveries"`
	GeneratedAt  time.Time          `json:"generated_at"`
}

// ArchiveResult describes where a timeline export was written.
type ArchiveResult struct {
	Key string `json:"key"`
	URL string `json:"url,omitempty"`
}
