package model

import (
	"time"
)

// DeviceAddress is one push address per physical device per restaurant.
// Once disabled by a permanent delivery failure it is never targeted again
// until the device registers anew.
type DeviceAddress struct {
	DeviceID     string    `db:"device_id" json:"device_id"`
	RestaurantID string    `db:"restaurant_id" json:"restaurant_id"`
	PushAddress  string    `db:"push_address" json:"-"`
	Platform     string    `db:"platform" json:"platform"`
	Enabled      bool      `db:"enabled" json:"enabled"`
	LastSeen     time.Time `db:"last_seen" json:"last_seen"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// RegisterDeviceRequest is the request body for registering a push address.
type RegisterDeviceRequest struct {
	DeviceID    string `json:"device_id"`
	PushAddress string `json:"push_address"`
	Platform    string `json:"platform"` // "ios", "android" or "expo"
}

// Platform constants
const (
	PlatformIOS     = "ios"
	PlatformAndroid = "android"
	PlatformExpo    = "expo"
)
