package model

import "errors"

var (
	// ErrIntentNotFound is returned when an alert intent cannot be found
	ErrIntentNotFound = errors.New("alert intent not found")

	// ErrDeviceNotFound is returned when no device matches the lookup
	ErrDeviceNotFound = errors.New("device not found")

	// ErrBookingNotFound is returned when a booking cannot be found
	ErrBookingNotFound = errors.New("booking not found")

	// ErrNoRecipients is returned when a restaurant has no enabled device
	ErrNoRecipients = errors.New("no enabled devices for restaurant")

	// ErrStaleTransition is returned when a conditional update lost a race
	ErrStaleTransition = errors.New("intent state changed concurrently")

	// ErrInvalidStatus is returned for unknown booking or intent statuses
	ErrInvalidStatus = errors.New("invalid status")

	// ErrInvalidRequest is returned when required fields are missing
	ErrInvalidRequest = errors.New("invalid request")

	// ErrArchiveDisabled is returned when object storage is not configured
	ErrArchiveDisabled = errors.New("timeline archive not configured")
)

// Error codes for the HTTP error envelope
const (
	CodeInvalidStatus = "INVALID_STATUS"
	CodeArchiveOff    = "ARCHIVE_DISABLED"
	CodeTokenExpired  = "TOKEN_EXPIRED"
	CodeTokenInvalid  = "TOKEN_INVALID"
)
