package repository

import (
	"context"
	"time"

	"tablealert/internal/model"
)

// IntentRepository is the durable outbox. Every state change is a conditional
// update that only applies while the row is still in the expected prior state,
// so overlapping worker runs cannot double-send.
type IntentRepository interface {
	// Create inserts a queued intent. When the intent repeats, any live chain
	// for the same booking is disabled in the same transaction and a schedule
	// row is created.
	Create(ctx context.Context, intent *model.AlertIntent) error
	GetByID(ctx context.Context, id string) (*model.AlertIntent, error)
	// FindRecent returns the newest queued or sent intent for booking+kind
	// created at or after since, or ErrIntentNotFound.
	FindRecent(ctx context.Context, bookingID string, kind model.IntentKind, since time.Time) (*model.AlertIntent, error)

	// ClaimDue leases up to limit queued intents that are due and have attempts left.
	ClaimDue(ctx context.Context, runID string, now, leaseUntil time.Time, limit int) ([]model.AlertIntent, error)
	// ClaimByID leases a single intent, or returns ErrStaleTransition.
	ClaimByID(ctx context.Context, id, runID string, now, leaseUntil time.Time) (*model.AlertIntent, error)
	MarkSent(ctx context.Context, id, runID string, sentAt time.Time) error
	MarkSkipped(ctx context.Context, id, runID, reason string) error
	// RecordFailure increments attempts and returns the resulting status:
	// queued while attempts remain, failed once attempts reach the maximum.
	RecordFailure(ctx context.Context, id, runID, reason string) (model.IntentStatus, error)

	// ListRepeatDue returns sent parents whose chain is live and whose clock
	// (last repeat, or send time before the first repeat) is at least one interval old.
	ListRepeatDue(ctx context.Context, now time.Time, limit int) ([]model.AlertIntent, error)
	// CreateRepeatChild advances the parent clock from prevLastRepeatAt to now
	// and inserts child atomically. It returns false when another run advanced
	// the clock first or the chain was stopped.
	CreateRepeatChild(ctx context.Context, parentID string, prevLastRepeatAt *time.Time, now time.Time, child *model.AlertIntent) (bool, error)
	// StopRepeating disables every live chain for the booking. Idempotent.
	StopRepeating(ctx context.Context, bookingID string, now time.Time) (int, error)

	ListByBooking(ctx context.Context, bookingID string) ([]model.AlertIntent, error)
	ListByStatus(ctx context.Context, restaurantID string, status model.IntentStatus, limit int) ([]model.AlertIntent, error)
}

type DeviceRepository interface {
	// Upsert registers or re-enables a device address and refreshes last_seen.
	Upsert(ctx context.Context, device *model.DeviceAddress) error
	ListEnabled(ctx context.Context, restaurantID string) ([]model.DeviceAddress, error)
	List(ctx context.Context, restaurantID string) ([]model.DeviceAddress, error)
	// Disable turns off every registration using pushAddress.
	Disable(ctx context.Context, pushAddress string) (int, error)
	Remove(ctx context.Context, restaurantID, deviceID string) error
}

type DeliveryLogRepository interface {
	Append(ctx context.Context, entry *model.DeliveryLogEntry) error
	ListByIntents(ctx context.Context, intentIDs []string) ([]model.DeliveryLogEntry, error)
}

type BookingRepository interface {
	Create(ctx context.Context, booking *model.Booking) error
	Get(ctx context.Context, id string) (*model.Booking, error)
	GetStatus(ctx context.Context, id string) (model.BookingStatus, error)
	// ListByStatus filters on booking_time when from/to are set.
	ListByStatus(ctx context.Context, restaurantID string, status model.BookingStatus, from, to *time.Time) ([]model.Booking, error)
	// UpdateStatus writes the new status and returns the updated booking with
	// the status it had before.
	UpdateStatus(ctx context.Context, id string, status model.BookingStatus, note *string) (*model.Booking, model.BookingStatus, error)
	UpdateDetails(ctx context.Context, id string, bookingTime *time.Time, partySize *int) (*model.Booking, error)
}

// Store bundles the repositories a process needs.
type Store struct {
	Intents  IntentRepository
	Devices  DeviceRepository
	Logs     DeliveryLogRepository
	Bookings BookingRepository
}
