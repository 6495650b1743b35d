// Package memstore keeps every repository in process memory behind one mutex.
// It mirrors the Postgres conditional updates and is used for STORE_DRIVER=memory
// and in tests.
package memstore

import (
	"sync"
	"time"

	"tablealert/internal/model"
	"tablealert/internal/repository"
)

type schedule struct {
	bookingID       *string
	intervalSeconds int
	enabled         bool
	until           time.Time
	lastRepeatAt    *time.Time
	count           int
}

type intentState struct {
	intent       model.AlertIntent
	claimedBy    string
	claimedUntil *time.Time
	seq          int
}

type DB struct {
	mu        sync.Mutex
	seq       int
	intents   map[string]*intentState
	schedules map[string]*schedule
	devices   map[string]*model.DeviceAddress
	logs      []model.DeliveryLogEntry
	bookings  map[string]*model.Booking
}

func New() *DB {
	return &DB{
		intents:   make(map[string]*intentState),
		schedules: make(map[string]*schedule),
		devices:   make(map[string]*model.DeviceAddress),
		bookings:  make(map[string]*model.Booking),
	}
}

// Store returns repositories sharing this DB.
func (db *DB) Store() *repository.Store {
	return &repository.Store{
		Intents:  &intentRepository{db: db},
		Devices:  &deviceRepository{db: db},
		Logs:     &deliveryLogRepository{db: db},
		Bookings: &bookingRepository{db: db},
	}
}

func deviceKey(restaurantID, deviceID string) string {
	return restaurantID + "\x00" + deviceID
}
