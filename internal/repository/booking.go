package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"tablealert/internal/model"
)

const bookingColumns = `id, restaurant_id, guest_name, party_size, booking_time, status, note, created_at, updated_at`

type bookingRepository struct {
	db *sqlx.DB
}

func NewBookingRepository(db *sqlx.DB) BookingRepository {
	return &bookingRepository{db: db}
}

func (r *bookingRepository) Create(ctx context.Context, booking *model.Booking) error {
	query := `
		INSERT INTO bookings (id, restaurant_id, guest_name, party_size, booking_time, status, note, created_at, updated_at)
		VALUES (:id, :restaurant_id, :guest_name, :party_size, :booking_time, :status, :note, :created_at, :updated_at)
	`
	if _, err := r.db.NamedExecContext(ctx, query, booking); err != nil {
		return fmt.Errorf("insert booking: %w", err)
	}
	return nil
}

func (r *bookingRepository) Get(ctx context.Context, id string) (*model.Booking, error) {
	var booking model.Booking
	err := r.db.GetContext(ctx, &booking, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get booking: %w", err)
	}
	return &booking, nil
}

func (r *bookingRepository) GetStatus(ctx context.Context, id string) (model.BookingStatus, error) {
	var status string
	err := r.db.GetContext(ctx, &status, `SELECT status FROM bookings WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", model.ErrBookingNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get booking status: %w", err)
	}
	return model.BookingStatus(status), nil
}

func (r *bookingRepository) ListByStatus(ctx context.Context, restaurantID string, status model.BookingStatus, from, to *time.Time) ([]model.Booking, error) {
	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE restaurant_id = $1
		  AND status = $2
		  AND ($3::timestamptz IS NULL OR booking_time >= $3)
		  AND ($4::timestamptz IS NULL OR booking_time < $4)
		ORDER BY booking_time, id
	`
	var bookings []model.Booking
	if err := r.db.SelectContext(ctx, &bookings, query, restaurantID, string(status), from, to); err != nil {
		return nil, fmt.Errorf("list bookings by status: %w", err)
	}
	return bookings, nil
}

// UpdateStatus locks the row so the returned previous status belongs to this write.
func (r *bookingRepository) UpdateStatus(ctx context.Context, id string, status model.BookingStatus, note *string) (*model.Booking, model.BookingStatus, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var previous string
	err = tx.GetContext(ctx, &previous, `SELECT status FROM bookings WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", model.ErrBookingNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("lock booking: %w", err)
	}

	var booking model.Booking
	err = tx.GetContext(ctx, &booking, `
		UPDATE bookings
		SET status = $2, note = COALESCE($3, note), updated_at = NOW()
		WHERE id = $1
		RETURNING `+bookingColumns, id, string(status), note)
	if err != nil {
		return nil, "", fmt.Errorf("update booking status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, "", fmt.Errorf("commit booking status: %w", err)
	}
	return &booking, model.BookingStatus(previous), nil
}

func (r *bookingRepository) UpdateDetails(ctx context.Context, id string, bookingTime *time.Time, partySize *int) (*model.Booking, error) {
	var booking model.Booking
	err := r.db.GetContext(ctx, &booking, `
		UPDATE bookings
		SET booking_time = COALESCE($2, booking_time),
		    party_size = COALESCE($3, party_size),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+bookingColumns, id, bookingTime, partySize)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update booking details: %w", err)
	}
	return &booking, nil
}

// NewPostgresStore wires every repository to one connection pool.
func NewPostgresStore(db *sqlx.DB) *Store {
	return &Store{
		Intents:  NewIntentRepository(db),
		Devices:  NewDeviceRepository(db),
		Logs:     NewDeliveryLogRepository(db),
		Bookings: NewBookingRepository(db),
	}
}
