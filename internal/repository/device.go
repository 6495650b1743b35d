package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"tablealert/internal/model"
)

type deviceRepository struct {
	db *sqlx.DB
}

func NewDeviceRepository(db *sqlx.DB) DeviceRepository {
	return &deviceRepository{db: db}
}

// Upsert creates or refreshes a device registration.
// Re-registering re-enables an address that was disabled by a permanent failure.
func (r *deviceRepository) Upsert(ctx context.Context, device *model.DeviceAddress) error {
	query := `
		INSERT INTO device_addresses (restaurant_id, device_id, push_address, platform, enabled, last_seen)
		VALUES ($1, $2, $3, $4, TRUE, $5)
		ON CONFLICT (restaurant_id, device_id) DO UPDATE SET
			push_address = EXCLUDED.push_address,
			platform = EXCLUDED.platform,
			enabled = TRUE,
			last_seen = EXCLUDED.last_seen
	`
	_, err := r.db.ExecContext(ctx, query,
		device.RestaurantID, device.DeviceID, device.PushAddress, device.Platform, device.LastSeen)
	if err != nil {
		return fmt.Errorf("upsert device address: %w", err)
	}
	device.Enabled = true
	return nil
}

func (r *deviceRepository) ListEnabled(ctx context.Context, restaurantID string) ([]model.DeviceAddress, error) {
	query := `
		SELECT restaurant_id, device_id, push_address, platform, enabled, last_seen, created_at
		FROM device_addresses
		WHERE restaurant_id = $1 AND enabled
		ORDER BY device_id
	`
	var devices []model.DeviceAddress
	if err := r.db.SelectContext(ctx, &devices, query, restaurantID); err != nil {
		return nil, fmt.Errorf("list enabled devices: %w", err)
	}
	return devices, nil
}

func (r *deviceRepository) List(ctx context.Context, restaurantID string) ([]model.DeviceAddress, error) {
	query := `
		SELECT restaurant_id, device_id, push_address, platform, enabled, last_seen, created_at
		FROM device_addresses
		WHERE restaurant_id = $1
		ORDER BY last_seen DESC
	`
	var devices []model.DeviceAddress
	if err := r.db.SelectContext(ctx, &devices, query, restaurantID); err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return devices, nil
}

func (r *deviceRepository) Disable(ctx context.Context, pushAddress string) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE device_addresses SET enabled = FALSE WHERE push_address = $1 AND enabled`, pushAddress)
	if err != nil {
		return 0, fmt.Errorf("disable device address: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *deviceRepository) Remove(ctx context.Context, restaurantID, deviceID string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM device_addresses WHERE restaurant_id = $1 AND device_id = $2`, restaurantID, deviceID)
	if err != nil {
		return fmt.Errorf("delete device address: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrDeviceNotFound
	}
	return nil
}
