package memstore

import (
	"context"
	"sort"

	"tablealert/internal/model"
)

type deviceRepository struct {
	db *DB
}

func (r *deviceRepository) Upsert(ctx context.Context, device *model.DeviceAddress) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	key := deviceKey(device.RestaurantID, device.DeviceID)
	stored, ok := r.db.devices[key]
	if !ok {
		stored = &model.DeviceAddress{
			RestaurantID: device.RestaurantID,
			DeviceID:     device.DeviceID,
			CreatedAt:    device.LastSeen,
		}
		r.db.devices[key] = stored
	}
	stored.PushAddress = device.PushAddress
	stored.Platform = device.Platform
	stored.Enabled = true
	stored.LastSeen = device.LastSeen
	device.Enabled = true
	device.CreatedAt = stored.CreatedAt
	return nil
}

func (r *deviceRepository) ListEnabled(ctx context.Context, restaurantID string) ([]model.DeviceAddress, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var out []model.DeviceAddress
	for _, d := range r.db.devices {
		if d.RestaurantID == restaurantID && d.Enabled {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (r *deviceRepository) List(ctx context.Context, restaurantID string) ([]model.DeviceAddress, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var out []model.DeviceAddress
	for _, d := range r.db.devices {
		if d.RestaurantID == restaurantID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out, nil
}

func (r *deviceRepository) Disable(ctx context.Context, pushAddress string) (int, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	n := 0
	for _, d := range r.db.devices {
		if d.PushAddress == pushAddress && d.Enabled {
			d.Enabled = false
			n++
		}
	}
	return n, nil
}

func (r *deviceRepository) Remove(ctx context.Context, restaurantID, deviceID string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	key := deviceKey(restaurantID, deviceID)
	if _, ok := r.db.devices[key]; !ok {
		return model.ErrDeviceNotFound
	}
	delete(r.db.devices, key)
	return nil
}
