package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tablealert/internal/model"
	"tablealert/internal/repository"
)

// DeviceService manages the push addresses a restaurant's devices register.
type DeviceService struct {
	devices repository.DeviceRepository
	now     func() time.Time
	log     logrus.FieldLogger
}

func NewDeviceService(devices repository.DeviceRepository, log logrus.FieldLogger) *DeviceService {
	return &DeviceService{
		devices: devices,
		now:     time.Now,
		log:     log.WithField("component", "device_service"),
	}
}

// Register upserts the device's address. Registering again re-enables an
// address a permanent delivery failure switched off, and refreshes last_seen.
func (s *DeviceService) Register(ctx context.Context, restaurantID string, req model.RegisterDeviceRequest) (*model.DeviceAddress, error) {
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	req.PushAddress = strings.TrimSpace(req.PushAddress)
	if req.DeviceID == "" || req.PushAddress == "" {
		return nil, fmt.Errorf("%w: device_id and push_address are required", model.ErrInvalidRequest)
	}
	platform := strings.ToLower(strings.TrimSpace(req.Platform))
	switch platform {
	case model.PlatformIOS, model.PlatformAndroid, model.PlatformExpo:
	case "":
		platform = model.PlatformExpo
	default:
		return nil, fmt.Errorf("%w: unknown platform %q", model.ErrInvalidRequest, req.Platform)
	}

	now := s.now()
	device := &model.DeviceAddress{
		DeviceID:     req.DeviceID,
		RestaurantID: restaurantID,
		PushAddress:  req.PushAddress,
		Platform:     platform,
		Enabled:      true,
		LastSeen:     now,
		CreatedAt:    now,
	}
	if err := s.devices.Upsert(ctx, device); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"restaurant_id": restaurantID,
		"device_id":     device.DeviceID,
		"platform":      platform,
	}).Info("Device registered")
	return device, nil
}

func (s *DeviceService) List(ctx context.Context, restaurantID string) ([]model.DeviceAddress, error) {
	return s.devices.List(ctx, restaurantID)
}

func (s *DeviceService) Remove(ctx context.Context, restaurantID, deviceID string) error {
	return s.devices.Remove(ctx, restaurantID, deviceID)
}
