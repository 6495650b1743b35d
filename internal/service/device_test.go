package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablealert/internal/logger"
	"tablealert/internal/model"
	"tablealert/internal/repository/memstore"
)

func TestDeviceService_RegisterReenablesDisabledAddress(t *testing.T) {
	store := memstore.New().Store()
	svc := NewDeviceService(store.Devices, logger.Discard())
	svc.now = func() time.Time { return t0 }
	ctx := context.Background()

	req := model.RegisterDeviceRequest{DeviceID: "tablet-1", PushAddress: "ExponentPushToken[a]", Platform: "Android"}
	device, err := svc.Register(ctx, "r1", req)
	require.NoError(t, err)
	assert.Equal(t, model.PlatformAndroid, device.Platform)
	assert.True(t, device.Enabled)

	n, err := store.Devices.Disable(ctx, "ExponentPushToken[a]")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	enabled, err := store.Devices.ListEnabled(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, enabled)

	_, err = svc.Register(ctx, "r1", req)
	require.NoError(t, err)

	enabled, err = store.Devices.ListEnabled(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.True(t, enabled[0].LastSeen.Equal(t0))
}

func TestDeviceService_RegisterValidation(t *testing.T) {
	svc := NewDeviceService(memstore.New().Store().Devices, logger.Discard())
	ctx := context.Background()

	_, err := svc.Register(ctx, "r1", model.RegisterDeviceRequest{DeviceID: "d1"})
	assert.ErrorIs(t, err, model.ErrInvalidRequest)

	_, err = svc.Register(ctx, "r1", model.RegisterDeviceRequest{DeviceID: "d1", PushAddress: "x", Platform: "pager"})
	assert.ErrorIs(t, err, model.ErrInvalidRequest)

	device, err := svc.Register(ctx, "r1", model.RegisterDeviceRequest{DeviceID: "d1", PushAddress: "x"})
	require.NoError(t, err)
	assert.Equal(t, model.PlatformExpo, device.Platform)
}

func TestDeviceService_Remove(t *testing.T) {
	svc := NewDeviceService(memstore.New().Store().Devices, logger.Discard())
	ctx := context.Background()

	_, err := svc.Register(ctx, "r1", model.RegisterDeviceRequest{DeviceID: "d1", PushAddress: "x"})
	require.NoError(t, err)

	require.NoError(t, svc.Remove(ctx, "r1", "d1"))
	assert.ErrorIs(t, svc.Remove(ctx, "r1", "d1"), model.ErrDeviceNotFound)

	devices, err := svc.List(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, devices)
}
