package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"tablealert/internal/httputil"
	"tablealert/internal/model"
	"tablealert/internal/service"
)

type DeviceHandler struct {
	deviceService *service.DeviceService
	log           logrus.FieldLogger
}

func NewDeviceHandler(deviceService *service.DeviceService, log logrus.FieldLogger) *DeviceHandler {
	return &DeviceHandler{deviceService: deviceService, log: log}
}

// Register handles POST /devices
// Body: {"device_id": "...", "push_address": "ExponentPushToken[...]", "platform": "android"}
func (h *DeviceHandler) Register(w http.ResponseWriter, r *http.Request) {
	restaurantID, ok := restaurantFrom(w, r)
	if !ok {
		return
	}

	var req model.RegisterDeviceRequest
	if !decodeBody(w, r, &req) {
		return
	}

	device, err := h.deviceService.Register(r.Context(), restaurantID, req)
	if err != nil {
		writeServiceError(w, h.log.WithField("restaurant_id", restaurantID), err, "Failed to register device")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, device)
}

// List handles GET /devices
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	restaurantID, ok := restaurantFrom(w, r)
	if !ok {
		return
	}

	devices, err := h.deviceService.List(r.Context(), restaurantID)
	if err != nil {
		writeServiceError(w, h.log.WithField("restaurant_id", restaurantID), err, "Failed to list devices")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"devices": devices})
}

// Remove handles DELETE /devices/{deviceId}
func (h *DeviceHandler) Remove(w http.ResponseWriter, r *http.Request) {
	restaurantID, ok := restaurantFrom(w, r)
	if !ok {
		return
	}

	if err := h.deviceService.Remove(r.Context(), restaurantID, chi.URLParam(r, "deviceId")); err != nil {
		writeServiceError(w, h.log.WithField("restaurant_id", restaurantID), err, "Failed to remove device")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
