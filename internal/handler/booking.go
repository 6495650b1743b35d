package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"tablealert/internal/httputil"
	"tablealert/internal/model"
	"tablealert/internal/service"
)

type BookingHandler struct {
	bookingService *service.BookingService
	log            logrus.FieldLogger
}

func NewBookingHandler(bookingService *service.BookingService, log logrus.FieldLogger) *BookingHandler {
	return &BookingHandler{bookingService: bookingService, log: log}
}

func (h *BookingHandler) fields(restaurantID, bookingID string) logrus.FieldLogger {
	return h.log.WithFields(logrus.Fields{"restaurant_id": restaurantID, "booking_id": bookingID})
}

// Create handles POST /bookings
func (h *BookingHandler) Create(w http.ResponseWriter, r *http.Request) {
	restaurantID, ok := restaurantFrom(w, r)
	if !ok {
		return
	}

	var req model.CreateBookingRequest
	if !decodeBody(w, r, &req) {
		return
	}

	booking, err := h.bookingService.Create(r.Context(), restaurantID, req)
	if err != nil {
		writeServiceError(w, h.fields(restaurantID, req.ID), err, "Failed to create booking")
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, booking)
}

// List handles GET /bookings
//
// Query params:
//   - status: booking status, default pending
//   - from, to: optional RFC3339 bounds on booking_time
func (h *BookingHandler) List(w http.ResponseWriter, r *http.Request) {
	restaurantID, ok := restaurantFrom(w, r)
	if !ok {
		return
	}

	status := model.BookingStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = model.BookingStatusPending
	}
	from, err := httputil.QueryTime(r, "from")
	if err != nil {
		httputil.WriteBadRequest(w, "Invalid from parameter")
		return
	}
	to, err := httputil.QueryTime(r, "to")
	if err != nil {
		httputil.WriteBadRequest(w, "Invalid to parameter")
		return
	}

	bookings, err := h.bookingService.List(r.Context(), restaurantID, status, from, to)
	if err != nil {
		writeServiceError(w, h.log.WithField("restaurant_id", restaurantID), err, "Failed to list bookings")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"bookings": bookings})
}

// Get handles GET /bookings/{id}
func (h *BookingHandler) Get(w http.ResponseWriter, r *http.Request) {
	restaurantID, ok := restaurantFrom(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	booking, err := h.bookingService.Get(r.Context(), restaurantID, id)
	if err != nil {
		writeServiceError(w, h.fields(restaurantID, id), err, "Failed to get booking")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, booking)
}

// Modify handles PATCH /bookings/{id}
func (h *BookingHandler) Modify(w http.ResponseWriter, r *http.Request) {
	restaurantID, ok := restaurantFrom(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	var req model.ModifyBookingRequest
	if !decodeBody(w, r, &req) {
		return
	}

	booking, err := h.bookingService.Modify(r.Context(), restaurantID, id, req)
	if err != nil {
		writeServiceError(w, h.fields(restaurantID, id), err, "Failed to modify booking")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, booking)
}

// UpdateStatus handles POST /bookings/{id}/status
// Body: {"status": "confirmed", "note": "table 4"}
func (h *BookingHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	restaurantID, ok := restaurantFrom(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	var req model.UpdateStatusRequest
	if !decodeBody(w, r, &req) {
		return
	}

	booking, err := h.bookingService.UpdateStatus(r.Context(), restaurantID, id, req)
	if err != nil {
		writeServiceError(w, h.fields(restaurantID, id), err, "Failed to update booking status")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, booking)
}

// StopAlerts handles POST /bookings/{id}/alerts/stop
func (h *BookingHandler) StopAlerts(w http.ResponseWriter, r *http.Request) {
	restaurantID, ok := restaurantFrom(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	n, err := h.bookingService.StopAlerts(r.Context(), restaurantID, id)
	if err != nil {
		writeServiceError(w, h.fields(restaurantID, id), err, "Failed to stop alerts")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]int{"stopped": n})
}

// Timeline handles GET /bookings/{id}/timeline
func (h *BookingHandler) Timeline(w http.ResponseWriter, r *http.Request) {
	restaurantID, ok := restaurantFrom(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	timeline, err := h.bookingService.Timeline(r.Context(), restaurantID, id)
	if err != nil {
		writeServiceError(w, h.fields(restaurantID, id), err, "Failed to load timeline")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, timeline)
}

// ArchiveTimeline handles POST /bookings/{id}/timeline/archive
func (h *BookingHandler) ArchiveTimeline(w http.ResponseWriter, r *http.Request) {
	restaurantID, ok := restaurantFrom(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	res, err := h.bookingService.ArchiveTimeline(r.Context(), restaurantID, id)
	if err != nil {
		writeServiceError(w, h.fields(restaurantID, id), err, "Failed to archive timeline")
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, res)
}
