package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"tablealert/internal/httputil"
	"tablealert/internal/model"
	"tablealert/internal/transport/http/middleware"
)

// writeServiceError maps service sentinels to the error envelope. Anything
// unrecognised is logged and reported as a 500 with fallback as the message.
func writeServiceError(w http.ResponseWriter, log logrus.FieldLogger, err error, fallback string) {
	switch {
	case errors.Is(err, model.ErrInvalidRequest):
		httputil.WriteBadRequest(w, err.Error())
	case errors.Is(err, model.ErrInvalidStatus):
		httputil.WriteBadRequestWithCode(w, model.CodeInvalidStatus, "Unknown status")
	case errors.Is(err, model.ErrBookingNotFound):
		httputil.WriteNotFound(w, "Booking not found")
	case errors.Is(err, model.ErrDeviceNotFound):
		httputil.WriteNotFound(w, "Device not found")
	case errors.Is(err, model.ErrIntentNotFound):
		httputil.WriteNotFound(w, "Alert intent not found")
	case errors.Is(err, model.ErrArchiveDisabled):
		httputil.WriteUnavailableWithCode(w, model.CodeArchiveOff, "Timeline archive is not configured")
	default:
		log.WithError(err).Error(fallback)
		httputil.WriteInternalError(w, fallback)
	}
}

// restaurantFrom reads the authenticated restaurant or writes a 401.
func restaurantFrom(w http.ResponseWriter, r *http.Request) (string, bool) {
	restaurantID, ok := middleware.GetRestaurantIDFromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "Authentication required")
	}
	return restaurantID, ok
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httputil.WriteBadRequest(w, "Invalid request body")
		return false
	}
	return true
}
