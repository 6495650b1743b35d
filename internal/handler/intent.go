package handler

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"tablealert/internal/httputil"
	"tablealert/internal/model"
	"tablealert/internal/service"
)

type IntentHandler struct {
	intentService *service.IntentService
	log           logrus.FieldLogger
}

func NewIntentHandler(intentService *service.IntentService, log logrus.FieldLogger) *IntentHandler {
	return &IntentHandler{intentService: intentService, log: log}
}

// Enqueue handles POST /intents
func (h *IntentHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	restaurantID, ok := restaurantFrom(w, r)
	if !ok {
		return
	}

	var req model.EnqueueRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.intentService.Enqueue(r.Context(), restaurantID, req)
	if err != nil {
		writeServiceError(w, h.log.WithField("restaurant_id", restaurantID), err, "Failed to enqueue alert")
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, res)
}

// List handles GET /intents?status=failed&limit=50
func (h *IntentHandler) List(w http.ResponseWriter, r *http.Request) {
	restaurantID, ok := restaurantFrom(w, r)
	if !ok {
		return
	}

	status := model.IntentStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = model.IntentStatusFailed
	}
	limit, err := httputil.QueryInt(r, "limit", 50)
	if err != nil {
		httputil.WriteBadRequest(w, "Invalid limit parameter")
		return
	}

	intents, err := h.intentService.List(r.Context(), restaurantID, status, limit)
	if err != nil {
		writeServiceError(w, h.log.WithField("restaurant_id", restaurantID), err, "Failed to list alert intents")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"intents": intents})
}
