package handler

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"tablealert/internal/feed"
)

type FeedHandler struct {
	hub      *feed.Hub
	upgrader websocket.Upgrader
	log      logrus.FieldLogger
}

func NewFeedHandler(hub *feed.Hub, log logrus.FieldLogger) *FeedHandler {
	return &FeedHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Auth is the bearer token; devices connect from any origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

// Subscribe handles GET /feed
// Upgrades to a websocket that receives the restaurant's booking changes.
func (h *FeedHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	restaurantID, ok := restaurantFrom(w, r)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		h.log.WithError(err).WithField("restaurant_id", restaurantID).Warn("Feed upgrade failed")
		return
	}
	h.hub.Serve(conn, restaurantID)
}
